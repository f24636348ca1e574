package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// denySegments are path segments no tool may read or write through.
var denySegments = []string{
	".ssh",
	".aws",
	".gnupg",
	".kube",
	"id_rsa",
	"id_ed25519",
	"credentials",
	"passwd",
	"shadow",
}

// writeDenySegments additionally protect build and VCS internals from
// writes.
var writeDenySegments = []string{
	".git",
	"node_modules",
	"vendor",
	"go.mod",
	"go.sum",
	"package.json",
	"package-lock.json",
}

// PathGuard confines tool filesystem access to an allow-list of roots.
type PathGuard struct {
	roots []string // resolved real paths
}

// NewPathGuard resolves the allowed roots. Roots that do not exist are
// skipped; at least one must remain.
func NewPathGuard(roots ...string) (*PathGuard, error) {
	g := &PathGuard{}
	for _, r := range roots {
		real, err := filepath.EvalSymlinks(r)
		if err != nil {
			continue
		}
		g.roots = append(g.roots, real)
	}
	if len(g.roots) == 0 {
		return nil, fmt.Errorf("no usable sandbox roots")
	}
	return g, nil
}

// Roots returns the resolved allow-list.
func (g *PathGuard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Check resolves path relative to base, follows symlinks, and enforces the
// allow-list and deny segments. It returns the cleaned absolute path the
// caller should use.
func (g *PathGuard) Check(base, path string, write bool) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)

	real, err := realpathNearest(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}

	inRoot := false
	for _, root := range g.roots {
		if real == root || strings.HasPrefix(real, root+string(os.PathSeparator)) {
			inRoot = true
			break
		}
	}
	if !inRoot {
		return "", &BlockedError{Reason: fmt.Sprintf("path %q outside sandbox roots", path)}
	}

	for _, seg := range strings.Split(real, string(os.PathSeparator)) {
		lower := strings.ToLower(seg)
		for _, deny := range denySegments {
			if lower == deny {
				return "", &BlockedError{Reason: fmt.Sprintf("path %q touches protected segment %q", path, deny)}
			}
		}
		if strings.HasPrefix(lower, ".env") {
			return "", &BlockedError{Reason: fmt.Sprintf("path %q touches environment file", path)}
		}
		if write {
			for _, deny := range writeDenySegments {
				if lower == deny {
					return "", &BlockedError{Reason: fmt.Sprintf("write to %q blocked by %q", path, deny)}
				}
			}
		}
	}
	return p, nil
}

// realpathNearest resolves symlinks for the deepest existing ancestor so
// not-yet-created files can still be checked.
func realpathNearest(p string) (string, error) {
	var remainder []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(remainder) - 1; i >= 0; i-- {
				real = filepath.Join(real, remainder[i])
			}
			return real, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		remainder = append(remainder, filepath.Base(cur))
		cur = parent
	}
}
