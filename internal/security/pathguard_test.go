package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestGuard(t *testing.T) (*PathGuard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := NewPathGuard(root)
	if err != nil {
		t.Fatalf("NewPathGuard: %v", err)
	}
	return g, root
}

func TestPathGuard_AllowsInsideRoot(t *testing.T) {
	g, root := newTestGuard(t)

	p, err := g.Check(root, "notes/todo.txt", false)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if p != filepath.Join(root, "notes", "todo.txt") {
		t.Errorf("resolved = %s", p)
	}
}

func TestPathGuard_RejectsOutsideRoot(t *testing.T) {
	g, root := newTestGuard(t)

	cases := []string{
		"../../etc/hosts",
		"/etc/hosts",
		filepath.Join(os.TempDir(), "..", "etc", "hosts"),
	}
	for _, c := range cases {
		if _, err := g.Check(root, c, false); err == nil {
			t.Errorf("Check(%q) allowed, want blocked", c)
		}
	}
}

func TestPathGuard_DenySegments(t *testing.T) {
	g, root := newTestGuard(t)

	for _, c := range []string{
		".ssh/id_rsa",
		"sub/.aws/credentials",
		"project/.env",
		"project/.env.production",
		"etc/passwd",
	} {
		_, err := g.Check(root, c, false)
		var blocked *BlockedError
		if !errors.As(err, &blocked) {
			t.Errorf("Check(%q) = %v, want BlockedError", c, err)
		}
	}
}

func TestPathGuard_WriteDeny(t *testing.T) {
	g, root := newTestGuard(t)

	// Reads of manifests are fine; writes are not.
	if _, err := g.Check(root, "proj/go.mod", false); err != nil {
		t.Errorf("read go.mod blocked: %v", err)
	}
	if _, err := g.Check(root, "proj/go.mod", true); err == nil {
		t.Error("write go.mod allowed, want blocked")
	}
	if _, err := g.Check(root, "proj/.git/config", true); err == nil {
		t.Error("write under .git allowed, want blocked")
	}
}

func TestPathGuard_SymlinkEscape(t *testing.T) {
	g, root := newTestGuard(t)
	outside := t.TempDir()

	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := g.Check(root, "escape/file.txt", false); err == nil {
		t.Error("symlink escape allowed, want blocked")
	}
}

func TestValidateEnumArg(t *testing.T) {
	if err := ValidateEnumArg("profile", "release", []string{"debug", "release"}); err != nil {
		t.Errorf("allowed value rejected: %v", err)
	}
	if err := ValidateEnumArg("profile", "release; rm -rf /", []string{"debug", "release"}); err == nil {
		t.Error("injection value allowed")
	}
}

func TestValidateFreeArg(t *testing.T) {
	if err := ValidateFreeArg("lane", "beta-ios"); err != nil {
		t.Errorf("clean value rejected: %v", err)
	}
	for _, v := range []string{"a;b", "a|b", "a$(b)", "a`b`", "a>b", "a\nb"} {
		if err := ValidateFreeArg("lane", v); err == nil {
			t.Errorf("ValidateFreeArg(%q) allowed, want blocked", v)
		}
	}
}
