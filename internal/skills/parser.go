// Package skills loads markdown prompt extensions from the skills
// directory. A skill is one .md file: YAML frontmatter naming it and
// scoping it to roles, body injected into matching agents' prompts.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelimiter = "---"

// Skill is one parsed prompt extension.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	Roles       []string `yaml:"roles"`

	Content string `yaml:"-"`
	Path    string `yaml:"-"`
}

// AppliesTo reports whether the skill is active for a role. A skill with
// no roles applies to every role.
func (s *Skill) AppliesTo(role string) bool {
	if len(s.Roles) == 0 {
		return true
	}
	for _, r := range s.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// PromptSection renders the skill for inclusion in a system prompt.
func (s *Skill) PromptSection() string {
	return fmt.Sprintf("### Skill: %s\n%s", s.Name, s.Content)
}

// ParseFile parses one skill file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return Parse(data, path)
}

// Parse parses skill file content.
func Parse(data []byte, path string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	skill.Content = strings.TrimSpace(string(body))
	skill.Path = path
	return &skill, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
