package pipeline

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.md
var promptsFS embed.FS

// Prompt is an embedded system prompt.
type Prompt struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"-"`
}

func splitFrontmatter(raw string) (frontmatter, body string, ok bool) {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(s, "---\n") {
		return "", s, false
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end == -1 {
		return "", s, false
	}
	return rest[:end], strings.TrimSpace(rest[end+len("\n---\n"):]), true
}

func parsePrompt(path string) (Prompt, error) {
	content, err := promptsFS.ReadFile(path)
	if err != nil {
		return Prompt{}, err
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, "prompts/"), ".md")
	fmRaw, body, ok := splitFrontmatter(string(content))
	if !ok {
		return Prompt{}, fmt.Errorf("missing frontmatter (id=%s)", id)
	}
	var p Prompt
	if err := yaml.Unmarshal([]byte(fmRaw), &p); err != nil {
		return Prompt{}, fmt.Errorf("parsing frontmatter (id=%s): %w", id, err)
	}
	if p.ID != id {
		return Prompt{}, fmt.Errorf("frontmatter: id %q does not match filename %q", p.ID, id)
	}
	p.Content = body
	return p, nil
}

// SystemPrompt returns the system prompt for role.
func SystemPrompt(role string) (string, error) {
	p, err := parsePrompt("prompts/" + role + ".md")
	if err != nil {
		return "", fmt.Errorf("system prompt for %s: %w", role, err)
	}
	return p.Content, nil
}

// ListPrompts returns every embedded prompt ordered by id.
func ListPrompts() ([]Prompt, error) {
	var out []Prompt
	err := fs.WalkDir(promptsFS, "prompts", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		p, err := parsePrompt(path)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}
