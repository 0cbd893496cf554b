// Package templates ships the built-in spawn templates: named presets that
// pair a worker configuration with an initial prompt.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.md
var templateFS embed.FS

// Template is one spawn preset. The markdown body is the initial input sent
// to the worker, with {{task}} replaced by the caller's task description.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	AutoAccept  bool   `yaml:"autoAccept" json:"autoAccept"`
	RalphMode   bool   `yaml:"ralphMode" json:"ralphMode"`
	Prompt      string `yaml:"-" json:"prompt"`
}

var frontmatterDelim = []byte("---\n")

// parse splits YAML frontmatter from the markdown body.
func parse(raw []byte) (Template, error) {
	if !bytes.HasPrefix(raw, frontmatterDelim) {
		return Template{}, fmt.Errorf("missing frontmatter")
	}
	rest := raw[len(frontmatterDelim):]
	end := bytes.Index(rest, frontmatterDelim)
	if end < 0 {
		return Template{}, fmt.Errorf("unterminated frontmatter")
	}

	var t Template
	if err := yaml.Unmarshal(rest[:end], &t); err != nil {
		return Template{}, fmt.Errorf("decoding frontmatter: %w", err)
	}
	if t.Name == "" {
		return Template{}, fmt.Errorf("template has no name")
	}
	t.Prompt = strings.TrimSpace(string(rest[end+len(frontmatterDelim):]))
	return t, nil
}

// Load parses every embedded template, keyed by name.
func Load() (map[string]Template, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}

	all := make(map[string]Template, len(entries))
	for _, entry := range entries {
		raw, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		t, err := parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Name(), err)
		}
		all[t.Name] = t
	}
	return all, nil
}

// Names returns the available template names, sorted.
func Names(all map[string]Template) []string {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render substitutes the task description into the template prompt.
func (t Template) Render(task string) string {
	return strings.ReplaceAll(t.Prompt, "{{task}}", task)
}
