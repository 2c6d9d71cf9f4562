// Package prompts provides exam question template loading and rendering.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/proctor/internal/models"
)

// Category groups exam questions by the skill they probe.
type Category string

const (
	CategoryKnowledge    Category = "knowledge"
	CategoryCodeReview   Category = "code-review"
	CategoryDebugging    Category = "debugging"
	CategoryArchitecture Category = "architecture"
)

var categoryOrder = []Category{
	CategoryKnowledge,
	CategoryCodeReview,
	CategoryDebugging,
	CategoryArchitecture,
}

// Categories returns the exam categories in rotation order.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// Valid reports whether the category is a known exam category.
func (c Category) Valid() bool {
	for _, known := range categoryOrder {
		if c == known {
			return true
		}
	}
	return false
}

// CategoryFor returns the category an agent's next test draws from. Categories
// rotate with the attempt count so coverage stays even across a history.
func CategoryFor(attempts int) Category {
	if attempts < 0 {
		attempts = 0
	}
	return categoryOrder[attempts%len(categoryOrder)]
}

// Template represents a single exam question template. A template with an
// empty difficulty applies at any difficulty and acts as the category
// fallback when no exact match exists.
type Template struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Category    Category          `yaml:"category"`
	Difficulty  models.Difficulty `yaml:"difficulty,omitempty"`
	Question    string            `yaml:"question"`
	Variables   []TemplateVar     `yaml:"variables,omitempty"`
	Tags        []string          `yaml:"tags,omitempty"`
	Source      string            // file path or "builtin"
}

// TemplateVar describes a variable used in a question template.
type TemplateVar struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required"`
}

func parseTemplate(data []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	if strings.TrimSpace(tmpl.Name) == "" {
		return nil, fmt.Errorf("template name is required")
	}
	if strings.TrimSpace(tmpl.Question) == "" {
		return nil, fmt.Errorf("template %q has no question body", tmpl.Name)
	}
	if !tmpl.Category.Valid() {
		return nil, fmt.Errorf("template %q has unknown category %q", tmpl.Name, tmpl.Category)
	}
	if tmpl.Difficulty != "" && !tmpl.Difficulty.Valid() {
		return nil, fmt.Errorf("template %q has unknown difficulty %q", tmpl.Name, tmpl.Difficulty)
	}

	return &tmpl, nil
}

// LoadTemplate loads a single template from a YAML file.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}

	tmpl, err := parseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", path, err)
	}

	tmpl.Source = path
	return tmpl, nil
}

// LoadTemplatesFromDir loads all templates from a directory. A missing
// directory is not an error.
func LoadTemplatesFromDir(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read template dir %s: %w", dir, err)
	}

	templates := make([]*Template, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tmpl, err := LoadTemplate(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})

	return templates, nil
}
