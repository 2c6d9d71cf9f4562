package prompts

import (
	"fmt"
	"sort"

	"github.com/opencode-ai/proctor/internal/models"
)

// Library holds a resolved set of question templates and answers selection
// queries for the exam service.
type Library struct {
	templates []*Template
}

// NewLibrary builds a library from an already-merged template set.
func NewLibrary(templates []*Template) *Library {
	out := make([]*Template, len(templates))
	copy(out, templates)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return &Library{templates: out}
}

// Load builds a library from the search paths merged over the builtins.
func Load(projectDir string) (*Library, error) {
	templates, err := LoadFromSearchPaths(projectDir)
	if err != nil {
		return nil, err
	}
	return NewLibrary(templates), nil
}

// Templates returns the library contents sorted by name.
func (l *Library) Templates() []*Template {
	out := make([]*Template, len(l.templates))
	copy(out, l.templates)
	return out
}

// Select picks the question template for a difficulty and category. An exact
// difficulty match wins over the category's any-difficulty template, and ties
// break by template name, so selection is deterministic for a given library.
func (l *Library) Select(difficulty models.Difficulty, category Category) (*Template, error) {
	var fallback *Template
	for _, tmpl := range l.templates {
		if tmpl.Category != category {
			continue
		}
		if tmpl.Difficulty == difficulty {
			return tmpl, nil
		}
		if tmpl.Difficulty == "" && fallback == nil {
			fallback = tmpl
		}
	}

	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("no template for category %q at difficulty %q", category, difficulty)
}
