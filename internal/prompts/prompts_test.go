package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/proctor/internal/models"
)

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	yaml := `name: example
description: Example question
category: knowledge
question: |
  Explain {{.topic}}
variables:
  - name: topic
    description: Subject to explain
    required: true
`

	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	tmpl, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}

	if tmpl.Name != "example" {
		t.Fatalf("expected name example, got %q", tmpl.Name)
	}
	if tmpl.Source != path {
		t.Fatalf("expected source %q, got %q", path, tmpl.Source)
	}
	if tmpl.Category != CategoryKnowledge {
		t.Fatalf("expected knowledge category, got %q", tmpl.Category)
	}
	if len(tmpl.Variables) != 1 || tmpl.Variables[0].Name != "topic" {
		t.Fatalf("unexpected variables: %+v", tmpl.Variables)
	}
}

func TestLoadTemplateRejectsUnknownCategory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")

	yaml := `name: bad
category: trivia
question: Who wrote this?
`

	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	if _, err := LoadTemplate(path); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}

func TestRender(t *testing.T) {
	tmpl := &Template{
		Name:     "greet",
		Category: CategoryKnowledge,
		Question: "Explain {{.topic | default \"queues\"}}",
		Variables: []TemplateVar{
			{Name: "topic"},
		},
	}

	rendered, err := Render(tmpl, map[string]string{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered != "Explain queues" {
		t.Fatalf("unexpected render result: %q", rendered)
	}

	rendered, err = Render(tmpl, map[string]string{"topic": "mutexes"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered != "Explain mutexes" {
		t.Fatalf("unexpected render result: %q", rendered)
	}
}

func TestRenderRequired(t *testing.T) {
	tmpl := &Template{
		Name:     "required",
		Category: CategoryDebugging,
		Question: "Debug {{.symptom}}",
		Variables: []TemplateVar{
			{Name: "symptom", Required: true},
		},
	}

	if _, err := Render(tmpl, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing required variable")
	}

	rendered, err := Render(tmpl, map[string]string{"symptom": "a deadlock"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered != "Debug a deadlock" {
		t.Fatalf("unexpected render result: %q", rendered)
	}
}

func TestLoadBuiltins(t *testing.T) {
	templates, err := LoadBuiltins()
	if err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	if len(templates) < 5 {
		t.Fatalf("expected at least 5 builtin templates, got %d", len(templates))
	}

	for _, tmpl := range templates {
		if tmpl.Source != "builtin" {
			t.Fatalf("expected builtin source, got %q", tmpl.Source)
		}
		if tmpl.Name == "" {
			t.Fatalf("builtin template missing name")
		}
		if !tmpl.Category.Valid() {
			t.Fatalf("builtin template %q has invalid category %q", tmpl.Name, tmpl.Category)
		}
	}
}

func TestBuiltinsRenderWithDefaults(t *testing.T) {
	templates, err := LoadBuiltins()
	if err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}

	for _, tmpl := range templates {
		rendered, err := Render(tmpl, map[string]string{})
		if err != nil {
			t.Fatalf("render builtin %q: %v", tmpl.Name, err)
		}
		if strings.TrimSpace(rendered) == "" {
			t.Fatalf("builtin %q rendered empty", tmpl.Name)
		}
	}
}

func TestLibrarySelect(t *testing.T) {
	lib := NewLibrary([]*Template{
		{Name: "debug-any", Category: CategoryDebugging, Question: "q"},
		{Name: "debug-advanced", Category: CategoryDebugging, Difficulty: models.DifficultyAdvanced, Question: "q"},
		{Name: "arch-any", Category: CategoryArchitecture, Question: "q"},
	})

	tmpl, err := lib.Select(models.DifficultyAdvanced, CategoryDebugging)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if tmpl.Name != "debug-advanced" {
		t.Fatalf("expected exact difficulty match, got %q", tmpl.Name)
	}

	tmpl, err = lib.Select(models.DifficultyBasic, CategoryDebugging)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if tmpl.Name != "debug-any" {
		t.Fatalf("expected any-difficulty fallback, got %q", tmpl.Name)
	}

	if _, err := lib.Select(models.DifficultyBasic, CategoryKnowledge); err == nil {
		t.Fatalf("expected error for uncovered category")
	}
}

func TestBuiltinsCoverEveryCombination(t *testing.T) {
	templates, err := LoadBuiltins()
	if err != nil {
		t.Fatalf("LoadBuiltins: %v", err)
	}
	lib := NewLibrary(templates)

	for _, difficulty := range models.Difficulties() {
		for _, category := range Categories() {
			if _, err := lib.Select(difficulty, category); err != nil {
				t.Fatalf("no builtin for %s/%s: %v", difficulty, category, err)
			}
		}
	}
}

func TestLoadFromSearchPathsOverridesBuiltin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	projectDir := t.TempDir()
	promptDir := filepath.Join(projectDir, ".proctor", "prompts")
	if err := os.MkdirAll(promptDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	override := `name: knowledge-drill
category: knowledge
question: Overridden question body
`
	path := filepath.Join(promptDir, "knowledge.yaml")
	if err := os.WriteFile(path, []byte(override), 0644); err != nil {
		t.Fatalf("write override: %v", err)
	}

	templates, err := LoadFromSearchPaths(projectDir)
	if err != nil {
		t.Fatalf("LoadFromSearchPaths: %v", err)
	}

	var found *Template
	for _, tmpl := range templates {
		if tmpl.Name == "knowledge-drill" {
			found = tmpl
			break
		}
	}
	if found == nil {
		t.Fatalf("knowledge-drill missing from merged set")
	}
	if found.Source != path {
		t.Fatalf("expected disk override to win, source is %q", found.Source)
	}
	if !strings.Contains(found.Question, "Overridden") {
		t.Fatalf("override body not applied: %q", found.Question)
	}
}

func TestCategoryFor(t *testing.T) {
	want := []Category{
		CategoryKnowledge,
		CategoryCodeReview,
		CategoryDebugging,
		CategoryArchitecture,
		CategoryKnowledge,
	}
	for i, expected := range want {
		if got := CategoryFor(i); got != expected {
			t.Fatalf("CategoryFor(%d) = %q, expected %q", i, got, expected)
		}
	}
	if got := CategoryFor(-3); got != CategoryKnowledge {
		t.Fatalf("CategoryFor(-3) = %q, expected knowledge", got)
	}
}
