package prompts

import (
	"os"
	"path/filepath"
)

// SearchPaths returns template search directories in precedence order.
func SearchPaths(projectDir string) []string {
	paths := make([]string, 0, 3)
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".proctor", "prompts"))
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "proctor", "prompts"))
	}

	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "proctor", "prompts"))
	return paths
}

// LoadFromSearchPaths loads templates from search paths with first-hit
// precedence. Disk templates override builtins of the same name.
func LoadFromSearchPaths(projectDir string) ([]*Template, error) {
	paths := SearchPaths(projectDir)
	seen := make(map[string]*Template)
	order := make([]string, 0)

	for _, path := range paths {
		templates, err := LoadTemplatesFromDir(path)
		if err != nil {
			return nil, err
		}
		for _, tmpl := range templates {
			if _, exists := seen[tmpl.Name]; exists {
				continue
			}
			seen[tmpl.Name] = tmpl
			order = append(order, tmpl.Name)
		}
	}

	builtins, err := LoadBuiltins()
	if err != nil {
		return nil, err
	}
	for _, tmpl := range builtins {
		if _, exists := seen[tmpl.Name]; exists {
			continue
		}
		seen[tmpl.Name] = tmpl
		order = append(order, tmpl.Name)
	}

	resolved := make([]*Template, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, seen[name])
	}

	return resolved, nil
}
