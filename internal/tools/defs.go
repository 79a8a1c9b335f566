package tools

import (
	"fmt"
	"sort"
	"strings"
)

var builtinDefinitions = map[string]Definition{
	"node": {
		Name:               "node",
		DisplayName:        "Node.js",
		Index:              IndexNodeDist,
		IndexURL:           "https://nodejs.org/dist",
		Executables:        []string{"bin/node"},
		WindowsExecutables: []string{"node.exe"},
	},
	"yarn": {
		Name:               "yarn",
		DisplayName:        "Yarn",
		Index:              IndexNPM,
		IndexURL:           "https://registry.npmjs.org/yarn",
		Executables:        []string{"bin/yarn", "bin/yarn.js"},
		WindowsExecutables: []string{"bin/yarn.cmd", "bin/yarn.js"},
	},
	"npm": {
		Name:               "npm",
		DisplayName:        "npm",
		Index:              IndexNPM,
		IndexURL:           "https://registry.npmjs.org/npm",
		Executables:        []string{"bin/npm", "bin/npm-cli.js"},
		WindowsExecutables: []string{"bin/npm.cmd", "bin/npm-cli.js"},
	},
	"pnpm": {
		Name:        "pnpm",
		DisplayName: "pnpm",
		Index:       IndexNPM,
		IndexURL:    "https://registry.npmjs.org/pnpm",
		Executables: []string{"bin/pnpm.cjs"},
	},
}

// Registry holds the tool definitions known to a process.
type Registry struct {
	defs map[string]Definition
}

// DefaultRegistry returns a registry of the built-in tools.
func DefaultRegistry() *Registry {
	defs := make(map[string]Definition, len(builtinDefinitions))
	for name, def := range builtinDefinitions {
		defs[name] = def
	}
	return &Registry{defs: defs}
}

// NewRegistry builds a registry from explicit definitions.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: map[string]Definition{}}
	for _, def := range defs {
		r.defs[def.Name] = def
	}
	return r
}

// Register adds or replaces a definition after validating it.
func (r *Registry) Register(def Definition) error {
	def.Name = strings.ToLower(strings.TrimSpace(def.Name))
	if def.Name == "" {
		return fmt.Errorf("tool definition missing name")
	}
	switch def.Index {
	case IndexNodeDist, IndexNPM, IndexManifest:
	default:
		return fmt.Errorf("tool %s: unsupported index kind %q", def.Name, def.Index)
	}
	if strings.TrimSpace(def.IndexURL) == "" {
		return fmt.Errorf("tool %s: index url required", def.Name)
	}
	if len(def.Executables) == 0 {
		return fmt.Errorf("tool %s: at least one executable required", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// OverrideIndexURL points an existing tool at a mirror.
func (r *Registry) OverrideIndexURL(name, url string) error {
	def, ok := r.defs[name]
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	def.IndexURL = strings.TrimRight(strings.TrimSpace(url), "/")
	r.defs[name] = def
	return nil
}

// Definition returns the tool definition for the provided name.
func (r *Registry) Definition(name string) (Definition, bool) {
	def, ok := r.defs[strings.ToLower(name)]
	return def, ok
}

// Names returns the managed tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
