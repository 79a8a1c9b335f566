package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"

	"toolpin/internal/paths"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

// PinFile is a project's .toolpin.yaml.
type PinFile struct {
	Tools map[string]string `yaml:"tools"`
}

// Pins is a loaded pin file with its specifiers parsed.
type Pins struct {
	// Root is the project directory holding the pin file.
	Root  string
	Path  string
	Specs map[string]version.Specifier
}

// Spec returns the pinned specifier for tool, or a zero specifier.
func (p Pins) Spec(tool string) version.Specifier {
	if p.Specs == nil {
		return version.Specifier{}
	}
	return p.Specs[strings.ToLower(tool)]
}

// Tools returns the pinned tool names, sorted.
func (p Pins) Tools() []string {
	names := make([]string, 0, len(p.Specs))
	for name := range p.Specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindPins walks up from dir to the nearest pin file and loads it. ok is
// false when no pin file exists.
func FindPins(dir string, reg *tools.Registry) (Pins, bool, error) {
	root, err := paths.FindProjectRoot(dir)
	if err != nil {
		return Pins{}, false, err
	}
	if root == "" {
		return Pins{}, false, nil
	}
	pins, err := LoadPins(filepath.Join(root, paths.PinFileName), reg)
	if err != nil {
		return Pins{}, false, err
	}
	return pins, true, nil
}

// LoadPins reads and validates a pin file. Validation errors are reported
// together.
func LoadPins(path string, reg *tools.Registry) (Pins, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Pins{}, fmt.Errorf("read pin file: %w", err)
	}
	var file PinFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return Pins{}, fmt.Errorf("parse pin file %s: %w", path, err)
	}
	if err := resultsError(file.Validate(reg)); err != nil {
		return Pins{}, fmt.Errorf("invalid pin file %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return Pins{}, fmt.Errorf("resolve pin file: %w", err)
	}
	pins := Pins{Root: filepath.Dir(abs), Path: abs, Specs: make(map[string]version.Specifier, len(file.Tools))}
	for name, raw := range file.Tools {
		tool, _ := version.ParseTool(name)
		spec, _ := version.Parse(raw)
		pins.Specs[tool] = spec
	}
	return pins, nil
}

// Validate checks every entry of the pin file. A nil registry skips the
// known-tool check.
func (f PinFile) Validate(reg *tools.Registry) []ValidationResult {
	names := make([]string, 0, len(f.Tools))
	for name := range f.Tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []ValidationResult
	seen := map[string]string{}
	for _, name := range names {
		tool, err := version.ParseTool(name)
		if err != nil {
			results = append(results, errorResult("tools: %v", err))
			continue
		}
		if prev, dup := seen[tool]; dup {
			results = append(results, errorResult("tools: %q and %q name the same tool", prev, name))
		}
		seen[tool] = name
		if reg != nil {
			if _, ok := reg.Definition(tool); !ok {
				results = append(results, errorResult("tools.%s: unknown tool (known: %s)", name, strings.Join(reg.Names(), ", ")))
			}
		}
		if _, err := version.Parse(f.Tools[name]); err != nil {
			results = append(results, errorResult("tools.%s: %v", name, err))
		}
	}
	return results
}

// SavePin records spec for tool in the pin file at path, creating the file
// when needed. Other entries are preserved.
func SavePin(path, tool string, spec version.Specifier) error {
	var file PinFile
	contents, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(contents, &file); err != nil {
			return fmt.Errorf("parse pin file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read pin file: %w", err)
	}
	if file.Tools == nil {
		file.Tools = map[string]string{}
	}
	file.Tools[tool] = spec.String()

	buf, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal pin file: %w", err)
	}
	if err := atomicwriter.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write pin file: %w", err)
	}
	return nil
}
