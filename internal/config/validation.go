package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"toolpin/internal/logx"
	"toolpin/internal/tools"
	"toolpin/internal/version"
)

// ValidationResult captures a single validation finding.
type ValidationResult struct {
	Level   string `json:"level"` // "error" or "warning"
	Message string `json:"message"`
}

// Validate checks settings and returns every finding rather than the first.
func (s Settings) Validate() []ValidationResult {
	var results []ValidationResult
	results = append(results, s.validateScalars()...)
	results = append(results, s.validateMirrors()...)
	results = append(results, s.validateTools()...)
	return results
}

func (s Settings) validateScalars() []ValidationResult {
	var results []ValidationResult
	if _, err := logx.ParseLevel(s.LogLevel); err != nil {
		results = append(results, errorResult("log_level: %v", err))
	}
	if s.Index.TTL < 0 {
		results = append(results, errorResult("index.ttl must be >= 0"))
	}
	if s.Fetch.Attempts < 1 {
		results = append(results, errorResult("fetch.attempts must be >= 1"))
	}
	if s.Fetch.InitialBackoff < 0 || s.Fetch.MaxBackoff < 0 {
		results = append(results, errorResult("fetch backoff durations must be >= 0"))
	}
	if s.Fetch.MaxBackoff > 0 && s.Fetch.InitialBackoff > s.Fetch.MaxBackoff {
		results = append(results, errorResult("fetch.initial_backoff %s exceeds fetch.max_backoff %s", s.Fetch.InitialBackoff, s.Fetch.MaxBackoff))
	}
	if s.Fetch.StallTimeout < 0 || s.Fetch.ConnectTimeout < 0 || s.Fetch.HeaderTimeout < 0 {
		results = append(results, errorResult("fetch timeouts must be >= 0"))
	}
	if s.Staging.MaxAge < 0 {
		results = append(results, errorResult("staging.max_age must be >= 0"))
	}
	return results
}

func (s Settings) validateMirrors() []ValidationResult {
	known := map[string]bool{}
	for _, name := range tools.DefaultRegistry().Names() {
		known[name] = true
	}
	for _, t := range s.Tools {
		known[strings.ToLower(t.Name)] = true
	}

	names := make([]string, 0, len(s.Index.Mirrors))
	for name := range s.Index.Mirrors {
		names = append(names, name)
	}
	sort.Strings(names)

	var results []ValidationResult
	for _, name := range names {
		if !known[strings.ToLower(name)] {
			results = append(results, warningResult("index.mirrors: %q is not a known tool", name))
			continue
		}
		if err := checkURL(s.Index.Mirrors[name]); err != nil {
			results = append(results, errorResult("index.mirrors.%s: %v", name, err))
		}
	}
	return results
}

func (s Settings) validateTools() []ValidationResult {
	var results []ValidationResult
	seen := map[string]bool{}
	for i, t := range s.Tools {
		name, err := version.ParseTool(t.Name)
		if err != nil {
			results = append(results, errorResult("tools[%d]: %v", i, err))
			continue
		}
		if seen[name] {
			results = append(results, errorResult("tools[%d]: %q declared twice", i, name))
		}
		seen[name] = true
		if _, builtin := tools.DefaultRegistry().Definition(name); builtin {
			results = append(results, warningResult("tools[%d]: %q replaces the built-in definition", i, name))
		}
		if err := checkURL(t.Manifest); err != nil {
			results = append(results, errorResult("tools[%d] (%s): manifest %v", i, name, err))
		}
		if len(t.Executables) == 0 {
			results = append(results, errorResult("tools[%d] (%s): at least one executable is required", i, name))
		}
	}
	return results
}

func checkURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("url %q must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// Errors returns only the error-level findings.
func Errors(results []ValidationResult) []ValidationResult {
	var out []ValidationResult
	for _, r := range results {
		if r.Level == "error" {
			out = append(out, r)
		}
	}
	return out
}

func resultsError(results []ValidationResult) error {
	var errs []error
	for _, r := range Errors(results) {
		errs = append(errs, errors.New(r.Message))
	}
	return errors.Join(errs...)
}

func errorResult(format string, args ...any) ValidationResult {
	return ValidationResult{Level: "error", Message: fmt.Sprintf(format, args...)}
}

func warningResult(format string, args ...any) ValidationResult {
	return ValidationResult{Level: "warning", Message: fmt.Sprintf(format, args...)}
}

// Registry builds the tool registry these settings describe: the built-in
// tools with mirror overrides applied, plus declared manifest tools.
func (s Settings) Registry() (*tools.Registry, error) {
	reg := tools.DefaultRegistry()
	for _, t := range s.Tools {
		def := tools.Definition{
			Name:               t.Name,
			DisplayName:        t.DisplayName,
			Index:              tools.IndexManifest,
			IndexURL:           t.Manifest,
			Executables:        t.Executables,
			WindowsExecutables: t.WindowsExecutables,
		}
		if def.DisplayName == "" {
			def.DisplayName = t.Name
		}
		if err := reg.Register(def); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}
	for name, mirror := range s.Index.Mirrors {
		if _, ok := reg.Definition(name); !ok {
			continue
		}
		if err := reg.OverrideIndexURL(strings.ToLower(name), mirror); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
