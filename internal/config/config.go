package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"toolpin/internal/paths"
)

// EnvPrefix namespaces environment overrides: fetch.attempts is read from
// TOOLPIN_FETCH_ATTEMPTS.
const EnvPrefix = "TOOLPIN"

// Settings are the machine-wide options read from <home>/config.yaml.
type Settings struct {
	LogLevel string          `mapstructure:"log_level" yaml:"log_level"`
	Offline  bool            `mapstructure:"offline" yaml:"offline"`
	Index    IndexSettings   `mapstructure:"index" yaml:"index"`
	Fetch    FetchSettings   `mapstructure:"fetch" yaml:"fetch"`
	Staging  StagingSettings `mapstructure:"staging" yaml:"staging"`
	// Tools adds manifest-backed tools next to the built-in ones.
	Tools []ToolSettings `mapstructure:"tools" yaml:"tools,omitempty"`
}

// IndexSettings controls release index lookups.
type IndexSettings struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// Mirrors maps a tool name to a replacement index URL.
	Mirrors map[string]string `mapstructure:"mirrors" yaml:"mirrors,omitempty"`
}

// FetchSettings controls archive downloads.
type FetchSettings struct {
	Attempts       int           `mapstructure:"attempts" yaml:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	HeaderTimeout  time.Duration `mapstructure:"header_timeout" yaml:"header_timeout"`
}

// StagingSettings controls cleanup of interrupted installs.
type StagingSettings struct {
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// ToolSettings declares an extra tool published through a release manifest.
type ToolSettings struct {
	Name               string   `mapstructure:"name" yaml:"name"`
	DisplayName        string   `mapstructure:"display_name" yaml:"display_name,omitempty"`
	Manifest           string   `mapstructure:"manifest" yaml:"manifest"`
	Executables        []string `mapstructure:"executables" yaml:"executables"`
	WindowsExecutables []string `mapstructure:"windows_executables" yaml:"windows_executables,omitempty"`
}

// Default returns the baseline settings.
func Default() Settings {
	return Settings{
		LogLevel: "warn",
		Index: IndexSettings{
			TTL: time.Hour,
		},
		Fetch: FetchSettings{
			Attempts:       5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     15 * time.Second,
			StallTimeout:   30 * time.Second,
			ConnectTimeout: 15 * time.Second,
			HeaderTimeout:  30 * time.Second,
		},
		Staging: StagingSettings{
			MaxAge: 24 * time.Hour,
		},
	}
}

// Keys lists the scalar setting keys accepted by Set and by environment
// overrides, in dotted form.
func Keys() []string {
	keys := make([]string, 0, len(defaultValues()))
	for key := range defaultValues() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func defaultValues() map[string]any {
	d := Default()
	return map[string]any{
		"log_level":             d.LogLevel,
		"offline":               d.Offline,
		"index.ttl":             d.Index.TTL,
		"fetch.attempts":        d.Fetch.Attempts,
		"fetch.initial_backoff": d.Fetch.InitialBackoff,
		"fetch.max_backoff":     d.Fetch.MaxBackoff,
		"fetch.stall_timeout":   d.Fetch.StallTimeout,
		"fetch.connect_timeout": d.Fetch.ConnectTimeout,
		"fetch.header_timeout":  d.Fetch.HeaderTimeout,
		"staging.max_age":       d.Staging.MaxAge,
	}
}

func newViper(file string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	return v
}

// Load reads settings from the home's config.yaml if it exists and applies
// TOOLPIN_* environment overrides on top. A missing file yields defaults.
func Load(p paths.StorePaths) (Settings, error) {
	v := newViper(p.SettingsFile)
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	exists, err := paths.FileExists(p.SettingsFile)
	if err != nil {
		return Settings{}, fmt.Errorf("stat settings: %w", err)
	}
	if exists {
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", p.SettingsFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	s.ApplyDefaults()
	if err := resultsError(s.Validate()); err != nil {
		return Settings{}, fmt.Errorf("invalid settings %s: %w", p.SettingsFile, err)
	}
	return s, nil
}

// ApplyDefaults fills zero fields the file or environment left unset.
func (s *Settings) ApplyDefaults() {
	defaults := Default()
	if s.LogLevel == "" {
		s.LogLevel = defaults.LogLevel
	}
	if s.Index.TTL == 0 {
		s.Index.TTL = defaults.Index.TTL
	}
	if s.Fetch.Attempts == 0 {
		s.Fetch.Attempts = defaults.Fetch.Attempts
	}
	if s.Fetch.InitialBackoff == 0 {
		s.Fetch.InitialBackoff = defaults.Fetch.InitialBackoff
	}
	if s.Fetch.MaxBackoff == 0 {
		s.Fetch.MaxBackoff = defaults.Fetch.MaxBackoff
	}
	if s.Fetch.StallTimeout == 0 {
		s.Fetch.StallTimeout = defaults.Fetch.StallTimeout
	}
	if s.Fetch.ConnectTimeout == 0 {
		s.Fetch.ConnectTimeout = defaults.Fetch.ConnectTimeout
	}
	if s.Fetch.HeaderTimeout == 0 {
		s.Fetch.HeaderTimeout = defaults.Fetch.HeaderTimeout
	}
	if s.Staging.MaxAge == 0 {
		s.Staging.MaxAge = defaults.Staging.MaxAge
	}
}

// Set writes one key into the settings file, keeping the keys already there.
// Defaults are not materialised into the file.
func Set(p paths.StorePaths, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	def, ok := defaultValues()[key]
	if !ok {
		return fmt.Errorf("unknown setting %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	typed, err := coerce(def, value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	v := newViper(p.SettingsFile)
	exists, err := paths.FileExists(p.SettingsFile)
	if err != nil {
		return fmt.Errorf("stat settings: %w", err)
	}
	if exists {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read settings %s: %w", p.SettingsFile, err)
		}
	}
	v.Set(key, typed)

	var check Settings
	if err := v.Unmarshal(&check); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	check.ApplyDefaults()
	if err := resultsError(check.Validate()); err != nil {
		return err
	}

	if err := os.MkdirAll(p.Root, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	if err := v.WriteConfigAs(p.SettingsFile); err != nil {
		return fmt.Errorf("write settings %s: %w", p.SettingsFile, err)
	}
	return nil
}

func coerce(def any, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch def.(type) {
	case bool:
		switch strings.ToLower(raw) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off":
			return false, nil
		}
		return nil, fmt.Errorf("expected a boolean, got %q", raw)
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected an integer, got %q", raw)
		}
		return n, nil
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("expected a duration such as 30s, got %q", raw)
		}
		return d.String(), nil
	default:
		return raw, nil
	}
}

// Flatten renders the effective settings as dotted keys for display.
func (s Settings) Flatten() map[string]string {
	out := map[string]string{
		"log_level":             s.LogLevel,
		"offline":               strconv.FormatBool(s.Offline),
		"index.ttl":             s.Index.TTL.String(),
		"fetch.attempts":        strconv.Itoa(s.Fetch.Attempts),
		"fetch.initial_backoff": s.Fetch.InitialBackoff.String(),
		"fetch.max_backoff":     s.Fetch.MaxBackoff.String(),
		"fetch.stall_timeout":   s.Fetch.StallTimeout.String(),
		"fetch.connect_timeout": s.Fetch.ConnectTimeout.String(),
		"fetch.header_timeout":  s.Fetch.HeaderTimeout.String(),
		"staging.max_age":       s.Staging.MaxAge.String(),
	}
	for tool, url := range s.Index.Mirrors {
		out["index.mirrors."+tool] = url
	}
	for _, t := range s.Tools {
		out["tools."+t.Name] = t.Manifest
	}
	return out
}
