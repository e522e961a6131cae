package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ctrtools/internal/catalog"
	"github.com/danmuck/ctrtools/internal/ledger"
)

var ErrInvalidConfig = errors.New("config: invalid")

const (
	DefaultDir          = "~/3ds-tools"
	DefaultHelpLines    = 5
	DefaultSmokeTimeout = 10 * time.Second
	DefaultHTTPTimeout  = 5 * time.Minute
	DefaultUserAgent    = "ctrtools"
)

// Config is the resolved provisioning configuration.
type Config struct {
	Dir          string
	Ledger       string
	HelpLines    int
	SmokeTimeout time.Duration
	HTTPTimeout  time.Duration
	UserAgent    string
	FailFast     bool
	Tools        []catalog.Descriptor
}

type fileConfig struct {
	Dir          string     `toml:"dir"`
	Ledger       string     `toml:"ledger,omitempty"`
	HelpLines    int        `toml:"help_lines"`
	SmokeTimeout string     `toml:"smoke_timeout"`
	HTTPTimeout  string     `toml:"http_timeout"`
	UserAgent    string     `toml:"user_agent"`
	FailFast     bool       `toml:"fail_fast"`
	Tools        []fileTool `toml:"tools"`
}

type fileTool struct {
	ID      string `toml:"id"`
	Name    string `toml:"name,omitempty"`
	URL     string `toml:"url"`
	File    string `toml:"file,omitempty"`
	HelpArg string `toml:"help_arg,omitempty"`
	Version string `toml:"version,omitempty"`
	SHA256  string `toml:"sha256,omitempty"`
	Archive string `toml:"archive,omitempty"`
	Member  string `toml:"member,omitempty"`
}

// Default returns the built-in configuration with the three default tools.
func Default() Config {
	return Config{
		Dir:          DefaultDir,
		Ledger:       ledger.DefaultPath(),
		HelpLines:    DefaultHelpLines,
		SmokeTimeout: DefaultSmokeTimeout,
		HTTPTimeout:  DefaultHTTPTimeout,
		UserAgent:    DefaultUserAgent,
		Tools:        catalog.Defaults(),
	}
}

// DefaultPath is where the CLI looks for a config file when none is given.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(base) == "" {
		return filepath.Join(".", "ctrtools.toml")
	}
	return filepath.Join(base, "ctrtools", "config.toml")
}

// LoadOrDefault loads path when it exists. A missing file at the default
// location yields defaults; a missing explicit path is an error.
func LoadOrDefault(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return cfg, Validate(cfg)
		}
	}
	return Load(path)
}

// Load overlays keys present in the TOML file at path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
	}

	if meta.IsDefined("dir") {
		cfg.Dir = strings.TrimSpace(raw.Dir)
	}
	if meta.IsDefined("ledger") {
		cfg.Ledger = strings.TrimSpace(raw.Ledger)
	}
	if meta.IsDefined("help_lines") {
		cfg.HelpLines = raw.HelpLines
	}
	if meta.IsDefined("smoke_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SmokeTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse smoke_timeout: %w", err)
		}
		cfg.SmokeTimeout = d
	}
	if meta.IsDefined("http_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HTTPTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse http_timeout: %w", err)
		}
		cfg.HTTPTimeout = d
	}
	if meta.IsDefined("user_agent") {
		cfg.UserAgent = strings.TrimSpace(raw.UserAgent)
	}
	if meta.IsDefined("fail_fast") {
		cfg.FailFast = raw.FailFast
	}
	if meta.IsDefined("tools") {
		cfg.Tools = parseTools(raw.Tools)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseTools(in []fileTool) []catalog.Descriptor {
	out := make([]catalog.Descriptor, 0, len(in))
	for _, t := range in {
		out = append(out, catalog.Descriptor{
			ID:       t.ID,
			Name:     t.Name,
			URL:      t.URL,
			FileName: t.File,
			HelpArg:  t.HelpArg,
			Version:  t.Version,
			SHA256:   t.SHA256,
			Archive:  catalog.ArchiveKind(t.Archive),
			Member:   t.Member,
		}.Normalize())
	}
	return out
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Dir) == "" {
		return fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Ledger) == "" {
		return fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}
	if cfg.HelpLines <= 0 {
		return fmt.Errorf("%w: help_lines must be positive", ErrInvalidConfig)
	}
	if cfg.SmokeTimeout <= 0 {
		return fmt.Errorf("%w: smoke_timeout must be positive", ErrInvalidConfig)
	}
	if cfg.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: http_timeout must be positive", ErrInvalidConfig)
	}
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("%w: at least one tool is required", ErrInvalidConfig)
	}
	if _, err := catalog.NewRegistryFrom(cfg.Tools); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ExpandHome resolves a leading "~" against the user home directory.
func ExpandHome(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
