package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# ctrtools configuration
# Keys left out fall back to built-in defaults. Defining [[tools]] replaces the default tool set.

`

// Template renders cfg as a TOML document.
func Template(cfg Config) ([]byte, error) {
	raw := fileConfig{
		Dir:          cfg.Dir,
		HelpLines:    cfg.HelpLines,
		SmokeTimeout: cfg.SmokeTimeout.String(),
		HTTPTimeout:  cfg.HTTPTimeout.String(),
		UserAgent:    cfg.UserAgent,
		FailFast:     cfg.FailFast,
		Tools:        make([]fileTool, 0, len(cfg.Tools)),
	}
	for _, d := range cfg.Tools {
		raw.Tools = append(raw.Tools, fileTool{
			ID:      d.ID,
			Name:    d.Name,
			URL:     d.URL,
			File:    d.FileName,
			HelpArg: d.HelpArg,
			Version: d.Version,
			SHA256:  d.SHA256,
			Archive: string(d.Archive),
			Member:  d.Member,
		})
	}
	body, err := toml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("render config template: %w", err)
	}
	return append([]byte(templateHeader), body...), nil
}

// WriteTemplate writes the default configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Template(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
