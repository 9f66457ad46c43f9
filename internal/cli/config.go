package cli

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is consulted in the working directory when --config
// is not given. Flags always win over file values.
const DefaultConfigFile = "strata.yaml"

// FileConfig holds flag defaults read from a YAML config file:
//
//	database: ./app.strata
//	schemas: ./schemas
type FileConfig struct {
	Database string `yaml:"database"`
	Schemas  string `yaml:"schemas"`
}

// loadFileConfig reads a config file. An explicit path must exist; the
// default strata.yaml is optional and its absence yields empty defaults.
func loadFileConfig(path string) (*FileConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return &FileConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Defaults returns the config-file defaults, loading them at most once.
func (o *RootOptions) Defaults() (*FileConfig, error) {
	if !o.cfgLoaded {
		o.fileCfg, o.fileCfgErr = loadFileConfig(o.Config)
		o.cfgLoaded = true
	}
	if o.fileCfgErr != nil {
		return nil, o.fileCfgErr
	}
	return o.fileCfg, nil
}

// resolveDatabase fills the store path from --db or the config file.
func resolveDatabase(opts *RootOptions, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := opts.Defaults()
	if err != nil {
		return "", WrapExitError(ExitCommandError, "loading config", err)
	}
	if cfg.Database == "" {
		return "", NewExitError(ExitCommandError, "--db is required (flag or database in strata.yaml)")
	}
	return cfg.Database, nil
}

// resolveSchemas fills the declaration directory from its flag or
// argument, falling back to the config file.
func resolveSchemas(opts *RootOptions, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := opts.Defaults()
	if err != nil {
		return "", WrapExitError(ExitCommandError, "loading config", err)
	}
	if cfg.Schemas == "" {
		return "", NewExitError(ExitCommandError, "schemas directory is required (argument, --schemas, or schemas in strata.yaml)")
	}
	return cfg.Schemas, nil
}
