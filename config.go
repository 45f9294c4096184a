package pgmigrate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// ConfigFileName is the optional project configuration file looked up in
// the working directory. CLI flags take precedence over its values.
const ConfigFileName = "pg-migrate.yaml"

// FileConfig mirrors the pg-migrate.yaml structure. Empty fields mean
// "not set" so flag and default merging can tell absence from zero.
type FileConfig struct {
	Directory               string `yaml:"directory,omitempty"`
	Table                   string `yaml:"table,omitempty"`
	SchemaFile              string `yaml:"schema_file,omitempty"`
	FailOnChangedSchema     *bool  `yaml:"fail_on_changed_schema,omitempty"`
	StatementTimeoutSeconds int    `yaml:"statement_timeout_seconds,omitempty"`
}

// LoadFileConfig reads pg-migrate.yaml from dir. A missing file is not an
// error and returns nil.
func LoadFileConfig(dir string) (*FileConfig, error) {
	path := filepath.Join(dir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// Merge overlays the file config onto cfg, filling only fields the caller
// left unset.
func (fc *FileConfig) Merge(cfg Config) Config {
	if fc == nil {
		return cfg
	}

	if cfg.Directory == "" && fc.Directory != "" {
		cfg.Directory = fc.Directory
	}
	if cfg.TableName == "" && fc.Table != "" {
		cfg.TableName = fc.Table
	}
	if cfg.SchemaFile == "" && fc.SchemaFile != "" {
		cfg.SchemaFile = fc.SchemaFile
	}
	if !cfg.FailOnChangedSchema && fc.FailOnChangedSchema != nil {
		cfg.FailOnChangedSchema = *fc.FailOnChangedSchema
	}
	if cfg.StatementTimeoutSeconds == 0 && fc.StatementTimeoutSeconds > 0 {
		cfg.StatementTimeoutSeconds = fc.StatementTimeoutSeconds
	}

	return cfg
}
