package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// mergeYAMLFile layers the YAML file at path over cfg. A missing file is
// not an error; the defaults stand.
func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	data = ExpandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	// Non-zero file values override defaults; unset sections keep them.
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge configuration: %w", err)
	}

	return nil
}
