package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = `# seedmint configuration.
# Credential fields accept ${VAR} references, resolved after .env is loaded.
# backends: any of "s3", "pinata", "gitrepo"; published in the listed order.
# An explicit seeds list replaces the random draw of count seeds.

`

// Template renders DefaultConfig as TOML.
func Template() (string, error) {
	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return "", fmt.Errorf("config template encode failed: %w", err)
	}
	return templateHeader + string(data), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
