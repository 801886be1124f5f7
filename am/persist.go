package am

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	burnt "github.com/BurntSushi/toml"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tally/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	// .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// WriteDefaultConfig writes a commented default am.toml to path.
// An existing file is only replaced when force is set, after a backup rotation.
func WriteDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(
			errors.Newf("config file %s already exists", path),
			"use --force to overwrite (previous versions are kept as .back1..3)")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}

	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	var buf bytes.Buffer
	buf.WriteString("# tally configuration\n")
	buf.WriteString("# Precedence: /etc/tally/am.toml < ~/.tally/am.toml < ./am.toml < TALLY_* env\n\n")

	enc := burnt.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(Defaults()); err != nil {
		return errors.Wrap(err, "failed to encode default config")
	}

	if err := os.WriteFile(path, buf.Bytes(), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Render serializes the config for display in toml, json or yaml.
// Storage credentials are masked.
func Render(c *Config, format string) ([]byte, error) {
	shown := *c
	if shown.Storage.S3.AccessKey != "" {
		shown.Storage.S3.AccessKey = "****"
	}
	if shown.Storage.S3.SecretKey != "" {
		shown.Storage.S3.SecretKey = "****"
	}

	switch format {
	case "", "toml":
		return toml.Marshal(shown)
	case "json":
		return json.MarshalIndent(shown, "", "  ")
	case "yaml", "yml":
		return yaml.Marshal(shown)
	default:
		return nil, errors.Newf("unknown format %q (want toml, json or yaml)", format)
	}
}

// ParseTOML decodes a TOML document on top of the defaults
func ParseTOML(data []byte) (*Config, error) {
	cfg := Defaults()
	if _, err := burnt.Decode(string(data), cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse toml")
	}
	return cfg, nil
}

// DefaultConfigPath returns the user config file path (~/.tally/am.toml)
func DefaultConfigPath() string {
	return filepath.Join(UserConfigDir(), "am.toml")
}
