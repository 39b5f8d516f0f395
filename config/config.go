// Package config defines the configuration contract this module accepts
// from its external collaborator (§6) and a YAML loader used by the
// bundled CLI and tests. Persistent storage of this configuration (the INI
// file in the real product) stays outside this module's scope.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the external configuration contract consumed by the core.
type Config struct {
	ServerHost     string `yaml:"server_host"`
	ServerPort     uint16 `yaml:"server_port"`
	Passphrase     string `yaml:"passphrase"`
	Enabled        bool   `yaml:"enabled"`
	LoggingEnabled bool   `yaml:"logging_enabled"`
	LoggingLevel   int    `yaml:"logging_level"`

	UseP2P           bool   `yaml:"use_p2p"`
	PrivatePortBase  uint16 `yaml:"private_port_base"`
	PrivatePortRange uint16 `yaml:"private_port_range"`
}

const DefaultServerPort = 30456

var passphraseRe = regexp.MustCompile(`^Ryujinx-[0-9A-F]{8}$`)

// ValidatePassphrase checks the passphrase format the reference client
// requires before ever sending it over the wire: "Ryujinx-XXXXXXXX" with X
// an uppercase hex digit, or empty for a public session.
func ValidatePassphrase(p string) error {
	if p == "" {
		return nil
	}
	if !passphraseRe.MatchString(p) {
		return fmt.Errorf("config: passphrase %q does not match Ryujinx-XXXXXXXX", p)
	}
	return nil
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{ServerPort: DefaultServerPort, LoggingLevel: 3}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if strings.TrimSpace(c.ServerHost) == "" {
		errs = append(errs, "server_host is required")
	}
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	if err := ValidatePassphrase(c.Passphrase); err != nil {
		errs = append(errs, err.Error())
	}
	if c.LoggingLevel < 1 || c.LoggingLevel > 5 {
		errs = append(errs, "logging_level must be in 1..5")
	}
	if c.PrivatePortRange == 0 {
		c.PrivatePortRange = 10
	}
	if c.PrivatePortBase == 0 {
		c.PrivatePortBase = 39990
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
