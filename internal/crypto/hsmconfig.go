package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenConfig describes the PKCS#11 token that backs the system
// credential store.
type TokenConfig struct {
	// Lib is the path to the PKCS#11 library (.so/.dylib/.dll)
	Lib string `yaml:"lib"`

	// Token identifies the token by label
	Token string `yaml:"token,omitempty"`

	// TokenSerial identifies the token by serial number
	TokenSerial string `yaml:"token_serial,omitempty"`

	// Slot identifies the token by slot ID
	Slot *uint `yaml:"slot,omitempty"`

	// PinEnv is the name of the environment variable containing the user PIN
	PinEnv string `yaml:"pin_env"`
}

// LoadTokenConfig loads a token configuration from a YAML file.
func LoadTokenConfig(path string) (*TokenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token config file: %w", err)
	}

	var cfg TokenConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse token config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the token configuration is usable.
func (c *TokenConfig) Validate() error {
	if c.Lib == "" {
		return fmt.Errorf("pkcs11 lib is required")
	}
	if c.PinEnv == "" {
		return fmt.Errorf("pkcs11 pin_env is required (PIN must be provided via environment variable)")
	}
	return nil
}

// GetPIN retrieves the PIN from the environment variable.
func (c *TokenConfig) GetPIN() (string, error) {
	pin := os.Getenv(c.PinEnv)
	if pin == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", c.PinEnv)
	}
	return pin, nil
}

// ToPKCS11Config converts the token configuration for a key identified by
// its hex CKA_ID.
func (c *TokenConfig) ToPKCS11Config(keyID string) (*PKCS11Config, error) {
	pin, err := c.GetPIN()
	if err != nil {
		return nil, err
	}

	return &PKCS11Config{
		ModulePath:  c.Lib,
		TokenLabel:  c.Token,
		TokenSerial: c.TokenSerial,
		PIN:         pin,
		KeyID:       keyID,
		SlotID:      c.Slot,
	}, nil
}
