package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/absfs/envelopefs"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// EnvPrefix is the prefix for environment variables
	EnvPrefix = "ENVELOPECTL"
)

// settings holds the resolved configuration of one invocation
type settings struct {
	Debug         bool   `mapstructure:"debug"`
	LogFormat     string `mapstructure:"log_format"`
	Secret        string `mapstructure:"secret"`      // hex encoded master secret
	SecretFile    string `mapstructure:"secret_file"` // file holding the hex encoded master secret
	Type          string `mapstructure:"type"`
	Placement     string `mapstructure:"placement"`
	SkipThreshold int64  `mapstructure:"skip_threshold"`
}

// newViper returns a viper instance with defaults and environment binding
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "human")
	v.SetDefault("secret", "")
	v.SetDefault("secret_file", "")
	v.SetDefault("type", envelopefs.DefaultType(envelopefs.PlacementHeader).Name)
	v.SetDefault("placement", "")
	v.SetDefault("skip_threshold", envelopefs.DefaultSkipThreshold)
}

// loadSettings reads the optional config file and unmarshals the settings
func loadSettings(v *viper.Viper, cfgFile string) (*settings, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return &s, nil
}

// envelopeType resolves the configured envelope type
func (s *settings) envelopeType() (envelopefs.EnvelopeType, error) {
	return envelopefs.LookupTypeByName(s.Type)
}

// placement resolves the configured placement. When unset it follows the
// configured envelope type.
func (s *settings) placement() (envelopefs.Placement, error) {
	switch s.Placement {
	case "header":
		return envelopefs.PlacementHeader, nil
	case "footer":
		return envelopefs.PlacementFooter, nil
	case "":
		t, err := s.envelopeType()
		if err != nil {
			return 0, err
		}
		return t.Placement, nil
	default:
		return 0, fmt.Errorf("unknown placement %q: want header or footer", s.Placement)
	}
}

// masterSecret loads the master secret from the secret or secret_file
// setting
func (s *settings) masterSecret() (*envelopefs.MasterSecret, error) {
	encoded := s.Secret
	if encoded == "" && s.SecretFile != "" {
		data, err := os.ReadFile(s.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		encoded = string(data)
	}
	if strings.TrimSpace(encoded) == "" {
		return nil, errors.New("no master secret configured: set --secret, --secret-file or " + EnvPrefix + "_SECRET")
	}
	return parseSecret(encoded)
}

// readSecretFile reads a hex encoded master secret file
func readSecretFile(name string) (*envelopefs.MasterSecret, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	return parseSecret(string(data))
}

// parseSecret decodes a hex encoded master secret
func parseSecret(encoded string) (*envelopefs.MasterSecret, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("master secret is not valid hex: %w", err)
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()
	return envelopefs.MasterSecretFromBytes(raw)
}

// envelopeConfig builds the library configuration
func (s *settings) envelopeConfig(logger *zap.Logger, name string, metrics *envelopefs.Metrics) (*envelopefs.Config, error) {
	cfg := &envelopefs.Config{
		Logger:        logger,
		Metrics:       metrics,
		SkipThreshold: s.SkipThreshold,
		Name:          name,
		Parallel:      envelopefs.DefaultParallelConfig(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
