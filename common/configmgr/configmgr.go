// Package configmgr merges flags, environment variables and an optional configuration file into a
// single application configuration. Precedence (highest->lowest): flags, environment variables,
// configuration file, defaults. Configuration is read once at startup.
package configmgr

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CfgFileFlag is the flag name used to point at an optional TOML configuration file.
const CfgFileFlag = "cfg-file"

// Configurable is implemented by application configurations managed by ConfigManager.
type Configurable interface {
	// NewEmptyInstance returns a zero value of the concrete configuration type.
	NewEmptyInstance() Configurable
	// ValidateConfig returns an error if the merged configuration cannot be used.
	ValidateConfig() error
}

type ConfigManager struct {
	v      *viper.Viper
	config Configurable
}

// New merges configuration from the provided flag set, environment variables starting with
// envVarPrefix and the configuration file named by the CfgFileFlag flag (if any) into a new
// instance of configurable. Environment variable names replace dots (.) with a double underscore
// (__) and hyphens (-) with an underscore (_).
func New(flags *pflag.FlagSet, envVarPrefix string, configurable Configurable) (*ConfigManager, error) {
	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(envVarPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("unable to bind flags: %w", err)
	}

	if cfgFile := v.GetString(CfgFileFlag); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			// A missing configuration file is not an error, everything may be set using flags.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("unable to read configuration file %s: %w", cfgFile, err)
			}
		}
	}

	cfg := configurable.NewEmptyInstance()
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &ConfigManager{v: v, config: cfg}, nil
}

// Get returns the merged configuration. Callers type assert to their concrete configuration.
func (m *ConfigManager) Get() Configurable {
	return m.config
}
