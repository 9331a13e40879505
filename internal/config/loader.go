package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// InitViper wires up config file discovery and QMIGO_-prefixed
// environment variable overrides.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("qmigo")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/qmigo")
	}

	viper.SetEnvPrefix("QMIGO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindEnvKeys()
}

func bindEnvKeys() {
	_ = viper.BindEnv("context_name")
	_ = viper.BindEnv("workgroup")
	_ = viper.BindEnv("bind_host")
	_ = viper.BindEnv("bind_port")
	_ = viper.BindEnv("discovery_port")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("admin_addr")
	_ = viper.BindEnv("tracing_enabled")
}

// Load reads the configuration file (if any), applies environment
// overrides, fills defaults, and validates.
func Load() (*ContextConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg ContextConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file actually loaded,
// or "" when running off environment variables / flags alone.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
