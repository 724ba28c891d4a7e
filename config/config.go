package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-level configuration, resolved once at startup from
// environment variables (prefix EXPCOORD_) plus an optional YAML file.
type Config struct {
	Bind           string     `mapstructure:"bind"`
	SessionSecret  string     `mapstructure:"session_secret"`
	AdminPassword  string     `mapstructure:"admin_password"`
	DataDir        string     `mapstructure:"data_dir"`
	ExperimentFile string     `mapstructure:"experiment_file"`
	ParticipantCap int        `mapstructure:"participant_cap"`
	LogLevel       string     `mapstructure:"log_level"`
	OTLPEndpoint   string     `mapstructure:"otlp_endpoint"`
	AMQP           AMQPConfig `mapstructure:"amqp"`
	ICE            []ICEEntry `mapstructure:"ice"`
}

type AMQPConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ICEEntry carries STUN/TURN credentials handed to peers via
// experiment_config for direct channel setup.
type ICEEntry struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// LoadConfig resolves the process configuration. configFile may be empty.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("bind", ":8780")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("experiment_file", "./experiment.yaml")
	v.SetDefault("participant_cap", 0) // 0 = unlimited
	v.SetDefault("log_level", "info")
	// Keys without defaults must still be registered for AutomaticEnv to
	// surface them through Unmarshal.
	v.SetDefault("session_secret", "")
	v.SetDefault("admin_password", "")
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("amqp.dsn", "")

	v.SetEnvPrefix("EXPCOORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("config: session_secret is required")
	}
	return &cfg, nil
}
