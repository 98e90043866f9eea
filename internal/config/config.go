package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the signaling server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	PublicURL  string        `mapstructure:"public_url"`

	RoomCapacity    int           `mapstructure:"room_capacity"`
	MemberGrace     time.Duration `mapstructure:"member_grace"`
	RoomIdleTimeout time.Duration `mapstructure:"room_idle_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	SendBuffer      int           `mapstructure:"send_buffer"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("room_capacity", 4)
	v.SetDefault("member_grace", "30s")
	v.SetDefault("room_idle_timeout", "30m")
	v.SetDefault("reap_interval", "10s")
	v.SetDefault("rate_limit", 20.0)
	v.SetDefault("rate_burst", 40)
	v.SetDefault("send_buffer", 64)
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("RALLY")
	v.AutomaticEnv()
	setServerDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Int("room_capacity", cfg.RoomCapacity).Msg("server config")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.RoomCapacity < 2 || c.RoomCapacity > 4 {
		return fmt.Errorf("invalid room_capacity (must be between 2-4 inclusive): %d", c.RoomCapacity)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("invalid ping_period: %s", c.PingPeriod)
	}
	return nil
}
