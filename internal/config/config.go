package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Auth   AuthConfig   `mapstructure:"auth"`
	Relay  RelayConfig  `mapstructure:"relay"`
	WebRTC WebRTCConfig `mapstructure:"webrtc"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	DevLogin  bool          `mapstructure:"dev_login"`
}

type RelayConfig struct {
	QueueSize     int     `mapstructure:"queue_size"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	RateBurst     int     `mapstructure:"rate_burst"`
	Backpressure  string  `mapstructure:"backpressure"`
}

type WebRTCConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "beam-dev-cookie-secret")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.dev_login", false)

	v.SetDefault("relay.queue_size", 64)
	v.SetDefault("relay.rate_per_second", 50.0)
	v.SetDefault("relay.rate_burst", 100)
	v.SetDefault("relay.backpressure", "drop_oldest")

	v.SetDefault("webrtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
}

// Default returns the configuration with every default applied and no file read.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("beam")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or BEAM_AUTH_JWT_SECRET)")
	}
	if c.Relay.QueueSize <= 0 {
		return fmt.Errorf("relay.queue_size must be positive, got %d", c.Relay.QueueSize)
	}
	switch c.Relay.Backpressure {
	case "drop_oldest", "kick":
	default:
		return fmt.Errorf("relay.backpressure must be drop_oldest or kick, got %q", c.Relay.Backpressure)
	}
	return nil
}
