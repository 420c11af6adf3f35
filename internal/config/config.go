package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	MLLPAddr           string        `mapstructure:"MLLP_ADDR"`
	MaxFrameSize       int           `mapstructure:"MLLP_MAX_FRAME_SIZE"`
	IdleTimeout        time.Duration `mapstructure:"MLLP_IDLE_TIMEOUT"`
	WriteTimeout       time.Duration `mapstructure:"MLLP_WRITE_TIMEOUT"`
	MaxMalformedFrames int           `mapstructure:"MLLP_MAX_MALFORMED_FRAMES"`

	AckApp      string `mapstructure:"ACK_APP"`
	AckFacility string `mapstructure:"ACK_FACILITY"`
	HL7Version  string `mapstructure:"HL7_VERSION"`

	HTTPPort       string `mapstructure:"HTTP_PORT"`
	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`

	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`
	NATSSync          bool   `mapstructure:"NATS_SYNC"`

	RedisURL    string        `mapstructure:"REDIS_URL"`
	GatewayID   string        `mapstructure:"GATEWAY_ID"`
	RegistryTTL time.Duration `mapstructure:"REGISTRY_TTL"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"MLLP_ADDR", "MLLP_MAX_FRAME_SIZE", "MLLP_IDLE_TIMEOUT", "MLLP_WRITE_TIMEOUT", "MLLP_MAX_MALFORMED_FRAMES",
	"ACK_APP", "ACK_FACILITY", "HL7_VERSION",
	"HTTP_PORT", "ADMIN_JWT_SECRET",
	"NATS_URL", "NATS_SUBJECT_PREFIX", "NATS_SYNC",
	"REDIS_URL", "GATEWAY_ID", "REGISTRY_TTL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MLLP_ADDR", "0.0.0.0:2575")
	v.SetDefault("MLLP_MAX_FRAME_SIZE", 1<<20)
	v.SetDefault("MLLP_IDLE_TIMEOUT", "0s")
	v.SetDefault("MLLP_WRITE_TIMEOUT", "10s")
	v.SetDefault("MLLP_MAX_MALFORMED_FRAMES", 3)
	v.SetDefault("ACK_APP", "MLLP_GATEWAY")
	v.SetDefault("ACK_FACILITY", "EHR")
	v.SetDefault("HL7_VERSION", "2.5")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("NATS_SUBJECT_PREFIX", "hl7.inbound")
	v.SetDefault("NATS_SYNC", false)
	v.SetDefault("GATEWAY_ID", "mllp-01")
	v.SetDefault("REGISTRY_TTL", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level named by LOG_LEVEL, or info when it is
// empty or unknown.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.MLLPAddr == "" {
		return fmt.Errorf("MLLP_ADDR is required")
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("MLLP_MAX_FRAME_SIZE must be positive, got %d", c.MaxFrameSize)
	}
	if c.MaxMalformedFrames < 0 {
		return fmt.Errorf("MLLP_MAX_MALFORMED_FRAMES must not be negative, got %d", c.MaxMalformedFrames)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("MLLP_IDLE_TIMEOUT must not be negative, got %s", c.IdleTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("MLLP_WRITE_TIMEOUT must not be negative, got %s", c.WriteTimeout)
	}
	if c.RegistryTTL < 0 {
		return fmt.Errorf("REGISTRY_TTL must not be negative, got %s", c.RegistryTTL)
	}
	if strings.TrimSpace(c.GatewayID) == "" {
		return fmt.Errorf("GATEWAY_ID is required")
	}
	if !c.IsDev() && c.HTTPPort != "" && c.AdminJWTSecret == "" {
		return fmt.Errorf(
			"ADMIN_JWT_SECRET must be set when the admin API is enabled outside development (current ENV=%q). "+
				"Set HTTP_PORT= to disable the admin API", c.Env)
	}
	if c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < 32 {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 bytes, got %d", len(c.AdminJWTSecret))
	}
	return nil
}
