package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// DICOM listener configuration. The MPPS port defaults to the worklist
	// port plus two, matching common modality setups.
	AETitle      string `mapstructure:"AE_TITLE"`
	WorklistPort int    `mapstructure:"WORKLIST_PORT"`
	StorePort    int    `mapstructure:"STORE_PORT"`
	MPPSPort     int    `mapstructure:"MPPS_PORT"`
	SCPModality  string `mapstructure:"SCP_MODALITY"`

	ListenerStartRetries   int `mapstructure:"LISTENER_START_RETRIES"`
	ListenerRetryBackoffMS int `mapstructure:"LISTENER_RETRY_BACKOFF_MS"`

	StorageRoot         string  `mapstructure:"STORAGE_ROOT"`
	ThumbnailRoot       string  `mapstructure:"THUMBNAIL_ROOT"`
	MaxPayloadBytes     int64   `mapstructure:"MAX_PAYLOAD_BYTES"`
	StorageQuotaPercent float64 `mapstructure:"STORAGE_QUOTA_PERCENT"`

	AMQPURL string `mapstructure:"AMQP_URL"`

	AdminTokenSecret string `mapstructure:"ADMIN_TOKEN_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AE_TITLE", "RIS_SCP")
	v.SetDefault("WORKLIST_PORT", 11112)
	v.SetDefault("STORE_PORT", 11113)
	v.SetDefault("MPPS_PORT", 0) // 0 -> worklist port + 2
	v.SetDefault("SCP_MODALITY", "US")
	v.SetDefault("LISTENER_START_RETRIES", 3)
	v.SetDefault("LISTENER_RETRY_BACKOFF_MS", 500)
	v.SetDefault("STORAGE_ROOT", "./data/images")
	v.SetDefault("THUMBNAIL_ROOT", "./data/thumbnails")
	v.SetDefault("MAX_PAYLOAD_BYTES", 512*1024*1024)
	v.SetDefault("STORAGE_QUOTA_PERCENT", 90)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AE_TITLE")
	v.BindEnv("WORKLIST_PORT")
	v.BindEnv("STORE_PORT")
	v.BindEnv("MPPS_PORT")
	v.BindEnv("SCP_MODALITY")
	v.BindEnv("LISTENER_START_RETRIES")
	v.BindEnv("LISTENER_RETRY_BACKOFF_MS")
	v.BindEnv("STORAGE_ROOT")
	v.BindEnv("THUMBNAIL_ROOT")
	v.BindEnv("MAX_PAYLOAD_BYTES")
	v.BindEnv("STORAGE_QUOTA_PERCENT")
	v.BindEnv("AMQP_URL")
	v.BindEnv("ADMIN_TOKEN_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.MPPSPort == 0 {
		cfg.MPPSPort = cfg.WorklistPort + 2
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run. Listener ports must
// be distinct, the storage quota must be a sane percentage, and in
// non-development mode the operational control endpoints require a token
// secret.
func (c *Config) Validate() error {
	listeners := []struct {
		name string
		port int
	}{
		{"WORKLIST_PORT", c.WorklistPort},
		{"STORE_PORT", c.StorePort},
		{"MPPS_PORT", c.MPPSPort},
	}
	seen := map[int]string{}
	for _, l := range listeners {
		if l.port <= 0 || l.port > 65535 {
			return fmt.Errorf("%s must be in 1..65535, got %d", l.name, l.port)
		}
		if other, dup := seen[l.port]; dup {
			return fmt.Errorf("%s and %s are both set to port %d", l.name, other, l.port)
		}
		seen[l.port] = l.name
	}

	if strings.TrimSpace(c.AETitle) == "" {
		return fmt.Errorf("AE_TITLE must not be empty")
	}
	if len(c.AETitle) > 16 {
		return fmt.Errorf("AE_TITLE must be at most 16 characters, got %d", len(c.AETitle))
	}

	if c.StorageQuotaPercent <= 0 || c.StorageQuotaPercent > 100 {
		return fmt.Errorf("STORAGE_QUOTA_PERCENT must be in (0,100], got %.1f", c.StorageQuotaPercent)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive, got %d", c.MaxPayloadBytes)
	}

	if !c.IsDev() && c.AdminTokenSecret == "" {
		return fmt.Errorf("ADMIN_TOKEN_SECRET is required outside development " +
			"(listener start/stop and report validation endpoints are token-guarded)")
	}

	return nil
}
