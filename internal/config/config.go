package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

type Config struct {
	Port         string   `mapstructure:"PORT"`
	Env          string   `mapstructure:"ENV"`
	LogLevel     string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigning  string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	// PHIMasterKey is the base64 encoded 32-byte master key. Empty outside
	// production means an ephemeral key.
	PHIMasterKey   string `mapstructure:"PHI_MASTER_KEY"`
	PHIActiveKeyID string `mapstructure:"PHI_ACTIVE_KEY_ID"`

	BTGDefaultMinutes   int `mapstructure:"BTG_DEFAULT_MINUTES"`
	BTGMaxMinutes       int `mapstructure:"BTG_MAX_MINUTES"`
	BTGMaxGrantsPerHour int `mapstructure:"BTG_MAX_GRANTS_PER_HOUR"`

	BackfillPageSize int  `mapstructure:"BACKFILL_PAGE_SIZE"`
	MetricsEnabled   bool `mapstructure:"METRICS_ENABLED"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"PHI_MASTER_KEY", "PHI_ACTIVE_KEY_ID",
	"BTG_DEFAULT_MINUTES", "BTG_MAX_MINUTES", "BTG_MAX_GRANTS_PER_HOUR",
	"BACKFILL_PAGE_SIZE", "METRICS_ENABLED",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the environment, then an optional .env file in the working
// directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PHI_ACTIVE_KEY_ID", "k1")
	v.SetDefault("BTG_DEFAULT_MINUTES", 30)
	v.SetDefault("BTG_MAX_MINUTES", 240)
	v.SetDefault("BTG_MAX_GRANTS_PER_HOUR", 10)
	v.SetDefault("BACKFILL_PAGE_SIZE", hipaa.DefaultBackfillPageSize)
	v.SetDefault("METRICS_ENABLED", true)

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The master key is
// mandatory in production and, when given, must decode to 32 bytes.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigning == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}

	if c.IsProduction() && c.PHIMasterKey == "" {
		return fmt.Errorf("PHI_MASTER_KEY is required in production")
	}
	if c.PHIMasterKey != "" {
		if _, _, err := hipaa.LoadMasterKey(c.PHIMasterKey); err != nil {
			return fmt.Errorf("PHI_MASTER_KEY: %w", err)
		}
	}
	if err := hipaa.ValidateKeyID(c.PHIActiveKeyID); err != nil {
		return fmt.Errorf("PHI_ACTIVE_KEY_ID: %w", err)
	}

	if c.BTGMaxMinutes < 1 {
		return fmt.Errorf("BTG_MAX_MINUTES must be positive, got %d", c.BTGMaxMinutes)
	}
	if c.BTGDefaultMinutes < 1 || c.BTGDefaultMinutes > c.BTGMaxMinutes {
		return fmt.Errorf("BTG_DEFAULT_MINUTES must be between 1 and BTG_MAX_MINUTES (%d), got %d",
			c.BTGMaxMinutes, c.BTGDefaultMinutes)
	}
	if c.BTGMaxGrantsPerHour < 0 {
		return fmt.Errorf("BTG_MAX_GRANTS_PER_HOUR must not be negative")
	}
	if c.BackfillPageSize < 1 {
		return fmt.Errorf("BACKFILL_PAGE_SIZE must be positive, got %d", c.BackfillPageSize)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
