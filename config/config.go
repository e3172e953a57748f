// Package config loads server configuration from STUDIO_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	// DBDriver is "sqlite3" or "pgx".
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"DB_DSN" envDefault:"studio.db"`

	CatalogPath string `env:"CATALOG_PATH" envDefault:"catalog.yaml"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	AuditInterval time.Duration `env:"AUDIT_INTERVAL" envDefault:"1h"`

	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173" envSeparator:","`

	SMTP SMTP `envPrefix:"SMTP_"`

	NotifyConcurrency int           `env:"NOTIFY_CONCURRENCY" envDefault:"4"`
	NotifyTimeout     time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"30s"`
}

type SMTP struct {
	Host      string `env:"HOST"`
	Port      int    `env:"PORT" envDefault:"587"`
	Username  string `env:"USERNAME"`
	Password  string `env:"PASSWORD"`
	FromName  string `env:"FROM_NAME" envDefault:"Studio"`
	FromEmail string `env:"FROM_EMAIL" envDefault:"no-reply@studio.local"`
}

const Prefix = "STUDIO_"

func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads from the given environment map, or the process
// environment when environ is nil.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: Prefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBDriver != "sqlite3" && cfg.DBDriver != "pgx" {
		return Config{}, fmt.Errorf("parse env: %sDB_DRIVER must be sqlite3 or pgx, got %q", Prefix, cfg.DBDriver)
	}
	return cfg, nil
}
