package docstore

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

type PGConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Schema   string `mapstructure:"schema"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (c PGConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("postgres database is required")
	}
	return nil
}

func (c PGConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Database, sslmode)
}

func ConnectPostgresql(config PGConfig) (*sqlx.DB, error) {
	return sqlx.Open("pgx", config.DSN())
}

// Connect opens the backend selected by cfg.
func Connect(ctx context.Context, cfg *Config, log Logger) (Driver, error) {
	if log == nil {
		log = NopLogger()
	}

	switch cfg.Backend {
	case BackendMongo:
		return NewMongoDriver(ctx, cfg.Mongo, log)
	case BackendPostgres:
		if err := cfg.Postgres.Validate(); err != nil {
			return nil, err
		}

		db, err := ConnectPostgresql(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}

		log.Info("postgres connection established", "database", cfg.Postgres.Database, "schema", cfg.Postgres.Schema)
		return NewPostgresDriver(db, cfg.Postgres.Schema, log), nil
	}

	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
