package docstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config is the configuration of a docstore client.
type Config struct {
	Backend  string      `mapstructure:"backend"`
	Mongo    MongoConfig `mapstructure:"mongo"`
	Postgres PGConfig    `mapstructure:"postgres"`
	Log      LogConfig   `mapstructure:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend: BackendMongo,
		Mongo: MongoConfig{
			URL:              "mongodb://localhost:27017",
			Database:         "docstore",
			ConnectTimeout:   10 * time.Second,
			OperationTimeout: 5 * time.Second,
			MaxWaitTime:      30 * time.Second,
			MaxPoolSize:      10,
			Safe:             true,
		},
		Postgres: PGConfig{
			Host:    "localhost",
			Port:    "5432",
			Schema:  "public",
			SSLMode: "disable",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMongo:
		if err := c.Mongo.Validate(); err != nil {
			return err
		}
	case BackendPostgres:
		if err := c.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// LoadConfig loads configuration with precedence: env > file > defaults.
// Environment variables are named <PREFIX>_<SECTION>_<KEY>, for example
// DOCSTORE_MONGO_URL.
func LoadConfig(configFile, envPrefix string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	bindEnvVars(v, envPrefix)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var configKeys = []string{
	"backend",
	"mongo.url",
	"mongo.database",
	"mongo.connect_timeout",
	"mongo.socket_timeout",
	"mongo.operation_timeout",
	"mongo.max_wait_time",
	"mongo.max_pool_size",
	"mongo.safe",
	"mongo.w",
	"mongo.wtimeout",
	"mongo.fsync",
	"mongo.slave_ok",
	"postgres.host",
	"postgres.port",
	"postgres.database",
	"postgres.user",
	"postgres.password",
	"postgres.schema",
	"postgres.sslmode",
	"log.level",
	"log.format",
}

func bindEnvVars(v *viper.Viper, envPrefix string) {
	prefix := strings.ToUpper(strings.TrimSpace(envPrefix))
	if prefix == "" {
		prefix = "DOCSTORE"
	}

	for _, key := range configKeys {
		env := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, fmt.Sprintf("%s_%s", prefix, env))
	}
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("backend", cfg.Backend)

	v.SetDefault("mongo.url", cfg.Mongo.URL)
	v.SetDefault("mongo.database", cfg.Mongo.Database)
	v.SetDefault("mongo.connect_timeout", cfg.Mongo.ConnectTimeout)
	v.SetDefault("mongo.socket_timeout", cfg.Mongo.SocketTimeout)
	v.SetDefault("mongo.operation_timeout", cfg.Mongo.OperationTimeout)
	v.SetDefault("mongo.max_wait_time", cfg.Mongo.MaxWaitTime)
	v.SetDefault("mongo.max_pool_size", cfg.Mongo.MaxPoolSize)
	v.SetDefault("mongo.safe", cfg.Mongo.Safe)
	v.SetDefault("mongo.w", cfg.Mongo.W)
	v.SetDefault("mongo.wtimeout", cfg.Mongo.WTimeout)
	v.SetDefault("mongo.fsync", cfg.Mongo.FSync)
	v.SetDefault("mongo.slave_ok", cfg.Mongo.SlaveOk)

	v.SetDefault("postgres.host", cfg.Postgres.Host)
	v.SetDefault("postgres.port", cfg.Postgres.Port)
	v.SetDefault("postgres.database", cfg.Postgres.Database)
	v.SetDefault("postgres.user", cfg.Postgres.User)
	v.SetDefault("postgres.password", cfg.Postgres.Password)
	v.SetDefault("postgres.schema", cfg.Postgres.Schema)
	v.SetDefault("postgres.sslmode", cfg.Postgres.SSLMode)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}
