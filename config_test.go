package docstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, BackendMongo, cfg.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URL)
	assert.Equal(t, 5*time.Second, cfg.Mongo.OperationTimeout)
	assert.True(t, cfg.Mongo.Safe)
}

func TestLoadConfig_File(t *testing.T) {
	content := `
backend: postgres
postgres:
  host: db.internal
  port: "6432"
  database: catalog
  user: docstore
  password: secret
  schema: documents
log:
  level: debug
  format: console
mongo:
  connect_timeout: 3s
  max_pool_size: 25
  w: majority
`
	path := filepath.Join(t.TempDir(), "docstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, PGConfig{
		Host:     "db.internal",
		Port:     "6432",
		Database: "catalog",
		User:     "docstore",
		Password: "secret",
		Schema:   "documents",
		SSLMode:  "disable",
	}, cfg.Postgres)
	assert.Equal(t, LogConfig{Level: "debug", Format: "console"}, cfg.Log)
	assert.Equal(t, 3*time.Second, cfg.Mongo.ConnectTimeout)
	assert.Equal(t, uint64(25), cfg.Mongo.MaxPoolSize)
	assert.Equal(t, "majority", cfg.Mongo.W)
	assert.Equal(t, "docstore", cfg.Mongo.Database)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mongo:\n  url: mongodb://file:27017\n  database: fromfile\n"), 0o600))

	t.Setenv("DOCSTORE_MONGO_URL", "mongodb://env:27017")
	t.Setenv("DOCSTORE_MONGO_SLAVE_OK", "true")

	cfg, err := LoadConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URL)
	assert.Equal(t, "fromfile", cfg.Mongo.Database)
	assert.True(t, cfg.Mongo.SlaveOk)
}

func TestLoadConfig_CustomPrefix(t *testing.T) {
	t.Setenv("CATALOG_BACKEND", "postgres")
	t.Setenv("CATALOG_POSTGRES_DATABASE", "catalog")
	t.Setenv("DOCSTORE_BACKEND", "mongo")

	cfg, err := LoadConfig("", "catalog")
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "catalog", cfg.Postgres.Database)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
	assert.ErrorContains(t, err, "failed to read config file")

	t.Setenv("DOCSTORE_BACKEND", "cassandra")
	_, err = LoadConfig("", "")
	assert.ErrorContains(t, err, "config validation failed")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "defaults", modify: func(c *Config) {}},
		{name: "unknown backend", modify: func(c *Config) { c.Backend = "redis" }, wantErr: "unknown backend"},
		{name: "mongo without url", modify: func(c *Config) { c.Mongo.URL = "" }, wantErr: "URL is required"},
		{name: "mongo without database", modify: func(c *Config) { c.Mongo.Database = "" }, wantErr: "database is required"},
		{name: "invalid write concern", modify: func(c *Config) { c.Mongo.W = "all" }, wantErr: "write concern"},
		{name: "numeric write concern", modify: func(c *Config) { c.Mongo.W = "2" }},
		{
			name:    "postgres without database",
			modify:  func(c *Config) { c.Backend = BackendPostgres },
			wantErr: "postgres database is required",
		},
		{
			name:    "postgres without host",
			modify:  func(c *Config) { c.Backend = BackendPostgres; c.Postgres.Host = ""; c.Postgres.Database = "x" },
			wantErr: "postgres host is required",
		},
		{name: "invalid log level", modify: func(c *Config) { c.Log.Level = "verbose" }, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPGConfig_DSN(t *testing.T) {
	cfg := PGConfig{Host: "localhost", Port: "5432", Database: "catalog", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@localhost:5432/catalog?sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Equal(t, "postgres://u:p@localhost:5432/catalog?sslmode=require", cfg.DSN())
}
