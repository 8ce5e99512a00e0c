package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sovsapp/enroll/internal/app"
)

func baseConfig() *app.Config {
	cfg := &app.Config{}
	cfg.Auth.Token.Secret = "secret"
	cfg.Backend.FunctionsURL = "https://functions.example.com"
	cfg.Auth.ProviderURL = "https://auth.example.com"
	return cfg
}

func TestEnsureSecretsPresent(t *testing.T) {
	require.NoError(t, ensureSecretsPresent(baseConfig()))

	cfg := baseConfig()
	cfg.Auth.Token.Secret = "  "
	require.Error(t, ensureSecretsPresent(cfg))

	cfg = baseConfig()
	cfg.Backend.FunctionsURL = ""
	require.Error(t, ensureSecretsPresent(cfg))

	cfg = baseConfig()
	cfg.Auth.ProviderURL = ""
	require.Error(t, ensureSecretsPresent(cfg))
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "./data/enroll.sqlite"

	out := convertDatabaseConfig(cfg)
	require.Equal(t, "sqlite", out.Driver)
	require.Equal(t, "./data/enroll.sqlite", out.Path)

	cfg.Database.Postgres.Enabled = true
	cfg.Database.Postgres.Host = "db.internal"
	cfg.Database.Postgres.Port = 5432
	cfg.Database.Postgres.Database = "enroll"
	cfg.Database.Postgres.Username = "enroll"
	cfg.Database.Postgres.Password = "pw"

	out = convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", out.Driver)
	require.Equal(t, "db.internal", out.Host)
	require.Equal(t, 5432, out.Port)
	require.Equal(t, "enroll", out.Name)
}
