package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/starledger")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 10*time.Minute, cfg.ReconcileInterval)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.Attempts)
	assert.Equal(t, 10*time.Millisecond, p.Min)
	assert.Equal(t, 500*time.Millisecond, p.Max)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres without source", map[string]string{"STORE_DRIVER": "postgres"}, "DB_SOURCE"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "sqlite"}, "STORE_DRIVER"},
		{"production without key", map[string]string{"STORE_DRIVER": "memory", "ENVIRONMENT": "production"}, "MESSAGE_KEY"},
		{"zero attempts", map[string]string{"STORE_DRIVER": "memory", "LEDGER_MAX_ATTEMPTS": "0"}, "LEDGER_MAX_ATTEMPTS"},
		{"inverted backoff", map[string]string{"STORE_DRIVER": "memory", "LEDGER_BACKOFF_MIN": "1s", "LEDGER_BACKOFF_MAX": "10ms"}, "LEDGER_BACKOFF_MIN"},
		{"bad duration", map[string]string{"STORE_DRIVER": "memory", "IDEMPOTENCY_TTL": "soon"}, "IDEMPOTENCY_TTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MemoryDriver(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.RetryPolicy().Attempts)
	assert.True(t, cfg.IsDevelopment())
}
