package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metaforge.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://localhost/app
metadata_dir: defs
watch: true
watch_debounce: 1s
outbox:
  batch_size: 25
`), 0o644))

	t.Setenv("METAFORGE_METADATA_DIR", "override")
	t.Setenv("METAFORGE_OUTBOX_RELAY_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", cfg.DatabaseURL)
	assert.Equal(t, "override", cfg.MetadataDir)
	assert.True(t, cfg.Watch)
	assert.Equal(t, time.Second, cfg.WatchDebounce)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Outbox.RelayInterval)
	assert.Equal(t, 10*1024, cfg.Outbox.CompressThreshold, "untouched keys keep defaults")
	assert.True(t, cfg.UsesPostgres())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		check   func(t *testing.T, c Config)
		wantErr string
	}{
		{
			name: "typed values",
			vars: map[string]string{
				"METAFORGE_JSON_NATIVE":       "false",
				"METAFORGE_MAX_CONNS":         "4",
				"METAFORGE_STATEMENT_TIMEOUT": "250ms",
			},
			check: func(t *testing.T, c Config) {
				assert.False(t, c.JSONNative)
				assert.Equal(t, 4, c.MaxConns)
				assert.Equal(t, 250*time.Millisecond, c.StatementTimeout)
			},
		},
		{
			name: "blank is ignored",
			vars: map[string]string{"METAFORGE_LOG_LEVEL": "  "},
			check: func(t *testing.T, c Config) {
				assert.Equal(t, "info", c.LogLevel)
			},
		},
		{
			name:    "bad values are all reported",
			vars:    map[string]string{"METAFORGE_WATCH": "sometimes", "METAFORGE_MAX_CONNS": "many"},
			wantErr: "METAFORGE_MAX_CONNS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			err := cfg.ApplyEnv(env(tt.vars))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), "METAFORGE_WATCH")
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.UsesPostgres())

	cfg.LogLevel = "loud"
	cfg.MaxConns = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "max_conns")
}
