package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "./archivist_db", cfg.Storage.Path)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Ingestion.Workers)
	assert.Equal(t, ingestion.DefaultLivenessTimeout, cfg.Ingestion.LivenessTimeout)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Embedding.Host)
	assert.Equal(t, core.ChunkPolicy{Strategy: core.StrategyFixed, MaxChars: 800, Overlap: 120}, cfg.Chunking.Policy())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParse(t *testing.T) {
	t.Setenv("ARCHIVIST_TEST_TOKEN", "sk-123")

	cfg, err := Parse([]byte(`
storage:
  in_memory: true
http:
  addr: 127.0.0.1:9000
  read_timeout: 2s
ingestion:
  workers: 8
  per_collection: 2
  liveness_timeout: 1m
  embed_rate: 5
embedding:
  host: https://api.example.com/v1
  token: ${ARCHIVIST_TEST_TOKEN}
retrieval:
  max_top_k: 20
chunking:
  strategy: recursive
  max_chars: 400
  overlap: 40
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.True(t, cfg.Storage.InMemory)
	assert.Empty(t, cfg.Storage.Path)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, 8, cfg.Ingestion.Workers)
	assert.Equal(t, 2, cfg.Ingestion.PerCollection)
	assert.Equal(t, time.Minute, cfg.Ingestion.LivenessTimeout)
	assert.Equal(t, 5.0, cfg.Ingestion.EmbedRate)
	assert.Equal(t, 1, cfg.Ingestion.EmbedBurst)
	assert.Equal(t, "sk-123", cfg.Embedding.Token)
	assert.Equal(t, 20, cfg.Retrieval.MaxTopK)
	assert.Equal(t, core.ChunkPolicy{Strategy: core.StrategyRecursive, MaxChars: 400, Overlap: 40}, cfg.Chunking.Policy())
	assert.Equal(t, "json", cfg.Logging.Format)

	aiCfg := cfg.AIConfig()
	assert.Equal(t, "https://api.example.com/v1", aiCfg.Host)
	assert.Equal(t, "sk-123", aiCfg.Token)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("ARCHIVIST_SET", "value")

	assert.Equal(t, "a: value", string(expandEnvVars([]byte("a: ${ARCHIVIST_SET}"))))
	assert.Equal(t, "a: fallback", string(expandEnvVars([]byte("a: ${ARCHIVIST_UNSET_VAR:-fallback}"))))
	assert.Equal(t, "a: value", string(expandEnvVars([]byte("a: ${ARCHIVIST_SET:-fallback}"))))
	assert.Equal(t, "a: ", string(expandEnvVars([]byte("a: ${ARCHIVIST_UNSET_VAR}"))))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative per collection", "ingestion:\n  per_collection: -1\n"},
		{"per collection above workers", "ingestion:\n  workers: 2\n  per_collection: 3\n"},
		{"negative rate", "ingestion:\n  embed_rate: -1\n"},
		{"bad host", "embedding:\n  host: localhost:11434\n"},
		{"overlap too large", "chunking:\n  max_chars: 100\n  overlap: 100\n"},
		{"unknown strategy", "chunking:\n  strategy: semantic\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"negative boost", "retrieval:\n  verbatim_boost: -0.5\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archivist.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: :9999\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	cfg, err = LoadIfExists(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}
