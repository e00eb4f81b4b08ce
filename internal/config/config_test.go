package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	recallerr "github.com/chatrecall/chatrecall/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "ollama", cfg.Embeddings.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
	assert.Equal(t, "hnsw", cfg.Vectors.Backend)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 0.60, cfg.Retrieval.HighThreshold)
	assert.Equal(t, 0.35, cfg.Retrieval.MediumThreshold)
	assert.True(t, cfg.Retrieval.ExpandWindows)
	assert.Equal(t, 30*time.Minute, cfg.Segmenter.GapDuration())
	assert.Equal(t, 2, cfg.Segmenter.MinMessageChars)
	assert.Equal(t, 30*time.Second, cfg.Indexing.PollIntervalDuration())
	assert.False(t, cfg.Judge.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
embeddings:
  provider: static
  batch_size: 8
vectors:
  backend: memory
retrieval:
  rrf_constant: 90
  high_threshold: 0.7
segmenter:
  gap: 1h
  min_message_chars: 5
judge:
  enabled: true
  model: llama3.2:1b
`
	require.NoError(t, os.WriteFile(Path(dir), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "static", cfg.Embeddings.Provider)
	assert.Equal(t, 8, cfg.Embeddings.BatchSize)
	assert.Equal(t, "memory", cfg.Vectors.Backend)
	assert.Equal(t, 90, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 0.7, cfg.Retrieval.HighThreshold)
	assert.Equal(t, time.Hour, cfg.Segmenter.GapDuration())
	assert.Equal(t, 5, cfg.Segmenter.MinMessageChars)
	assert.True(t, cfg.Judge.Enabled)
	assert.Equal(t, "llama3.2:1b", cfg.Judge.Model)

	// Untouched keys keep their defaults.
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
	assert.Equal(t, 0.35, cfg.Retrieval.MediumThreshold)
	assert.Equal(t, 12, cfg.Segmenter.MaxWindowSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	content := "embeddings:\n  provider: static\n"
	require.NoError(t, os.WriteFile(Path(dir), []byte(content), 0o644))

	t.Setenv("CHATRECALL_EMBEDDINGS_PROVIDER", "ollama")
	t.Setenv("CHATRECALL_OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("CHATRECALL_RRF_CONSTANT", "120")
	t.Setenv("CHATRECALL_HIGH_THRESHOLD", "0.8")
	t.Setenv("CHATRECALL_JUDGE_ENABLED", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.Embeddings.Provider)
	assert.Equal(t, "http://gpu-box:11434", cfg.Embeddings.OllamaHost)
	assert.Equal(t, "http://gpu-box:11434", cfg.Judge.OllamaHost, "judge inherits the shared host")
	assert.Equal(t, 120, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 0.8, cfg.Retrieval.HighThreshold)
	assert.True(t, cfg.Judge.Enabled)
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte("vectors: [not a map"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, recallerr.ErrCodeConfigInvalid, recallerr.GetCode(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown transport", func(c *Config) { c.Server.Transport = "sse" }},
		{"unknown log level", func(c *Config) { c.Server.LogLevel = "trace" }},
		{"unknown embed provider", func(c *Config) { c.Embeddings.Provider = "openai" }},
		{"unknown vector backend", func(c *Config) { c.Vectors.Backend = "pinecone" }},
		{"qdrant without url", func(c *Config) { c.Vectors.Backend = "qdrant"; c.Vectors.QdrantURL = "" }},
		{"bad gap", func(c *Config) { c.Segmenter.Gap = "soon" }},
		{"min above max", func(c *Config) { c.Segmenter.MinWindowSize = 20 }},
		{"zero step", func(c *Config) { c.Segmenter.Step = 0 }},
		{"zero min message chars", func(c *Config) { c.Segmenter.MinMessageChars = 0 }},
		{"zero rrf constant", func(c *Config) { c.Retrieval.RRFConstant = 0 }},
		{"high below medium", func(c *Config) { c.Retrieval.HighThreshold = 0.2 }},
		{"threshold above one", func(c *Config) { c.Retrieval.HighThreshold = 1.5 }},
		{"near-dup out of range", func(c *Config) { c.Retrieval.NearDupThreshold = 1.5 }},
		{"bad poll interval", func(c *Config) { c.Indexing.PollInterval = "often" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, recallerr.ErrCodeConfigInvalid, recallerr.GetCode(err))
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, New().Validate())
	})
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := New()
	cfg.DataDir = dir
	cfg.Vectors.Backend = "memory"
	cfg.Retrieval.MediumThreshold = 0.4

	require.NoError(t, cfg.WriteYAML(Path(dir)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "memory", loaded.Vectors.Backend)
	assert.Equal(t, 0.4, loaded.Retrieval.MediumThreshold)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte("retrieval:\n  high_threshold: 0.7\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := Watch(dir, nil, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(Path(dir), []byte("retrieval:\n  high_threshold: 0.9\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 0.9, cfg.Retrieval.HighThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload in time")
	}
}

func TestWatcher_KeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte("retrieval:\n  high_threshold: 0.7\n"), 0o644))

	reloaded := make(chan *Config, 4)
	w, err := Watch(dir, nil, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	// Invalid file: onChange must not fire for it.
	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  transport: sse\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was applied: %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	reloaded := make(chan *Config, 4)
	w, err := Watch(dir, nil, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(1200 * time.Millisecond):
	}
}
