package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Model.EmbeddingDim)
	assert.Equal(t, 3, cfg.Ingest.BatchPages)
	assert.Equal(t, 4, cfg.Ingest.Parallelism)
	assert.Equal(t, 4, cfg.QGen.Parallelism)
	assert.Equal(t, 600, cfg.Interview.TotalTimeS)
	assert.Equal(t, 30, cfg.Interview.WrapUpThreshold)
	assert.Equal(t, 8, cfg.Interview.MaxTopics)
	assert.Equal(t, 3, cfg.Interview.MaxFollowUps)
	assert.Equal(t, "gemini-2.5-flash", cfg.Model.GenerativeModel)
	assert.Equal(t, "text-embedding-004", cfg.Model.EmbeddingModel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	data := []byte(`
interview:
  total_time_s: 900
  max_topics: 5
ingest:
  batch_pages: 2
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.Interview.TotalTimeS)
	assert.Equal(t, 5, cfg.Interview.MaxTopics)
	assert.Equal(t, 2, cfg.Ingest.BatchPages)
	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Interview.MaxFollowUps)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EMBEDDING_DIM", "1024")
	t.Setenv("INTERVIEW_MAX_TOPICS", "6")
	t.Setenv("MODEL_CALL_TIMEOUT_MS", "5000")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.Model.EmbeddingDim)
	assert.Equal(t, 6, cfg.Interview.MaxTopics)
	assert.Equal(t, int64(5000), cfg.Model.CallTimeout.Milliseconds())
}

func TestValidateRejectsBadTuning(t *testing.T) {
	ic := InterviewConfig{TotalTimeS: 600, WrapUpThreshold: 30, MaxTopics: 8, MaxFollowUps: 3}
	require.NoError(t, ic.Validate())

	bad := ic
	bad.WrapUpThreshold = 600
	assert.Error(t, bad.Validate())

	bad = ic
	bad.TotalTimeS = 0
	assert.Error(t, bad.Validate())

	bad = ic
	bad.MaxTopics = 0
	assert.Error(t, bad.Validate())
}

func TestWatcherKeepsPreviousTuningOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interview:\n  total_time_s: 600\n"), 0o644))

	w, err := NewWatcher(path, InterviewConfig{TotalTimeS: 600, WrapUpThreshold: 30, MaxTopics: 8, MaxFollowUps: 3}, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	// invalid tuning must not replace the current snapshot
	require.NoError(t, os.WriteFile(path, []byte("interview:\n  total_time_s: -1\n"), 0o644))
	w.reload()
	assert.Equal(t, 600, w.Interview().TotalTimeS)

	require.NoError(t, os.WriteFile(path, []byte("interview:\n  total_time_s: 900\n"), 0o644))
	w.reload()
	assert.Equal(t, 900, w.Interview().TotalTimeS)
}
