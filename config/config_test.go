package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msrl.dev/git-submit/project"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidFile(t *testing.T) {
	t.Setenv("REVIEW_SITE", "https://review.example.com/")
	path := writeConfig(t, `
site_url: "${REVIEW_SITE}"
submit:
  whole_topic: true
  default_type: cherry pick
queue:
  workers: 4
  retry_delay: 250ms
labels:
  - name: Code-Review
    min: -2
    max: 2
  - name: Verified
    min: -1
    max: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://review.example.com/", cfg.SiteURL)
	assert.True(t, cfg.Submit.WholeTopic)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RetryDelay)
	assert.Len(t, cfg.Labels, 2)
	// Unset keys keep their defaults.
	assert.Equal(t, "refs/notes/review", cfg.Notes.Review)
	assert.Equal(t, project.CherryPick, cfg.ProjectDefaults().SubmitType)
	assert.True(t, cfg.ProjectDefaults().UseContentMerge)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "submit: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Submit.DefaultType = "octopus"
	cfg.Queue.Workers = 0
	cfg.Labels = append(cfg.Labels, LabelConfig{Name: "Code-Review", Min: 1, Max: -1})
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"default_type", "queue.workers", "duplicate label", "min 1 above max -1", "log_level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	l, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}
