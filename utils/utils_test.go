package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "u1", "cam1", "2024", "05", "01")
	require.NoError(t, EnsureDir(dir))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// idempotent
	assert.NoError(t, EnsureDir(dir))
	assert.NoError(t, EnsureDir(""))
}

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	assert.Equal(t, 10008, v.GetInt("http.port"))
	assert.Equal(t, 30, v.GetInt("capture.segment_seconds"))
	assert.True(t, v.GetBool("capture.align_first_cut"))
	assert.Equal(t, 10*time.Second, v.GetDuration("capture.graceful_timeout"))
	assert.Equal(t, 500*time.Millisecond, v.GetDuration("outbox.idle_interval"))
	assert.Equal(t, "media-bucket", v.GetString("storage.bucket"))
}

func TestLoadConfFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "easycapture.yaml")
	require.NoError(t, os.WriteFile(file, []byte("capture:\n  root: /data/rec\n  segment_seconds: 15\n"), 0o644))
	t.Setenv("STORAGE_BUCKET", "other-bucket")

	v := loadConf(file)
	assert.Equal(t, "/data/rec", v.GetString("capture.root"))
	assert.Equal(t, 15, v.GetInt("capture.segment_seconds"))
	assert.Equal(t, "other-bucket", v.GetString("storage.bucket"))
	assert.Equal(t, "mp4", v.GetString("capture.extension"))
}

func TestCommandExists(t *testing.T) {
	assert.True(t, CommandExists("sh"))
	assert.False(t, CommandExists("definitely-not-a-real-binary-name"))
}
