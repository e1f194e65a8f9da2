package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withDefaults(t *testing.T) {
	t.Helper()
	GlobalConfig = Default()
	t.Cleanup(func() { GlobalConfig = Default() })
}

func TestLoadConfig_MissingFileKeepsDefaults(t *testing.T) {
	withDefaults(t)
	require.NoError(t, LoadConfig(filepath.Join(t.TempDir(), "config.json")))
	assert.Equal(t, Default(), GlobalConfig)
}

func TestLoadConfig_Overlay(t *testing.T) {
	withDefaults(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"chunk_readahead": 6,
		"refresh_interval": "30s",
		"resume_miss": "wait",
		"headers": {"Referer": "https://example.com/"}
	}`), 0644))

	require.NoError(t, LoadConfig(path))
	assert.Equal(t, 6, GlobalConfig.ChunkReadahead)
	assert.Equal(t, Duration(30*time.Second), GlobalConfig.RefreshInterval)
	assert.Equal(t, "wait", GlobalConfig.ResumeMiss)
	assert.Equal(t, 8084, GlobalConfig.ProxyPort)
	assert.Equal(t, "https://example.com/", GlobalConfig.Headers["Referer"])
	assert.Contains(t, GlobalConfig.Headers, "User-Agent")
}

func TestLoadConfig_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"syntax":    `{`,
		"duration":  `{"refresh_interval": "soon"}`,
		"readahead": `{"chunk_readahead": 0}`,
		"miss":      `{"resume_miss": "skip"}`,
	} {
		t.Run(name, func(t *testing.T) {
			withDefaults(t)
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			assert.Error(t, LoadConfig(path))
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := Duration(90 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))
}
