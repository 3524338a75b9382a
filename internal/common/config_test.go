package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFilesLayering(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000

[engine]
max_workers = 2
`)
	override := writeConfig(t, "override.toml", `
[server]
port = 9100
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, 9100, config.Server.Port, "later files override earlier ones")
	assert.Equal(t, 2, config.Engine.MaxWorkers, "earlier file values survive when not overridden")
	assert.Equal(t, "localhost", config.Server.Host, "defaults fill unset fields")
	assert.Equal(t, 20, config.Engine.BatchSize)
}

func TestLoadFromFilesMissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadFromFilesInvalidTOML(t *testing.T) {
	bad := writeConfig(t, "bad.toml", "server = [broken")
	_, err := LoadFromFiles(bad)
	assert.Error(t, err)
}

func TestEnvOverridesBeatFiles(t *testing.T) {
	base := writeConfig(t, "base.toml", `
[server]
port = 9000
`)
	t.Setenv("CARPO_SERVER_PORT", "9200")
	t.Setenv("CARPO_ENGINE_MAX_WORKERS", "7")
	t.Setenv("CARPO_LOG_OUTPUT", "console, file")

	config, err := LoadFromFiles(base)
	require.NoError(t, err)

	assert.Equal(t, 9200, config.Server.Port)
	assert.Equal(t, 7, config.Engine.MaxWorkers)
	assert.Equal(t, []string{"console", "file"}, config.Logging.Output)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 8000, config.Server.Port, "zero values mean not set")

	ApplyFlagOverrides(config, 9300, "0.0.0.0")
	assert.Equal(t, 9300, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestEventsConfigDefaults(t *testing.T) {
	config := NewDefaultConfig()
	assert.Equal(t, 1000, config.Events.GlobalBuffer)
	assert.Equal(t, 500, config.Events.JobBuffer)
	assert.Equal(t, 100, config.Events.MaxJobs)
	assert.Empty(t, config.Events.PersistPath)
}
