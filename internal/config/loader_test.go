package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  url: wss://localhost:9443/ws/
  insecure_skip_verify: true
credentials:
  username: alice
  password: from-file
input:
  directory: ./sample
options:
  shuffle: true
callbacks:
  - kind: EXPORT_INIT
    data_file: ./init.bin
  - kind: MMAP_END
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "wss://localhost:9443/ws/", cfg.Server.URL)
	assert.True(t, cfg.Server.InsecureSkipVerify)
	assert.Equal(t, "alice", cfg.Credentials.Username)
	assert.Equal(t, "./sample", cfg.Input.Directory)
	assert.True(t, cfg.Options.Shuffle)
	require.Len(t, cfg.Callbacks, 2)
	assert.Equal(t, "./init.bin", cfg.Callbacks[0].DataFile)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// 默认值
	assert.Equal(t, 30, cfg.Server.HandshakeTimeoutSeconds)
	assert.Equal(t, 120, cfg.Server.RequestTimeoutSeconds)
	assert.Equal(t, []string{".dll"}, cfg.Input.BinaryExtensions)
	assert.Equal(t, "./out", cfg.Output.Dir)
	assert.Equal(t, "./data/history.db", cfg.History.DBPath)
	assert.Equal(t, 7, cfg.Logging.KeepDays)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv(EnvUsername, "bob")
	t.Setenv(EnvPassword, "from-env")
	t.Setenv(EnvServerURL, "ws://127.0.0.1:8080/ws/")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Credentials.Username)
	assert.Equal(t, "from-env", cfg.Credentials.Password)
	assert.Equal(t, "ws://127.0.0.1:8080/ws/", cfg.Server.URL)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{URL: "https://example.com"},
		Callbacks: []CallbackConfig{{Kind: "BOGUS"}, {Kind: "MMAP_START", DataFile: "x.bin"}},
		Input:     InputConfig{BinaryExtensions: []string{"exe"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
	assert.Contains(t, err.Error(), "credentials.username")
	assert.Contains(t, err.Error(), "callbacks[0]")
	assert.Contains(t, err.Error(), "MMAP_START does not take data")
	assert.Contains(t, err.Error(), "must start with a dot")
}
