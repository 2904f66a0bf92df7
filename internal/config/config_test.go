package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{Server: DefaultServer}, cfg)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server: tls://broker.example:4443
name: ingest
token: s3cret
verbose: true
tls:
  ca: /etc/natsio/ca.pem
  insecure_skip_verify: true
connect_timeout: 2s
reconnect_base_delay: 250ms
reconnect_max_delay: 1m
max_reconnect_attempts: 7
metrics_addr: 127.0.0.1:9100
`, 0o600)

	var warn bytes.Buffer
	cfg, err := Load(path, &warn)
	require.NoError(t, err)
	assert.Empty(t, warn.String())

	assert.Equal(t, &Config{
		Server:  "tls://broker.example:4443",
		Name:    "ingest",
		Token:   "s3cret",
		Verbose: true,
		TLS: TLS{
			CA:                 "/etc/natsio/ca.pem",
			InsecureSkipVerify: true,
		},
		ConnectTimeout:       2 * time.Second,
		ReconnectBaseDelay:   250 * time.Millisecond,
		ReconnectMaxDelay:    time.Minute,
		MaxReconnectAttempts: 7,
		MetricsAddr:          "127.0.0.1:9100",
	}, cfg)
}

func TestLoadKeepsDefaultServer(t *testing.T) {
	path := writeConfig(t, "name: only-a-name\n", 0o600)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, "only-a-name", cfg.Name)
}

func TestLoadWarnsOnOpenPermissions(t *testing.T) {
	path := writeConfig(t, "token: s3cret\n", 0o644)

	var warn bytes.Buffer
	_, err := Load(path, &warn)
	require.NoError(t, err)
	assert.Contains(t, warn.String(), "0644")
	assert.Contains(t, warn.String(), path)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unterminated\n", 0o600)

	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, filepath.Join("/home/tester", ".natsio", "config.yaml"), DefaultPath())
}
