package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "wstssh.yaml")

	t.Run("defaults apply without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, uint32(32*1024), cfg.SSH.MaxPacket)
		assert.Equal(t, time.Hour, cfg.SSH.RekeyInterval)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, -1, cfg.Client.MaxRetryCount)
		assert.Empty(t, cfg.SSH.Ciphers)
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		_, err := Load(filepath.Join(tmpDir, "absent.yaml"))
		assert.NoError(t, err)
	})

	t.Run("loads values from YAML", func(t *testing.T) {
		yamlContent := `
log:
  level: debug
server:
  port: 9000
  moduli_file: /etc/ssh/moduli
client:
  server: https://tunnel.example.com
  forwards:
    - 3000:localhost:3000
    - socks
ssh:
  ciphers: [aes256-ctr]
  rekey_interval: 10m
  window_size: 65536
`
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "/etc/ssh/moduli", cfg.Server.ModuliFile)
		assert.Equal(t, "https://tunnel.example.com", cfg.Client.Server)
		assert.Equal(t, []string{"3000:localhost:3000", "socks"}, cfg.Client.Forwards)
		assert.Equal(t, []string{"aes256-ctr"}, cfg.SSH.Ciphers)
		assert.Equal(t, 10*time.Minute, cfg.SSH.RekeyInterval)
		assert.Equal(t, uint32(65536), cfg.SSH.WindowSize)
		level, err := cfg.LogLevel()
		require.NoError(t, err)
		assert.Equal(t, logger.LogLevelDebug, level)
	})

	t.Run("environment overrides file values", func(t *testing.T) {
		require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 9000\n"), 0644))
		t.Setenv("WSTSSH_SERVER_PORT", "9999")
		t.Setenv("WSTSSH_CLIENT_AUTH", "alice:secret")
		t.Setenv("WSTSSH_SSH_KEEPALIVE_INTERVAL", "5s")
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "alice:secret", cfg.Client.Auth)
		assert.Equal(t, 5*time.Second, cfg.SSH.KeepaliveInterval)
	})

	t.Run("invalid YAML is an error", func(t *testing.T) {
		require.NoError(t, os.WriteFile(configPath, []byte("server: port: [invalid yaml"), 0644))
		_, err := Load(configPath)
		assert.Error(t, err)
	})

	t.Run("unknown log level is an error", func(t *testing.T) {
		t.Setenv("WSTSSH_LOG_LEVEL", "loud")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("max packet beyond the transport limit is an error", func(t *testing.T) {
		t.Setenv("WSTSSH_SSH_MAX_PACKET", "1048576")
		_, err := Load("")
		assert.ErrorContains(t, err, "ssh.max_packet")
	})
}
