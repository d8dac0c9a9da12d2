package nbd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("default config is valid", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
	})

	t.Run("bad tls mode", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TLS = "sometimes"
		err := cfg.Validate()
		require.Error(t, err)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "TLS", ce.Field)
	})

	t.Run("unknown handshake flag bits", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HandshakeFlags = 1 << 7
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown strict bits", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Strict = 1 << 30
		require.Error(t, cfg.Validate())
	})

	t.Run("oversize export name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ExportName = string(make([]byte, 4097))
		require.Error(t, cfg.Validate())
	})

	t.Run("oversize meta context name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MetaContexts = []string{string(make([]byte, 4097))}
		require.Error(t, cfg.Validate())
	})
}

func TestConfigureRejectsAfterConnect(t *testing.T) {
	h := New("reconfig")
	cfg := testConfig()
	require.NoError(t, h.Configure(cfg))

	f := &fakeTransport{rx: oldStyleGreeting(4096, 0)}
	require.NoError(t, connectFake(t, h, f))

	err := h.Configure(cfg)
	require.Error(t, err)
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ExportName: backups\n"+
			"TLS: require\n"+
			"TLSVerifyPeer: true\n"+
			"RequestStructuredReplies: false\n"+
			"MetaContexts:\n  - base:allocation\n  - qemu:dirty-bitmap:bitmap0\n"), 0o600))

	cfg, err := LoadProfile(DefaultConfig(), path)
	require.NoError(t, err)

	assert.Equal(t, "backups", cfg.ExportName)
	assert.Equal(t, TLSRequire, cfg.TLS)
	assert.True(t, cfg.TLSVerifyPeer)
	assert.False(t, cfg.RequestStructuredReplies)
	assert.Equal(t, []string{"base:allocation", "qemu:dirty-bitmap:bitmap0"}, cfg.MetaContexts)

	// Fields the profile doesn't name keep their base values.
	assert.Equal(t, StrictDefault, cfg.Strict)
	require.NoError(t, cfg.Validate())
}

func TestLoadProfileMissingFile(t *testing.T) {
	_, err := LoadProfile(DefaultConfig(), "/nonexistent/profile.yaml")
	require.Error(t, err)
}

func TestDecodeConfigMapWeakTyping(t *testing.T) {
	cfg, err := decodeConfigMap(DefaultConfig(), map[string]any{
		"TLSVerifyPeer": "true",
		"ExportName":    "disk0",
	})
	require.NoError(t, err)
	assert.True(t, cfg.TLSVerifyPeer)
	assert.Equal(t, "disk0", cfg.ExportName)
}
