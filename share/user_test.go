package sshshare

import (
	"crypto/elliptic"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuth(t *testing.T) {
	u, p := ParseAuth("alice:pa:ss")
	assert.Equal(t, "alice", u)
	assert.Equal(t, "pa:ss", p)

	u, p = ParseAuth("nocolon")
	assert.Empty(t, u)
	assert.Empty(t, p)
}

func TestLoadUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"alice:secret": ["^localhost:22$", "example\\.com:.*"],
		"bob:hunter2": []
	}`), 0600))

	idx := NewUserIndex(newTestLogger(t))
	require.NoError(t, idx.LoadUsers(path))
	assert.Equal(t, 2, idx.Len())

	alice, ok := idx.Authenticate("alice", "secret")
	require.True(t, ok)
	assert.True(t, alice.HasAccess("localhost:22"))
	assert.True(t, alice.HasAccess("example.com:443"))
	assert.False(t, alice.HasAccess("localhost:80"))

	bob, ok := idx.Get("bob")
	require.True(t, ok)
	assert.True(t, bob.HasAccess("anything:1"))

	_, ok = idx.Authenticate("alice", "wrong")
	assert.False(t, ok)
	_, ok = idx.Authenticate("carol", "")
	assert.False(t, ok)

	idx.Del("bob")
	assert.Equal(t, 1, idx.Len())
}

func TestLoadUsersErrors(t *testing.T) {
	dir := t.TempDir()
	idx := NewUserIndex(newTestLogger(t))
	assert.Error(t, idx.LoadUsers(filepath.Join(dir, "missing.json")))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"nopassword": []}`), 0600))
	assert.Error(t, idx.LoadUsers(bad))

	require.NoError(t, os.WriteFile(bad, []byte(`{"a:b": ["("]}`), 0600))
	assert.Error(t, idx.LoadUsers(bad))
}

func TestGenerateKeyFromSeed(t *testing.T) {
	a, err := LoadHostKey("", "seed")
	require.NoError(t, err)
	b, err := LoadHostKey("", "seed")
	require.NoError(t, err)
	c, err := LoadHostKey("", "other")
	require.NoError(t, err)

	fp := FingerprintKey(a.PublicKey())
	assert.Equal(t, fp, FingerprintKey(b.PublicKey()))
	assert.NotEqual(t, fp, FingerprintKey(c.PublicKey()))
	assert.Len(t, fp, 16*3-1)

	check := FingerprintCallback(fp[:8], nil)
	assert.NoError(t, check("ecdsa-sha2-nistp256", a.PublicKey()))
	assert.Error(t, check("ecdsa-sha2-nistp256", c.PublicKey()))
	assert.NoError(t, FingerprintCallback("", nil)("ecdsa-sha2-nistp256", c.PublicKey()))
}

func TestLoadHostKeyFile(t *testing.T) {
	pemBytes, err := GenerateKey("file")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "host_key")
	require.NoError(t, os.WriteFile(path, pemBytes, 0600))

	fromFile, err := LoadHostKey(path, "ignored")
	require.NoError(t, err)
	fromSeed, err := LoadHostKey("", "file")
	require.NoError(t, err)
	assert.Equal(t, FingerprintKey(fromSeed.PublicKey()), FingerprintKey(fromFile.PublicKey()))
}

func TestSeededKeyCurves(t *testing.T) {
	for _, c := range []elliptic.Curve{elliptic.P256(), elliptic.P384(), elliptic.P521()} {
		t.Run(c.Params().Name, func(t *testing.T) {
			a, err := seededKey(c, []byte("seed"))
			require.NoError(t, err)
			b, err := seededKey(c, []byte("seed"))
			require.NoError(t, err)
			other, err := seededKey(c, []byte("seed2"))
			require.NoError(t, err)
			assert.True(t, a.Equal(b))
			assert.False(t, a.Equal(other))
			assert.Equal(t, 1, a.D.Sign())
			assert.Equal(t, -1, a.D.Cmp(c.Params().N))
		})
	}
}
