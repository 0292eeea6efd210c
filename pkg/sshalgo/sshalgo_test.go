package sshalgo

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newEd25519Signer(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func newECDSASigner(t *testing.T) ssh.Signer {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func TestSignVerify(t *testing.T) {
	r := NewRegistry()
	for _, s := range []ssh.Signer{newEd25519Signer(t), newECDSASigner(t)} {
		algo := s.PublicKey().Type()
		data := []byte("exchange hash")
		sig, err := r.Sign(s, algo, data)
		require.NoError(t, err)

		pub, err := r.Verify(algo, s.PublicKey().Marshal(), data, sig)
		require.NoError(t, err, algo)
		assert.Equal(t, s.PublicKey().Marshal(), pub.Marshal())

		_, err = r.Verify(algo, s.PublicKey().Marshal(), []byte("tampered"), sig)
		assert.Error(t, err, algo)
	}
}

func TestSignVerifyRSASHA2(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	r := NewRegistry()
	assert.Equal(t, []string{ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA}, r.AlgorithmsForSigners([]ssh.Signer{s}))

	data := []byte("exchange hash")
	sig, err := r.Sign(s, ssh.KeyAlgoRSASHA256, data)
	require.NoError(t, err)
	_, err = r.Verify(ssh.KeyAlgoRSASHA256, s.PublicKey().Marshal(), data, sig)
	require.NoError(t, err)

	// the signature format must match the negotiated algorithm
	_, err = r.Verify(ssh.KeyAlgoRSASHA512, s.PublicKey().Marshal(), data, sig)
	assert.Error(t, err)
}

func TestVerifyRejectsWrongKeyType(t *testing.T) {
	r := NewRegistry()
	ed := newEd25519Signer(t)
	sig, err := r.Sign(ed, ssh.KeyAlgoED25519, []byte("h"))
	require.NoError(t, err)
	_, err = r.Verify(ssh.KeyAlgoECDSA256, ed.PublicKey().Marshal(), []byte("h"), sig)
	assert.Error(t, err)
}

func TestSignerForAlgorithm(t *testing.T) {
	ed := newEd25519Signer(t)
	ec := newECDSASigner(t)
	signers := []ssh.Signer{ed, ec}
	assert.Equal(t, ec, SignerForAlgorithm(signers, ssh.KeyAlgoECDSA256))
	assert.Equal(t, ed, SignerForAlgorithm(signers, ssh.KeyAlgoED25519))
	assert.Nil(t, SignerForAlgorithm(signers, ssh.KeyAlgoRSA))
	assert.Equal(t, []string{ssh.KeyAlgoED25519, ssh.KeyAlgoECDSA256}, NewRegistry().AlgorithmsForSigners(signers))
}

func TestCipherRoundTrip(t *testing.T) {
	r := NewRegistry()
	for _, name := range r.Ciphers() {
		c, err := r.Cipher(name)
		require.NoError(t, err)
		key := make([]byte, 64)
		iv := make([]byte, 32)
		enc, err := c.New(key, iv)
		require.NoError(t, err)
		dec, err := c.New(key, iv)
		require.NoError(t, err)

		plain := []byte("sixteen byte blk and some more")
		buf := append([]byte(nil), plain...)
		enc.XORKeyStream(buf, buf)
		assert.NotEqual(t, plain, buf)
		dec.XORKeyStream(buf, buf)
		assert.Equal(t, plain, buf)
	}
	_, err := r.Cipher("3des-cbc")
	assert.Error(t, err)
}

func TestMACs(t *testing.T) {
	r := NewRegistry()
	for _, name := range r.MACs() {
		m, err := r.MAC(name)
		require.NoError(t, err)
		h, err := m.New(make([]byte, m.KeySize))
		require.NoError(t, err)
		h.Write([]byte("packet"))
		assert.Len(t, h.Sum(nil), m.Size)

		_, err = m.New(make([]byte, m.KeySize-1))
		assert.Error(t, err)
	}
}

func TestFilter(t *testing.T) {
	assert.Equal(t, []string{"b", "a"}, Filter([]string{"x", "b", "a"}, []string{"a", "b"}))
	assert.Nil(t, Filter([]string{"x"}, []string{"a"}))
	assert.NoError(t, NewRegistry().CheckCompression("none"))
	assert.Error(t, NewRegistry().CheckCompression("zlib"))
}
