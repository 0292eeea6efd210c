package sshalgo

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// Cipher describes a packet cipher. Only stream modes are supported, so the
// packet layer can encrypt each packet as one contiguous run of bytes.
type Cipher struct {
	Name      string
	KeySize   int
	IVSize    int
	BlockSize int
	newStream func(key, iv []byte) (cipher.Stream, error)
}

// New creates the keyed stream for one direction
func (c *Cipher) New(key, iv []byte) (cipher.Stream, error) {
	if len(key) < c.KeySize || len(iv) < c.IVSize {
		return nil, fmt.Errorf("sshalgo: short key material for %s", c.Name)
	}
	return c.newStream(key[:c.KeySize], iv[:c.IVSize])
}

func newAESCTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

var builtinCiphers = []*Cipher{
	{Name: "aes128-ctr", KeySize: 16, IVSize: aes.BlockSize, BlockSize: aes.BlockSize, newStream: newAESCTR},
	{Name: "aes192-ctr", KeySize: 24, IVSize: aes.BlockSize, BlockSize: aes.BlockSize, newStream: newAESCTR},
	{Name: "aes256-ctr", KeySize: 32, IVSize: aes.BlockSize, BlockSize: aes.BlockSize, newStream: newAESCTR},
}

// MAC describes a message authentication code over the packet sequence number
// and plaintext packet
type MAC struct {
	Name    string
	KeySize int
	Size    int
	newHash func() hash.Hash
}

// New creates the keyed MAC for one direction
func (m *MAC) New(key []byte) (hash.Hash, error) {
	if len(key) < m.KeySize {
		return nil, fmt.Errorf("sshalgo: short key material for %s", m.Name)
	}
	return hmac.New(m.newHash, key[:m.KeySize]), nil
}

var builtinMACs = []*MAC{
	{Name: "hmac-sha2-256", KeySize: 32, Size: 32, newHash: sha256.New},
	{Name: "hmac-sha2-512", KeySize: 64, Size: 64, newHash: sha512.New},
	{Name: "hmac-sha1", KeySize: 20, Size: 20, newHash: sha1.New},
}
