package sshalgo

import (
	"crypto/cipher"
	"hash"
)

// DirectionKeys is the negotiated algorithm set and derived key material for
// one direction of a connection (client to server, or server to client)
type DirectionKeys struct {
	Cipher      *Cipher
	MAC         *MAC
	Compression string
	IV          []byte
	Key         []byte
	MACKey      []byte
}

// NewStream creates the keyed cipher stream for this direction
func (k *DirectionKeys) NewStream() (cipher.Stream, error) {
	return k.Cipher.New(k.Key, k.IV)
}

// NewMAC creates the keyed MAC for this direction
func (k *DirectionKeys) NewMAC() (hash.Hash, error) {
	return k.MAC.New(k.MACKey)
}
