package sshshare

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// GenerateKey generates a PEM encoded ECDSA P-256 host key. A non-empty seed
// produces the same key every time; an empty seed produces a random key.
func GenerateKey(seed string) ([]byte, error) {
	var priv *ecdsa.PrivateKey
	var err error
	if seed == "" {
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		priv, err = seededKey(elliptic.P256(), []byte(seed))
	}
	if err != nil {
		return nil, err
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// keySeedRounds is the number of SHA-512 rounds applied to a seed before any
// key material is taken from it
const keySeedRounds = 2048

// seededKey derives a private key from seed. Each SHA-512 round hashes the
// state; the first half of the digest becomes the next state and, after
// keySeedRounds, the second half is key material. ecdsa.GenerateKey cannot be
// used because it does not consume a caller supplied reader deterministically.
func seededKey(c elliptic.Curve, seed []byte) (*ecdsa.PrivateKey, error) {
	params := c.Params()
	need := params.BitSize/8 + 8
	state := seed
	var material []byte
	for i := 0; len(material) < need; i++ {
		sum := sha512.Sum512(state)
		state = sum[:sha512.Size/2]
		if i >= keySeedRounds {
			material = append(material, sum[sha512.Size/2:]...)
		}
	}
	// k is in [1, N-1]
	k := new(big.Int).SetBytes(material[:need])
	n := new(big.Int).Sub(params.N, big.NewInt(1))
	k.Mod(k, n)
	k.Add(k, big.NewInt(1))
	return ecdsa.ParseRawPrivateKey(c, k.FillBytes(make([]byte, (params.BitSize+7)/8)))
}

// LoadHostKey returns the host key in keyFile if it is set, or else one
// generated from seed
func LoadHostKey(keyFile, seed string) (ssh.Signer, error) {
	var pemBytes []byte
	var err error
	if keyFile != "" {
		pemBytes, err = os.ReadFile(keyFile)
	} else {
		pemBytes, err = GenerateKey(seed)
	}
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key: %w", err)
	}
	return signer, nil
}

// FingerprintKey returns the colon separated MD5 fingerprint of an SSH
// public key, which clients use to authenticate the server
func FingerprintKey(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// FingerprintCallback returns a host key check that accepts keys whose
// fingerprint starts with expect. An empty expect accepts any key. Every
// accepted fingerprint is passed to seen, if it is not nil.
func FingerprintCallback(expect string, seen func(fingerprint string)) func(algo string, key ssh.PublicKey) error {
	return func(algo string, key ssh.PublicKey) error {
		got := FingerprintKey(key)
		if expect != "" && !strings.HasPrefix(got, expect) {
			return fmt.Errorf("invalid fingerprint (%s)", got)
		}
		if seen != nil {
			seen(got)
		}
		return nil
	}
}
