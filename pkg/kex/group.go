package kex

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// Group is a multiplicative group suitable for Diffie-Hellman key agreement
type Group struct {
	P *big.Int
	G *big.Int
}

// Bits returns the size of the modulus in bits
func (g *Group) Bits() int {
	return g.P.BitLen()
}

// GenerateKey draws a private exponent x in [2, p-2] and returns it together
// with the public value g^x mod p. The private exponent must never leave the
// exchange that created it.
func (g *Group) GenerateKey(rnd io.Reader) (x, pub *big.Int, err error) {
	// p - 3 possible values, offset by 2
	limit := new(big.Int).Sub(g.P, big.NewInt(3))
	if limit.Sign() <= 0 {
		return nil, nil, errors.New("kex: group modulus too small")
	}
	x, err = rand.Int(rnd, limit)
	if err != nil {
		return nil, nil, err
	}
	x.Add(x, bigTwo)
	return x, new(big.Int).Exp(g.G, x, g.P), nil
}

// CheckPublic verifies that a peer's public value is in the open range (1, p-1)
func (g *Group) CheckPublic(pub *big.Int) error {
	pMinus1 := new(big.Int).Sub(g.P, bigOne)
	if pub.Cmp(bigOne) <= 0 || pub.Cmp(pMinus1) >= 0 {
		return errors.New("kex: DH parameter out of bounds")
	}
	return nil
}

// SharedSecret computes K = theirPublic^myPrivate mod p after validating
// theirPublic
func (g *Group) SharedSecret(theirPublic, myPrivate *big.Int) (*big.Int, error) {
	if err := g.CheckPublic(theirPublic); err != nil {
		return nil, err
	}
	return new(big.Int).Exp(theirPublic, myPrivate, g.P), nil
}

func mustGroup(pHex string) *Group {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		panic("kex: bad built-in prime")
	}
	return &Group{P: p, G: big.NewInt(2)}
}

// Group1 is Oakley Group 2 (RFC 2409), used by diffie-hellman-group1-sha1
var Group1 = mustGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF")

// Group14 is the 2048-bit MODP group of RFC 3526, used by the group14 methods
// and as the group exchange fallback
var Group14 = mustGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF")
