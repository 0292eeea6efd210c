package kex

import (
	"crypto"
	"math/big"

	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// GexRequest is the group size request of a group exchange, in bits
type GexRequest struct {
	Min       uint32
	Preferred uint32
	Max       uint32

	// Legacy is set for SSH_MSG_KEX_DH_GEX_REQUEST_OLD, which carries only
	// Preferred
	Legacy bool
}

// HashInput holds every value bound into the exchange hash H
type HashInput struct {
	ClientVersion string
	ServerVersion string
	ClientKexInit []byte
	ServerKexInit []byte
	HostKey       []byte

	// Gex and Group are set only for group exchange methods
	Gex   *GexRequest
	Group *Group

	E *big.Int
	F *big.Int
	K *big.Int
}

// ExchangeHash computes H over in with hash function h. Classic DH hashes
// V_C, V_S, I_C, I_S, K_S, e, f, K (RFC 4253 §8). Group exchange inserts the
// request bounds (or the single legacy value) after K_S, then p and g, before
// e, f and K (RFC 4419 §3).
func ExchangeHash(h crypto.Hash, in *HashInput) []byte {
	w := wire.NewRawWriter().
		Text(in.ClientVersion).
		Text(in.ServerVersion).
		Blob(in.ClientKexInit).
		Blob(in.ServerKexInit).
		Blob(in.HostKey)
	if in.Gex != nil {
		// RFC 4419 §3 places the request between K_S and p, g. Both peers
		// must hash in this order.
		if in.Gex.Legacy {
			w.Uint32(in.Gex.Preferred)
		} else {
			w.Uint32(in.Gex.Min).Uint32(in.Gex.Preferred).Uint32(in.Gex.Max)
		}
		w.Mpint(in.Group.P).Mpint(in.Group.G)
	}
	w.Mpint(in.E).Mpint(in.F).Mpint(in.K)

	hh := h.New()
	hh.Write(w.Bytes())
	return hh.Sum(nil)
}

// deriveKey produces n bytes of key material for one purpose letter ('A'
// through 'F'), RFC 4253 §7.2:
//
//	K1 = HASH(K || H || X || session_id)
//	Kn = HASH(K || H || K1 || ... || Kn-1)
func deriveKey(h crypto.Hash, k *big.Int, exchangeHash, sessionID []byte, letter byte, n int) []byte {
	kEnc := wire.NewRawWriter().Mpint(k).Bytes()
	out := make([]byte, 0, n+h.Size())

	hh := h.New()
	hh.Write(kEnc)
	hh.Write(exchangeHash)
	hh.Write([]byte{letter})
	hh.Write(sessionID)
	out = hh.Sum(out)

	for len(out) < n {
		hh.Reset()
		hh.Write(kEnc)
		hh.Write(exchangeHash)
		hh.Write(out)
		out = hh.Sum(out)
	}
	return out[:n]
}

// DeriveKeys builds the key material for both directions from the result of
// an exchange. The first result is client to server, the second server to
// client.
func DeriveKeys(reg *sshalgo.Registry, algs *Algorithms, h crypto.Hash, k *big.Int, exchangeHash, sessionID []byte) (cs, sc *sshalgo.DirectionKeys, err error) {
	build := func(d DirectionAlgorithms, ivLetter, keyLetter, macLetter byte) (*sshalgo.DirectionKeys, error) {
		c, err := reg.Cipher(d.Cipher)
		if err != nil {
			return nil, err
		}
		m, err := reg.MAC(d.MAC)
		if err != nil {
			return nil, err
		}
		if err := reg.CheckCompression(d.Compression); err != nil {
			return nil, err
		}
		return &sshalgo.DirectionKeys{
			Cipher:      c,
			MAC:         m,
			Compression: d.Compression,
			IV:          deriveKey(h, k, exchangeHash, sessionID, ivLetter, c.IVSize),
			Key:         deriveKey(h, k, exchangeHash, sessionID, keyLetter, c.KeySize),
			MACKey:      deriveKey(h, k, exchangeHash, sessionID, macLetter, m.KeySize),
		}, nil
	}
	if cs, err = build(algs.ClientServer, 'A', 'C', 'E'); err != nil {
		return nil, nil, err
	}
	if sc, err = build(algs.ServerClient, 'B', 'D', 'F'); err != nil {
		return nil, nil, err
	}
	return cs, sc, nil
}
