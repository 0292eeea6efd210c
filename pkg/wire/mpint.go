package wire

import (
	"math/big"
)

var bigOne = big.NewInt(1)

// MpintBytes returns the content bytes of the mpint encoding of n, without the
// length prefix: two's complement, big-endian, minimal length. Positive values
// whose most significant bit would be set get a leading zero byte; zero
// encodes as no bytes at all.
func MpintBytes(n *big.Int) []byte {
	switch n.Sign() {
	case 0:
		return []byte{}
	case 1:
		b := n.Bytes()
		if b[0]&0x80 != 0 {
			return append([]byte{0}, b...)
		}
		return b
	}

	// negative: two's complement of |n| is the bitwise inverse of |n|-1
	nMinus1 := new(big.Int).Neg(n)
	nMinus1.Sub(nMinus1, bigOne)
	b := nMinus1.Bytes()
	for i := range b {
		b[i] ^= 0xff
	}
	if len(b) == 0 || b[0]&0x80 == 0 {
		return append([]byte{0xff}, b...)
	}
	return b
}

// ParseMpint decodes the content bytes of an mpint, inverting MpintBytes
// exactly.
func ParseMpint(b []byte) *big.Int {
	n := new(big.Int)
	if len(b) == 0 {
		return n
	}
	if b[0]&0x80 == 0 {
		return n.SetBytes(b)
	}
	inv := make([]byte, len(b))
	for i := range b {
		inv[i] = ^b[i]
	}
	n.SetBytes(inv)
	n.Add(n, bigOne)
	return n.Neg(n)
}

// isMinimalMpint reports whether b is the shortest encoding of its value
func isMinimalMpint(b []byte) bool {
	if len(b) < 2 {
		return len(b) == 0 || b[0] != 0
	}
	switch b[0] {
	case 0x00:
		return b[1]&0x80 != 0
	case 0xff:
		return b[1]&0x80 == 0
	}
	return true
}
