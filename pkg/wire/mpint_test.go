package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigFromHex(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 16)
	require.True(t, ok)
	return n
}

func TestMpintKnownEncodings(t *testing.T) {
	// examples from RFC 4251 §5
	cases := []struct {
		value string
		enc   []byte
	}{
		{"0", []byte{}},
		{"9a378f9b2e332a7", []byte{0x09, 0xa3, 0x78, 0xf9, 0xb2, 0xe3, 0x32, 0xa7}},
		{"80", []byte{0x00, 0x80}},
		{"-1234", []byte{0xed, 0xcc}},
		{"-deadbeef", []byte{0xff, 0x21, 0x52, 0x41, 0x11}},
	}
	for _, c := range cases {
		n := bigFromHex(t, c.value)
		assert.Equal(t, c.enc, MpintBytes(n), "encoding %s", c.value)
		assert.Equal(t, 0, n.Cmp(ParseMpint(c.enc)), "decoding %s", c.value)
	}
}

func TestMpintRoundTrip(t *testing.T) {
	values := []*big.Int{
		big.NewInt(0),
		big.NewInt(0x80),
		big.NewInt(0xff),
		big.NewInt(0x7f),
		big.NewInt(-1),
		big.NewInt(-128),
		big.NewInt(-129),
		bigFromHex(t, dhGroup14Hex),
	}
	for _, v := range values {
		enc := MpintBytes(v)
		assert.True(t, isMinimalMpint(enc), "encoding of %v must be minimal", v)
		if v.Sign() > 0 {
			assert.Zero(t, enc[0]&0x80, "positive %v must not look negative", v)
		}

		payload := NewWriter(MsgKexDHInit).Mpint(v).Bytes()
		r := NewReader(payload)
		got := r.Mpint()
		require.NoError(t, r.Err())
		assert.True(t, r.Empty())
		assert.Equal(t, 0, v.Cmp(got), "round trip of %v", v)
	}
}

func TestMpintHighBitIsPadded(t *testing.T) {
	v := bigFromHex(t, "ff00")
	assert.Equal(t, []byte{0x00, 0xff, 0x00}, MpintBytes(v))
}

func TestReaderRejectsNonMinimalMpint(t *testing.T) {
	for _, enc := range [][]byte{{0x00}, {0x00, 0x01}, {0xff, 0x80}} {
		payload := NewWriter(MsgKexDHInit).Blob(enc).Bytes()
		r := NewReader(payload)
		r.Mpint()
		assert.Error(t, r.Err(), "%x", enc)
	}
}

// the 2048-bit MODP group from RFC 3526; its top bit is set
const dhGroup14Hex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"
