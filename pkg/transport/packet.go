package transport

import (
	"crypto/cipher"
	"crypto/hmac"
	"fmt"
	"hash"
	"io"

	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/wire"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// MaxPacket is the largest packet_length accepted from the peer. RFC 4253
	// only requires 35000; larger packets are allowed for big channel frames.
	MaxPacket = 256 * 1024

	minPadding   = 4
	minBlockSize = 8
)

// direction is the framing state of one direction of the connection: the
// active cipher and MAC, and the packet sequence number. Sequence numbers wrap
// at 2^32 and are never reset, not even by a key exchange.
type direction struct {
	stream    cipher.Stream
	mac       hash.Hash
	blockSize int
	seq       uint32
	keys      *sshalgo.DirectionKeys
}

func newDirection() *direction {
	return &direction{blockSize: minBlockSize}
}

// setKeys switches the direction to newly negotiated keys. The sequence
// number carries on.
func (d *direction) setKeys(keys *sshalgo.DirectionKeys) error {
	stream, err := keys.NewStream()
	if err != nil {
		return err
	}
	mac, err := keys.NewMAC()
	if err != nil {
		return err
	}
	d.stream = stream
	d.mac = mac
	d.blockSize = keys.Cipher.BlockSize
	if d.blockSize < minBlockSize {
		d.blockSize = minBlockSize
	}
	d.keys = keys
	return nil
}

func (d *direction) macSize() int {
	if d.mac == nil {
		return 0
	}
	return d.mac.Size()
}

func (d *direction) computeMAC(plain []byte) []byte {
	d.mac.Reset()
	var seq [4]byte
	seq[0] = byte(d.seq >> 24)
	seq[1] = byte(d.seq >> 16)
	seq[2] = byte(d.seq >> 8)
	seq[3] = byte(d.seq)
	d.mac.Write(seq[:])
	d.mac.Write(plain)
	return d.mac.Sum(nil)
}

// seal frames payload as a binary packet (RFC 4253 §6), encrypting it and
// appending the MAC if keys are in use
func (d *direction) seal(payload []byte, rand io.Reader) ([]byte, error) {
	padLen := d.blockSize - (5+len(payload))%d.blockSize
	if padLen < minPadding {
		padLen += d.blockSize
	}
	padding := make([]byte, padLen)
	if _, err := io.ReadFull(rand, padding); err != nil {
		return nil, fmt.Errorf("transport: padding: %w", err)
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, 5+len(payload)+padLen+d.macSize()))
	b.AddUint32(uint32(1 + len(payload) + padLen))
	b.AddUint8(uint8(padLen))
	b.AddBytes(payload)
	b.AddBytes(padding)
	packet, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	var sum []byte
	if d.mac != nil {
		sum = d.computeMAC(packet)
	}
	if d.stream != nil {
		d.stream.XORKeyStream(packet, packet)
	}
	d.seq++
	return append(packet, sum...), nil
}

// open reads one binary packet from r and returns its payload
func (d *direction) open(r io.Reader) ([]byte, error) {
	first := make([]byte, d.blockSize)
	if _, err := io.ReadFull(r, first); err != nil {
		return nil, err
	}
	if d.stream != nil {
		d.stream.XORKeyStream(first, first)
	}
	var length uint32
	s := cryptobyte.String(first)
	s.ReadUint32(&length)
	if length > MaxPacket {
		return nil, wire.ProtocolErrorf(0, "packet length %d exceeds %d", length, MaxPacket)
	}
	total := int(length) + 4
	if total < d.blockSize || total%d.blockSize != 0 {
		return nil, wire.ProtocolErrorf(0, "packet length %d is not a multiple of the block size %d", total, d.blockSize)
	}
	packet := make([]byte, total)
	copy(packet, first)
	rest := packet[d.blockSize:]
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	if d.stream != nil {
		d.stream.XORKeyStream(rest, rest)
	}
	if d.mac != nil {
		got := make([]byte, d.macSize())
		if _, err := io.ReadFull(r, got); err != nil {
			return nil, err
		}
		if !hmac.Equal(got, d.computeMAC(packet)) {
			return nil, &wire.DisconnectError{Reason: wire.DisconnectMACError, Message: "packet MAC mismatch"}
		}
	}
	padLen := int(packet[4])
	if padLen < minPadding || padLen > int(length)-1 {
		return nil, wire.ProtocolErrorf(0, "invalid padding length %d", padLen)
	}
	d.seq++
	return packet[5 : total-padLen], nil
}
