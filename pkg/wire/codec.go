package wire

import (
	"math/big"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// Writer builds a message payload. Methods return the Writer so calls can be
// chained.
type Writer struct {
	b *cryptobyte.Builder
}

// NewWriter starts a payload for message number op
func NewWriter(op byte) *Writer {
	w := &Writer{b: cryptobyte.NewBuilder(nil)}
	w.b.AddUint8(op)
	return w
}

// NewRawWriter starts an empty buffer with no message number, for building
// hash preimages and nested blobs
func NewRawWriter() *Writer {
	return &Writer{b: cryptobyte.NewBuilder(nil)}
}

// Byte appends a single byte
func (w *Writer) Byte(v byte) *Writer {
	w.b.AddUint8(v)
	return w
}

// Uint32 appends a big-endian uint32
func (w *Writer) Uint32(v uint32) *Writer {
	w.b.AddUint32(v)
	return w
}

// Bool appends a boolean as a single byte
func (w *Writer) Bool(v bool) *Writer {
	if v {
		w.b.AddUint8(1)
	} else {
		w.b.AddUint8(0)
	}
	return w
}

// Blob appends a length-prefixed byte string
func (w *Writer) Blob(v []byte) *Writer {
	w.b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
	return w
}

// Text appends a length-prefixed string
func (w *Writer) Text(s string) *Writer {
	return w.Blob([]byte(s))
}

// NameList appends a comma-separated name-list
func (w *Writer) NameList(names []string) *Writer {
	return w.Text(strings.Join(names, ","))
}

// Mpint appends a multiple precision integer
func (w *Writer) Mpint(n *big.Int) *Writer {
	return w.Blob(MpintBytes(n))
}

// Raw appends bytes with no length prefix
func (w *Writer) Raw(v []byte) *Writer {
	w.b.AddBytes(v)
	return w
}

// Bytes returns the finished buffer
func (w *Writer) Bytes() []byte {
	return w.b.BytesOrPanic()
}

// Reader decodes a message payload. The first decoding failure is sticky:
// after it every read returns a zero value, and Err reports the failure.
type Reader struct {
	s   cryptobyte.String
	msg byte
	err error
}

// NewReader creates a Reader over a whole payload. The message number is
// consumed and available from Msg.
func NewReader(payload []byte) *Reader {
	r := &Reader{s: cryptobyte.String(payload)}
	if !r.s.ReadUint8(&r.msg) {
		r.err = &ProtocolError{Reason: "empty packet"}
	}
	return r
}

// NewRawReader creates a Reader over data that has no message number, such
// as a nested blob
func NewRawReader(data []byte) *Reader {
	return &Reader{s: cryptobyte.String(data)}
}

// Msg returns the message number of the payload
func (r *Reader) Msg() byte {
	return r.msg
}

func (r *Reader) fail(what string) {
	if r.err == nil {
		r.err = ProtocolErrorf(r.msg, "truncated or malformed %s", what)
	}
}

// Byte reads a single byte
func (r *Reader) Byte() byte {
	var v uint8
	if r.err != nil {
		return 0
	}
	if !r.s.ReadUint8(&v) {
		r.fail("byte")
	}
	return v
}

// Bool reads a boolean; any non-zero byte is true
func (r *Reader) Bool() bool {
	return r.Byte() != 0
}

// Uint32 reads a big-endian uint32
func (r *Reader) Uint32() uint32 {
	var v uint32
	if r.err != nil {
		return 0
	}
	if !r.s.ReadUint32(&v) {
		r.fail("uint32")
	}
	return v
}

// Blob reads a length-prefixed byte string. The result aliases the payload.
func (r *Reader) Blob() []byte {
	var n uint32
	var v []byte
	if r.err != nil {
		return nil
	}
	if !r.s.ReadUint32(&n) || !r.s.ReadBytes(&v, int(n)) {
		r.fail("string")
		return nil
	}
	return v
}

// Text reads a length-prefixed string
func (r *Reader) Text() string {
	return string(r.Blob())
}

// NameList reads a comma-separated name-list. An empty string yields an empty
// list.
func (r *Reader) NameList() []string {
	s := r.Text()
	if s == "" {
		return []string{}
	}
	names := strings.Split(s, ",")
	for _, name := range names {
		if name == "" {
			r.fail("name-list")
			return nil
		}
	}
	return names
}

// Mpint reads a multiple precision integer. Non-minimal encodings are rejected.
func (r *Reader) Mpint() *big.Int {
	b := r.Blob()
	if r.err != nil {
		return new(big.Int)
	}
	if !isMinimalMpint(b) {
		r.fail("mpint")
		return new(big.Int)
	}
	return ParseMpint(b)
}

// Rest returns all remaining unread bytes
func (r *Reader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	rest := []byte(r.s)
	r.s = nil
	return rest
}

// Empty returns true if every byte has been consumed
func (r *Reader) Empty() bool {
	return r.s.Empty()
}

// Err returns the first decoding error, if any
func (r *Reader) Err() error {
	return r.err
}
