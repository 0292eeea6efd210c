package kex

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/sshalgo"
	"github.com/sammck-go/wstssh/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testClientVersion = "SSH-2.0-wstssh_test_client"
	testServerVersion = "SSH-2.0-wstssh_test_server"
)

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelInfo),
		logger.WithPrefix(t.Name()),
	)
	require.NoError(t, err)
	return lg
}

func newHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// recordingTransport queues written packets and remembers key switches
type recordingTransport struct {
	lock     sync.Mutex
	queue    [][]byte
	outKeys  []*sshalgo.DirectionKeys
	inKeys   []*sshalgo.DirectionKeys
	switchAt []int
	written  int
}

func (t *recordingTransport) WritePacket(payload []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.queue = append(t.queue, append([]byte(nil), payload...))
	t.written++
	return nil
}

func (t *recordingTransport) SwitchOutgoing(keys *sshalgo.DirectionKeys) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.outKeys = append(t.outKeys, keys)
	t.switchAt = append(t.switchAt, t.written)
	return nil
}

func (t *recordingTransport) SwitchIncoming(keys *sshalgo.DirectionKeys) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.inKeys = append(t.inKeys, keys)
	return nil
}

func (t *recordingTransport) take() [][]byte {
	t.lock.Lock()
	defer t.lock.Unlock()
	q := t.queue
	t.queue = nil
	return q
}

type enginePair struct {
	client, server         *Engine
	clientT, serverT       *recordingTransport
	clientDone, serverDone int
}

func newEnginePair(t *testing.T, clientConfig, serverConfig *Config) *enginePair {
	t.Helper()
	lg := newTestLogger(t)
	p := &enginePair{clientT: &recordingTransport{}, serverT: &recordingTransport{}}
	if serverConfig == nil {
		serverConfig = &Config{}
	}
	if len(serverConfig.HostKeys) == 0 {
		serverConfig.HostKeys = []ssh.Signer{newHostKey(t)}
	}
	p.client = NewEngine(lg, RoleClient, clientConfig, p.clientT, testClientVersion, testServerVersion)
	p.server = NewEngine(lg, RoleServer, serverConfig, p.serverT, testClientVersion, testServerVersion)
	return p
}

// run delivers packets back and forth until both sides are quiet
func (p *enginePair) run() error {
	for i := 0; i < 100; i++ {
		fromClient := p.clientT.take()
		fromServer := p.serverT.take()
		if len(fromClient) == 0 && len(fromServer) == 0 {
			return nil
		}
		for _, pkt := range fromClient {
			done, err := p.server.HandlePacket(pkt)
			if err != nil {
				return err
			}
			if done {
				p.serverDone++
			}
		}
		for _, pkt := range fromServer {
			done, err := p.client.HandlePacket(pkt)
			if err != nil {
				return err
			}
			if done {
				p.clientDone++
			}
		}
	}
	return errors.New("exchange did not settle")
}

func assertKeysMatch(t *testing.T, p *enginePair) {
	t.Helper()
	n := len(p.clientT.outKeys)
	require.NotZero(t, n)
	require.Len(t, p.serverT.inKeys, n)
	require.Len(t, p.serverT.outKeys, n)
	require.Len(t, p.clientT.inKeys, n)
	c2s, s2cIn := p.clientT.outKeys[n-1], p.serverT.inKeys[n-1]
	s2c, c2sIn := p.serverT.outKeys[n-1], p.clientT.inKeys[n-1]
	assert.Equal(t, c2s.Key, s2cIn.Key)
	assert.Equal(t, c2s.IV, s2cIn.IV)
	assert.Equal(t, c2s.MACKey, s2cIn.MACKey)
	assert.Equal(t, s2c.Key, c2sIn.Key)
	assert.NotEqual(t, c2s.Key, s2c.Key, "directions use distinct keys")
}

func TestKeyExchangeAllMethods(t *testing.T) {
	for _, method := range SupportedMethods() {
		t.Run(method, func(t *testing.T) {
			p := newEnginePair(t, &Config{Methods: []string{method}}, &Config{Methods: []string{method}})
			require.NoError(t, p.client.Start())
			require.NoError(t, p.run())

			assert.Equal(t, StateDone, p.client.State())
			assert.Equal(t, StateDone, p.server.State())
			assert.Equal(t, 1, p.clientDone)
			assert.Equal(t, 1, p.serverDone)

			cctx, sctx := p.client.LastContext(), p.server.LastContext()
			assert.Equal(t, method, cctx.Algorithms.Kex)
			assert.Equal(t, cctx.H, sctx.H, "both roles compute the same exchange hash")
			assert.Equal(t, 0, cctx.K.Cmp(sctx.K))
			assert.Equal(t, cctx.H, p.client.SessionID())
			assert.Equal(t, p.client.SessionID(), p.server.SessionID())
			assert.Nil(t, cctx.x, "private exponent is discarded")
			assertKeysMatch(t, p)
			require.NotNil(t, p.client.HostKey())
		})
	}
}

func TestNewKeysFollowsReply(t *testing.T) {
	p := newEnginePair(t, nil, nil)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.run())
	// the outgoing switch happens right after NEWKEYS is written
	require.Len(t, p.serverT.switchAt, 1)
	assert.Equal(t, p.serverT.written, p.serverT.switchAt[0])
}

func TestRekeyKeepsSessionID(t *testing.T) {
	p := newEnginePair(t, nil, nil)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.run())
	sid := append([]byte(nil), p.client.SessionID()...)
	firstH := p.client.LastContext().H

	// server initiates the re-key this time
	require.NoError(t, p.server.Start())
	assert.True(t, p.server.InProgress())
	require.NoError(t, p.run())

	assert.Equal(t, 2, p.client.Exchanges())
	assert.Equal(t, 2, p.server.Exchanges())
	assert.Equal(t, sid, p.client.SessionID())
	assert.Equal(t, sid, p.server.SessionID())
	assert.NotEqual(t, firstH, p.client.LastContext().H)
	assertKeysMatch(t, p)
}

func TestSimultaneousKexInit(t *testing.T) {
	p := newEnginePair(t, nil, nil)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())
	require.NoError(t, p.run())
	assert.Equal(t, StateDone, p.client.State())
	assert.Equal(t, StateDone, p.server.State())
	assert.Equal(t, p.client.SessionID(), p.server.SessionID())
}

func TestLegacyGexRequest(t *testing.T) {
	p := newEnginePair(t,
		&Config{Methods: []string{MethodGexSHA256}, Gex: GexRequest{Preferred: 2048, Legacy: true}},
		&Config{Methods: []string{MethodGexSHA256}})
	require.NoError(t, p.client.Start())
	require.NoError(t, p.run())
	ctx := p.server.LastContext()
	require.NotNil(t, ctx.Gex)
	assert.True(t, ctx.Gex.Legacy)
	assert.Equal(t, 2048, ctx.Group.Bits())
	assert.Equal(t, p.client.LastContext().H, ctx.H)
}

func TestGexInvertedBoundsFailNegotiation(t *testing.T) {
	p := newEnginePair(t,
		&Config{Methods: []string{MethodGexSHA256}, Gex: GexRequest{Min: 4096, Preferred: 3072, Max: 2048}},
		&Config{Methods: []string{MethodGexSHA256}})
	require.NoError(t, p.client.Start())
	err := p.run()
	var ne *wire.NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, wire.DisconnectKeyExchangeFailed, wire.ReasonFor(err))
}

func TestNoCommonCipherFails(t *testing.T) {
	p := newEnginePair(t,
		&Config{Ciphers: []string{"aes128-ctr"}},
		&Config{Ciphers: []string{"aes256-ctr"}})
	require.NoError(t, p.client.Start())
	err := p.run()
	var ne *wire.NegotiationError
	require.ErrorAs(t, err, &ne)
	assert.Contains(t, ne.Category, "cipher")
}

func TestHostKeyCallbackRejects(t *testing.T) {
	reject := errors.New("unknown host")
	p := newEnginePair(t, &Config{HostKeyCallback: func(string, ssh.PublicKey) error { return reject }}, nil)
	require.NoError(t, p.client.Start())
	assert.ErrorIs(t, p.run(), reject)
}

func TestUnexpectedMessageIsProtocolError(t *testing.T) {
	p := newEnginePair(t, nil, nil)
	_, err := p.server.HandlePacket([]byte{wire.MsgNewKeys})
	var pe *wire.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, wire.MsgNewKeys, pe.Msg)
}

func TestWrongGuessIsIgnored(t *testing.T) {
	p := newEnginePair(t, &Config{Methods: []string{MethodGroup14SHA256}}, &Config{Methods: []string{MethodGroup14SHA256}})

	// a client KEXINIT whose first kex guess is not the negotiated one, followed by a bogus guessed packet
	prop, err := NewProposal(rand.Reader)
	require.NoError(t, err)
	reg := sshalgo.Default()
	prop.KexAlgos = []string{"made-up-kex", MethodGroup14SHA256}
	prop.HostKeyAlgos = reg.HostKeyAlgorithms()
	prop.CiphersClientServer, prop.CiphersServerClient = reg.Ciphers(), reg.Ciphers()
	prop.MACsClientServer, prop.MACsServerClient = reg.MACs(), reg.MACs()
	prop.CompressionClientServer, prop.CompressionServerClient = reg.Compressions(), reg.Compressions()
	prop.FirstKexFollows = true

	_, err = p.server.HandlePacket(prop.Marshal())
	require.NoError(t, err)
	_, err = p.server.HandlePacket(wire.NewWriter(wire.MsgKexDHInit).Mpint(bigOne).Bytes())
	require.NoError(t, err, "the wrongly guessed packet must be ignored")
	assert.Equal(t, StateAwaitInit, p.server.State())
}

func TestExchangeHashDeterministic(t *testing.T) {
	in := &HashInput{
		ClientVersion: testClientVersion,
		ServerVersion: testServerVersion,
		ClientKexInit: []byte{20, 1, 2, 3},
		ServerKexInit: []byte{20, 4, 5, 6},
		HostKey:       []byte("host key blob"),
		E:             Group14.G,
		F:             bigTwo,
		K:             Group1.P,
	}
	h1 := ExchangeHash(LookupMethod(MethodGroup14SHA256).Hash, in)
	copied := *in
	h2 := ExchangeHash(LookupMethod(MethodGroup14SHA256).Hash, &copied)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	// group exchange folds the request and group into the preimage
	gex := *in
	gex.Gex = &GexRequest{Min: 1024, Preferred: 2048, Max: 8192}
	gex.Group = Group14
	h3 := ExchangeHash(LookupMethod(MethodGexSHA256).Hash, &gex)
	assert.False(t, bytes.Equal(h1, h3))
	legacy := gex
	legacy.Gex = &GexRequest{Preferred: 2048, Legacy: true}
	assert.False(t, bytes.Equal(h3, ExchangeHash(LookupMethod(MethodGexSHA256).Hash, &legacy)))
}

func TestGexHashFieldOrder(t *testing.T) {
	in := &HashInput{
		ClientVersion: testClientVersion,
		ServerVersion: testServerVersion,
		ClientKexInit: []byte{20, 1},
		ServerKexInit: []byte{20, 2},
		HostKey:       []byte("K_S"),
		Gex:           &GexRequest{Min: 1024, Preferred: 2048, Max: 8192},
		Group:         Group14,
		E:             bigTwo,
		F:             Group14.G,
		K:             Group1.P,
	}
	// V_C, V_S, I_C, I_S, K_S, min, n, max, p, g, e, f, K
	preimage := wire.NewRawWriter().
		Text(testClientVersion).Text(testServerVersion).
		Blob(in.ClientKexInit).Blob(in.ServerKexInit).Blob(in.HostKey).
		Uint32(1024).Uint32(2048).Uint32(8192).
		Mpint(Group14.P).Mpint(Group14.G).
		Mpint(in.E).Mpint(in.F).Mpint(in.K).
		Bytes()
	want := sha256.Sum256(preimage)
	assert.Equal(t, want[:], ExchangeHash(LookupMethod(MethodGexSHA256).Hash, in))
}

func TestDeriveKeyExpandsBeyondHashSize(t *testing.T) {
	h := LookupMethod(MethodGroup14SHA1).Hash
	short := deriveKey(h, bigTwo, []byte("H"), []byte("sid"), 'C', 16)
	long := deriveKey(h, bigTwo, []byte("H"), []byte("sid"), 'C', 64)
	assert.Len(t, long, 64)
	assert.Equal(t, short, long[:16])
	assert.NotEqual(t, long[:20], deriveKey(h, bigTwo, []byte("H"), []byte("sid"), 'D', 20))
}
