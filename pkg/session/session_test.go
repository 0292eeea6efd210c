package session

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstssh/pkg/closer"
	"github.com/sammck-go/wstssh/pkg/mux"
	"github.com/sammck-go/wstssh/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
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

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newPair creates a client and a server session over a socket pair. The
// server gets a fresh host key.
func newPair(t *testing.T, clientConfig, serverConfig Config) (*Session, *Session) {
	t.Helper()
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	log := newTestLogger(t)
	serverConfig.Kex.HostKeys = append(serverConfig.Kex.HostKeys, newHostKey(t))
	client := NewClient(log.ForkLogStr("client"), a, &clientConfig)
	server := NewServer(log.ForkLogStr("server"), b, &serverConfig)
	t.Cleanup(func() {
		client.CloseAsync(true).Wait()
		server.CloseAsync(true).Wait()
	})
	return client, server
}

func handshake(t *testing.T, client, server *Session) (clientErr, serverErr error) {
	t.Helper()
	ctx := testContext(t)
	errs := make(chan error, 1)
	go func() {
		errs <- server.Handshake(ctx)
	}()
	clientErr = client.Handshake(ctx)
	return clientErr, <-errs
}

func echoChannels(s *Session) {
	s.HandleChannelType("echo", func(nc *mux.NewChannel) {
		ch, err := nc.Accept(nil)
		if err != nil {
			return
		}
		go func() {
			io.Copy(ch, ch)
			ch.CloseWrite()
		}()
	})
}

// echo sends data through an echo channel and returns what comes back
func echo(t *testing.T, s *Session, data []byte) []byte {
	t.Helper()
	ch, err := s.OpenChannel(testContext(t), "echo", nil, nil)
	require.NoError(t, err)
	defer ch.Close()
	go func() {
		ch.Write(data)
		ch.CloseWrite()
	}()
	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	return got
}

func TestHandshakeAndEcho(t *testing.T) {
	client, server := newPair(t, Config{User: "alice"}, Config{Banner: "welcome"})
	echoChannels(server)
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	assert.Equal(t, DefaultVersion, client.ClientVersion())
	assert.Equal(t, DefaultVersion, server.ServerVersion())
	assert.Equal(t, client.SessionID(), server.SessionID())
	assert.NotEmpty(t, client.SessionID())
	assert.NotNil(t, client.HostKey())
	assert.Equal(t, "alice", server.User())
	assert.Equal(t, 1, client.Exchanges())

	data := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	assert.Equal(t, data, echo(t, client, data))
}

func TestPasswordAuth(t *testing.T) {
	check := func(user, password string) bool {
		return user == "bob" && password == "hunter2"
	}
	client, server := newPair(t,
		Config{User: "bob", Password: "hunter2"},
		Config{AuthCallback: PasswordAuth(check)})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.True(t, client.IsAuthenticated())
	assert.Equal(t, "bob", server.User())
}

func TestAuthFailureEndsSession(t *testing.T) {
	check := func(user, password string) bool {
		return password == "right"
	}
	client, server := newPair(t,
		Config{User: "bob", Password: "wrong"},
		Config{AuthCallback: PasswordAuth(check)})
	cerr, serr := handshake(t, client, server)
	assert.True(t, errors.Is(cerr, ErrAuthFailed), "client error %v", cerr)

	var de *wire.DisconnectError
	require.True(t, errors.As(serr, &de), "server error %v", serr)
	assert.Equal(t, wire.DisconnectNoMoreAuthMethodsAvailable, de.Reason)
	assert.False(t, server.IsAuthenticated())
}

func TestHostKeyCallbackRejects(t *testing.T) {
	reject := errors.New("unknown host")
	var clientConfig Config
	clientConfig.Kex.HostKeyCallback = func(algo string, key ssh.PublicKey) error {
		return reject
	}
	client, server := newPair(t, clientConfig, Config{})
	cerr, serr := handshake(t, client, server)
	assert.True(t, errors.Is(cerr, reject), "client error %v", cerr)
	assert.Error(t, serr)
}

func TestChannelsNeedAuthentication(t *testing.T) {
	client, _ := newPair(t, Config{}, Config{})
	_, err := client.OpenChannel(testContext(t), "echo", nil, nil)
	assert.Equal(t, ErrNotAuthenticated, err)
	assert.Equal(t, ErrNotAuthenticated, client.Rekey())
}

func TestRekeyDuringTraffic(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	echoChannels(server)
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	before := client.SessionID()

	ch, err := client.OpenChannel(testContext(t), "echo", nil, nil)
	require.NoError(t, err)
	data := bytes.Repeat([]byte{0xa5, 0x5a, 0x00, 0xff}, 1<<18)
	go func() {
		ch.Write(data)
		ch.CloseWrite()
	}()

	require.NoError(t, client.Rekey())
	waitFor(t, "re-key", func() bool {
		return client.Exchanges() == 2 && server.Exchanges() == 2
	})
	require.NoError(t, server.Rekey())
	waitFor(t, "server re-key", func() bool {
		return client.Exchanges() == 3 && server.Exchanges() == 3
	})

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, ch.Close())

	assert.Equal(t, before, client.SessionID(), "session id survives re-key")
	assert.Equal(t, client.SessionID(), server.SessionID())
	assert.Equal(t, data[:1000], echo(t, client, data[:1000]))
}

func TestHeldPacketListenersMaySend(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	noop := wire.NewWriter(wire.MsgGlobalRequest).Text("noop@wstssh").Bool(false).Bytes()
	require.NoError(t, client.Rekey())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		client.send(noop).AddListener(func(f *closer.Future) {
			defer wg.Done()
			assert.NoError(t, f.Err())
			client.send(noop)
		})
	}
	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(10 * time.Second):
		t.Fatal("packets held during key exchange were not released")
	}
	waitFor(t, "re-key", func() bool {
		return client.Exchanges() == 2 && server.Exchanges() == 2
	})
}

func TestRekeyAfterByteLimit(t *testing.T) {
	client, server := newPair(t, Config{RekeyBytes: 64 * 1024}, Config{})
	echoChannels(server)
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	data := bytes.Repeat([]byte{1}, 256*1024)
	assert.Equal(t, data, echo(t, client, data))
	waitFor(t, "byte triggered re-key", func() bool {
		return client.Exchanges() >= 2
	})
}

func TestGlobalRequests(t *testing.T) {
	serverConfig := Config{
		GlobalRequestHandler: func(req *GlobalRequest) {
			if req.Type == "echo@test" {
				req.Reply(true, req.Payload)
			}
		},
	}
	client, server := newPair(t, Config{}, serverConfig)
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "echo@test"
			if i%2 == 1 {
				name = "unknown@test"
			}
			payload := []byte{byte(i)}
			ok, reply, err := client.SendGlobalRequest(ctx, name, true, payload)
			assert.NoError(t, err)
			assert.Equal(t, i%2 == 0, ok, "request %d", i)
			if ok {
				assert.Equal(t, payload, reply)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, client.PendingGlobalRequests())

	ok, _, err := client.SendGlobalRequest(ctx, "echo@test", false, nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestKeepalive(t *testing.T) {
	client, server := newPair(t, Config{KeepaliveInterval: time.Second}, Config{})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	time.Sleep(3 * time.Second)
	assert.True(t, client.IsOpen())
	waitFor(t, "keepalive replies", func() bool {
		return client.PendingGlobalRequests() == 0
	})
}

func TestCloseSendsDisconnect(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	require.NoError(t, client.Close())
	var de *wire.DisconnectError
	require.True(t, errors.As(server.Wait(), &de))
	assert.Equal(t, wire.DisconnectByApplication, de.Reason)
	assert.Nil(t, client.Err())
	assert.True(t, server.IsClosed())
}

func TestImmediateCloseSendsDisconnectLast(t *testing.T) {
	client, server := newPair(t, Config{}, Config{})
	accepted := make(chan *mux.Channel, 1)
	server.HandleChannelType("idle", func(nc *mux.NewChannel) {
		ch, err := nc.Accept(nil)
		if err == nil {
			accepted <- ch
		}
	})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	_, err := client.OpenChannel(testContext(t), "idle", nil, nil)
	require.NoError(t, err)
	serverCh := <-accepted

	client.CloseAsync(true).Wait()
	var de *wire.DisconnectError
	require.True(t, errors.As(server.Wait(), &de))
	assert.True(t, serverCh.PeerClosed(), "channel CLOSE arrived before DISCONNECT")
}

func TestCloseAbortsGlobalRequests(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, server := newPair(t, Config{
		GlobalRequestHandler: func(req *GlobalRequest) {
			<-release
		},
	}, Config{})
	cerr, serr := handshake(t, client, server)
	require.NoError(t, cerr)
	require.NoError(t, serr)

	pending := make(chan error, 1)
	go func() {
		_, _, err := server.SendGlobalRequest(testContext(t), "slow@test", true, nil)
		pending <- err
	}()
	waitFor(t, "request sent", func() bool { return server.PendingGlobalRequests() == 1 })

	server.CloseAsync(true).Wait()
	assert.Equal(t, mux.ErrRequestAborted, <-pending)
	_, _, err := server.SendGlobalRequest(testContext(t), "late@test", true, nil)
	assert.Equal(t, closer.ErrClosed, err)
}

func TestHandshakeTimeout(t *testing.T) {
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	defer b.Close()
	client := NewClient(newTestLogger(t), a, nil)
	defer func() { client.CloseAsync(true).Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = client.Handshake(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.True(t, client.IsClosing())
	assert.Equal(t, ErrHandshakeStarted, client.Handshake(context.Background()))
}
