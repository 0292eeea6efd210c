package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnexpectedMessageType is returned when the peer sends a text message on
// a packet tunnel
var ErrUnexpectedMessageType = errors.New("transport: unexpected websocket message type")

// WebSocketConn presents a WebSocket as a byte stream so a Conn can run over
// it. Each Write becomes one binary message; Read concatenates messages.
type WebSocketConn struct {
	ws         *websocket.Conn
	readLock   sync.Mutex
	writeLock  sync.Mutex
	reader     io.Reader
	closeOnce  sync.Once
	closeError error
}

// NewWebSocketConn wraps ws. The WebSocketConn takes ownership of ws.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) String() string {
	return fmt.Sprintf("ws(%s)", c.ws.RemoteAddr())
}

// Read reads stream bytes, crossing message boundaries as needed
func (c *WebSocketConn) Read(p []byte) (int, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()
	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				return 0, ErrUnexpectedMessageType
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// end of this message, not of the stream
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends p as a single binary message
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message, best effort, and closes the socket
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeLock.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeLock.Unlock()
		c.closeError = c.ws.Close()
	})
	return c.closeError
}

// LocalAddr returns the local network address
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr returns the remote network address
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
