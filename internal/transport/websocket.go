package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcohefti/hostipc/internal/protocol"
)

const writeWait = 10 * time.Second

// WebSocket carries one JSON message per text frame.
type WebSocket struct {
	conn *websocket.Conn
	opts options

	writeMu sync.Mutex
	handler handlerSlot

	startOnce sync.Once
	closing   atomic.Bool
	closeOnce sync.Once

	errMu sync.RWMutex
	err   error
	done  chan struct{}
}

func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	conn.SetReadLimit(MaxMessageBytes)
	return &WebSocket{conn: conn, opts: buildOptions(opts), done: make(chan struct{})}
}

// DialWebSocket connects to a hostipc endpoint such as ws://127.0.0.1:7766/ipc.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return NewWebSocket(conn, opts...), nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
}

// Upgrade accepts a WebSocket connection on an HTTP handler.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*WebSocket, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return NewWebSocket(conn, opts...), nil
}

func (c *WebSocket) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

func (c *WebSocket) OnMessage(fn func(protocol.Message)) { c.handler.set(fn) }

func (c *WebSocket) PostMessage(msg protocol.Message) error {
	if c.closing.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("transport: write message: %w", err)
	}
	return nil
}

func (c *WebSocket) Done() <-chan struct{} { return c.done }

func (c *WebSocket) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

func (c *WebSocket) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WebSocket) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = fmt.Errorf("transport: read: %w", err)
				c.errMu.Unlock()
			}
			_ = c.conn.Close()
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.opts.logger.Warn("transport: dropping undecodable frame", "err", err, "bytes", len(data))
			continue
		}
		if fn := c.handler.get(); fn != nil {
			fn(msg)
		}
	}
}
