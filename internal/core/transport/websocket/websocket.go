// Package websocket carries hub frames over WebSocket connections.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/syncmesh/internal/core/observability/log"
	"github.com/zeusync/syncmesh/internal/core/transport/hub"
)

// Config tunes a WebSocket connection.
type Config struct {
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	BufferSize     int           `yaml:"bufferSize"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   20 * time.Second,
		MaxMessageSize: hub.MaxFrameSize,
		BufferSize:     4096,
	}
}

var _ hub.FrameConn = (*Conn)(nil)

// Conn adapts a gorilla connection to hub.FrameConn. Reads extend their
// deadline on every frame and pong.
type Conn struct {
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

func NewConn(conn *websocket.Conn, config Config) *Conn {
	c := &Conn{conn: conn, config: config, done: make(chan struct{})}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	if config.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *Conn) extendRead() {
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	if c.closed.Load() {
		return nil, errors.New("connection is closed")
	}
	c.extendRead()
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read frame")
	}
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		return nil, errors.Errorf("unsupported message type %d", messageType)
	}
	return data, nil
}

func (c *Conn) WriteFrame(data []byte) error {
	if c.closed.Load() {
		return errors.New("connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Handler upgrades requests and serves each connection on the hub.
func Handler(server *hub.Server, config Config, logger log.Log) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  config.BufferSize,
		WriteBufferSize: config.BufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	logger = logger.With(log.String("transport", "websocket"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
			return
		}
		err = server.Serve(r.Context(), NewConn(ws, config))
		if err != nil && websocket.IsUnexpectedCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			logger.Warn("Connection ended", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		}
	})
}

// Dialer returns a hub.Dialer for the hub at url (ws:// or wss://).
func Dialer(url string, config Config) hub.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   config.BufferSize,
		WriteBufferSize:  config.BufferSize,
	}
	return func(ctx context.Context) (hub.FrameConn, error) {
		ws, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to dial %s", url)
		}
		return NewConn(ws, config), nil
	}
}
