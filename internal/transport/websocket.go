package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens gorilla/websocket connections.
type WebSocketDialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(cfg Config, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{cfg: cfg, logger: logger}
}

// Open starts dialing url in the background and returns immediately.
func (d *WebSocketDialer) Open(url string, protocols []string, ev Events) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		cfg:    d.cfg,
		logger: d.logger.With("url", url),
		url:    url,
		events: ev,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx, protocols)
	return c
}

// wsConn implements Conn.
type wsConn struct {
	cfg    Config
	logger *slog.Logger
	url    string
	events Events

	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	failed     bool
	lastPongAt time.Time
}

func (c *wsConn) run(ctx context.Context, protocols []string) {
	header := http.Header{}
	if c.cfg.Header != nil {
		h, err := c.cfg.Header(c.url)
		if err != nil {
			c.fail(&HandshakeError{URL: c.url, Err: fmt.Errorf("build headers: %w", err)})
			return
		}
		header = h
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     protocols,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		herr := &HandshakeError{URL: c.url, Err: err}
		if resp != nil {
			herr.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		c.fail(herr)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.lastPongAt = time.Now()
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.logger.Debug("websocket connected", "protocol", conn.Subprotocol())

	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}
	if c.cfg.PingInterval > 0 {
		go c.heartbeatLoop(conn)
	}
	c.readLoop(conn)
}

// Send writes a text frame.
func (c *wsConn) Send(data string) error {
	c.mu.RLock()
	conn, connected := c.conn, c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(c.writeDeadline())
	return conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Close closes the connection without delivering OnClose.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	close(c.done)

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *wsConn) writeDeadline() time.Time {
	if c.cfg.WriteTimeout > 0 {
		return time.Now().Add(c.cfg.WriteTimeout)
	}
	return time.Now().Add(time.Second)
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastPongAt = time.Now()
	c.mu.Unlock()
}

// fail reports err through OnClose unless the connection was closed locally
// or has already failed.
func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.Debug("websocket closed", "error", err)
	if c.events.OnClose != nil {
		c.events.OnClose(err)
	}
}

func (c *wsConn) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(string(data))
		}
	}
}

// heartbeatLoop pings the server and fails the connection when nothing has
// been heard for PongTimeout.
func (c *wsConn) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), c.writeDeadline())
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			last, failed := c.lastPongAt, c.failed
			c.mu.RUnlock()
			if failed {
				return
			}
			if c.cfg.PongTimeout > 0 && time.Since(last) > c.cfg.PongTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", last,
					"timeout", c.cfg.PongTimeout,
				)
				c.fail(ErrStaleConnection)
				return
			}
		}
	}
}
