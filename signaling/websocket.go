package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval sends a websocket ping on this period.
	DefaultPingInterval = 30 * time.Second
	// DefaultPongTimeout is how long past a ping the connection may stay silent.
	DefaultPongTimeout = 15 * time.Second
	// DefaultReadLimit caps one inbound frame. A base64 32 KiB chunk plus envelope fits easily.
	DefaultReadLimit = 1 << 20
	// DefaultDialRetries bounds DialWithRetry attempts after the first.
	DefaultDialRetries = 5
)

// DialOptions controls a websocket signaling connection.
type DialOptions struct {
	Session          string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	ReadLimit        int64
	MaxRetries       uint64
	Logger           *slog.Logger
}

func (o DialOptions) withDefaults() DialOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultDialRetries
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is a Channel over a gorilla websocket connection to a relay.
type Conn struct {
	ws      *websocket.Conn
	options DialOptions

	writeMu sync.Mutex

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// Dial connects to the relay at rawURL and joins the configured session.
func Dial(ctx context.Context, rawURL string, options DialOptions) (*Conn, error) {
	opts := options.withDefaults()

	target, err := sessionURL(rawURL, opts.Session)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay %q: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay %q: %w", target, err)
	}

	return newConn(ws, opts), nil
}

// DialWithRetry calls Dial with exponential backoff until it succeeds,
// MaxRetries is exhausted or ctx is done.
func DialWithRetry(ctx context.Context, rawURL string, options DialOptions) (*Conn, error) {
	opts := options.withDefaults()

	var conn *Conn
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.MaxRetries), ctx)
	err := backoff.RetryNotify(func() error {
		c, err := Dial(ctx, rawURL, opts)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, wait time.Duration) {
		opts.Logger.Warn("Relay dial failed, retrying", "url", rawURL, "wait", wait, "err", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}

func newConn(ws *websocket.Conn, opts DialOptions) *Conn {
	c := &Conn{
		ws:      ws,
		options: opts,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}

	go c.readLoop()
	go c.keepAliveLoop()
	return c
}

// Send writes payload as one text frame.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return c.terminalError()
	default:
	}

	deadline := time.Now().Add(c.options.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next inbound frame.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.closed:
		select {
		case payload := <-c.inbound:
			return payload, nil
		default:
		}
		return nil, c.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// LastError returns the terminal connection error, if any.
func (c *Conn) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.closeWithError(nil)
	return nil
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.options.ReadLimit)
	idle := c.options.PingInterval + c.options.PongTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}

		select {
		case c.inbound <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.options.WriteTimeout))
			if err != nil {
				c.closeWithError(fmt.Errorf("send ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) terminalError() error {
	if err := c.LastError(); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return ErrClosed
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		_ = c.ws.Close()
		close(c.closed)
	})
}

func sessionURL(rawURL, session string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", parsed.Scheme)
	}
	if session != "" {
		query := parsed.Query()
		query.Set("session", session)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}
