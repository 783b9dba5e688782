package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// RelayPath is the websocket endpoint served by ListenRelay.
	RelayPath = "/ws"

	defaultClientBuffer = 256
)

// RelayOptions controls the development relay.
type RelayOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	ClientBuffer int
	Logger       *slog.Logger
}

func (o RelayOptions) withDefaults() RelayOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
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
	if o.ClientBuffer <= 0 {
		o.ClientBuffer = defaultClientBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Relay forwards every frame a session member sends to all other members of
// the same session. Payloads are never parsed.
type Relay struct {
	options  RelayOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]map[*relayClient]struct{}
	closed   bool
}

type relayClient struct {
	ws      *websocket.Conn
	session string
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay creates a relay handler.
func NewRelay(options RelayOptions) *Relay {
	opts := options.withDefaults()
	return &Relay{
		options: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]map[*relayClient]struct{}),
	}
}

// ServeHTTP upgrades the request and joins the session named by the query.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	session := req.URL.Query().Get("session")
	if session == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.options.Logger.Debug("Relay upgrade failed", "remote", req.RemoteAddr, "err", err)
		return
	}

	client := &relayClient{
		ws:      ws,
		session: session,
		send:    make(chan []byte, r.options.ClientBuffer),
		done:    make(chan struct{}),
	}
	if !r.join(client) {
		_ = ws.Close()
		return
	}
	r.options.Logger.Debug("Relay client joined", "session", session, "remote", req.RemoteAddr)

	go r.writeLoop(client)
	r.readLoop(client)
}

// SessionSize returns the number of connected members of session.
func (r *Relay) SessionSize(session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[session])
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	var clients []*relayClient
	for _, members := range r.sessions {
		for client := range members {
			clients = append(clients, client)
		}
	}
	r.sessions = make(map[string]map[*relayClient]struct{})
	r.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (r *Relay) join(client *relayClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	members := r.sessions[client.session]
	if members == nil {
		members = make(map[*relayClient]struct{})
		r.sessions[client.session] = members
	}
	members[client] = struct{}{}
	return true
}

func (r *Relay) leave(client *relayClient) {
	r.mu.Lock()
	if members := r.sessions[client.session]; members != nil {
		delete(members, client)
		if len(members) == 0 {
			delete(r.sessions, client.session)
		}
	}
	r.mu.Unlock()

	client.close()
}

func (r *Relay) broadcast(from *relayClient, payload []byte) {
	r.mu.Lock()
	var slow []*relayClient
	for member := range r.sessions[from.session] {
		if member == from {
			continue
		}
		select {
		case member.send <- payload:
		default:
			slow = append(slow, member)
		}
	}
	r.mu.Unlock()

	for _, member := range slow {
		r.options.Logger.Warn("Relay client too slow, disconnecting", "session", member.session)
		r.leave(member)
	}
}

func (r *Relay) readLoop(client *relayClient) {
	defer r.leave(client)

	idle := r.options.PingInterval + r.options.PongTimeout
	client.ws.SetReadLimit(r.options.ReadLimit)
	_ = client.ws.SetReadDeadline(time.Now().Add(idle))
	client.ws.SetPongHandler(func(string) error {
		return client.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		messageType, payload, err := client.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.options.Logger.Debug("Relay read ended", "session", client.session, "err", err)
			}
			return
		}
		_ = client.ws.SetReadDeadline(time.Now().Add(idle))
		if messageType != websocket.TextMessage {
			continue
		}
		r.broadcast(client, payload)
	}
}

func (r *Relay) writeLoop(client *relayClient) {
	ticker := time.NewTicker(r.options.PingInterval)
	defer ticker.Stop()
	defer r.leave(client)

	for {
		select {
		case payload := <-client.send:
			_ = client.ws.SetWriteDeadline(time.Now().Add(r.options.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.options.WriteTimeout)); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// RelayServer runs a Relay on a TCP listener.
type RelayServer struct {
	listener net.Listener
	server   *http.Server
	relay    *Relay

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenRelay serves a Relay at RelayPath on address.
func ListenRelay(address string, options RelayOptions) (*RelayServer, error) {
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	relay := NewRelay(options)
	mux := http.NewServeMux()
	mux.Handle(RelayPath, relay)

	s := &RelayServer{
		listener: listener,
		relay:    relay,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			relay.options.Logger.Error("Relay server stopped", "err", err)
		}
	}()
	return s, nil
}

// Addr returns the listening address.
func (s *RelayServer) Addr() net.Addr {
	return s.listener.Addr()
}

// URL returns the websocket URL clients should dial.
func (s *RelayServer) URL() string {
	return "ws://" + s.listener.Addr().String() + RelayPath
}

// Relay returns the underlying handler.
func (s *RelayServer) Relay() *Relay {
	return s.relay
}

// Close stops the server and disconnects every client.
func (s *RelayServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.relay.Close()
		closeErr = s.server.Shutdown(ctx)
		s.wg.Wait()
	})
	return closeErr
}
