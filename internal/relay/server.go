// Package relay is the reference signaling relay. Endpoints register a phone
// number over WebSocket and the relay forwards call control messages between
// them. It never inspects session descriptions or candidates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/ringline/internal/config"
	"github.com/1ureka/ringline/internal/signaling"
	"github.com/1ureka/ringline/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeTimeout = 5 * time.Second

// Server routes signaling messages between registered endpoints.
type Server struct {
	mu      sync.RWMutex
	clients map[string]*client

	listener net.Listener
}

// client is one registered WebSocket endpoint (private).
type client struct {
	number string
	conn   *websocket.Conn
	mu     sync.Mutex
}

// send writes a message to this client, guarded by a mutex.
func (c *client) send(msg signaling.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{clients: make(map[string]*client)}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start begins listening on addr (":0" picks a random port). Returns the
// bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start relay: %w", err)
	}
	s.listener = listener

	go func() {
		_ = http.Serve(listener, s.Handler())
	}()

	return listener.Addr(), nil
}

// Run starts the relay and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	bound, err := s.Start(addr)
	if err != nil {
		return err
	}
	util.LogSuccess("relay listening on %s", bound)

	<-ctx.Done()
	s.Close()
	return nil
}

// Close shuts down the listener and every registered connection.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Online reports whether number is currently registered.
func (s *Server) Online(number string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[number]
	return ok
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	number := r.URL.Query().Get("number")
	if number != "" && !config.ValidNumber(number) {
		http.Error(w, "Invalid number", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c, err := s.register(number, conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}
	defer s.unregister(c)

	if err := c.send(signaling.Message{Type: signaling.MsgRegistered, Number: c.number}); err != nil {
		return
	}
	util.LogInfo("relay: %s registered", c.number)

	for {
		var msg signaling.Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				util.LogDebug("relay: %s read error: %v", c.number, err)
			}
			return
		}
		s.route(c, msg)
	}
}

// register adds conn under number, generating one when number is empty.
func (s *Server) register(number string, conn *websocket.Conn) (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if number == "" {
		for {
			number = generateNumber()
			if _, taken := s.clients[number]; !taken {
				break
			}
		}
	} else if _, taken := s.clients[number]; taken {
		return nil, fmt.Errorf("number %s already connected", number)
	}

	c := &client{number: number, conn: conn}
	s.clients[number] = c
	return c, nil
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.number] == c {
		delete(s.clients, c.number)
	}
	s.mu.Unlock()

	c.conn.Close()
	util.LogInfo("relay: %s disconnected", c.number)
}

func (s *Server) lookup(number string) (*client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[number]
	return c, ok
}
