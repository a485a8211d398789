// Package sockettest provides an in-process WebSocket relay server for
// exercising socket.Manager and its users against a real gorilla stack.
package sockettest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Received is one frame read by the server.
type Received struct {
	Path  string
	Type  string
	Raw   []byte
	Token string
}

// Server accepts any number of clients on any path and records what they send.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    map[string][]*websocket.Conn
	gate     chan struct{}
	requests int

	received chan Received
}

// NewServer starts a server listening on a random local port.
func NewServer() *Server {
	s := &Server{
		conns:    make(map[string][]*websocket.Conn),
		received: make(chan Received, 256),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handleWS))
	return s
}

// URL returns the ws:// base URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Hold makes new upgrade requests wait until the returned release func is
// called. Connection attempts stay "in flight" meanwhile.
func (s *Server) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		owned := s.gate == gate
		if owned {
			s.gate = nil
		}
		s.mu.Unlock()
		if owned {
			close(gate)
		}
	}
}

// Requests reports how many upgrade requests have arrived so far.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	path := r.URL.Path
	token := r.URL.Query().Get("token")

	s.mu.Lock()
	s.conns[path] = append(s.conns[path], conn)
	s.mu.Unlock()

	defer s.forget(path, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &env)
		select {
		case s.received <- Received{Path: path, Type: env.Type, Raw: data, Token: token}:
		default:
		}
	}
}

func (s *Server) forget(path string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.conns[path]
	for i, c := range list {
		if c == conn {
			s.conns[path] = append(list[:i], list[i+1:]...)
			break
		}
	}
	conn.Close()
}

// Connections reports the number of open connections on path.
func (s *Server) Connections(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[path])
}

// Next returns the next frame received on any path, or false on timeout.
func (s *Server) Next(timeout time.Duration) (Received, bool) {
	select {
	case r := <-s.received:
		return r, true
	case <-time.After(timeout):
		return Received{}, false
	}
}

// Push writes v as JSON to every client connected on path.
func (s *Server) Push(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns[path] {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// Drop closes every client on path with the given close code and reason.
func (s *Server) Drop(path string, code int, reason string) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns[path]...)
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.Close()
	}
}

// Close releases held requests and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	gate := s.gate
	s.gate = nil
	var all []*websocket.Conn
	for _, list := range s.conns {
		all = append(all, list...)
	}
	s.mu.Unlock()

	if gate != nil {
		close(gate)
	}
	for _, c := range all {
		c.Close()
	}
	s.srv.Close()
}
