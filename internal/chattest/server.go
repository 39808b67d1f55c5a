// Package chattest runs an in-process chat server for tests: the chat
// socket, the assistant endpoint and the presence endpoint.
package chattest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatlink/internal/chat"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AuthSubprotocol is the marker the server accepts ahead of the credential.
const AuthSubprotocol = "supabase-auth"

// AssistantFunc answers an assistant request. A non-2xx status makes the
// server reply with {"error": text}.
type AssistantFunc func(prompt, provider string) (status int, text, usedProvider string)

// client is a connected chat socket
type client struct {
	id       string
	username string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

// Server is a fake chat server
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	users        map[string]string // token -> username
	requireAuth  bool
	clients      map[string]*client
	received     []string
	handshakes   []string // token per handshake, "" when anonymous
	assistant    AssistantFunc
	assistantLag time.Duration
	askAuth      []string
	providers    []string
}

// NewServer starts a server that is shut down when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		users:     make(map[string]string),
		clients:   make(map[string]*client),
		providers: []string{"gemini", "anthropic"},
		assistant: func(prompt, provider string) (int, string, string) {
			if provider == "" {
				provider = "gemini"
			}
			return http.StatusOK, "echo: " + prompt, provider
		},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{AuthSubprotocol},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handleChat)
	mux.HandleFunc("/api/llm/", s.handleAssistant)
	mux.HandleFunc("/api/llm/providers", s.handleProviders)
	mux.HandleFunc("/api/chat/users", s.handleUsers)

	s.srv = httptest.NewServer(mux)
	tb.Cleanup(s.Close)
	return s
}

// URL is the server's http base URL.
func (s *Server) URL() string { return s.srv.URL }

// ChatURL is the ws:// URL of the chat socket.
func (s *Server) ChatURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat"
}

// AddUser makes tok a valid credential for username.
func (s *Server) AddUser(tok, username string) {
	s.mu.Lock()
	s.users[tok] = username
	s.mu.Unlock()
}

// RequireAuth rejects anonymous and unknown credentials with 401.
func (s *Server) RequireAuth(require bool) {
	s.mu.Lock()
	s.requireAuth = require
	s.mu.Unlock()
}

// SetAssistant replaces the assistant handler.
func (s *Server) SetAssistant(fn AssistantFunc) {
	s.mu.Lock()
	s.assistant = fn
	s.mu.Unlock()
}

// SetAssistantDelay delays every assistant response.
func (s *Server) SetAssistantDelay(d time.Duration) {
	s.mu.Lock()
	s.assistantLag = d
	s.mu.Unlock()
}

// Received returns the Content of every message clients sent, in order.
func (s *Server) Received() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.received...)
}

// Handshakes returns the credential presented on every accepted or
// rejected handshake, in order.
func (s *Server) Handshakes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.handshakes...)
}

// AskAuthorizations returns the Authorization header of every assistant
// request.
func (s *Server) AskAuthorizations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.askAuth...)
}

// ClientCount returns the number of connected sockets.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast writes raw to every connected client.
func (s *Server) Broadcast(raw []byte) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.TextMessage, raw)
		c.writeMu.Unlock()
	}
}

// BroadcastMessage stamps and broadcasts a chat message from username.
func (s *Server) BroadcastMessage(username, content string) {
	now := time.Now()
	data, _ := json.Marshal(struct {
		Content     string
		Username    string
		Timestamp   time.Time
		DisplayTime string
	}{content, username, now, now.Format("15:04:05")})
	s.Broadcast(data)
}

// DropClients closes every socket from the server side.
func (s *Server) DropClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*client)
	s.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server restart"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	}
}

// Close drops clients and stops the server.
func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}

// credential reads the bearer from Authorization or the first
// sub-protocol that is not the auth marker.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	for _, p := range websocket.Subprotocols(r) {
		if p != AuthSubprotocol {
			return p
		}
	}
	return ""
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	tok := credential(r)

	s.mu.Lock()
	s.handshakes = append(s.handshakes, tok)
	username, known := s.users[tok]
	requireAuth := s.requireAuth
	s.mu.Unlock()

	if requireAuth && !known {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !known {
		username = "anonymous"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{id: uuid.NewString(), username: username, conn: conn}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg chat.Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg.Content)
		s.mu.Unlock()

		s.BroadcastMessage(c.username, msg.Content)
	}
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	s.mu.Lock()
	s.askAuth = append(s.askAuth, r.Header.Get("Authorization"))
	fn := s.assistant
	lag := s.assistantLag
	s.mu.Unlock()

	var req struct {
		Prompt   string `json:"prompt"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}

	if lag > 0 {
		select {
		case <-time.After(lag):
		case <-r.Context().Done():
			return
		}
	}

	status, text, provider := fn(req.Prompt, req.Provider)
	if status < 200 || status > 299 {
		writeJSON(w, status, map[string]string{"error": text})
		return
	}
	writeJSON(w, status, map[string]string{
		"response": text,
		"provider": provider,
		"model":    provider + "-test",
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	providers := append([]string(nil), s.providers...)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"providers": providers,
		"fallback":  providers,
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"user_count": s.ClientCount()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
