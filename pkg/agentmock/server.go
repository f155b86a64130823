// Package agentmock is an in-process stand-in for the remote agent service. It
// serves the same HTTP and websocket routes as the real collaborator and answers
// chat turns with a deterministic echo agent that streams its reply in fragments.
//
// It backs the package tests and the `agentchat mock-agent` command.
package agentmock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
)

const (
	DefaultAppName      = "agentchat-mock"
	ConnectedStatusText = "ADK Agent service connected"
)

// ClientPayload is a message received from a chat client.
type ClientPayload struct {
	UserID    string `json:"-"`
	SessionID string `json:"-"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	MimeType  string `json:"mime_type,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// ReplyFunc produces the full agent reply for a user payload.
type ReplyFunc func(p ClientPayload) string

type session struct {
	record agentapi.Session
	events []agentapi.Event
}

type chatConn struct {
	userID    string
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
}

func (c *chatConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

type Server struct {
	upgrader websocket.Upgrader

	mu            sync.Mutex
	sessions      map[string]map[string]*session
	conns         map[*chatConn]struct{}
	connects      map[string]int
	received      []ClientPayload
	historyFault  *fault
	sessionsFault *fault
	deleteFault   *fault
	createFault   string

	fragmentSize int
	reply        ReplyFunc
	now          func() time.Time
}

type fault struct {
	status int
	detail string
	raw    string
}

type Option func(*Server)

// WithFragmentSize sets how many runes each streamed message_part carries.
func WithFragmentSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.fragmentSize = n
		}
	}
}

func WithReply(fn ReplyFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.reply = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions:     map[string]map[string]*session{},
		conns:        map[*chatConn]struct{}{},
		connects:     map[string]int{},
		fragmentSize: 8,
		reply:        EchoReply,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EchoReply answers every payload by echoing what it understood.
func EchoReply(p ClientPayload) string {
	switch p.Type {
	case "image":
		if p.Prompt != "" {
			return fmt.Sprintf("I received an image (%s) with the prompt: %s", p.MimeType, p.Prompt)
		}
		return fmt.Sprintf("I received an image (%s).", p.MimeType)
	case "audio":
		return fmt.Sprintf("I heard %d bytes of %s audio.", len(p.Data), p.MimeType)
	default:
		return "Echo: " + p.Data
	}
}

// Handler returns the routes of the agent service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session_history/{userId}/{sessionId}", s.handleHistory)
	mux.HandleFunc("GET /sessions/{userId}", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{userId}/{sessionId}", s.handleDeleteSession)
	mux.HandleFunc("/ws/create_session/{userId}", s.handleCreateSession)
	mux.HandleFunc("/ws/{userId}/{sessionId}", s.handleChat)
	return mux
}

// AddSession seeds a session with an explicit update time and history.
func (s *Server) AddSession(userID, sessionID string, lastUpdate float64, events ...agentapi.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.ensureSessionLocked(userID, sessionID)
	sess.record.LastUpdateTime = lastUpdate
	sess.events = append(sess.events, events...)
}

func (s *Server) HasSession(userID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[userID][sessionID]
	return ok
}

func (s *Server) Events(userID, sessionID string) []agentapi.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID][sessionID]
	if !ok {
		return nil
	}
	return append([]agentapi.Event(nil), sess.events...)
}

// Received returns every payload received over chat websockets, in arrival order.
func (s *Server) Received() []ClientPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ClientPayload(nil), s.received...)
}

// Connects reports how many chat websockets were opened for a session.
func (s *Server) Connects(userID, sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects[userID+"/"+sessionID]
}

func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// FailHistory makes history requests answer with status and a {"detail"} body.
// A zero status clears the fault.
func (s *Server) FailHistory(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyFault = newFault(status, detail, "")
}

// CorruptHistory makes history requests answer 200 with a raw, non-JSON body.
func (s *Server) CorruptHistory(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.historyFault = newFault(http.StatusOK, "", raw)
}

func (s *Server) FailSessions(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsFault = newFault(status, detail, "")
}

func (s *Server) FailDelete(status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteFault = newFault(status, detail, "")
}

// FailCreate makes the create-session handshake answer with an error frame.
func (s *Server) FailCreate(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFault = message
}

func newFault(status int, detail, raw string) *fault {
	if status == 0 {
		return nil
	}
	return &fault{status: status, detail: detail, raw: raw}
}

// Push sends a raw frame to every open chat websocket of a session.
func (s *Server) Push(userID, sessionID string, frame any) int {
	sent := 0
	for _, c := range s.connsFor(userID, sessionID) {
		if err := c.writeJSON(frame); err == nil {
			sent++
		}
	}
	return sent
}

// PushRaw sends raw bytes, used to simulate malformed frames.
func (s *Server) PushRaw(userID, sessionID string, data []byte) int {
	sent := 0
	for _, c := range s.connsFor(userID, sessionID) {
		c.writeMu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err == nil {
			sent++
		}
	}
	return sent
}

// DropConnections abruptly closes every chat websocket, as a network failure would.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*chatConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
	return len(conns)
}

func (s *Server) connsFor(userID, sessionID string) []*chatConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chatConn
	for c := range s.conns {
		if c.userID == userID && c.sessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) ensureSessionLocked(userID, sessionID string) *session {
	byUser, ok := s.sessions[userID]
	if !ok {
		byUser = map[string]*session{}
		s.sessions[userID] = byUser
	}
	sess, ok := byUser[sessionID]
	if !ok {
		sess = &session{record: agentapi.Session{
			SessionID:      sessionID,
			UserID:         userID,
			AppName:        DefaultAppName,
			LastUpdateTime: s.timestamp(),
		}}
		byUser[sessionID] = sess
	}
	return sess
}

func (s *Server) timestamp() float64 {
	return float64(s.now().UnixNano()) / 1e9
}

func (s *Server) appendEventLocked(userID, sessionID string, ev agentapi.Event) {
	sess := s.ensureSessionLocked(userID, sessionID)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	sess.events = append(sess.events, ev)
	sess.record.LastUpdateTime = s.timestamp()
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFault(w http.ResponseWriter, f *fault) {
	if f.raw != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.raw))
		return
	}
	writeJSONResponse(w, f.status, map[string]string{"detail": f.detail})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := r.PathValue("userId"), r.PathValue("sessionId")
	s.mu.Lock()
	if f := s.historyFault; f != nil {
		s.mu.Unlock()
		writeFault(w, f)
		return
	}
	events := []agentapi.Event{}
	if sess, ok := s.sessions[userID][sessionID]; ok {
		events = append(events, sess.events...)
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, agentapi.HistoryResponse{Events: events})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	s.mu.Lock()
	if f := s.sessionsFault; f != nil {
		s.mu.Unlock()
		writeFault(w, f)
		return
	}
	out := make([]agentapi.Session, 0, len(s.sessions[userID]))
	for _, sess := range s.sessions[userID] {
		out = append(out, sess.record)
	}
	s.mu.Unlock()
	// The real service makes no ordering promise; keep ours stable but unsorted by time.
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	writeJSONResponse(w, http.StatusOK, agentapi.SessionsResponse{Sessions: out})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := r.PathValue("userId"), r.PathValue("sessionId")
	s.mu.Lock()
	if f := s.deleteFault; f != nil {
		s.mu.Unlock()
		writeFault(w, f)
		return
	}
	_, ok := s.sessions[userID][sessionID]
	if ok {
		delete(s.sessions[userID], sessionID)
	}
	s.mu.Unlock()
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{"detail": "Session not found"})
		return
	}
	writeJSONResponse(w, http.StatusOK, agentapi.DeleteResponse{Message: fmt.Sprintf("Session %s deleted", sessionID)})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "agentmock").Msg("create_session upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	s.mu.Lock()
	failure := s.createFault
	sessionID := ""
	if failure == "" {
		sessionID = uuid.NewString()
		s.ensureSessionLocked(userID, sessionID)
	}
	s.mu.Unlock()

	if failure != "" {
		_ = conn.WriteJSON(map[string]any{"type": "error", "message": "Failed to create session: " + failure})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Session creation failed"))
		return
	}
	log.Info().Str("component", "agentmock").Str("user_id", userID).Str("session_id", sessionID).Msg("session created")
	_ = conn.WriteJSON(map[string]any{"type": "session_created", "session_id": sessionID})
	// Wait for the client to hang up.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := r.PathValue("userId"), r.PathValue("sessionId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "agentmock").Msg("chat upgrade failed")
		return
	}
	c := &chatConn{userID: userID, sessionID: sessionID, conn: conn}
	wsLog := log.With().
		Str("component", "agentmock").
		Str("user_id", userID).
		Str("session_id", sessionID).
		Logger()

	s.mu.Lock()
	s.ensureSessionLocked(userID, sessionID)
	s.conns[c] = struct{}{}
	s.connects[userID+"/"+sessionID]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = conn.Close()
		wsLog.Debug().Msg("chat websocket closed")
	}()

	if err := c.writeJSON(map[string]any{"type": "status", "message": ConnectedStatusText}); err != nil {
		return
	}

	for {
		var p ClientPayload
		if err := conn.ReadJSON(&p); err != nil {
			wsLog.Debug().Err(err).Msg("chat read loop end")
			return
		}
		p.UserID, p.SessionID = userID, sessionID
		if err := s.handlePayload(c, p); err != nil {
			wsLog.Debug().Err(err).Msg("chat write failed")
			return
		}
	}
}

func (s *Server) handlePayload(c *chatConn, p ClientPayload) error {
	s.mu.Lock()
	s.received = append(s.received, p)
	reply := s.reply
	fragmentSize := s.fragmentSize
	s.mu.Unlock()

	switch p.Type {
	case "text":
		if strings.TrimSpace(p.Data) == "" {
			return c.writeJSON(map[string]any{"type": "error", "message": "Invalid text payload."})
		}
		s.recordUserEvent(p, agentapi.Part{Text: p.Data})
	case "image":
		if p.Data == "" {
			return c.writeJSON(map[string]any{"type": "error", "message": "Invalid base64 image data."})
		}
		mimeType := p.MimeType
		if mimeType == "" {
			mimeType = "image/png"
		}
		parts := []agentapi.Part{{InlineData: &agentapi.InlineData{MimeType: mimeType, Data: p.Data}}}
		if p.Prompt != "" {
			parts = append(parts, agentapi.Part{Text: p.Prompt})
		}
		s.recordUserEvent(p, parts...)
	case "audio":
		transcript := fmt.Sprintf("[audio message, %d bytes]", len(p.Data))
		if err := c.writeJSON(map[string]any{"type": "transcription", "text": transcript}); err != nil {
			return err
		}
		s.recordUserEvent(p, agentapi.Part{Text: transcript})
	default:
		return c.writeJSON(map[string]any{"type": "error", "message": fmt.Sprintf("Unsupported message type: %s", p.Type)})
	}

	text := reply(p)
	for _, fragment := range splitFragments(text, fragmentSize) {
		if err := c.writeJSON(map[string]any{"type": "message_part", "text": fragment}); err != nil {
			return err
		}
	}
	if err := c.writeJSON(map[string]any{"type": "message_end"}); err != nil {
		return err
	}

	s.mu.Lock()
	s.appendEventLocked(p.UserID, p.SessionID, agentapi.Event{
		Author:  "agent",
		Content: &agentapi.Content{Role: "model", Parts: []agentapi.Part{{Text: text}}},
	})
	s.mu.Unlock()
	return nil
}

func (s *Server) recordUserEvent(p ClientPayload, parts ...agentapi.Part) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(p.UserID, p.SessionID, agentapi.Event{
		Author:  "user",
		Content: &agentapi.Content{Role: "user", Parts: parts},
	})
}

func splitFragments(text string, size int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}
