package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultCreateTimeout = 15 * time.Second

// CreateSessionError is an error frame received during the handshake.
type CreateSessionError struct {
	Message string
}

func (e *CreateSessionError) Error() string {
	return e.Message
}

// SessionCreator runs the create-session handshake against one service.
type SessionCreator struct {
	baseWSURL string
	dialer    Dialer
	timeout   time.Duration
	logger    zerolog.Logger
}

type CreatorOption func(*SessionCreator)

func WithCreatorDialer(d Dialer) CreatorOption {
	return func(s *SessionCreator) {
		if d != nil {
			s.dialer = d
		}
	}
}

func WithCreateTimeout(d time.Duration) CreatorOption {
	return func(s *SessionCreator) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewSessionCreator(baseWSURL string, opts ...CreatorOption) *SessionCreator {
	s := &SessionCreator{
		baseWSURL: baseWSURL,
		dialer:    DefaultDialer(),
		timeout:   DefaultCreateTimeout,
		logger:    log.With().Str("component", "realtime").Str("op", "create_session").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession dials /ws/create_session/<userId>, waits for session_created or an
// error frame and hangs up after either.
func (s *SessionCreator) CreateSession(ctx context.Context, userID string) (string, error) {
	u := CreateSessionURL(s.baseWSURL, userID)
	if u == "" {
		return "", ErrMissingBaseURL
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "dial create_session")
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", errors.Wrap(ctxErr, "waiting for session_created")
			}
			return "", errors.Wrap(err, "waiting for session_created")
		}
		var w wireFrame
		if err := json.Unmarshal(data, &w); err != nil {
			return "", errors.Wrap(err, "decode create_session reply")
		}
		switch {
		case w.Type == "session_created":
			s.hangUp(conn)
			id := strings.TrimSpace(w.SessionID)
			if id == "" {
				return "", &CreateSessionError{Message: "session_created frame without session_id"}
			}
			s.logger.Info().Str("user_id", userID).Str("session_id", id).Msg("session created")
			return id, nil
		case w.Type == "error":
			s.logger.Warn().Str("user_id", userID).Str("message", w.Message).Msg("session creation refused")
			s.hangUp(conn)
			return "", &CreateSessionError{Message: w.Message}
		default:
			s.logger.Debug().Str("type", w.Type).Msg("ignoring frame during create_session")
		}
	}
}

func (s *SessionCreator) hangUp(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}
