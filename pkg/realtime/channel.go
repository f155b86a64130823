// Package realtime is the streaming side of the agent service: the per-session chat
// websocket and the short-lived create-session handshake.
package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("realtime: channel is not connected")
	ErrAlreadyStarted = errors.New("realtime: channel already started")
	ErrMissingBaseURL = errors.New("realtime: websocket base URL is not configured")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Handler receives channel lifecycle events. OnFrame and OnClose are called from the
// channel's read goroutine, one at a time and in arrival order. Handlers must not
// call Close on the same channel from inside a callback.
type Handler interface {
	OnOpen()
	OnFrame(Frame)
	// OnError reports a transport failure. OnClose always follows.
	OnError(error)
	OnClose()
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Channel is one chat websocket. A channel can be connected again after it closed,
// but callers usually build a fresh one per connection attempt.
type Channel struct {
	url          string
	handler      Handler
	dialer       Dialer
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	done       chan struct{}
	cancelDial context.CancelFunc
	closing    bool

	writeMu sync.Mutex
}

type ChannelOption func(*Channel)

func WithDialer(d Dialer) ChannelOption {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

func WithLogger(logger zerolog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

func WithWriteTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// DefaultDialer bounds the websocket handshake.
func DefaultDialer() *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
}

func NewChannel(rawURL string, handler Handler, opts ...ChannelOption) *Channel {
	c := &Channel{
		url:          rawURL,
		handler:      handler,
		dialer:       DefaultDialer(),
		writeTimeout: 10 * time.Second,
		logger:       log.With().Str("component", "realtime").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("url", rawURL).Logger()
	return c
}

func (c *Channel) URL() string {
	return c.url
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the websocket. On success OnOpen is called before any frame is
// dispatched. A dial failure is reported through OnError and OnClose as well as
// the returned error, unless Close was called while dialing.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if strings.TrimSpace(c.url) == "" {
		c.mu.Unlock()
		return ErrMissingBaseURL
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.closing = false
	c.cancelDial = cancel
	c.mu.Unlock()

	c.logger.Debug().Msg("dialing")
	conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if err != nil {
		deliberate := c.closing
		c.state = StateIdle
		c.mu.Unlock()
		err = errors.Wrapf(err, "dial %s", c.url)
		if !deliberate {
			c.logger.Warn().Err(err).Msg("dial failed")
			c.handler.OnError(err)
		}
		c.handler.OnClose()
		return err
	}
	if c.closing {
		// Closed while the handshake was in flight.
		c.state = StateIdle
		c.mu.Unlock()
		_ = conn.Close()
		c.handler.OnClose()
		return ErrNotConnected
	}
	done := make(chan struct{})
	c.conn = conn
	c.done = done
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.handler.OnOpen()
	go c.readLoop(conn, done)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			deliberate := c.closing
			c.state = StateIdle
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()

			normal := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !deliberate && !normal {
				c.logger.Warn().Err(err).Msg("read failed")
				c.handler.OnError(errors.Wrap(err, "read"))
			} else {
				c.logger.Debug().Err(err).Bool("deliberate", deliberate).Msg("read loop end")
			}
			c.handler.OnClose()
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("malformed frame")
			frame = MalformedFrame{Raw: data, Err: err}
		}
		c.handler.OnFrame(frame)
	}
}

// Send writes one payload. It fails with ErrNotConnected unless the channel is open.
func (c *Channel) Send(p Payload) error {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteJSON(p); err != nil {
		return errors.Wrap(err, "send payload")
	}
	c.logger.Debug().Str("type", p.Type).Int("bytes", len(p.Data)).Msg("payload sent")
	return nil
}

// Close shuts the channel down deliberately and waits until OnClose has run. The
// handler sees no OnError for a deliberate close.
func (c *Channel) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.closing = true
		if c.cancelDial != nil {
			c.cancelDial()
		}
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.state = StateClosing
	conn, done := c.conn, c.done
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// ChatURL builds <base>/ws/<userId>/<sessionId>.
func ChatURL(baseWSURL, userID, sessionID string) string {
	return joinWS(baseWSURL, "ws", userID, sessionID)
}

// CreateSessionURL builds <base>/ws/create_session/<userId>.
func CreateSessionURL(baseWSURL, userID string) string {
	return joinWS(baseWSURL, "ws", "create_session", userID)
}

func joinWS(base string, segments ...string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(base)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
