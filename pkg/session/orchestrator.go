// Package session coordinates the chat session lifecycle: resolving which session to
// use, loading its history, keeping one streaming channel open for it and recovering
// when that channel drops.
//
// All user-visible outcomes, errors included, are reported as transcript entries.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/directory"
	"github.com/go-go-golems/agentchat/pkg/history"
	"github.com/go-go-golems/agentchat/pkg/persistence"
	"github.com/go-go-golems/agentchat/pkg/realtime"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

const (
	DefaultUserID         = "test_user"
	DefaultReconnectDelay = 5 * time.Second
	DefaultSettleDelay    = 300 * time.Millisecond
)

var (
	ErrClosed          = errors.New("session: orchestrator is closed")
	ErrEmptySessionID  = errors.New("session: session id is empty")
	ErrEmptyMessage    = errors.New("session: message is empty")
	ErrNoCreator       = errors.New("session: no session creator configured")
	ErrNoChannelConfig = errors.New("session: websocket URL is not configured")
)

// Orchestrator owns one user's chat: the transcript, the active session and its
// channel. Operations that change the session are serialized; sends are not.
type Orchestrator struct {
	defaultUser    string
	transcript     *transcript.Store
	directory      *directory.Directory
	history        HistoryPopulator
	creator        SessionCreator
	ids            *persistence.SessionIDStore
	newChannel     ChannelFactory
	scheduler      Scheduler
	policy         NoSessionPolicy
	reconnectDelay time.Duration
	settleDelay    time.Duration
	logger         zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	// opMu serializes session-changing operations and timer callbacks.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	current   *connection
	switching bool
	epoch     uint64
	timers    map[uint64]Timer
	nextTimer uint64
	closed    bool

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

type Option func(*Orchestrator)

func WithUserID(userID string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(userID) != "" {
			o.defaultUser = strings.TrimSpace(userID)
		}
	}
}

func WithTranscript(s *transcript.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.transcript = s
		}
	}
}

func WithDirectory(d *directory.Directory) Option {
	return func(o *Orchestrator) {
		if d != nil {
			o.directory = d
		}
	}
}

func WithHistory(h HistoryPopulator) Option {
	return func(o *Orchestrator) { o.history = h }
}

func WithSessionCreator(c SessionCreator) Option {
	return func(o *Orchestrator) { o.creator = c }
}

func WithSessionIDStore(s *persistence.SessionIDStore) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.ids = s
		}
	}
}

func WithChannelFactory(f ChannelFactory) Option {
	return func(o *Orchestrator) { o.newChannel = f }
}

func WithScheduler(s Scheduler) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.scheduler = s
		}
	}
}

func WithNoSessionPolicy(p NoSessionPolicy) Option {
	return func(o *Orchestrator) {
		if p != "" {
			o.policy = p
		}
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.reconnectDelay = d
		}
	}
}

func WithSettleDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.settleDelay = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithContext sets the parent context of timer-driven operations.
func WithContext(ctx context.Context) Option {
	return func(o *Orchestrator) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		defaultUser:    DefaultUserID,
		transcript:     transcript.NewStore(),
		directory:      directory.New(nil),
		history:        history.NewLoader(nil),
		ids:            persistence.NewSessionIDStore(persistence.NewMemoryStore()),
		scheduler:      realScheduler{},
		policy:         PolicyAwaitChoice,
		reconnectDelay: DefaultReconnectDelay,
		settleDelay:    DefaultSettleDelay,
		logger:         log.With().Str("component", "session").Logger(),
		baseCtx:        context.Background(),
		timers:         map[uint64]Timer{},
		subs:           map[int]func(State){},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseCtx, o.cancel = context.WithCancel(o.baseCtx)
	o.state = State{UserID: o.defaultUser, Connection: Disconnected, View: ViewInitializing}
	return o
}

// Transcript exposes the transcript store for rendering and subscriptions.
func (o *Orchestrator) Transcript() *transcript.Store {
	return o.transcript
}

func (o *Orchestrator) Directory() *directory.Directory {
	return o.directory
}

// State returns a snapshot of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	st := o.state
	o.mu.Unlock()
	st.Sessions = o.directory.Sessions()
	return st
}

// Subscribe registers fn for every state change, delivered synchronously and in
// order. fn must not call back into the orchestrator.
func (o *Orchestrator) Subscribe(fn func(State)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subsMu.Unlock()
	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// InitializeAndConnect resolves the session to use (explicit id, then the persisted
// id, then the most recent session in the directory), loads its history and opens its
// channel. In reconnect mode it skips the status entry and history, and does nothing
// when a channel is already connected.
func (o *Orchestrator) InitializeAndConnect(ctx context.Context, explicitSessionID string, isReconnect bool) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	return o.initLocked(ctx, explicitSessionID, isReconnect)
}

// reconnectAfterDrop runs a scheduled reconnect unless an operation that changed the
// session ran since the drop.
func (o *Orchestrator) reconnectAfterDrop(epoch uint64) {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return
	}
	if o.currentEpoch() != epoch {
		o.logger.Debug().Uint64("epoch", epoch).Msg("reconnect skipped, session changed since the drop")
		return
	}
	_ = o.initLocked(o.baseCtx, "", true)
}

func (o *Orchestrator) initLocked(ctx context.Context, explicitSessionID string, isReconnect bool) error {
	if isReconnect {
		o.mu.Lock()
		o.switching = false
		alive := o.current != nil && !o.current.retired && o.state.Connection == Connected
		o.mu.Unlock()
		if alive {
			o.logger.Debug().Msg("reconnect skipped, channel already connected")
			return nil
		}
	} else {
		o.bumpEpoch()
	}

	userID := o.activeUser()
	o.updateState(func(s *State) { s.Connection = Disconnected })
	if !isReconnect {
		o.transcript.Append("Initializing session...", transcript.TypeSystem)
		o.updateState(func(s *State) { s.View = ViewInitializing })
	}

	sessionID := strings.TrimSpace(explicitSessionID)
	if sessionID == "" {
		persisted, err := o.ids.Load(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("reading persisted session id failed")
		}
		sessionID = persisted
	}

	_ = o.refreshDirectory(ctx, userID)

	if sessionID == "" {
		if recent, ok := o.directory.MostRecent(); ok {
			sessionID = recent.SessionID
		}
	}

	if sessionID == "" {
		o.logger.Info().Str("user_id", userID).Str("policy", string(o.policy)).Msg("no session to resume")
		if o.policy == PolicyAutoCreate {
			return o.createLocked(ctx, userID)
		}
		o.awaitChoice()
		return nil
	}

	o.activate(ctx, userID, sessionID)
	if !isReconnect {
		o.transcript.Append("Using existing session: "+sessionID, transcript.TypeSystem)
		o.loadHistory(ctx, userID, sessionID)
	}
	return o.openChannel(ctx, userID, sessionID)
}

// CreateNewSession closes the current session and starts a fresh one through the
// create-session handshake. An empty userID means the configured user.
func (o *Orchestrator) CreateNewSession(ctx context.Context, userID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	o.bumpEpoch()
	return o.createLocked(ctx, o.userOr(userID))
}

func (o *Orchestrator) createLocked(ctx context.Context, userID string) error {
	o.closeChannel()
	if err := o.ids.Clear(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("clearing persisted session id failed")
	}
	o.updateState(func(s *State) {
		s.UserID = userID
		s.SessionID = ""
		s.Connection = Disconnected
		s.Thinking = false
	})
	o.transcript.Clear()
	o.transcript.Append("Creating new session...", transcript.TypeSystem)

	if o.creator == nil {
		o.transcript.Append("Error: Could not create session. "+ErrNoCreator.Error(), transcript.TypeError)
		o.updateState(func(s *State) { s.View = ViewAwaitingChoice })
		return ErrNoCreator
	}
	sessionID, err := o.creator.CreateSession(ctx, userID)
	if err != nil {
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("create session failed")
		o.transcript.Append("Error: Could not create session. "+err.Error(), transcript.TypeError)
		o.updateState(func(s *State) { s.View = ViewAwaitingChoice })
		return errors.Wrap(err, "create session")
	}

	o.activate(ctx, userID, sessionID)
	o.transcript.Append("New session created: "+sessionID, transcript.TypeSystem)
	o.loadHistory(ctx, userID, sessionID)
	err = o.openChannel(ctx, userID, sessionID)
	_ = o.refreshDirectory(ctx, userID)
	return err
}

// SwitchSession moves to another existing session. Switching to the current session
// does nothing. The directory is not reloaded.
func (o *Orchestrator) SwitchSession(ctx context.Context, userID, sessionID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	o.bumpEpoch()
	return o.switchLocked(ctx, o.userOr(userID), sessionID)
}

func (o *Orchestrator) switchLocked(ctx context.Context, userID, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		o.transcript.Append("Error: Cannot switch to an empty session id.", transcript.TypeError)
		return ErrEmptySessionID
	}
	if o.currentSessionID() == sessionID {
		o.logger.Debug().Str("session_id", sessionID).Msg("already in session")
		return nil
	}

	o.closeChannel()
	o.transcript.Clear()
	o.transcript.Append(fmt.Sprintf("Switching to session %s...", sessionID), transcript.TypeSystem)
	o.activate(ctx, userID, sessionID)
	o.loadHistory(ctx, userID, sessionID)
	return o.openChannel(ctx, userID, sessionID)
}

// RefreshSessions reloads the active user's directory and publishes the new list to
// subscribers. The current session is left alone.
func (o *Orchestrator) RefreshSessions(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	return o.refreshDirectory(ctx, o.activeUser())
}

// DeleteSession deletes a session on the server. Deleting the active session closes
// it and, after a short settle delay, switches to the session that took its place in
// the directory; with no sessions left the user is asked to choose or create one.
func (o *Orchestrator) DeleteSession(ctx context.Context, userID, sessionID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}
	userID = o.userOr(userID)
	sessionID = strings.TrimSpace(sessionID)

	_, index, err := o.directory.Delete(ctx, userID, sessionID)
	if err != nil {
		o.transcript.Append("Error deleting session: "+err.Error(), transcript.TypeError)
		return err
	}
	o.updateState(func(*State) {})
	if sessionID != o.currentSessionID() {
		return nil
	}

	epoch := o.bumpEpoch()
	o.closeChannel()
	if err := o.ids.Clear(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("clearing persisted session id failed")
	}
	o.transcript.Clear()
	o.updateState(func(s *State) {
		s.SessionID = ""
		s.Connection = Disconnected
		s.Thinking = false
	})

	next, ok := o.directory.Nearest(index)
	if !ok {
		o.awaitChoice()
		return nil
	}
	o.logger.Info().Str("deleted", sessionID).Str("next", next.SessionID).Msg("redirecting after delete")
	o.schedule(o.settleDelay, func() {
		o.opMu.Lock()
		defer o.opMu.Unlock()
		if o.isClosed() || o.currentEpoch() != epoch {
			return
		}
		_ = o.switchLocked(o.baseCtx, userID, next.SessionID)
	})
	return nil
}

// SendTextMessage sends a text turn and echoes it into the transcript.
func (o *Orchestrator) SendTextMessage(text string) error {
	conn := o.openConnection()
	if conn == nil || strings.TrimSpace(text) == "" {
		o.transcript.Append("Cannot send message. WebSocket not connected or message is empty.", transcript.TypeError)
		return sendPreconditionErr(conn)
	}
	if err := o.send(conn, realtime.TextPayload(text), "Cannot send message. "); err != nil {
		return err
	}
	o.transcript.Append(text, transcript.TypeUser)
	return nil
}

// SendImageMessage sends raw base64 image data with an optional prompt.
func (o *Orchestrator) SendImageMessage(base64Data, mimeType, prompt string) error {
	conn := o.openConnection()
	if conn == nil || base64Data == "" || mimeType == "" {
		o.transcript.Append("Cannot send image. WebSocket not connected, image data or mime type missing.", transcript.TypeError)
		return sendPreconditionErr(conn)
	}
	if err := o.send(conn, realtime.ImagePayload(base64Data, mimeType, prompt), "Cannot send image. "); err != nil {
		return err
	}
	o.transcript.Append(prompt, transcript.TypeImage, transcript.WithImage(transcript.DataURL(mimeType, base64Data), mimeType))
	return nil
}

// SendAudioMessage sends raw base64 audio. Nothing is appended locally; the server
// answers with a transcription frame.
func (o *Orchestrator) SendAudioMessage(base64Data, mimeType string) error {
	conn := o.openConnection()
	if conn == nil || base64Data == "" {
		o.transcript.Append("Cannot send audio. WebSocket not connected or audio data missing.", transcript.TypeError)
		return sendPreconditionErr(conn)
	}
	return o.send(conn, realtime.AudioPayload(base64Data, mimeType), "Cannot send audio. ")
}

func sendPreconditionErr(conn *connection) error {
	if conn == nil {
		return realtime.ErrNotConnected
	}
	return ErrEmptyMessage
}

func (o *Orchestrator) send(conn *connection, p realtime.Payload, errPrefix string) error {
	o.setThinking(true)
	if err := conn.ch.Send(p); err != nil {
		o.logger.Warn().Err(err).Str("type", p.Type).Msg("send failed")
		o.setThinking(false)
		o.transcript.Append(errPrefix+err.Error(), transcript.TypeError)
		return err
	}
	return nil
}

// Close shuts the channel and cancels pending timers. The orchestrator cannot be
// used afterwards.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	timers := o.timers
	o.timers = map[uint64]Timer{}
	o.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	o.cancel()

	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.closeChannel()
	o.logger.Debug().Msg("orchestrator closed")
	return nil
}

func (o *Orchestrator) activate(ctx context.Context, userID, sessionID string) {
	if err := o.ids.Save(ctx, sessionID); err != nil {
		o.logger.Warn().Err(err).Msg("persisting session id failed")
	}
	o.updateState(func(s *State) {
		s.UserID = userID
		s.SessionID = sessionID
		s.View = ViewActive
	})
}

func (o *Orchestrator) awaitChoice() {
	o.transcript.Clear()
	o.updateState(func(s *State) {
		s.SessionID = ""
		s.Connection = Disconnected
		s.Thinking = false
		s.View = ViewAwaitingChoice
	})
}

func (o *Orchestrator) refreshDirectory(ctx context.Context, userID string) error {
	_, err := o.directory.Load(ctx, userID)
	if err != nil {
		o.transcript.Append("Error loading user sessions: "+err.Error(), transcript.TypeError)
	}
	o.updateState(func(*State) {})
	return err
}

func (o *Orchestrator) loadHistory(ctx context.Context, userID, sessionID string) {
	if o.history == nil {
		return
	}
	o.history.Populate(ctx, o.transcript, userID, sessionID, func() bool {
		return o.currentSessionID() == sessionID
	})
}

// openChannel replaces the current channel with a new one for sessionID.
func (o *Orchestrator) openChannel(ctx context.Context, userID, sessionID string) error {
	if sessionID == "" {
		o.transcript.Append("Error: No session ID available to connect to chat.", transcript.TypeError)
		o.updateState(func(s *State) { s.Connection = Disconnected })
		return ErrEmptySessionID
	}
	if o.newChannel == nil {
		o.transcript.Append("Error: "+ErrNoChannelConfig.Error(), transcript.TypeError)
		o.updateState(func(s *State) { s.Connection = Disconnected })
		return ErrNoChannelConfig
	}
	o.closeChannel()

	conn := &connection{o: o, userID: userID, sessionID: sessionID}
	conn.ch = o.newChannel(userID, sessionID, conn)

	o.mu.Lock()
	o.current = conn
	o.switching = false
	o.mu.Unlock()
	o.updateState(func(s *State) { s.Connection = Connecting })

	err := conn.ch.Connect(ctx)
	if errors.Is(err, realtime.ErrMissingBaseURL) {
		o.transcript.Append("Error: "+err.Error(), transcript.TypeError)
		o.updateState(func(s *State) { s.Connection = Disconnected })
	}
	return err
}

// closeChannel deliberately closes the current channel, if any. Its close is
// suppressed so no reconnect gets scheduled. Must be called without o.mu held.
func (o *Orchestrator) closeChannel() {
	o.mu.Lock()
	o.switching = true
	conn := o.current
	if conn != nil {
		conn.retired = true
	}
	o.mu.Unlock()
	if conn == nil {
		return
	}

	if err := conn.ch.Close(); err != nil {
		o.logger.Debug().Err(err).Msg("closing channel")
	}

	o.mu.Lock()
	if o.current == conn {
		o.current = nil
	}
	o.mu.Unlock()
	o.updateState(func(s *State) { s.Connection = Disconnected })
}

func (o *Orchestrator) openConnection() *connection {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.retired || o.state.Connection != Connected {
		return nil
	}
	return o.current
}

func (o *Orchestrator) schedule(d time.Duration, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	id := o.nextTimer
	o.nextTimer++
	o.timers[id] = o.scheduler.AfterFunc(d, func() {
		o.mu.Lock()
		delete(o.timers, id)
		o.mu.Unlock()
		fn()
	})
}

func (o *Orchestrator) updateState(fn func(*State)) {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	o.mu.Lock()
	fn(&o.state)
	st := o.state
	o.mu.Unlock()
	st.Sessions = o.directory.Sessions()

	o.subsMu.Lock()
	subs := make([]func(State), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.subsMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

func (o *Orchestrator) setThinking(v bool) {
	o.mu.Lock()
	same := o.state.Thinking == v
	o.mu.Unlock()
	if same {
		return
	}
	o.updateState(func(s *State) { s.Thinking = v })
}

func (o *Orchestrator) bumpEpoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.epoch++
	return o.epoch
}

func (o *Orchestrator) currentEpoch() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch
}

func (o *Orchestrator) currentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.SessionID
}

func (o *Orchestrator) activeUser() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.UserID != "" {
		return o.state.UserID
	}
	return o.defaultUser
}

func (o *Orchestrator) userOr(userID string) string {
	if u := strings.TrimSpace(userID); u != "" {
		return u
	}
	return o.activeUser()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func formatDelay(d time.Duration) string {
	if d%time.Second == 0 {
		n := int(d / time.Second)
		if n == 1 {
			return "1 second"
		}
		return fmt.Sprintf("%d seconds", n)
	}
	return d.String()
}
