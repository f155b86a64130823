package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/history"
	"github.com/go-go-golems/agentchat/pkg/realtime"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

func (c ConnectionState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConnectionState) UnmarshalText(b []byte) error {
	for _, v := range []ConnectionState{Disconnected, Connecting, Connected} {
		if v.String() == string(b) {
			*c = v
			return nil
		}
	}
	return errors.Errorf("unknown connection state %q", string(b))
}

// View is what a presentation layer should show.
type View int

const (
	ViewInitializing View = iota
	ViewActive
	// ViewAwaitingChoice asks the user to pick or create a session.
	ViewAwaitingChoice
)

func (v View) String() string {
	switch v {
	case ViewInitializing:
		return "initializing"
	case ViewActive:
		return "active"
	case ViewAwaitingChoice:
		return "awaiting-choice"
	default:
		return "unknown"
	}
}

func (v View) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *View) UnmarshalText(b []byte) error {
	for _, candidate := range []View{ViewInitializing, ViewActive, ViewAwaitingChoice} {
		if candidate.String() == string(b) {
			*v = candidate
			return nil
		}
	}
	return errors.Errorf("unknown view %q", string(b))
}

// NoSessionPolicy decides what happens when no session id can be resolved.
type NoSessionPolicy string

const (
	PolicyAwaitChoice NoSessionPolicy = "await-choice"
	PolicyAutoCreate  NoSessionPolicy = "auto-create"
)

func ParseNoSessionPolicy(s string) (NoSessionPolicy, error) {
	switch NoSessionPolicy(strings.TrimSpace(strings.ToLower(s))) {
	case "", PolicyAwaitChoice:
		return PolicyAwaitChoice, nil
	case PolicyAutoCreate:
		return PolicyAutoCreate, nil
	default:
		return "", errors.Errorf("unknown no-session policy %q (want %s or %s)", s, PolicyAwaitChoice, PolicyAutoCreate)
	}
}

// State is the observable orchestrator state. Sessions is a copy of the directory.
type State struct {
	UserID     string             `json:"user_id" yaml:"user_id"`
	SessionID  string             `json:"session_id" yaml:"session_id"`
	Connection ConnectionState    `json:"connection" yaml:"connection"`
	Thinking   bool               `json:"thinking" yaml:"thinking"`
	View       View               `json:"view" yaml:"view"`
	Sessions   []agentapi.Session `json:"sessions" yaml:"sessions"`
}

// Timer is satisfied by *time.Timer.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Channel is the streaming connection used for one session.
type Channel interface {
	Connect(ctx context.Context) error
	Send(p realtime.Payload) error
	Close() error
}

var _ Channel = (*realtime.Channel)(nil)

// ChannelFactory builds an unconnected channel for a session; h receives its events.
type ChannelFactory func(userID, sessionID string, h realtime.Handler) Channel

// WebSocketChannels builds channels against <baseWSURL>/ws/<user>/<session>.
func WebSocketChannels(baseWSURL string, opts ...realtime.ChannelOption) ChannelFactory {
	return func(userID, sessionID string, h realtime.Handler) Channel {
		return realtime.NewChannel(realtime.ChatURL(baseWSURL, userID, sessionID), h, opts...)
	}
}

// SessionCreator runs the create-session handshake.
type SessionCreator interface {
	CreateSession(ctx context.Context, userID string) (string, error)
}

var _ SessionCreator = (*realtime.SessionCreator)(nil)

// HistoryPopulator loads a session's history into a transcript.
type HistoryPopulator interface {
	Populate(ctx context.Context, store *transcript.Store, userID, sessionID string, stillCurrent func() bool) history.Outcome
}

var _ HistoryPopulator = (*history.Loader)(nil)
