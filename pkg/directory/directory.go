// Package directory keeps the per-user list of known sessions, most recent first.
package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
)

// API is the subset of the agent service used by the directory.
type API interface {
	ListSessions(ctx context.Context, userID string) ([]agentapi.Session, error)
	DeleteSession(ctx context.Context, userID, sessionID string) (string, error)
}

var _ API = (*agentapi.Client)(nil)

var ErrEmptySessionID = errors.New("directory: session id is empty")

// Directory is a thread-safe, always-sorted copy of a user's sessions.
type Directory struct {
	api    API
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions []agentapi.Session
}

type Option func(*Directory)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

func New(api API, opts ...Option) *Directory {
	d := &Directory{
		api:    api,
		logger: log.With().Str("component", "directory").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load fetches the user's sessions and replaces the local list. On failure the
// previous list is kept.
func (d *Directory) Load(ctx context.Context, userID string) ([]agentapi.Session, error) {
	if d.api == nil {
		return nil, agentapi.ErrMissingBaseURL
	}
	sessions, err := d.api.ListSessions(ctx, userID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("loading user sessions failed")
		return nil, err
	}
	sorted := Sort(sessions)
	d.mu.Lock()
	d.sessions = sorted
	d.mu.Unlock()
	d.logger.Debug().Str("user_id", userID).Int("count", len(sorted)).Msg("user sessions loaded")
	return clone(sorted), nil
}

// Delete removes a session on the server and, on success, from the local list. It
// returns the server's confirmation text and the index the session had locally
// (-1 when it was not listed).
func (d *Directory) Delete(ctx context.Context, userID, sessionID string) (string, int, error) {
	if sessionID == "" {
		return "", -1, ErrEmptySessionID
	}
	if d.api == nil {
		return "", -1, agentapi.ErrMissingBaseURL
	}
	msg, err := d.api.DeleteSession(ctx, userID, sessionID)
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Str("session_id", sessionID).Msg("deleting session failed")
		return "", -1, err
	}
	idx := d.Remove(sessionID)
	d.logger.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("session deleted")
	return msg, idx, nil
}

// Replace installs a list as-is after sorting it.
func (d *Directory) Replace(sessions []agentapi.Session) {
	sorted := Sort(sessions)
	d.mu.Lock()
	d.sessions = sorted
	d.mu.Unlock()
}

// Remove drops a session locally and returns the index it had, or -1.
func (d *Directory) Remove(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sessions {
		if s.SessionID == sessionID {
			next := make([]agentapi.Session, 0, len(d.sessions)-1)
			next = append(next, d.sessions[:i]...)
			next = append(next, d.sessions[i+1:]...)
			d.sessions = next
			return i
		}
	}
	return -1
}

func (d *Directory) Sessions() []agentapi.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return clone(d.sessions)
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Directory) IndexOf(sessionID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i, s := range d.sessions {
		if s.SessionID == sessionID {
			return i
		}
	}
	return -1
}

// MostRecent returns the first entry of the sorted list.
func (d *Directory) MostRecent() (agentapi.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.sessions) == 0 {
		return agentapi.Session{}, false
	}
	return d.sessions[0], true
}

// Nearest returns the session at index, clamped to the last entry. It is used to pick
// a replacement after the active session was removed from that index.
func (d *Directory) Nearest(index int) (agentapi.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.sessions) == 0 {
		return agentapi.Session{}, false
	}
	if index < 0 {
		index = 0
	}
	if index >= len(d.sessions) {
		index = len(d.sessions) - 1
	}
	return d.sessions[index], true
}

// Sort returns a copy unique by SessionID (the most recently updated duplicate wins),
// ordered by LastUpdateTime descending. Ties keep server order.
func Sort(sessions []agentapi.Session) []agentapi.Session {
	byID := make(map[string]int, len(sessions))
	out := make([]agentapi.Session, 0, len(sessions))
	for _, s := range sessions {
		if i, ok := byID[s.SessionID]; ok {
			if s.LastUpdateTime > out[i].LastUpdateTime {
				out[i] = s
			}
			continue
		}
		byID[s.SessionID] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdateTime > out[j].LastUpdateTime
	})
	return out
}

func clone(in []agentapi.Session) []agentapi.Session {
	return append(make([]agentapi.Session, 0, len(in)), in...)
}
