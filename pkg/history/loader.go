// Package history turns a session's server-side event log into transcript entries.
package history

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

const (
	LoadingText     = "Loading chat history..."
	LoadedText      = "Chat history loaded."
	EmptyText       = "No previous chat history found or session is new."
	ErrorTextPrefix = "Error loading chat history: "
)

// Fetcher is the part of the agent API the loader needs.
type Fetcher interface {
	SessionHistory(ctx context.Context, userID, sessionID string) (*agentapi.HistoryResponse, error)
}

var _ Fetcher = (*agentapi.Client)(nil)

// Outcome reports what Populate did to the transcript.
type Outcome int

const (
	OutcomeLoaded Outcome = iota
	OutcomeEmpty
	OutcomeFailed
	// OutcomeStale means the session changed while the fetch was in flight and the
	// result was dropped.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLoaded:
		return "loaded"
	case OutcomeEmpty:
		return "empty"
	case OutcomeFailed:
		return "failed"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}

type Loader struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

type LoaderOption func(*Loader)

func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

func NewLoader(fetcher Fetcher, opts ...LoaderOption) *Loader {
	l := &Loader{
		fetcher: fetcher,
		logger:  log.With().Str("component", "history").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches and normalizes the history of one session.
func (l *Loader) Load(ctx context.Context, userID, sessionID string) ([]transcript.Message, error) {
	if l == nil || l.fetcher == nil {
		return nil, agentapi.ErrMissingBaseURL
	}
	resp, err := l.fetcher.SessionHistory(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return EventsToMessages(resp.Events), nil
}

// EventsToMessages maps events to at most one entry each. Events without text or
// inline image data are dropped, and repeated ids keep their first occurrence.
func EventsToMessages(events []agentapi.Event) []transcript.Message {
	out := make([]transcript.Message, 0, len(events))
	seen := map[string]struct{}{}
	for _, ev := range events {
		msg, ok := eventToMessage(ev)
		if !ok {
			continue
		}
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		seen[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out
}

func eventToMessage(ev agentapi.Event) (transcript.Message, bool) {
	msg := transcript.Message{Type: transcript.TypeAgent, Completed: true}
	isUser := ev.Author == "user"
	if isUser {
		msg = transcript.Message{Type: transcript.TypeUser}
	}

	var text strings.Builder
	if ev.Content != nil {
		for _, part := range ev.Content.Parts {
			text.WriteString(part.Text)
			if d := part.InlineData; d != nil && d.Data != "" && d.MimeType != "" {
				msg.ImageDataURL = transcript.DataURL(d.MimeType, d.Data)
				msg.MimeType = d.MimeType
				if isUser {
					msg.Type = transcript.TypeImage
				}
			}
		}
	}
	msg.Text = text.String()
	if msg.Text == "" && msg.ImageDataURL == "" {
		return transcript.Message{}, false
	}

	msg.ID = ev.ID
	if msg.ID == "" {
		msg.ID = transcript.NewID()
	}
	return msg, true
}

// Populate loads a session's history into store, surrounded by the status entries a
// user sees: a transient loading line, then the entries plus a confirmation, an
// empty-history notice, or a single error entry. Results are dropped when
// stillCurrent reports false once the fetch completes.
func (l *Loader) Populate(
	ctx context.Context,
	store *transcript.Store,
	userID, sessionID string,
	stillCurrent func() bool,
) Outcome {
	logger := l.logger.With().Str("user_id", userID).Str("session_id", sessionID).Logger()
	loadingID := store.Append(LoadingText, transcript.TypeSystem)

	msgs, err := l.Load(ctx, userID, sessionID)

	if stillCurrent != nil && !stillCurrent() {
		store.RemoveByID(loadingID)
		logger.Debug().Msg("dropping history for a session that is no longer current")
		return OutcomeStale
	}
	store.RemoveByID(loadingID)

	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("loading chat history failed")
		store.Append(ErrorTextPrefix+err.Error(), transcript.TypeError)
		return OutcomeFailed
	case len(msgs) == 0:
		store.Append(EmptyText, transcript.TypeSystem)
		return OutcomeEmpty
	default:
		added := store.AppendAll(msgs)
		logger.Debug().Int("events", len(msgs)).Int("added", added).Msg("chat history loaded")
		store.Append(LoadedText, transcript.TypeSystem)
		return OutcomeLoaded
	}
}
