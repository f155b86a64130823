package history

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/agentmock"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

type stubFetcher struct {
	resp  *agentapi.HistoryResponse
	err   error
	calls []string
	hook  func()
}

func (f *stubFetcher) SessionHistory(_ context.Context, userID, sessionID string) (*agentapi.HistoryResponse, error) {
	f.calls = append(f.calls, userID+"/"+sessionID)
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textEvent(id, author string, texts ...string) agentapi.Event {
	parts := make([]agentapi.Part, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, agentapi.Part{Text: t})
	}
	return agentapi.Event{ID: id, Author: author, Content: &agentapi.Content{Parts: parts}}
}

func TestEventsToMessages_MapsAuthorsAndParts(t *testing.T) {
	msgs := EventsToMessages([]agentapi.Event{
		textEvent("e1", "user", "hello"),
		textEvent("e2", "marketing_agent", "Hi ", "there\nfriend"),
		{ID: "e3", Author: "user", Content: &agentapi.Content{Parts: []agentapi.Part{
			{InlineData: &agentapi.InlineData{MimeType: "image/png", Data: "AAAA"}},
			{Text: "what is this?"},
		}}},
		{ID: "e4", Author: "agent"},
		{ID: "e5", Author: "agent", Content: &agentapi.Content{Parts: []agentapi.Part{{Text: ""}}}},
	})

	require.Len(t, msgs, 3)
	require.Equal(t, transcript.Message{ID: "e1", Text: "hello", Type: transcript.TypeUser}, msgs[0])

	require.Equal(t, "e2", msgs[1].ID)
	require.Equal(t, transcript.TypeAgent, msgs[1].Type)
	require.Equal(t, "Hi there\nfriend", msgs[1].Text)
	require.True(t, msgs[1].Completed, "history agent messages are never in progress")

	require.Equal(t, transcript.TypeImage, msgs[2].Type)
	require.Equal(t, "data:image/png;base64,AAAA", msgs[2].ImageDataURL)
	require.Equal(t, "image/png", msgs[2].MimeType)
	require.Equal(t, "what is this?", msgs[2].Text)
}

func TestEventsToMessages_DeduplicatesAndGeneratesIDs(t *testing.T) {
	msgs := EventsToMessages([]agentapi.Event{
		textEvent("dup", "user", "first"),
		textEvent("dup", "user", "second"),
		textEvent("", "agent", "no id"),
		textEvent("", "agent", "no id either"),
	})

	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text)
	require.NotEmpty(t, msgs[1].ID)
	require.NotEmpty(t, msgs[2].ID)
	require.NotEqual(t, msgs[1].ID, msgs[2].ID)
}

func TestEventsToMessages_AgentImageStaysAgentMessage(t *testing.T) {
	msgs := EventsToMessages([]agentapi.Event{{ID: "x", Author: "agent", Content: &agentapi.Content{Parts: []agentapi.Part{
		{InlineData: &agentapi.InlineData{MimeType: "image/jpeg", Data: "BBBB"}},
	}}}})
	require.Len(t, msgs, 1)
	require.Equal(t, transcript.TypeAgent, msgs[0].Type)
	require.Equal(t, "data:image/jpeg;base64,BBBB", msgs[0].ImageDataURL)
}

func TestPopulate_LoadedHistory(t *testing.T) {
	f := &stubFetcher{resp: &agentapi.HistoryResponse{Events: []agentapi.Event{
		textEvent("e1", "user", "hi"),
		textEvent("e2", "agent", "hello"),
	}}}
	store := transcript.NewStore()
	store.Append("Using existing session: abc", transcript.TypeSystem)

	var sawLoading bool
	f.hook = func() {
		tail, ok := store.Snapshot().Tail()
		sawLoading = ok && tail.Text == LoadingText
	}

	outcome := NewLoader(f).Populate(context.Background(), store, "test_user", "abc", nil)
	require.Equal(t, OutcomeLoaded, outcome)
	require.True(t, sawLoading, "loading entry must be visible while the fetch is in flight")
	require.Equal(t, []string{"test_user/abc"}, f.calls)

	msgs := store.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, "Using existing session: abc", msgs[0].Text)
	require.Equal(t, "e1", msgs[1].ID)
	require.Equal(t, "e2", msgs[2].ID)
	require.Equal(t, LoadedText, msgs[3].Text)
	for _, m := range msgs {
		require.NotEqual(t, LoadingText, m.Text)
	}
}

func TestPopulate_EmptyHistory(t *testing.T) {
	store := transcript.NewStore()
	outcome := NewLoader(&stubFetcher{resp: &agentapi.HistoryResponse{}}).
		Populate(context.Background(), store, "u", "s", nil)

	require.Equal(t, OutcomeEmpty, outcome)
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EmptyText, msgs[0].Text)
	require.Equal(t, transcript.TypeSystem, msgs[0].Type)
}

func TestPopulate_FailureBecomesSingleErrorEntry(t *testing.T) {
	store := transcript.NewStore()
	outcome := NewLoader(&stubFetcher{err: &agentapi.APIError{StatusCode: 500, Detail: "boom"}}).
		Populate(context.Background(), store, "u", "s", nil)

	require.Equal(t, OutcomeFailed, outcome)
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, transcript.TypeError, msgs[0].Type)
	require.Equal(t, "Error loading chat history: boom", msgs[0].Text)
}

func TestPopulate_DropsStaleResults(t *testing.T) {
	store := transcript.NewStore()
	current := true
	f := &stubFetcher{
		resp: &agentapi.HistoryResponse{Events: []agentapi.Event{textEvent("old", "agent", "from A")}},
	}
	// The user switches sessions while the fetch is in flight.
	f.hook = func() {
		current = false
		store.Clear()
		store.Append("Switching to session B...", transcript.TypeSystem)
	}

	outcome := NewLoader(f).Populate(context.Background(), store, "u", "A", func() bool { return current })
	require.Equal(t, OutcomeStale, outcome)
	msgs := store.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Switching to session B...", msgs[0].Text)
}

func TestLoader_AgainstMockAgent(t *testing.T) {
	mock := agentmock.NewServer()
	mock.AddSession("test_user", "abc", 1, textEvent("e1", "user", "hi"))
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)
	loader := NewLoader(agentapi.NewClient(srv.URL))

	msgs, err := loader.Load(context.Background(), "test_user", "abc")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	mock.CorruptHistory("not-json")
	store := transcript.NewStore()
	require.Equal(t, OutcomeFailed, loader.Populate(context.Background(), store, "test_user", "abc", nil))
	require.True(t, strings.HasPrefix(store.Messages()[0].Text, ErrorTextPrefix))

	mock.FailHistory(http.StatusNotFound, "Session not found")
	_, err = loader.Load(context.Background(), "test_user", "abc")
	var apiErr *agentapi.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestLoader_MissingClient(t *testing.T) {
	store := transcript.NewStore()
	require.Equal(t, OutcomeFailed, NewLoader(nil).Populate(context.Background(), store, "u", "s", nil))
	require.Contains(t, store.Messages()[0].Text, "base URL is not configured")
}
