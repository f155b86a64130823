package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

func newPlainPrinter(t *testing.T) (*Printer, *bytes.Buffer, *transcript.Store) {
	t.Helper()
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, WithStyles(PlainStyles()))
	require.NoError(t, err)
	store := transcript.NewStore()
	t.Cleanup(store.Subscribe(p.OnSnapshot))
	return p, &buf, store
}

func TestPrinter_StreamsFragmentsOnOneLine(t *testing.T) {
	_, buf, store := newPlainPrinter(t)

	store.Append("Connected to agent.", transcript.TypeSystem)
	store.Append("Hello", transcript.TypeUser)
	store.MergeFragmentIntoLast("Ech")
	store.MergeFragmentIntoLast("o: He")
	store.MergeFragmentIntoLast("llo")
	store.MarkLastComplete()
	store.Append("after", transcript.TypeSystem)

	require.Equal(t,
		"· Connected to agent.\n"+
			"you › Hello\n"+
			"agent › Echo: Hello\n"+
			"· after\n",
		buf.String())
}

func TestPrinter_NewEntrySealsStream(t *testing.T) {
	_, buf, store := newPlainPrinter(t)

	store.MergeFragmentIntoLast("partial")
	store.Append("WebSocket error: boom", transcript.TypeError)

	require.Equal(t, "agent › partial\n! WebSocket error: boom\n", buf.String())
}

func TestPrinter_ClearResetsTracking(t *testing.T) {
	_, buf, store := newPlainPrinter(t)

	id := store.Append("one", transcript.TypeSystem)
	store.Clear()
	store.AppendAll([]transcript.Message{{ID: id, Text: "one again", Type: transcript.TypeSystem}})

	require.Equal(t, "· one\n· one again\n", buf.String())
}

func TestPrinter_RemovedEntriesAreNotReprinted(t *testing.T) {
	_, buf, store := newPlainPrinter(t)

	loading := store.Append("Loading chat history...", transcript.TypeSystem)
	store.RemoveByID(loading)
	store.Append("Chat history loaded.", transcript.TypeSystem)

	require.Equal(t, "· Loading chat history...\n· Chat history loaded.\n", buf.String())
}

func TestPrinter_RendersImages(t *testing.T) {
	p, buf, store := newPlainPrinter(t)

	store.Append("what is this?", transcript.TypeImage, transcript.WithImage(transcript.DataURL("image/png", "QUJD"), "image/png"))
	require.Equal(t, "you › [image/png, 4 base64 bytes] what is this?\n", buf.String())

	line := p.RenderMessage(transcript.Message{Type: transcript.TypeAgent, Completed: true, Text: "look", ImageDataURL: "data:image/jpeg;base64,AAAA", MimeType: "image/jpeg"})
	require.Equal(t, "agent › look [image/jpeg, 4 base64 bytes]", line)
}

func TestPrinter_MarkdownForCompleteAgentMessages(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, WithStyles(PlainStyles()), WithMarkdown("notty", 80))
	require.NoError(t, err)

	out := p.RenderMessage(transcript.Message{Type: transcript.TypeAgent, Completed: true, Text: "# Title\n\nsome **bold** text"})
	require.True(t, strings.HasPrefix(out, "agent ›"))
	require.Contains(t, out, "Title")
	require.Contains(t, out, "bold")
	require.NotContains(t, out, "\x1b[")
}

func TestPrinter_StateTransitions(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, WithStyles(PlainStyles()))
	require.NoError(t, err)

	p.OnState(session.State{View: session.ViewInitializing})
	p.OnState(session.State{View: session.ViewActive, Thinking: true})
	p.OnState(session.State{View: session.ViewActive, Thinking: true})
	p.OnState(session.State{View: session.ViewAwaitingChoice, Sessions: []agentapi.Session{{SessionID: "s1"}}})

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "agent is thinking"))
	require.Contains(t, out, "No active session.")
	require.Contains(t, out, "1. s1 updated never")
}

func TestRenderSessions(t *testing.T) {
	styles := PlainStyles()
	require.Equal(t, "(no sessions)", RenderSessions(styles, nil, ""))

	out := RenderSessions(styles, []agentapi.Session{
		{SessionID: "b", LastUpdateTime: 20},
		{SessionID: "a", LastUpdateTime: 10},
	}, "a")
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "  1. b updated "))
	require.True(t, strings.HasPrefix(lines[1], "* 2. a updated "))
}
