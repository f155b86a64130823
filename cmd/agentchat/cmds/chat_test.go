package cmds

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/agentmock"
	"github.com/go-go-golems/agentchat/pkg/config"
	"github.com/go-go-golems/agentchat/pkg/persistence"
	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/transcript"
	"github.com/go-go-golems/agentchat/pkg/ui"
)

func startMock(t *testing.T) (*agentmock.Server, *config.Settings) {
	t.Helper()
	mock := agentmock.NewServer(agentmock.WithFragmentSize(4))
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	s := config.Defaults()
	s.HTTPURL = srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	s.Store = config.StoreMemory
	return mock, &s
}

func newTestREPL(t *testing.T) (*repl, *agentmock.Server, *bytes.Buffer) {
	t.Helper()
	mock, s := startMock(t)
	mock.AddSession(s.UserID, "s1", 1)

	a := &app{settings: s}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	o := a.newOrchestrator(ctx, persistence.NewSessionIDStore(persistence.NewMemoryStore()))
	t.Cleanup(func() { _ = o.Close() })

	require.NoError(t, o.InitializeAndConnect(ctx, "", false))
	require.Eventually(t, func() bool {
		st := o.State()
		return st.SessionID == "s1" && st.Connection == session.Connected
	}, 3*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	return &repl{o: o, out: &out, styles: ui.PlainStyles()}, mock, &out
}

func TestREPL_TextMessageRoundTrip(t *testing.T) {
	r, _, _ := newTestREPL(t)
	ctx := context.Background()

	quit, err := r.handle(ctx, "  hello  ")
	require.NoError(t, err)
	require.False(t, quit)

	require.Eventually(t, func() bool {
		tail, ok := r.o.Transcript().Snapshot().Tail()
		return ok && tail.Type == transcript.TypeAgent && tail.Completed && tail.Text == "Echo: hello"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestREPL_SessionCommands(t *testing.T) {
	r, mock, out := newTestREPL(t)
	ctx := context.Background()

	_, err := r.handle(ctx, "/sessions")
	require.NoError(t, err)
	require.Contains(t, out.String(), "* 1. s1")

	_, err = r.handle(ctx, "/new")
	require.NoError(t, err)
	created := r.o.State().SessionID
	require.NotEqual(t, "s1", created)
	require.True(t, mock.HasSession("test_user", created))

	// The new session is the most recent, so s1 is now #2.
	_, err = r.handle(ctx, "/switch 2")
	require.NoError(t, err)
	require.Equal(t, "s1", r.o.State().SessionID)

	_, err = r.handle(ctx, "/delete "+created)
	require.NoError(t, err)
	require.False(t, mock.HasSession("test_user", created))
	require.Equal(t, "s1", r.o.State().SessionID)

	out.Reset()
	_, err = r.handle(ctx, "/switch")
	require.NoError(t, err)
	require.Contains(t, out.String(), "usage: /switch")
}

func TestREPL_SessionsRefreshNotifiesSubscribers(t *testing.T) {
	r, mock, out := newTestREPL(t)
	mock.AddSession("test_user", "s2", 2)

	seen := make(chan []string, 16)
	unsubscribe := r.o.Subscribe(func(st session.State) {
		var ids []string
		for _, s := range st.Sessions {
			ids = append(ids, s.SessionID)
		}
		seen <- ids
	})
	t.Cleanup(unsubscribe)

	_, err := r.handle(context.Background(), "/sessions")
	require.NoError(t, err)
	require.Contains(t, out.String(), "s2")
	var last []string
	for len(seen) > 0 {
		last = <-seen
	}
	require.Equal(t, []string{"s2", "s1"}, last)
	require.Equal(t, "s1", r.o.State().SessionID)
}

func TestREPL_MediaCommands(t *testing.T) {
	r, mock, out := newTestREPL(t)
	ctx := context.Background()
	dir := t.TempDir()

	img := filepath.Join(dir, "pic.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG\r\n\x1a\nfake"), 0o600))
	wav := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF\x24\x00\x00\x00WAVEfmt "), 0o600))
	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("just text"), 0o600))

	_, err := r.handle(ctx, "/image "+img+" what is this")
	require.NoError(t, err)
	_, err = r.handle(ctx, "/audio "+wav)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var image, audio bool
		for _, p := range mock.Received() {
			switch p.Type {
			case "image":
				image = p.MimeType == "image/png" && p.Prompt == "what is this"
			case "audio":
				audio = strings.HasPrefix(p.MimeType, "audio/")
			}
		}
		return image && audio
	}, 3*time.Second, 10*time.Millisecond)

	_, err = r.handle(ctx, "/image "+txt)
	require.Error(t, err)
	require.Contains(t, out.String(), "does not look like image/")
}

func TestREPL_MiscCommands(t *testing.T) {
	r, _, out := newTestREPL(t)
	ctx := context.Background()

	quit, err := r.handle(ctx, "")
	require.NoError(t, err)
	require.False(t, quit)

	_, err = r.handle(ctx, "/help")
	require.NoError(t, err)
	require.Contains(t, out.String(), "/image <file> [prompt]")

	_, err = r.handle(ctx, "/frobnicate")
	require.NoError(t, err)
	require.Contains(t, out.String(), "unknown command /frobnicate")

	quit, err = r.handle(ctx, "/quit")
	require.NoError(t, err)
	require.True(t, quit)
}

func TestReadMedia(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.png")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, _, err := readMedia(empty, "image/")
	require.Error(t, err)

	_, _, err = readMedia(filepath.Join(dir, "missing.png"), "image/")
	require.Error(t, err)

	gif := filepath.Join(dir, "noext")
	require.NoError(t, os.WriteFile(gif, []byte("GIF89a....."), 0o600))
	data, mimeType, err := readMedia(gif, "image/")
	require.NoError(t, err)
	require.Equal(t, "image/gif", mimeType)
	require.NotEmpty(t, data)
}
