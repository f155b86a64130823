package agentmock

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var f map[string]any
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestEchoReply(t *testing.T) {
	require.Equal(t, "Echo: hi", EchoReply(ClientPayload{Type: "text", Data: "hi"}))
	require.Equal(t, "I received an image (image/png) with the prompt: cat?", EchoReply(ClientPayload{Type: "image", MimeType: "image/png", Prompt: "cat?"}))
	require.Equal(t, "I received an image (image/jpeg).", EchoReply(ClientPayload{Type: "image", MimeType: "image/jpeg"}))
	require.Equal(t, "I heard 4 bytes of audio/wav audio.", EchoReply(ClientPayload{Type: "audio", MimeType: "audio/wav", Data: "AAAA"}))
}

func TestSplitFragments(t *testing.T) {
	require.Nil(t, splitFragments("", 3))
	require.Equal(t, []string{"héll", "o"}, splitFragments("héllo", 4))
}

func TestChat_StreamsReplyAndRecordsHistory(t *testing.T) {
	mock := NewServer(WithFragmentSize(3))
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "/ws/u/s")
	require.Equal(t, "status", readFrame(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "text", "data": "Hello"}))
	var text strings.Builder
	for {
		f := readFrame(t, conn)
		if f["type"] == "message_end" {
			break
		}
		require.Equal(t, "message_part", f["type"])
		text.WriteString(f["text"].(string))
	}
	require.Equal(t, "Echo: Hello", text.String())

	events := mock.Events("u", "s")
	require.Len(t, events, 2)
	require.Equal(t, "user", events[0].Author)
	require.Equal(t, "agent", events[1].Author)
	require.Equal(t, 1, mock.Connects("u", "s"))
}

func TestChat_RejectsBadPayloads(t *testing.T) {
	mock := NewServer()
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "/ws/u/s")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "text", "data": "  "}))
	f := readFrame(t, conn)
	require.Equal(t, "error", f["type"])
	require.Equal(t, "Invalid text payload.", f["message"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "video", "data": "x"}))
	f = readFrame(t, conn)
	require.Equal(t, "Unsupported message type: video", f["message"])
}

func TestCreateSession(t *testing.T) {
	mock := NewServer()
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "/ws/create_session/u")
	f := readFrame(t, conn)
	require.Equal(t, "session_created", f["type"])
	id, _ := f["session_id"].(string)
	require.NotEmpty(t, id)
	require.True(t, mock.HasSession("u", id))

	mock.FailCreate("quota exceeded")
	conn = dial(t, srv, "/ws/create_session/u")
	f = readFrame(t, conn)
	require.Equal(t, "error", f["type"])
	require.Equal(t, "Failed to create session: quota exceeded", f["message"])
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
}

func TestDeleteUnknownSession(t *testing.T) {
	srv := httptest.NewServer(NewServer().Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/u/nope", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
