package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Frame
	}{
		{"status", `{"type":"status","message":"ADK Agent service connected"}`, StatusFrame{Message: "ADK Agent service connected"}},
		{"status with text", `{"type":"status","text":"Agent is busy"}`, TextFrame{Type: "status", Text: "Agent is busy"}},
		{"connected status with text", `{"type":"status","message":"Agent service connected","text":"ready"}`, StatusFrame{Message: "Agent service connected"}},
		{"part", `{"type":"message_part","text":"Hel"}`, MessagePartFrame{Text: "Hel"}},
		{"end", `{"type":"message_end"}`, MessageEndFrame{}},
		{"transcription", `{"type":"transcription","text":"hello there"}`, TranscriptionFrame{Text: "hello there"}},
		{"error", `{"type":"error","message":"bad"}`, ErrorFrame{Message: "bad"}},
		{"generic text", `{"type":"agent_reply","text":"hi"}`, TextFrame{Type: "agent_reply", Text: "hi"}},
		{"untyped text", `{"text":"hi"}`, TextFrame{Text: "hi"}},
		{"part without text falls through", `{"type":"message_part","text":""}`, UnknownFrame{Type: "message_part", Raw: json.RawMessage(`{"type":"message_part","text":""}`)}},
		{"unknown", `{"type":"ping"}`, UnknownFrame{Type: "ping", Raw: json.RawMessage(`{"type":"ping"}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	require.Error(t, err)
	_, err = DecodeFrame([]byte(`"just a string"`))
	require.Error(t, err)
}

func TestStatusFrame_IsAgentConnected(t *testing.T) {
	require.True(t, StatusFrame{Message: "ADK Agent service connected"}.IsAgentConnected())
	require.True(t, StatusFrame{Message: "Agent service connected"}.IsAgentConnected())
	require.False(t, StatusFrame{Message: "warming up"}.IsAgentConnected())
}

func TestPayloadShapes(t *testing.T) {
	b, err := json.Marshal(TextPayload("hi"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"text","data":"hi"}`, string(b))

	b, err = json.Marshal(ImagePayload("AAAA", "image/png", "what?"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"image","data":"AAAA","mime_type":"image/png","prompt":"what?"}`, string(b))

	b, err = json.Marshal(AudioPayload("BBBB", "audio/webm"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"audio","data":"BBBB","mime_type":"audio/webm"}`, string(b))
}

func TestURLs(t *testing.T) {
	require.Equal(t, "ws://h:8000/ws/test_user/abc", ChatURL("ws://h:8000/", "test_user", "abc"))
	require.Equal(t, "ws://h/ws/create_session/u%2F1", CreateSessionURL("ws://h", "u/1"))
	require.Empty(t, ChatURL(" ", "u", "s"))
}
