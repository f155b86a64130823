package realtime

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// AgentConnectedMarker is the status text the service sends once its agent is ready.
// Deployments prefix it (e.g. "ADK Agent service connected"), so it is matched as a
// substring.
const AgentConnectedMarker = "Agent service connected"

// Frame is one decoded inbound message. The set of implementations is closed; use a
// type switch over the variants below.
type Frame interface {
	Kind() string
	isFrame()
}

// StatusFrame is a service status notice.
type StatusFrame struct {
	Message string
}

// MessagePartFrame carries one streamed fragment of the agent's reply.
type MessagePartFrame struct {
	Text string
}

// MessageEndFrame terminates the streamed reply.
type MessageEndFrame struct{}

// TranscriptionFrame is the server-side transcription of an audio message.
type TranscriptionFrame struct {
	Text string
}

// ErrorFrame is an error reported by the service.
type ErrorFrame struct {
	Message string
}

// TextFrame is any other frame that carries text; it is shown as an agent message.
type TextFrame struct {
	Type string
	Text string
}

// UnknownFrame is kept for logging and otherwise ignored.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

// MalformedFrame is a payload that could not be decoded as JSON.
type MalformedFrame struct {
	Raw []byte
	Err error
}

func (StatusFrame) Kind() string        { return "status" }
func (MessagePartFrame) Kind() string   { return "message_part" }
func (MessageEndFrame) Kind() string    { return "message_end" }
func (TranscriptionFrame) Kind() string { return "transcription" }
func (ErrorFrame) Kind() string         { return "error" }
func (f TextFrame) Kind() string        { return f.Type }
func (UnknownFrame) Kind() string       { return "unknown" }
func (MalformedFrame) Kind() string     { return "malformed" }

func (StatusFrame) isFrame()        {}
func (MessagePartFrame) isFrame()   {}
func (MessageEndFrame) isFrame()    {}
func (TranscriptionFrame) isFrame() {}
func (ErrorFrame) isFrame()         {}
func (TextFrame) isFrame()          {}
func (UnknownFrame) isFrame()       {}
func (MalformedFrame) isFrame()     {}

// IsAgentConnected reports whether the status announces a ready agent.
func (f StatusFrame) IsAgentConnected() bool {
	return strings.Contains(f.Message, AgentConnectedMarker)
}

type wireFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// DecodeFrame decodes one inbound payload into its variant. It only fails on
// payloads that are not a JSON object. A status carrying text, other than the
// agent-connected notice, is shown like any other text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "decode frame")
	}

	switch {
	case w.Type == "status" && (w.Text == "" || strings.Contains(w.Message, AgentConnectedMarker)):
		return StatusFrame{Message: w.Message}, nil
	case w.Type == "message_part" && w.Text != "":
		return MessagePartFrame{Text: w.Text}, nil
	case w.Type == "message_end":
		return MessageEndFrame{}, nil
	case w.Type == "transcription" && w.Text != "":
		return TranscriptionFrame{Text: w.Text}, nil
	case w.Type == "error" && w.Message != "":
		return ErrorFrame{Message: w.Message}, nil
	case w.Text != "":
		return TextFrame{Type: w.Type, Text: w.Text}, nil
	default:
		return UnknownFrame{Type: w.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// Payload is the outbound message shape.
type Payload struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mime_type,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

func TextPayload(text string) Payload {
	return Payload{Type: "text", Data: text}
}

// ImagePayload carries raw base64 image data (no data: URL prefix).
func ImagePayload(base64Data, mimeType, prompt string) Payload {
	return Payload{Type: "image", Data: base64Data, MimeType: mimeType, Prompt: prompt}
}

func AudioPayload(base64Data, mimeType string) Payload {
	return Payload{Type: "audio", Data: base64Data, MimeType: mimeType}
}
