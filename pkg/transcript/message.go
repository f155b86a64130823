package transcript

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a transcript entry for display.
type MessageType string

const (
	TypeUser   MessageType = "user-message"
	TypeAgent  MessageType = "agent-message"
	TypeSystem MessageType = "system-message"
	TypeError  MessageType = "error-message"
	TypeImage  MessageType = "user-image"
)

// Message is one transcript entry.
//
// Completed is only meaningful for agent messages: an incomplete agent message at
// the tail is the one streamed fragments are merged into.
type Message struct {
	ID           string      `json:"id" yaml:"id"`
	Text         string      `json:"text" yaml:"text"`
	Type         MessageType `json:"type" yaml:"type"`
	Completed    bool        `json:"completed,omitempty" yaml:"completed,omitempty"`
	ImageDataURL string      `json:"image_data_url,omitempty" yaml:"image_data_url,omitempty"`
	MimeType     string      `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`
}

// InProgress reports whether m is a streamed agent turn that has not ended yet.
func (m Message) InProgress() bool {
	return m.Type == TypeAgent && !m.Completed
}

var idCounter atomic.Uint64

// NewID returns a locally unique message id built from a timestamp, a process-wide
// monotonic counter and a random suffix.
func NewID() string {
	n := idCounter.Add(1)
	r := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("local-%d-%d-%s", time.Now().UnixMilli(), n, r)
}

// DataURL builds the data: URL used to display inline image payloads.
func DataURL(mimeType, base64Data string) string {
	return "data:" + mimeType + ";base64," + base64Data
}
