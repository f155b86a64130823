package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentchat/pkg/agentapi"
	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

const (
	userLabel  = "you ›"
	agentLabel = "agent ›"
)

// Printer writes transcript changes to a terminal as they happen. Streamed agent
// turns are printed fragment by fragment; complete agent messages (history, whole
// replies) are rendered as markdown when a renderer is configured.
type Printer struct {
	w        io.Writer
	styles   Styles
	markdown *glamour.TermRenderer

	mu          sync.Mutex
	printed     map[string]int
	streamingID string
	lastState   session.State
	haveState   bool
}

type PrinterOption func(*Printer) error

func WithStyles(s Styles) PrinterOption {
	return func(p *Printer) error {
		p.styles = s
		return nil
	}
}

// WithMarkdown renders complete agent messages with glamour. style is a glamour
// standard style name such as "dark", "light" or "notty".
func WithMarkdown(style string, wordWrap int) PrinterOption {
	return func(p *Printer) error {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wordWrap),
		)
		if err != nil {
			return errors.Wrap(err, "markdown renderer")
		}
		p.markdown = r
		return nil
	}
}

func NewPrinter(w io.Writer, opts ...PrinterOption) (*Printer, error) {
	p := &Printer{
		w:       w,
		styles:  DefaultStyles(),
		printed: map[string]int{},
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Attach subscribes the printer to an orchestrator and returns the unsubscribe func.
func (p *Printer) Attach(o *session.Orchestrator) func() {
	unsubTranscript := o.Transcript().Subscribe(p.OnSnapshot)
	unsubState := o.Subscribe(p.OnState)
	return func() {
		unsubTranscript()
		unsubState()
	}
}

// OnSnapshot prints whatever changed since the previous snapshot.
func (p *Printer) OnSnapshot(snap transcript.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	present := make(map[string]struct{}, len(snap.Messages))
	for _, m := range snap.Messages {
		present[m.ID] = struct{}{}
	}
	for id := range p.printed {
		if _, ok := present[id]; !ok {
			delete(p.printed, id)
			if id == p.streamingID {
				p.endStreamLocked()
			}
		}
	}
	if len(snap.Messages) == 0 && len(p.printed) == 0 {
		p.endStreamLocked()
	}

	for _, m := range snap.Messages {
		n, seen := p.printed[m.ID]
		switch {
		case !seen && m.InProgress():
			p.endStreamLocked()
			fmt.Fprintf(p.w, "%s %s", p.styles.AgentLabel.Render(agentLabel), m.Text)
			p.printed[m.ID] = len(m.Text)
			p.streamingID = m.ID
		case !seen:
			p.endStreamLocked()
			fmt.Fprintln(p.w, p.RenderMessage(m))
			p.printed[m.ID] = len(m.Text)
		case m.ID == p.streamingID:
			if len(m.Text) > n {
				fmt.Fprint(p.w, m.Text[n:])
				p.printed[m.ID] = len(m.Text)
			}
			if m.Completed {
				p.endStreamLocked()
			}
		}
	}
}

func (p *Printer) endStreamLocked() {
	if p.streamingID != "" {
		fmt.Fprintln(p.w)
		p.streamingID = ""
	}
}

// OnState prints connection, thinking and view transitions.
func (p *Printer) OnState(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.lastState, p.haveState
	p.lastState, p.haveState = st, true

	if st.Thinking && (!had || !prev.Thinking) && p.streamingID == "" {
		fmt.Fprintln(p.w, p.styles.Status.Render("… agent is thinking"))
	}
	if st.View == session.ViewAwaitingChoice && (!had || prev.View != session.ViewAwaitingChoice) {
		fmt.Fprintln(p.w, p.styles.System.Render("No active session. Use /new to create one or /switch <id> to pick one."))
		if len(st.Sessions) > 0 {
			fmt.Fprintln(p.w, RenderSessions(p.styles, st.Sessions, ""))
		}
	}
}

// RenderMessage formats one complete entry.
func (p *Printer) RenderMessage(m transcript.Message) string {
	switch m.Type {
	case transcript.TypeUser:
		return p.styles.UserLabel.Render(userLabel) + " " + m.Text
	case transcript.TypeImage:
		line := p.styles.UserLabel.Render(userLabel) + " " + p.styles.Image.Render(describeImage(m))
		if m.Text != "" {
			line += " " + m.Text
		}
		return line
	case transcript.TypeAgent:
		body := m.Text
		if p.markdown != nil && m.Completed {
			if out, err := p.markdown.Render(m.Text); err == nil {
				body = strings.Trim(out, "\n")
			}
		}
		if m.ImageDataURL != "" {
			body += " " + p.styles.Image.Render(describeImage(m))
		}
		if strings.Contains(body, "\n") {
			return p.styles.AgentLabel.Render(agentLabel) + "\n" + body
		}
		return p.styles.AgentLabel.Render(agentLabel) + " " + body
	case transcript.TypeError:
		return p.styles.Error.Render("! " + m.Text)
	default:
		return p.styles.System.Render("· " + m.Text)
	}
}

func describeImage(m transcript.Message) string {
	mime := m.MimeType
	if mime == "" {
		mime = "image"
	}
	size := 0
	if i := strings.Index(m.ImageDataURL, ","); i >= 0 {
		size = len(m.ImageDataURL) - i - 1
	}
	return fmt.Sprintf("[%s, %d base64 bytes]", mime, size)
}

// RenderSessions lists sessions, most recent first, marking current.
func RenderSessions(styles Styles, sessions []agentapi.Session, current string) string {
	if len(sessions) == 0 {
		return styles.System.Render("(no sessions)")
	}
	var b strings.Builder
	for i, s := range sessions {
		if i > 0 {
			b.WriteByte('\n')
		}
		marker := "  "
		id := s.SessionID
		if id == current {
			marker = "* "
			id = styles.Current.Render(id)
		}
		fmt.Fprintf(&b, "%s%d. %s %s", marker, i+1, id,
			styles.SessionMeta.Render("updated "+FormatUpdateTime(s.LastUpdateTime)))
	}
	return b.String()
}

// FormatUpdateTime renders a fractional unix timestamp in local time.
func FormatUpdateTime(ts float64) string {
	if ts <= 0 {
		return "never"
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).Local().Format("2006-01-02 15:04:05")
}
