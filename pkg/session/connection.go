package session

import (
	"fmt"

	"github.com/go-go-golems/agentchat/pkg/realtime"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

// connection binds one channel to the orchestrator. Events from a connection that is
// no longer current are dropped.
type connection struct {
	o         *Orchestrator
	ch        Channel
	userID    string
	sessionID string

	// retired is set (under o.mu) once the orchestrator starts closing this channel.
	retired bool
}

var _ realtime.Handler = (*connection)(nil)

func (c *connection) live() bool {
	c.o.mu.Lock()
	defer c.o.mu.Unlock()
	return c.o.current == c && !c.retired
}

func (c *connection) OnOpen() {
	o := c.o
	o.mu.Lock()
	if o.current != c || c.retired {
		o.mu.Unlock()
		return
	}
	o.switching = false
	o.mu.Unlock()

	o.logger.Info().Str("user_id", c.userID).Str("session_id", c.sessionID).Msg("connected to agent")
	o.updateState(func(s *State) {
		s.Connection = Connected
		s.View = ViewActive
	})
	o.transcript.Append("Connected to agent.", transcript.TypeSystem)
}

func (c *connection) OnFrame(f realtime.Frame) {
	if !c.live() {
		return
	}
	o := c.o
	switch fr := f.(type) {
	case realtime.StatusFrame:
		if fr.IsAgentConnected() {
			o.setThinking(false)
		} else {
			o.logger.Debug().Str("message", fr.Message).Msg("status")
		}
	case realtime.MessagePartFrame:
		o.transcript.MergeFragmentIntoLast(fr.Text)
		o.setThinking(false)
	case realtime.MessageEndFrame:
		o.transcript.MarkLastComplete()
		o.setThinking(false)
	case realtime.TranscriptionFrame:
		o.transcript.Append(fr.Text, transcript.TypeUser)
	case realtime.ErrorFrame:
		o.transcript.Append("Error: "+fr.Message, transcript.TypeError)
		o.setThinking(false)
	case realtime.TextFrame:
		o.transcript.Append(fr.Text, transcript.TypeAgent, transcript.WithCompleted())
	case realtime.MalformedFrame:
		o.transcript.Append("Error: received a malformed message from the agent.", transcript.TypeError)
	case realtime.UnknownFrame:
		o.logger.Debug().Str("type", fr.Type).RawJSON("frame", fr.Raw).Msg("ignoring unknown frame")
	}
}

func (c *connection) OnError(err error) {
	if !c.live() {
		return
	}
	c.o.logger.Warn().Err(err).Str("session_id", c.sessionID).Msg("websocket error")
	c.o.transcript.Append("WebSocket error: "+err.Error(), transcript.TypeError)
	c.o.setThinking(false)
}

// OnClose marks the connection down and, unless the close was deliberate, schedules
// exactly one reconnect attempt.
func (c *connection) OnClose() {
	o := c.o
	o.mu.Lock()
	if o.current != c {
		o.mu.Unlock()
		return
	}
	suppressed := c.retired || o.switching || o.closed
	o.mu.Unlock()

	o.updateState(func(s *State) { s.Connection = Disconnected })
	if suppressed {
		o.logger.Debug().Str("session_id", c.sessionID).Msg("channel closed deliberately, not reconnecting")
		return
	}

	o.logger.Info().Str("session_id", c.sessionID).Dur("delay", o.reconnectDelay).Msg("channel dropped, scheduling reconnect")
	o.transcript.Append(
		fmt.Sprintf("Disconnected. Attempting to reconnect in %s...", formatDelay(o.reconnectDelay)),
		transcript.TypeSystem,
	)
	epoch := o.currentEpoch()
	o.schedule(o.reconnectDelay, func() { o.reconnectAfterDrop(epoch) })
}
