package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

const (
	KindTranscript = "transcript"
	KindState      = "state"

	metadataSeq  = "seq"
	metadataKind = "kind"
)

// Event is the published payload. Seq increases by one per event across both kinds.
type Event struct {
	Seq        uint64               `json:"seq"`
	Kind       string               `json:"kind"`
	UserID     string               `json:"user_id,omitempty"`
	SessionID  string               `json:"session_id,omitempty"`
	Time       time.Time            `json:"time"`
	Transcript *transcript.Snapshot `json:"transcript,omitempty"`
	State      *session.State       `json:"state,omitempty"`
}

// DefaultQueueSize is how many events may wait for the transport before new ones are
// dropped.
const DefaultQueueSize = 1024

// Bridge publishes orchestrator changes in the order they happened. Publishing runs
// on its own goroutine; when the transport falls behind and the queue is full, new
// events are dropped and counted instead of stalling the chat.
type Bridge struct {
	bus    *Bus
	o      *session.Orchestrator
	logger zerolog.Logger

	mu       sync.Mutex
	seq      uint64
	dropped  uint64
	dropping bool
	stopped  bool
	queue    chan Event
	size     int

	unsubscribe []func()
	done        chan struct{}
	stopOnce    sync.Once
}

type BridgeOption func(*Bridge)

// WithQueueSize bounds the number of events waiting to be published.
func WithQueueSize(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.size = n
		}
	}
}

// Attach starts mirroring o onto bus. Call Stop to detach and flush.
func Attach(o *session.Orchestrator, bus *Bus, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		bus:    bus,
		o:      o,
		size:   DefaultQueueSize,
		logger: log.With().Str("component", "notify").Logger(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.queue = make(chan Event, b.size)
	go b.run()

	b.unsubscribe = append(b.unsubscribe,
		o.Transcript().Subscribe(func(snap transcript.Snapshot) {
			st := o.State()
			b.enqueue(Event{
				Kind:       KindTranscript,
				UserID:     st.UserID,
				SessionID:  st.SessionID,
				Transcript: &snap,
			})
		}),
		o.Subscribe(func(st session.State) {
			b.enqueue(Event{
				Kind:      KindState,
				UserID:    st.UserID,
				SessionID: st.SessionID,
				State:     &st,
			})
		}),
	)
	return b
}

func (b *Bridge) enqueue(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	ev.Seq = b.seq + 1
	ev.Time = time.Now().UTC()
	select {
	case b.queue <- ev:
		b.seq = ev.Seq
		b.dropping = false
	default:
		b.dropped++
		if !b.dropping {
			b.dropping = true
			b.logger.Warn().Str("kind", ev.Kind).Int("queue_size", b.size).Msg("event queue full, dropping events until the transport catches up")
		}
	}
}

func (b *Bridge) run() {
	defer close(b.done)
	for ev := range b.queue {
		if err := b.publish(ev); err != nil {
			b.logger.Warn().Err(err).Uint64("seq", ev.Seq).Str("kind", ev.Kind).Msg("publishing event failed")
		}
	}
}

func (b *Bridge) publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := newMessage(payload)
	msg.Metadata.Set(metadataSeq, strconv.FormatUint(ev.Seq, 10))
	msg.Metadata.Set(metadataKind, ev.Kind)
	return b.bus.Publisher.Publish(b.bus.Topic(ev.Kind), msg)
}

// Published returns the last sequence number handed out.
func (b *Bridge) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Stop unsubscribes and waits for queued events to be published.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, u := range b.unsubscribe {
			u()
		}
		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()
		<-b.done
	})
}

// Follow decodes events of one kind from the bus until ctx is done.
func Follow(ctx context.Context, bus *Bus, kind string) (<-chan Event, error) {
	msgs, err := bus.Subscriber.Subscribe(ctx, bus.Topic(kind))
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", bus.Topic(kind))
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "notify").Str("uuid", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
