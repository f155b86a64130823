package notify

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/session"
	"github.com/go-go-golems/agentchat/pkg/transcript"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed early")
			out = append(out, ev)
		case <-timeout:
			require.FailNowf(t, "timed out", "got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestBridge_MirrorsTranscriptInOrder(t *testing.T) {
	bus := NewMemoryBus("test")
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := Follow(ctx, bus, KindTranscript)
	require.NoError(t, err)

	o := session.New()
	t.Cleanup(func() { _ = o.Close() })
	bridge := Attach(o, bus)

	o.Transcript().Append("one", transcript.TypeSystem)
	o.Transcript().MergeFragmentIntoLast("Hel")
	o.Transcript().MergeFragmentIntoLast("lo")
	o.Transcript().MarkLastComplete()

	got := collect(t, events, 4)
	bridge.Stop()

	for i, ev := range got {
		require.Equal(t, KindTranscript, ev.Kind)
		require.NotNil(t, ev.Transcript)
		require.Equal(t, uint64(i+1), ev.Transcript.Version)
		if i > 0 {
			require.Greater(t, ev.Seq, got[i-1].Seq)
		}
	}
	last := got[3].Transcript.Messages
	require.Len(t, last, 2)
	require.Equal(t, "Hello", last[1].Text)
	require.True(t, last[1].Completed)
	require.Equal(t, uint64(4), bridge.Published())
}

func TestBridge_MemoryBusDeliversInSequence(t *testing.T) {
	bus := NewMemoryBus("test")
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := Follow(ctx, bus, KindTranscript)
	require.NoError(t, err)

	o := session.New()
	t.Cleanup(func() { _ = o.Close() })
	bridge := Attach(o, bus)
	for i := 0; i < 6; i++ {
		o.Transcript().Append(fmt.Sprintf("entry %d", i), transcript.TypeSystem)
	}

	got := collect(t, events, 6)
	bridge.Stop()
	var seqs []uint64
	for _, ev := range got {
		seqs = append(seqs, ev.Seq)
	}
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
}

type stalledPublisher struct {
	release chan struct{}

	mu   sync.Mutex
	seqs []uint64
}

func (p *stalledPublisher) Publish(topic string, msgs ...*message.Message) error {
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		seq, err := strconv.ParseUint(m.Metadata.Get(metadataSeq), 10, 64)
		if err != nil {
			return err
		}
		p.seqs = append(p.seqs, seq)
	}
	return nil
}

func (p *stalledPublisher) Close() error { return nil }

func (p *stalledPublisher) Seqs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.seqs...)
}

func TestBridge_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	pub := &stalledPublisher{release: make(chan struct{})}
	bus := &Bus{Publisher: pub, prefix: "test"}

	o := session.New()
	t.Cleanup(func() { _ = o.Close() })
	bridge := Attach(o, bus, WithQueueSize(2))

	appended := make(chan struct{})
	go func() {
		defer close(appended)
		for i := 0; i < 10; i++ {
			o.Transcript().Append(fmt.Sprintf("entry %d", i), transcript.TypeSystem)
		}
	}()
	select {
	case <-appended:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "appending blocked on a stalled transport")
	}

	require.GreaterOrEqual(t, bridge.Dropped(), uint64(7))
	require.Equal(t, uint64(10), bridge.Published()+bridge.Dropped())

	close(pub.release)
	bridge.Stop()

	seqs := pub.Seqs()
	require.Len(t, seqs, int(bridge.Published()))
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestBridge_PublishesStateChanges(t *testing.T) {
	bus := NewMemoryBus("test")
	t.Cleanup(func() { _ = bus.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events, err := Follow(ctx, bus, KindState)
	require.NoError(t, err)

	o := session.New(session.WithUserID("alice"))
	t.Cleanup(func() { _ = o.Close() })
	bridge := Attach(o, bus)
	t.Cleanup(func() {
		cancel()
		bridge.Stop()
	})

	// With no endpoints configured the orchestrator ends up awaiting a choice.
	require.NoError(t, o.InitializeAndConnect(ctx, "", false))

	var last Event
	deadline := time.After(3 * time.Second)
	for last.State == nil || last.State.View != session.ViewAwaitingChoice {
		select {
		case last = <-events:
		case <-deadline:
			require.FailNow(t, "never saw the awaiting-choice state")
		}
	}
	require.Equal(t, "alice", last.UserID)
	require.Equal(t, session.Disconnected, last.State.Connection)
}

func TestBridge_StopIsIdempotentAndDetaches(t *testing.T) {
	bus := NewMemoryBus("test")
	t.Cleanup(func() { _ = bus.Close() })
	o := session.New()
	t.Cleanup(func() { _ = o.Close() })

	bridge := Attach(o, bus)
	o.Transcript().Append("x", transcript.TypeSystem)
	bridge.Stop()
	bridge.Stop()
	seq := bridge.Published()
	o.Transcript().Append("y", transcript.TypeSystem)
	require.Equal(t, seq, bridge.Published())
}

func TestBuild(t *testing.T) {
	bus, err := Build(Settings{Backend: "none"})
	require.NoError(t, err)
	require.Nil(t, bus)

	bus, err = Build(Settings{Backend: "memory"})
	require.NoError(t, err)
	require.Equal(t, "agentchat.state", bus.Topic(KindState))
	require.NoError(t, bus.EnsureGroupAtTail(context.Background(), KindState, "g"))
	require.NoError(t, bus.Close())

	_, err = Build(Settings{Backend: "redis"})
	require.Error(t, err)
	_, err = Build(Settings{Backend: "kafka"})
	require.Error(t, err)
}

func TestRedisBus(t *testing.T) {
	addr := os.Getenv("AGENTCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTCHAT_TEST_REDIS_ADDR not set")
	}
	prefix := "agentchat-test-" + time.Now().Format("150405.000000")
	bus, err := Build(Settings{Backend: "redis", Addr: addr, Prefix: prefix, Group: "tests", Consumer: "t1"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, bus.EnsureGroupAtTail(ctx, KindTranscript, "tests"))
	events, err := Follow(ctx, bus, KindTranscript)
	require.NoError(t, err)

	o := session.New()
	t.Cleanup(func() { _ = o.Close() })
	bridge := Attach(o, bus)
	o.Transcript().Append("over redis", transcript.TypeSystem)
	bridge.Stop()

	got := collect(t, events, 1)
	require.Equal(t, "over redis", got[0].Transcript.Messages[0].Text)
}
