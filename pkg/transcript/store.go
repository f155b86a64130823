package transcript

import (
	"sync"
)

// Snapshot is an immutable view of the transcript at a given version.
// Messages must not be modified by receivers.
type Snapshot struct {
	Version  uint64    `json:"version"`
	Messages []Message `json:"messages"`
}

// Tail returns the last message, if any.
func (s Snapshot) Tail() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

type AppendOption func(*Message)

// WithID pins the entry id. Appending an id that already exists is a no-op.
func WithID(id string) AppendOption {
	return func(m *Message) {
		m.ID = id
	}
}

// WithImage attaches an inline image to the entry.
func WithImage(dataURL, mimeType string) AppendOption {
	return func(m *Message) {
		m.ImageDataURL = dataURL
		m.MimeType = mimeType
	}
}

// WithCompleted marks the entry completed on insert (used for replayed history).
func WithCompleted() AppendOption {
	return func(m *Message) {
		m.Completed = true
	}
}

// Store owns the ordered transcript of a chat session.
//
// Every mutation swaps in a fresh slice and bumps the version, so a Snapshot handed
// out earlier never changes underneath its holder. Subscribers are called
// synchronously, one mutation at a time, in the order mutations happened.
type Store struct {
	notifyMu sync.Mutex

	mu       sync.RWMutex
	messages []Message
	version  uint64

	subsMu sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

func NewStore() *Store {
	return &Store{
		subs: map[int]func(Snapshot){},
	}
}

// Subscribe registers fn for every subsequent change. fn must not mutate the store.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Version: s.version, Messages: s.messages}
}

func (s *Store) Messages() []Message {
	return s.Snapshot().Messages
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Append adds a message and returns its id. If an explicit id is supplied and is
// already present, nothing changes and the existing id is returned.
func (s *Store) Append(text string, typ MessageType, opts ...AppendOption) string {
	msg := Message{Text: text, Type: typ}
	for _, opt := range opts {
		opt(&msg)
	}

	var id string
	s.mutate(func(cur []Message) ([]Message, bool) {
		next, appendedID, changed := appendMessage(cur, msg)
		id = appendedID
		return next, changed
	})
	return id
}

// MergeFragmentIntoLast extends the in-progress agent message at the tail, or starts
// a new agent message when the tail is anything else.
func (s *Store) MergeFragmentIntoLast(text string) string {
	var id string
	s.mutate(func(cur []Message) ([]Message, bool) {
		if n := len(cur); n > 0 && cur[n-1].InProgress() {
			next := make([]Message, n)
			copy(next, cur)
			tail := next[n-1]
			tail.Text += text
			next[n-1] = tail
			id = tail.ID
			return next, true
		}
		next, appendedID, changed := appendMessage(cur, Message{Text: text, Type: TypeAgent})
		id = appendedID
		return next, changed
	})
	return id
}

// MarkLastComplete finalizes the in-progress agent message at the tail, if any.
// Once complete, later fragments start a new entry.
func (s *Store) MarkLastComplete() bool {
	marked := false
	s.mutate(func(cur []Message) ([]Message, bool) {
		n := len(cur)
		if n == 0 || !cur[n-1].InProgress() {
			return cur, false
		}
		next := make([]Message, n)
		copy(next, cur)
		next[n-1].Completed = true
		marked = true
		return next, true
	})
	return marked
}

func (s *Store) Clear() {
	s.mutate(func(cur []Message) ([]Message, bool) {
		if len(cur) == 0 {
			return cur, false
		}
		return []Message{}, true
	})
}

// RemoveByID retracts a single entry, typically a transient status line.
func (s *Store) RemoveByID(id string) bool {
	removed := false
	s.mutate(func(cur []Message) ([]Message, bool) {
		next := make([]Message, 0, len(cur))
		for _, m := range cur {
			if m.ID == id {
				removed = true
				continue
			}
			next = append(next, m)
		}
		if !removed {
			return cur, false
		}
		return next, true
	})
	return removed
}

// AppendAll appends a batch of pre-built messages as a single mutation. Entries whose
// id is already present (in the store or earlier in the batch) are skipped.
func (s *Store) AppendAll(msgs []Message) int {
	added := 0
	s.mutate(func(cur []Message) ([]Message, bool) {
		next := cur
		for _, m := range msgs {
			var changed bool
			next, _, changed = appendMessage(next, m)
			if changed {
				added++
			}
		}
		return next, added > 0
	})
	return added
}

func (s *Store) mutate(fn func([]Message) ([]Message, bool)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	next, changed := fn(s.messages)
	if !changed {
		s.mu.Unlock()
		return
	}
	s.messages = next
	s.version++
	snap := Snapshot{Version: s.version, Messages: s.messages}
	s.mu.Unlock()

	s.subsMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func appendMessage(cur []Message, msg Message) ([]Message, string, bool) {
	if msg.ID != "" {
		for _, m := range cur {
			if m.ID == msg.ID {
				return cur, m.ID, false
			}
		}
	} else {
		msg.ID = NewID()
	}
	next := make([]Message, len(cur), len(cur)+1)
	copy(next, cur)
	// A streamed turn interrupted by any other entry is over; only the tail may stay
	// in progress.
	if n := len(next); n > 0 && next[n-1].InProgress() {
		next[n-1].Completed = true
	}
	next = append(next, msg)
	return next, msg.ID, true
}
