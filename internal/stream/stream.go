// Package stream implements the replayable per-run event log. Each run gets
// a stream with monotonically increasing sequence numbers and a bounded
// history so late subscribers can catch up from a cursor.
package stream

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/common/logger"
	v1 "github.com/runplane/runplane/pkg/api/v1"
)

// DefaultCapacity bounds the per-stream replay history.
const DefaultCapacity = 2000

// Envelope pairs an event with its stream sequence number. Sequences start
// at 1 and never repeat within a stream.
type Envelope struct {
	Seq   uint64     `json:"seq"`
	Event v1.RunEvent `json:"event"`
}

// Subscription is a live attachment to a stream. Events are delivered on
// Events() in sequence order; Closed() is closed once the stream is closed
// and everything retained has been delivered.
type Subscription struct {
	stream  *Stream
	ch      chan Envelope
	done    chan struct{}
	once    sync.Once
	evicted bool
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Closed is closed when the stream reaches its terminal state, or when the
// subscriber fell behind and was evicted.
func (s *Subscription) Closed() <-chan struct{} {
	return s.done
}

// Evicted reports whether the subscription was dropped for falling behind.
// The stream itself is still live; the client can resubscribe from its last
// sequence number. Valid only after Closed() fires.
func (s *Subscription) Evicted() bool {
	return s.evicted
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.stream.unsubscribe(s)
	})
}

// Stream is a single bounded, replayable event log.
type Stream struct {
	id       string
	capacity int

	mu      sync.Mutex
	seq     uint64
	history []Envelope
	subs    map[*Subscription]struct{}
	closed  bool
}

// Bus owns the streams, keyed by run ID.
type Bus struct {
	mu       sync.RWMutex
	streams  map[string]*Stream
	capacity int
	logger   *logger.Logger
}

// NewBus creates a stream bus. A non-positive capacity falls back to
// DefaultCapacity.
func NewBus(capacity int, log *logger.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		streams:  make(map[string]*Stream),
		capacity: capacity,
		logger:   log,
	}
}

// ensure returns the stream for id, creating it when absent.
func (b *Bus) ensure(id string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[id]
	if !ok {
		st = &Stream{
			id:       id,
			capacity: b.capacity,
			subs:     make(map[*Subscription]struct{}),
		}
		b.streams[id] = st
	}
	return st
}

// lookup returns the stream for id, or nil.
func (b *Bus) lookup(id string) *Stream {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streams[id]
}

// Publish appends an event to the stream, assigning the next sequence
// number. Publishing to a closed stream is an error.
func (b *Bus) Publish(id string, event v1.RunEvent) (uint64, error) {
	st := b.ensure(id)

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return 0, fmt.Errorf("stream %s is closed", id)
	}

	st.seq++
	env := Envelope{Seq: st.seq, Event: event}

	st.history = append(st.history, env)
	if len(st.history) > st.capacity {
		// Evict the oldest entries; late subscribers lose them.
		st.history = st.history[len(st.history)-st.capacity:]
	}

	// Deliver to live subscribers. A subscriber that cannot keep up within
	// its buffer is evicted rather than stalling the stream.
	var slow []*Subscription
	for sub := range st.subs {
		select {
		case sub.ch <- env:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(st.subs, sub)
		sub.evicted = true
		close(sub.done)
	}
	st.mu.Unlock()

	if len(slow) > 0 {
		b.logger.Warn("Evicted slow stream subscribers",
			zap.String("stream_id", id),
			zap.Int("count", len(slow)))
	}
	return env.Seq, nil
}

// Subscribe attaches to the stream, replaying retained events with sequence
// numbers greater than afterSeq before delivering live events. Subscribing
// to an unknown stream creates it so the subscriber can wait for the first
// event.
func (b *Bus) Subscribe(id string, afterSeq uint64) *Subscription {
	st := b.ensure(id)

	st.mu.Lock()
	defer st.mu.Unlock()

	// Size the buffer so replay plus a full history of live events fits.
	sub := &Subscription{
		stream: st,
		ch:     make(chan Envelope, st.capacity+len(st.history)),
		done:   make(chan struct{}),
	}

	for _, env := range st.history {
		if env.Seq > afterSeq {
			sub.ch <- env
		}
	}

	if st.closed {
		close(sub.done)
		return sub
	}

	st.subs[sub] = struct{}{}
	return sub
}

// Close marks the stream terminal. Subscribers are notified after any
// already-delivered events; the retained history stays available for
// replay until Drop.
func (b *Bus) Close(id string) {
	st := b.lookup(id)
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	for sub := range st.subs {
		close(sub.done)
	}
	st.subs = make(map[*Subscription]struct{})
	st.mu.Unlock()

	b.logger.Debug("Stream closed", zap.String("stream_id", id))
}

// Closed reports whether the stream exists and is terminal.
func (b *Bus) Closed(id string) bool {
	st := b.lookup(id)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// LastSeq returns the highest sequence number assigned on the stream, or 0.
func (b *Bus) LastSeq(id string) uint64 {
	st := b.lookup(id)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// History returns the retained events with sequence numbers greater than
// afterSeq, oldest first.
func (b *Bus) History(id string, afterSeq uint64) []Envelope {
	st := b.lookup(id)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []Envelope
	for _, env := range st.history {
		if env.Seq > afterSeq {
			out = append(out, env)
		}
	}
	return out
}

// Drop removes the stream and its history entirely. Remaining subscribers
// are closed out.
func (b *Bus) Drop(id string) {
	b.mu.Lock()
	st := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()

	if st == nil {
		return
	}
	st.mu.Lock()
	if !st.closed {
		st.closed = true
		for sub := range st.subs {
			close(sub.done)
		}
		st.subs = make(map[*Subscription]struct{})
	}
	st.history = nil
	st.mu.Unlock()
}

func (st *Stream) unsubscribe(sub *Subscription) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.subs[sub]; ok {
		delete(st.subs, sub)
		close(sub.done)
	}
}
