package call

import (
	"sync"
	"sync/atomic"
)

const defaultFeedBuffer = 16

// Feed is a typed fan-out channel. Each subscriber owns a buffered channel;
// Publish never blocks and drops for subscribers that are full.
type Feed[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	next    uint64
	closed  bool
	dropped atomic.Uint64
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[uint64]chan T)}
}

// Subscribe returns a channel of future events and a func that removes it.
// buffer <= 0 selects the default size.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = defaultFeedBuffer
	}
	ch := make(chan T, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
			f.mu.Unlock()
		})
	}
}

// Publish delivers v to every subscriber with room for it and returns the
// number of subscribers that received it.
func (f *Feed[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sent := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
			sent++
		default:
			f.dropped.Add(1)
		}
	}
	return sent
}

// Dropped counts deliveries skipped because a subscriber was full.
func (f *Feed[T]) Dropped() uint64 { return f.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// Events groups the feeds a Coordinator publishes on.
type Events struct {
	ConnectionState   *Feed[ConnectionStateChange]
	LocalParticipant  *Feed[LocalParticipantUpdate]
	RemoteParticipant *Feed[RemoteParticipantUpdate]
	RemoteTrackStatus *Feed[TrackStatus]
	Quality           *Feed[QualitySample]
	EndReason         *Feed[CallEndReason]
}

func newEvents() *Events {
	return &Events{
		ConnectionState:   NewFeed[ConnectionStateChange](),
		LocalParticipant:  NewFeed[LocalParticipantUpdate](),
		RemoteParticipant: NewFeed[RemoteParticipantUpdate](),
		RemoteTrackStatus: NewFeed[TrackStatus](),
		Quality:           NewFeed[QualitySample](),
		EndReason:         NewFeed[CallEndReason](),
	}
}

func (e *Events) close() {
	e.ConnectionState.Close()
	e.LocalParticipant.Close()
	e.RemoteParticipant.Close()
	e.RemoteTrackStatus.Close()
	e.Quality.Close()
	e.EndReason.Close()
}
