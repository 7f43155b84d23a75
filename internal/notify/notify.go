// Package notify carries record change events between writers and the
// read caches that need to refetch.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	OpInsert = "insert"
	OpUpdate = "update"
)

// Event says that a row in Table changed. Consumers refetch the table; the
// event never carries the row itself.
type Event struct {
	Table    string    `json:"table"`
	Op       string    `json:"op"`
	RecordID string    `json:"record_id"`
	At       time.Time `json:"at"`
}

// Bus fans change events out to subscribers. Subscribe channels are closed
// when ctx ends or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

const subscriberBuffer = 64

// Local is an in-process bus. Sends never block: a subscriber whose buffer
// is full misses the event.
type Local struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
	done   chan struct{}
}

func NewLocal() *Local {
	return &Local{
		subs: make(map[int]chan Event),
		done: make(chan struct{}),
	}
}

func (b *Local) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, nil
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.remove(id)
	}()
	return ch, nil
}

func (b *Local) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
