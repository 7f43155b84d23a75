package session

import (
	"context"
	"sync"
)

type ChangeKind string

const (
	SignedIn  ChangeKind = "signed_in"
	SignedOut ChangeKind = "signed_out"
)

type ChangeEvent struct {
	Kind   ChangeKind
	UserID string
}

// Hub delivers auth state changes to listeners, synchronously and in
// registration order.
type Hub struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(ChangeEvent)
	order     []int
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[int]func(ChangeEvent))}
}

// OnChange registers fn and returns a function that removes it.
func (h *Hub) OnChange(fn func(ChangeEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.order = append(h.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *Hub) emit(ev ChangeEvent) {
	h.mu.RLock()
	fns := make([]func(ChangeEvent), 0, len(h.order))
	for _, id := range h.order {
		fns = append(fns, h.listeners[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Observe wraps p so that successful sign-ins and sign-outs reach the hub.
// Failed calls leave the auth state untouched and emit nothing.
func Observe(p Provider, hub *Hub) Provider {
	return &observed{Provider: p, hub: hub}
}

type observed struct {
	Provider
	hub *Hub
}

func (o *observed) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	sess, err := o.Provider.SignUp(ctx, req)
	if err == nil && sess.AccessToken != "" {
		o.hub.emit(ChangeEvent{Kind: SignedIn, UserID: sess.UserID})
	}
	return sess, err
}

func (o *observed) SignIn(ctx context.Context, email string, password string) (*Session, error) {
	sess, err := o.Provider.SignIn(ctx, email, password)
	if err == nil {
		o.hub.emit(ChangeEvent{Kind: SignedIn, UserID: sess.UserID})
	}
	return sess, err
}

func (o *observed) SignOut(ctx context.Context, token string) error {
	sess, _ := o.Provider.GetSession(ctx, token)
	if err := o.Provider.SignOut(ctx, token); err != nil {
		return err
	}
	ev := ChangeEvent{Kind: SignedOut}
	if sess != nil {
		ev.UserID = sess.UserID
	}
	o.hub.emit(ev)
	return nil
}
