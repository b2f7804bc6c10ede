package firebase

import (
	"context"
	"sync"

	prep "github.com/goliatone/go-prep"
)

// Notice tells other instances that a device's session changed
type Notice struct {
	Origin string `json:"origin"`
	Device string `json:"device"`
}

// Broadcaster fans session changes out to other instances sharing the
// same TokenStore. Listen blocks until ctx is done.
type Broadcaster interface {
	Publish(ctx context.Context, notice Notice) error
	Listen(ctx context.Context, fn func(Notice)) error
}

// hub keeps the open subscriptions per device
type hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: map[string]map[*subscription]struct{}{}}
}

func (h *hub) subscribe(device string) *subscription {
	s := &subscription{
		device: device,
		ch:     make(chan prep.AuthStateEvent, 1),
		hub:    h,
	}

	h.mu.Lock()
	if h.subs[device] == nil {
		h.subs[device] = map[*subscription]struct{}{}
	}
	h.subs[device][s] = struct{}{}
	h.mu.Unlock()

	return s
}

func (h *hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[s.device]
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.device)
	}
}

func (h *hub) publish(evt prep.AuthStateEvent) {
	h.mu.Lock()
	targets := make([]*subscription, 0, len(h.subs[evt.Device]))
	for s := range h.subs[evt.Device] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.push(evt, false)
	}
}

func (h *hub) watched(device string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[device]) > 0
}

// subscription conflates: a slow reader only ever sees the latest event
type subscription struct {
	device string
	ch     chan prep.AuthStateEvent
	hub    *hub

	mu     sync.Mutex
	seen   bool
	closed bool
}

func (s *subscription) Events() <-chan prep.AuthStateEvent {
	return s.ch
}

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.hub.remove(s)
	return nil
}

// push delivers evt. An initial event is dropped when any other event
// already went out, it would describe an older state.
func (s *subscription) push(evt prep.AuthStateEvent, initial bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || (initial && s.seen) {
		return
	}
	s.seen = true

	select {
	case s.ch <- evt:
		return
	default:
	}

	select {
	case <-s.ch:
	default:
	}

	select {
	case s.ch <- evt:
	default:
	}
}
