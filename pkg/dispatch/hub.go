// Package dispatch fans outbound payloads out to the subscribers of a group.
// A group is the set of browser streams attached to one negotiation session.
package dispatch

import (
	"sync"
	"sync/atomic"

	"negotiator/pkg/logx"
	"negotiator/pkg/proto"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 32

type subscriber struct {
	ch chan proto.Push
}

// Hub routes pushes to group subscribers. Publishing never blocks: a subscriber whose
// queue is full misses the push.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*subscriber]struct{}
	buffer  int
	dropped atomic.Int64
	logger  *logx.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer pushes.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Hub{
		groups: make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		logger: logx.NewLogger("dispatch"),
	}
}

// Subscribe attaches a new subscriber to group. The returned cancel function detaches it
// and closes the channel; calling it more than once is safe.
func (h *Hub) Subscribe(group string) (<-chan proto.Push, func()) {
	sub := &subscriber{ch: make(chan proto.Push, h.buffer)}

	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*subscriber]struct{})
		h.groups[group] = members
	}
	members[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("subscriber attached to %s", group)

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(group, sub) })
	}
}

func (h *Hub) unsubscribe(group string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(h.groups, group)
	}
	close(sub.ch)
	h.logger.Debug("subscriber detached from %s", group)
}

// Publish delivers push to every subscriber of group and returns how many received it.
func (h *Hub) Publish(group string, push proto.Push) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.groups[group] {
		if h.deliver(group, sub, push) {
			delivered++
		}
	}
	return delivered
}

// deliver never blocks. A full queue drops push, except for terminal pushes, which evict
// the oldest queued push instead.
func (h *Hub) deliver(group string, sub *subscriber, push proto.Push) bool {
	select {
	case sub.ch <- push:
		return true
	default:
	}
	if !push.Terminal() {
		h.dropped.Add(1)
		h.logger.Warn("subscriber queue of %s full, dropping push", group)
		return false
	}

	for range cap(sub.ch) + 1 {
		select {
		case <-sub.ch:
			h.dropped.Add(1)
			h.logger.Warn("subscriber queue of %s full, evicting oldest push", group)
		default:
		}
		select {
		case sub.ch <- push:
			return true
		default:
		}
	}
	h.dropped.Add(1)
	h.logger.Warn("subscriber of %s unreachable, dropping terminal push", group)
	return false
}

// Subscribers returns the number of subscribers attached to group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Dropped returns how many pushes were lost to full subscriber queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
