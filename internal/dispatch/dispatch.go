// Package dispatch routes decoded payloads to subscribers and stages
// outbound frames for the transport to drain, emergency traffic first.
package dispatch

import (
	"fmt"
	"sync"

	"v2vmesh/internal/identity"
	"v2vmesh/internal/proto"
)

type Handler func(from identity.VehicleID, p proto.Payload)

// Router fans decoded payloads out by kind. Dispatch of a kind nobody
// subscribed to is fine; dispatch of an unknown kind is not.
type Router struct {
	mu       sync.Mutex
	handlers map[string][]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string][]Handler)}
}

func (r *Router) Subscribe(kind string, h Handler) {
	r.mu.Lock()
	r.handlers[kind] = append(r.handlers[kind], h)
	r.mu.Unlock()
}

func (r *Router) Dispatch(from identity.VehicleID, p proto.Payload) error {
	switch p.Kind {
	case proto.KindSpatial, proto.KindEmergency, proto.KindHeartbeat, proto.KindRevocation, proto.KindKeyShare:
	default:
		return fmt.Errorf("unhandled payload kind %q", p.Kind)
	}
	r.mu.Lock()
	handlers := append([]Handler(nil), r.handlers[p.Kind]...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(from, p)
	}
	return nil
}

const DefaultQueueCap = 256

// Outbound stages encoded frames until the transport drains them at its
// own cadence. Two bounded queues; emergency drains strictly before
// normal, and a full normal queue drops its oldest frame rather than
// blocking the producer.
type Outbound struct {
	mu        sync.Mutex
	cap       int
	emergency [][]byte
	normal    [][]byte
	dropped   uint64
}

func NewOutbound(capacity int) *Outbound {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	return &Outbound{cap: capacity}
}

func (q *Outbound) Enqueue(frame []byte, priority string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if priority == proto.PriorityEmergency {
		if len(q.emergency) >= q.cap {
			q.emergency = q.emergency[1:]
			q.dropped++
		}
		q.emergency = append(q.emergency, frame)
		return
	}
	if len(q.normal) >= q.cap {
		q.normal = q.normal[1:]
		q.dropped++
	}
	q.normal = append(q.normal, frame)
}

// Drain returns all staged frames, emergency before normal.
func (q *Outbound) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.emergency)+len(q.normal))
	out = append(out, q.emergency...)
	out = append(out, q.normal...)
	q.emergency = nil
	q.normal = nil
	return out
}

func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.emergency) + len(q.normal)
}

func (q *Outbound) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
