package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
)

// ErrHubClosed is returned by Send after the transport left its hub.
var ErrHubClosed = errors.New("memory transport closed")

// DefaultMemoryQueue is the per-node event buffer of the in-memory hub.
const DefaultMemoryQueue = 4096

// Hub connects MemoryTransports in-process. It models a network where links
// can be cut, which is how simulations and tests exercise failover.
type Hub struct {
	mu      sync.RWMutex
	nodes   map[string]*MemoryTransport
	blocked map[string]bool // node IDs whose links are down
	queue   int
}

// NewHub creates an empty hub. queue <= 0 uses DefaultMemoryQueue.
func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = DefaultMemoryQueue
	}
	return &Hub{
		nodes:   make(map[string]*MemoryTransport),
		blocked: make(map[string]bool),
		queue:   queue,
	}
}

// Join registers a node and announces it to every member already present.
func (h *Hub) Join(id string) (*MemoryTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; exists {
		return nil, fmt.Errorf("node %s already joined", id)
	}
	t := &MemoryTransport{
		id:     id,
		hub:    h,
		events: make(chan common.TransportEvent, h.queue),
	}
	for otherID, other := range h.nodes {
		other.push(common.TransportEvent{Kind: common.EventPeerConnected, PeerID: id})
		t.push(common.TransportEvent{Kind: common.EventPeerConnected, PeerID: otherID})
	}
	h.nodes[id] = t
	return t, nil
}

// SetReachable cuts or restores every link of a node. Cutting emits
// PeerDisconnected on both sides.
func (h *Hub) SetReachable(id string, reachable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.blocked[id] == !reachable {
		return
	}
	h.blocked[id] = !reachable

	kind := common.EventPeerConnected
	if !reachable {
		kind = common.EventPeerDisconnected
	}
	target, ok := h.nodes[id]
	for otherID, other := range h.nodes {
		if otherID == id {
			continue
		}
		other.push(common.TransportEvent{Kind: kind, PeerID: id})
		if ok {
			target.push(common.TransportEvent{Kind: kind, PeerID: otherID})
		}
	}
}

// Members returns the joined node IDs, sorted.
func (h *Hub) Members() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[id]; !ok {
		return
	}
	delete(h.nodes, id)
	delete(h.blocked, id)
	for _, other := range h.nodes {
		other.push(common.TransportEvent{Kind: common.EventPeerDisconnected, PeerID: id})
	}
}

func (h *Hub) deliver(from, to string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.blocked[from] || h.blocked[to] {
		return common.ErrUnreachable(to, errors.New("link down"))
	}
	target, ok := h.nodes[to]
	if !ok {
		return common.ErrUnreachable(to, errors.New("unknown peer"))
	}
	data := append([]byte(nil), payload...)
	if !target.push(common.TransportEvent{Kind: common.EventMessage, PeerID: from, Payload: data}) {
		return common.ErrUnreachable(to, errors.New("inbox full"))
	}
	return nil
}

// MemoryTransport is a common.Transport backed by a Hub. Delivery is
// immediate; the outcome is reported as an EventSendResult.
type MemoryTransport struct {
	id     string
	hub    *Hub
	events chan common.TransportEvent

	mu     sync.Mutex
	closed bool
}

var _ common.Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) LocalID() string {
	return t.id
}

// Send delivers payload to peerID and queues the outcome on Events.
func (t *MemoryTransport) Send(peerID string, payload []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrHubClosed
	}

	err := t.hub.deliver(t.id, peerID, payload)
	t.push(common.TransportEvent{Kind: common.EventSendResult, PeerID: peerID, Err: err})
	return nil
}

func (t *MemoryTransport) Events() <-chan common.TransportEvent {
	return t.events
}

// Close leaves the hub. Peers observe PeerDisconnected.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.leave(t.id)
	return nil
}

// push enqueues without blocking; it reports false when the buffer is full
// or the transport is closed.
func (t *MemoryTransport) push(ev common.TransportEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	select {
	case t.events <- ev:
		return true
	default:
		return false
	}
}
