// Package loopback is an in-memory radio: nodes attach to a Hub and frames
// travel over links that tests create and cut at will.
package loopback

import (
	"context"
	"errors"
	"sort"
	"sync"

	"meshledger/router"
)

var ErrUnreachable = errors.New("neighbor unreachable")

// Receiver gets frames arriving at a port.
type Receiver func(raw []byte, from router.NeighborID)

// Hub connects ports. Delivery is synchronous: SendRaw returns after every
// receiver has been called.
type Hub struct {
	mu    sync.Mutex
	ports map[router.NeighborID]*Port
	links map[router.NeighborID]map[router.NeighborID]bool
	sent  int
}

func NewHub() *Hub {
	return &Hub{
		ports: make(map[router.NeighborID]*Port),
		links: make(map[router.NeighborID]map[router.NeighborID]bool),
	}
}

// Port is one node's attachment. It implements router.Transport.
type Port struct {
	hub       *Hub
	id        router.NeighborID
	recv      Receiver
	onConnect func(router.NeighborID)
}

// Attach registers a node under id.
func (h *Hub) Attach(id router.NeighborID, recv Receiver) *Port {
	p := &Port{hub: h, id: id, recv: recv}
	h.mu.Lock()
	h.ports[id] = p
	if h.links[id] == nil {
		h.links[id] = make(map[router.NeighborID]bool)
	}
	h.mu.Unlock()
	return p
}

// OnConnect registers the callback fired when a link to this port comes up.
func (p *Port) OnConnect(fn func(router.NeighborID)) {
	p.hub.mu.Lock()
	p.onConnect = fn
	p.hub.mu.Unlock()
}

// Link connects a and b in both directions.
func (h *Hub) Link(a, b router.NeighborID) {
	h.mu.Lock()
	for _, pair := range [][2]router.NeighborID{{a, b}, {b, a}} {
		if h.links[pair[0]] == nil {
			h.links[pair[0]] = make(map[router.NeighborID]bool)
		}
		h.links[pair[0]][pair[1]] = true
	}
	var fa, fb func(router.NeighborID)
	if pa := h.ports[a]; pa != nil {
		fa = pa.onConnect
	}
	if pb := h.ports[b]; pb != nil {
		fb = pb.onConnect
	}
	h.mu.Unlock()

	if fa != nil {
		fa(b)
	}
	if fb != nil {
		fb(a)
	}
}

// Unlink cuts the link between a and b.
func (h *Hub) Unlink(a, b router.NeighborID) {
	h.mu.Lock()
	delete(h.links[a], b)
	delete(h.links[b], a)
	h.mu.Unlock()
}

// Chain links ids in a line: ids[0] - ids[1] - ... - ids[n-1].
func (h *Hub) Chain(ids ...router.NeighborID) {
	for i := 1; i < len(ids); i++ {
		h.Link(ids[i-1], ids[i])
	}
}

// Sent counts frames handed to receivers.
func (h *Hub) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (p *Port) Neighbors() []router.NeighborID {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	out := make([]router.NeighborID, 0, len(p.hub.links[p.id]))
	for n := range p.hub.links[p.id] {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Port) SendRaw(ctx context.Context, frame []byte, to []router.NeighborID) error {
	var failed []router.NeighborID
	var targets []*Port

	p.hub.mu.Lock()
	for _, n := range to {
		dst, ok := p.hub.ports[n]
		if !ok || !p.hub.links[p.id][n] {
			failed = append(failed, n)
			continue
		}
		targets = append(targets, dst)
	}
	p.hub.sent += len(targets)
	p.hub.mu.Unlock()

	for _, dst := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if dst.recv != nil {
			dst.recv(append([]byte(nil), frame...), p.id)
		}
	}
	if len(failed) > 0 {
		return &router.TransportError{Failed: failed, Err: ErrUnreachable}
	}
	return nil
}
