package router

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"meshledger/events"
	"meshledger/frame"
	"meshledger/scheduler"
)

const coverBodySize = 32

type pendingRelay struct {
	frame      *frame.Frame
	from       NeighborID
	receivedAt time.Time
	task       scheduler.Task
}

// heldFrame waits in the store-and-forward queue for a neighbor to appear.
type heldFrame struct {
	id      frame.MessageID
	raw     []byte
	exclude NeighborID
	expires time.Time
}

// jitter draws a relay delay from [JitterMin, JitterMax] scaled by the power
// mode. Callers hold r.mu.
func (r *Router) jitterLocked() time.Duration {
	lo, hi := r.cfg.JitterMin, r.cfg.JitterMax
	d := lo
	if hi > lo {
		d += time.Duration(r.rng.Int64N(int64(hi - lo + 1)))
	}
	return d * time.Duration(r.cfg.PowerMode.jitterScale()) / 1000
}

func (r *Router) coverDueLocked() bool {
	p := r.cfg.CoverProbability * float64(r.cfg.PowerMode.coverScale()) / 1000
	return p > 0 && r.rng.Float64() < p
}

// scheduleRelay queues a TTL-decremented copy of f for jittered
// re-transmission. It reports false if the router is closed or the message
// is already pending.
func (r *Router) scheduleRelay(f *frame.Frame, id frame.MessageID, from NeighborID, receivedAt time.Time) bool {
	if f.TTL == 0 {
		return false
	}
	next := f.Clone()
	next.TTL--

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.pending[id]; ok {
		r.mu.Unlock()
		return false
	}
	delay := r.jitterLocked()
	p := &pendingRelay{frame: next, from: from, receivedAt: receivedAt}
	p.task = r.sched.AfterFunc(delay, func() { r.fireRelay(id) })
	r.pending[id] = p
	cover := r.coverDueLocked()
	var coverDelay time.Duration
	if cover {
		coverDelay = r.jitterLocked()
	}
	r.mu.Unlock()

	r.emit(events.Event{Kind: events.RelayScheduled, MessageID: id.String(), Peer: string(from)})
	if cover {
		r.sched.AfterFunc(coverDelay, r.sendCover)
	}
	r.updateQueueDepth()
	return true
}

// cancelRelay drops a pending relay. It reports whether one was pending.
func (r *Router) cancelRelay(id frame.MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return false
	}
	p.task.Cancel()
	delete(r.pending, id)
	return true
}

func (r *Router) fireRelay(id frame.MessageID) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	ctx := r.ctx
	r.mu.Unlock()

	raw, err := frame.Encode(p.frame)
	if err != nil {
		r.emit(events.Event{Kind: events.FrameDiscarded, MessageID: id.String(), Reason: string(ReasonMalformed), Err: err})
		return
	}
	if r.congestion != nil {
		r.congestion.ObserveLatency(r.sched.Now().Sub(p.receivedAt))
	}
	if err := r.transmit(ctx, id, raw, p.from); err == nil {
		r.emit(events.Event{Kind: events.Relayed, MessageID: id.String()})
	}
	r.updateQueueDepth()
}

func (r *Router) sendCover() {
	r.mu.Lock()
	closed := r.closed
	ctx := r.ctx
	r.mu.Unlock()
	if closed {
		return
	}

	body := make([]byte, 1+coverBodySize)
	body[0] = byte(controlCover)
	if _, err := rand.Read(body[1:]); err != nil {
		return
	}
	f := &frame.Frame{Type: frame.TypeControl, TTL: 0, Payload: body}
	if err := r.stamp(f); err != nil {
		return
	}
	r.id.SignFrame(f)
	raw, err := frame.Encode(f)
	if err != nil {
		return
	}
	id := f.MessageID()
	r.filter.Seen(id[:])
	if err := r.transmit(ctx, id, raw, ""); err == nil {
		r.emit(events.Event{Kind: events.CoverSent, MessageID: id.String()})
	}
}

func (r *Router) currentTransport() Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport
}

func targets(all []NeighborID, skip map[NeighborID]bool) []NeighborID {
	out := make([]NeighborID, 0, len(all))
	for _, n := range all {
		if !skip[n] {
			out = append(out, n)
		}
	}
	return out
}

// transmit sends raw to every neighbor except exclude. Neighbors that fail
// are replaced by untried ones when available; if nothing accepted the
// frame it is held for store-and-forward.
func (r *Router) transmit(ctx context.Context, id frame.MessageID, raw []byte, exclude NeighborID) error {
	t := r.currentTransport()
	if t == nil {
		r.hold(id, raw, exclude)
		return errNoTransport
	}

	tried := map[NeighborID]bool{}
	if exclude != "" {
		tried[exclude] = true
	}
	to := targets(t.Neighbors(), tried)
	if len(to) == 0 {
		r.hold(id, raw, exclude)
		return errNoNeighbors
	}

	delivered := false
	var lastErr error
	for len(to) > 0 {
		for _, n := range to {
			tried[n] = true
		}
		err := t.SendRaw(ctx, raw, to)
		if err == nil {
			return nil
		}
		lastErr = err
		r.emit(events.Event{Kind: events.TransportFailed, MessageID: id.String(), Err: err})

		var te *TransportError
		if errors.As(err, &te) && len(te.Failed) < len(to) {
			delivered = true
		}
		to = targets(t.Neighbors(), tried)
	}
	if delivered {
		return nil
	}
	r.hold(id, raw, exclude)
	return lastErr
}

var (
	errNoTransport = errors.New("no transport attached")
	errNoNeighbors = errors.New("no reachable neighbors")
)

func (r *Router) hold(id frame.MessageID, raw []byte, exclude NeighborID) {
	r.mu.Lock()
	if r.cfg.HoldCapacity <= 0 {
		r.mu.Unlock()
		return
	}
	now := r.sched.Now()
	r.pruneHeldLocked(now)
	for _, h := range r.held {
		if h.id == id {
			r.mu.Unlock()
			return
		}
	}
	if len(r.held) >= r.cfg.HoldCapacity {
		r.held = r.held[1:]
	}
	r.held = append(r.held, &heldFrame{id: id, raw: raw, exclude: exclude, expires: now.Add(r.cfg.HoldTTL)})
	r.mu.Unlock()
	r.emit(events.Event{Kind: events.FrameHeld, MessageID: id.String()})
}

func (r *Router) pruneHeldLocked(now time.Time) {
	kept := r.held[:0]
	for _, h := range r.held {
		if r.cfg.HoldTTL <= 0 || now.Before(h.expires) {
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(r.held); i++ {
		r.held[i] = nil
	}
	r.held = kept
}

// NeighborConnected is the transport callback for a new link. Held frames
// are offered to the new neighbor; frames it accepts leave the queue.
func (r *Router) NeighborConnected(n NeighborID) {
	r.mu.Lock()
	r.pruneHeldLocked(r.sched.Now())
	held := append([]*heldFrame(nil), r.held...)
	ctx := r.ctx
	t := r.transport
	r.mu.Unlock()
	if t == nil || len(held) == 0 {
		return
	}

	sent := make(map[frame.MessageID]bool)
	for _, h := range held {
		if h.exclude == n {
			continue
		}
		if err := t.SendRaw(ctx, h.raw, []NeighborID{n}); err != nil {
			r.emit(events.Event{Kind: events.TransportFailed, MessageID: h.id.String(), Peer: string(n), Err: err})
			continue
		}
		sent[h.id] = true
		r.emit(events.Event{Kind: events.Relayed, MessageID: h.id.String(), Peer: string(n)})
	}

	r.mu.Lock()
	kept := r.held[:0]
	for _, h := range r.held {
		if !sent[h.id] {
			kept = append(kept, h)
		}
	}
	r.held = kept
	r.mu.Unlock()
}
