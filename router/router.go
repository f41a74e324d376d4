package router

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"meshledger/crypto"
	"meshledger/dedup"
	"meshledger/events"
	"meshledger/frame"
	"meshledger/models"
	"meshledger/processor"
	"meshledger/scheduler"
)

// NeighborID names a directly reachable radio neighbor.
type NeighborID string

// Transport is the radio layer. The router never manages connections.
type Transport interface {
	SendRaw(ctx context.Context, frame []byte, to []NeighborID) error
	Neighbors() []NeighborID
}

// TransportError reports the neighbors a send could not reach.
type TransportError struct {
	Failed []NeighborID
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %d neighbor(s) unreachable: %v", len(e.Failed), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Recorder turns a send or relay into a ledger transaction.
type Recorder interface {
	Record(ctx context.Context, req processor.Request) (*models.Transaction, error)
}

// Congestion receives the signals the fee calculator adapts to.
type Congestion interface {
	ObserveLatency(d time.Duration)
	SetQueueDepth(n int)
}

// Deps are the collaborators a Router is built from.
type Deps struct {
	Identity   *crypto.Identity
	Sessions   *crypto.Sessions
	Channels   *crypto.Channels
	Filter     *dedup.Filter
	Recorder   Recorder
	Congestion Congestion
	Transport  Transport
	Scheduler  scheduler.Scheduler
	Events     events.Sink
}

// Reason explains a discard.
type Reason string

const (
	ReasonMalformed    Reason = "malformed"
	ReasonDuplicate    Reason = "duplicate"
	ReasonTTLExhausted Reason = "ttl-exhausted"
	ReasonCover        Reason = "cover"
	ReasonAuth         Reason = "authentication-failed"
	ReasonRateLimited  Reason = "rate-limited"
	ReasonNotForUs     Reason = "not-addressed"
	ReasonNoSession    Reason = "no-session"
)

// State is the terminal state of one inbound frame.
type State string

const (
	StateDeliverLocal      State = "deliver-local"
	StateScheduledForRelay State = "scheduled-for-relay"
	StateDiscarded         State = "discarded"
)

// Outcome is the result of processing one inbound frame. A frame can be both
// delivered locally and scheduled for relay.
type Outcome struct {
	MessageID   frame.MessageID
	Delivered   bool
	Scheduled   bool
	Discarded   Reason
	Transaction *models.Transaction
	Err         error
}

// State summarises the outcome, relay taking precedence over delivery.
func (o Outcome) State() State {
	switch {
	case o.Scheduled:
		return StateScheduledForRelay
	case o.Delivered:
		return StateDeliverLocal
	}
	return StateDiscarded
}

// Content is the closed set of payloads delivered to the application.
type Content interface {
	content()
}

type PublicMessage struct{ Body []byte }
type PrivateMessage struct{ Body []byte }
type ChannelMessage struct {
	Channel string
	Body    []byte
}
type DeliveryReceipt struct{ Acked frame.MessageID }

func (PublicMessage) content()   {}
func (PrivateMessage) content()  {}
func (ChannelMessage) content()  {}
func (DeliveryReceipt) content() {}

// Delivery is a verified, decrypted message for the local node.
type Delivery struct {
	MessageID frame.MessageID
	Sender    frame.PeerID
	Content   Content
}

type inbound struct {
	raw  []byte
	from NeighborID
}

type strike struct {
	count int
	until time.Time
}

// Router is the per-node protocol engine. Inbound frames are serialised
// through one queue; relay transmissions are deferred scheduler tasks.
type Router struct {
	cfg        Config
	id         *crypto.Identity
	sessions   *crypto.Sessions
	channels   *crypto.Channels
	filter     *dedup.Filter
	recorder   Recorder
	congestion Congestion
	sched      scheduler.Scheduler
	events     events.Sink

	queue chan inbound

	mu          sync.Mutex
	ctx         context.Context
	transport   Transport
	rng         *rand.Rand
	pending     map[frame.MessageID]*pendingRelay
	held        []*heldFrame
	outbox      map[frame.PeerID][]Message
	awaitingAck map[frame.MessageID]frame.PeerID
	directory   map[frame.PeerID]ed25519.PublicKey
	strikes     map[frame.PeerID]*strike
	onDeliver   func(Delivery)
	closed      bool
}

func New(cfg Config, deps Deps) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.Real{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := &Router{
		cfg:         cfg,
		id:          deps.Identity,
		sessions:    deps.Sessions,
		channels:    deps.Channels,
		filter:      deps.Filter,
		recorder:    deps.Recorder,
		congestion:  deps.Congestion,
		sched:       deps.Scheduler,
		events:      deps.Events,
		queue:       make(chan inbound, cfg.QueueSize),
		ctx:         context.Background(),
		transport:   deps.Transport,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		pending:     make(map[frame.MessageID]*pendingRelay),
		outbox:      make(map[frame.PeerID][]Message),
		awaitingAck: make(map[frame.MessageID]frame.PeerID),
		directory:   make(map[frame.PeerID]ed25519.PublicKey),
		strikes:     make(map[frame.PeerID]*strike),
	}
	if r.sessions == nil {
		r.sessions = crypto.NewSessions(r.id.ID, 0)
	}
	if r.channels == nil {
		r.channels = crypto.NewChannels()
	}
	r.directory[r.id.ID] = r.id.Public
	return r
}

// ID returns the local identity.
func (r *Router) ID() frame.PeerID {
	return r.id.ID
}

// SetTransport attaches the radio layer.
func (r *Router) SetTransport(t Transport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

// OnDeliver registers the application callback for local deliveries.
func (r *Router) OnDeliver(fn func(Delivery)) {
	r.mu.Lock()
	r.onDeliver = fn
	r.mu.Unlock()
}

// JoinChannel derives and stores the key for a password-protected channel.
func (r *Router) JoinChannel(tag, password string) {
	r.channels.Join(tag, password)
}

// KnownPeers returns the identities whose signing keys are known.
func (r *Router) KnownPeers() []frame.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frame.PeerID, 0, len(r.directory))
	for id := range r.directory {
		if id != r.id.ID {
			out = append(out, id)
		}
	}
	return out
}

// OnRawReceived is the transport callback. It only enqueues; Run does the
// work. A full queue drops the frame.
func (r *Router) OnRawReceived(raw []byte, from NeighborID) {
	select {
	case r.queue <- inbound{raw: append([]byte(nil), raw...), from: from}:
		r.updateQueueDepth()
	default:
		r.emit(events.Event{Kind: events.FrameDiscarded, Peer: string(from), Reason: "queue-full"})
	}
}

// Run drains the inbound queue until ctx ends, then cancels pending relays.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	defer r.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-r.queue:
			r.Process(ctx, in.raw, in.from)
			r.updateQueueDepth()
		}
	}
}

// Close cancels every pending relay. Later relays and sends are ignored.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, p := range r.pending {
		p.task.Cancel()
		delete(r.pending, id)
	}
}

// Pending counts work not yet on the air: scheduled relays, frames held for
// store-and-forward, and private sends waiting on a handshake.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending) + len(r.held)
	for _, q := range r.outbox {
		n += len(q)
	}
	return n
}

func (r *Router) emit(e events.Event) {
	r.events.Emit(e)
}

func (r *Router) discard(out Outcome, reason Reason, from NeighborID, err error) Outcome {
	out.Discarded = reason
	r.emit(events.Event{
		Kind:      events.FrameDiscarded,
		MessageID: out.MessageID.String(),
		Peer:      string(from),
		Reason:    string(reason),
		Err:       err,
	})
	return out
}

// Process runs the inbound state machine for one frame. Callers must not
// invoke it concurrently; Run is the normal caller.
func (r *Router) Process(ctx context.Context, raw []byte, from NeighborID) Outcome {
	receivedAt := r.sched.Now()
	f, err := frame.Decode(raw)
	if err != nil {
		return r.discard(Outcome{}, ReasonMalformed, from, err)
	}
	id := f.MessageID()
	out := Outcome{MessageID: id}

	if r.limited(f.Sender) {
		return r.discard(out, ReasonRateLimited, from, nil)
	}
	if r.filter.Seen(id[:]) || f.Sender == r.id.ID {
		if r.cancelRelay(id) {
			r.emit(events.Event{Kind: events.RelayCancelled, MessageID: id.String(), Peer: string(from)})
		}
		return r.discard(out, ReasonDuplicate, from, nil)
	}
	if isCover(f) {
		return r.discard(out, ReasonCover, from, nil)
	}

	forMe, exclusive := r.addressing(f)
	if forMe {
		err := r.deliver(ctx, f, id)
		switch {
		case err == nil:
			out.Delivered = true
		case errors.Is(err, errUnknownSender):
			// cannot judge the frame; it is still relayed and recorded
			r.emit(events.Event{Kind: events.FrameDiscarded, MessageID: id.String(), Peer: f.Sender.String(), Reason: "unknown-sender"})
		case errors.Is(err, crypto.ErrNoSession):
			// the sender holds a session we lost; agree a new one
			if herr := r.startHandshake(ctx, f.Sender); herr != nil {
				err = fmt.Errorf("%w; handshake: %v", err, herr)
			}
			return r.discard(out, ReasonNoSession, from, err)
		case errors.Is(err, crypto.ErrAuthenticationFailed):
			r.strike(f.Sender)
			return r.discard(out, ReasonAuth, from, err)
		default:
			return r.discard(out, ReasonMalformed, from, err)
		}
	}

	relay := f.TTL > 0 && !exclusive
	if recordable(f.Type) {
		req := processor.Request{
			Kind:        models.KindRelay,
			Sender:      f.Sender.String(),
			MessageID:   id.String(),
			PayloadSize: len(f.Payload),
			Hops:        int(f.TTL),
			Priority:    models.PriorityNormal,
		}
		if relay {
			// the reward is earned on acceptance, not on transmission
			req.Relayer = r.id.ID.String()
		}
		tx, err := r.recorder.Record(ctx, req)
		if err != nil {
			// a sender that cannot pay is not relayed
			out.Err = err
			relay = false
			r.emit(events.Event{Kind: events.TransactionFailed, MessageID: id.String(), Peer: f.Sender.String(), Err: err})
		} else {
			out.Transaction = tx
			r.emit(events.Event{Kind: events.TransactionRecorded, MessageID: id.String(), Digest: tx.Digest})
		}
	}

	if relay {
		out.Scheduled = r.scheduleRelay(f, id, from, receivedAt)
	}
	if !out.Delivered && !out.Scheduled {
		if f.TTL == 0 {
			return r.discard(out, ReasonTTLExhausted, from, out.Err)
		}
		return r.discard(out, ReasonNotForUs, from, out.Err)
	}
	return out
}

// recordable reports whether a frame type mints a ledger transaction.
// Control traffic (announces, handshakes, cover) is not billed.
func recordable(t frame.Type) bool {
	switch t {
	case frame.TypePublic, frame.TypePrivate, frame.TypeChannel, frame.TypeAck:
		return true
	case frame.TypeControl:
		return false
	}
	return false
}

// addressing reports whether the frame is for the local node and whether
// it is for the local node only.
func (r *Router) addressing(f *frame.Frame) (forMe, exclusive bool) {
	switch f.Type {
	case frame.TypePublic:
		return true, false
	case frame.TypeChannel:
		return r.channels.Joined(f.Channel), false
	case frame.TypePrivate, frame.TypeAck:
		mine := f.AddressedTo(r.id.ID)
		return mine, mine
	case frame.TypeControl:
		if f.Recipient == nil {
			return true, false
		}
		mine := f.AddressedTo(r.id.ID)
		return mine, mine
	}
	return false, false
}

func (r *Router) limited(sender frame.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strikes[sender]
	if !ok {
		return false
	}
	now := r.sched.Now()
	if !s.until.IsZero() {
		if now.Before(s.until) {
			return true
		}
		delete(r.strikes, sender)
	}
	return false
}

func (r *Router) strike(sender frame.PeerID) {
	if r.cfg.AuthFailureLimit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strikes[sender]
	if !ok {
		s = &strike{}
		r.strikes[sender] = s
	}
	s.count++
	if s.count >= r.cfg.AuthFailureLimit {
		s.until = r.sched.Now().Add(r.cfg.AuthFailureCooldown)
	}
}

func (r *Router) updateQueueDepth() {
	if r.congestion == nil {
		return
	}
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	r.congestion.SetQueueDepth(len(r.queue) + n)
}
