// Package events is the emission interface the core reports through.
package events

import (
	"sync"

	"go.uber.org/zap"
)

type Kind string

const (
	FrameDiscarded      Kind = "frame_discarded"
	FrameDelivered      Kind = "frame_delivered"
	RelayScheduled      Kind = "relay_scheduled"
	Relayed             Kind = "relayed"
	RelayCancelled      Kind = "relay_cancelled"
	CoverSent           Kind = "cover_sent"
	FrameHeld           Kind = "frame_held"
	TransportFailed     Kind = "transport_failed"
	HandshakeStarted    Kind = "handshake_started"
	SessionEstablished  Kind = "session_established"
	DeliveryReceipt     Kind = "delivery_receipt"
	TransactionRecorded Kind = "transaction_recorded"
	TransactionFailed   Kind = "transaction_failed"
)

// Event is one observation from the router or the ledger path.
type Event struct {
	Kind      Kind
	MessageID string
	Peer      string
	Reason    string
	Digest    string
	Err       error
}

type Sink interface {
	Emit(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// ZapSink logs events at debug level, failures at warn.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

func (s *ZapSink) Emit(e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind))}
	if e.MessageID != "" {
		fields = append(fields, zap.String("message_id", e.MessageID))
	}
	if e.Peer != "" {
		fields = append(fields, zap.String("peer", e.Peer))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Digest != "" {
		fields = append(fields, zap.String("digest", e.Digest))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	switch e.Kind {
	case TransactionFailed, TransportFailed:
		s.log.Warn("Mesh event", fields...)
	default:
		s.log.Debug("Mesh event", fields...)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
