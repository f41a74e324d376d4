package router

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"meshledger/crypto"
	"meshledger/events"
	"meshledger/frame"
	"meshledger/models"
	"meshledger/processor"
)

var (
	ErrClosed        = errors.New("router closed")
	ErrOutboxFull    = errors.New("outbox full")
	ErrNoRecipient   = errors.New("private message without recipient")
	ErrInvalidType   = errors.New("frame type cannot be sent directly")
	ErrPayloadTooBig = errors.New("payload too large")
)

// Message is an application send request.
type Message struct {
	Type      frame.Type
	Recipient *frame.PeerID
	Channel   string
	Body      []byte
	Priority  models.Priority
}

// Sent describes an accepted outbound message.
type Sent struct {
	MessageID   frame.MessageID
	Transaction *models.Transaction
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// stamp draws a fresh message nonce.
func (r *Router) stamp(f *frame.Frame) error {
	var b [frame.NonceSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return err
	}
	f.Nonce = binary.BigEndian.Uint64(b[:])
	return nil
}

func (r *Router) initialTTL(p models.Priority) uint8 {
	if p == models.PriorityFavorite {
		return r.cfg.FavoriteTTL
	}
	return r.cfg.DefaultTTL
}

// Send frames, records and transmits an application message. A private
// message to a peer without a session is queued, a handshake is started and
// the returned error wraps crypto.ErrNoSession.
func (r *Router) Send(ctx context.Context, m Message) (*Sent, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	// receivers refuse to inflate past the limit, so it binds the raw body
	if len(m.Body)+frame.NonceSize > frame.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(m.Body))
	}
	switch m.Type {
	case frame.TypePublic:
		m.Recipient = nil
		m.Channel = ""
	case frame.TypePrivate:
		if m.Recipient == nil {
			return nil, ErrNoRecipient
		}
		m.Channel = ""
		if !r.sessions.Has(*m.Recipient) {
			return nil, r.queueForHandshake(ctx, m)
		}
	case frame.TypeChannel:
		if !r.channels.Joined(m.Channel) {
			return nil, fmt.Errorf("%w: %q", crypto.ErrUnknownChannel, m.Channel)
		}
		m.Recipient = nil
	case frame.TypeAck:
		if m.Recipient == nil {
			return nil, ErrNoRecipient
		}
		m.Channel = ""
	case frame.TypeControl:
		return nil, ErrInvalidType
	default:
		return nil, ErrInvalidType
	}

	f, err := r.build(m)
	if err != nil {
		return nil, err
	}
	raw, err := frame.Encode(f)
	if err != nil {
		return nil, err
	}
	id := f.MessageID()
	r.filter.Seen(id[:])

	tx, err := r.recorder.Record(ctx, processor.Request{
		Kind:        models.KindSend,
		Sender:      r.id.ID.String(),
		MessageID:   id.String(),
		PayloadSize: len(f.Payload),
		Hops:        int(f.TTL),
		Priority:    m.Priority,
	})
	if err != nil {
		r.emit(events.Event{Kind: events.TransactionFailed, MessageID: id.String(), Err: err})
		return nil, err
	}
	r.emit(events.Event{Kind: events.TransactionRecorded, MessageID: id.String(), Digest: tx.Digest})

	if m.Type == frame.TypePrivate {
		r.mu.Lock()
		r.awaitingAck[id] = *m.Recipient
		r.mu.Unlock()
	}
	// a failed transmit leaves the frame held for store-and-forward
	_ = r.transmit(ctx, id, raw, "")
	return &Sent{MessageID: id, Transaction: tx}, nil
}

// build compresses, encrypts and signs m.
func (r *Router) build(m Message) (*frame.Frame, error) {
	f := &frame.Frame{
		Type:      m.Type,
		TTL:       r.initialTTL(m.Priority),
		Sender:    r.id.ID,
		Recipient: m.Recipient,
		Channel:   m.Channel,
	}
	if err := r.stamp(f); err != nil {
		return nil, err
	}

	body := m.Body
	if m.Type != frame.TypeAck {
		if c, ok := frame.CompressPayload(body); ok {
			body = c
			f.Compressed = true
		}
	}

	var err error
	switch m.Type {
	case frame.TypePrivate:
		body, err = r.sessions.Seal(*m.Recipient, body, payloadAAD(f))
	case frame.TypeChannel:
		body, err = r.channels.Seal(m.Channel, body, payloadAAD(f))
	case frame.TypePublic, frame.TypeAck, frame.TypeControl:
	}
	if err != nil {
		return nil, err
	}
	if len(body)+frame.NonceSize > frame.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(body))
	}
	f.Payload = body
	r.id.SignFrame(f)
	return f, nil
}

func (r *Router) queueForHandshake(ctx context.Context, m Message) error {
	peer := *m.Recipient
	r.mu.Lock()
	if r.cfg.OutboxLimit > 0 && len(r.outbox[peer]) >= r.cfg.OutboxLimit {
		r.mu.Unlock()
		return fmt.Errorf("%w for %s: %w", ErrOutboxFull, peer, crypto.ErrNoSession)
	}
	m.Body = append([]byte(nil), m.Body...)
	r.outbox[peer] = append(r.outbox[peer], m)
	r.mu.Unlock()

	if err := r.startHandshake(ctx, peer); err != nil {
		return fmt.Errorf("handshake with %s: %w: %w", peer, err, crypto.ErrNoSession)
	}
	return fmt.Errorf("message to %s queued: %w", peer, crypto.ErrNoSession)
}

// startHandshake sends a handshake initiation unless one is in flight.
func (r *Router) startHandshake(ctx context.Context, peer frame.PeerID) error {
	if r.sessions.Pending(peer) {
		return nil
	}
	eph, err := r.sessions.Initiate(peer)
	if err != nil {
		return err
	}
	r.emit(events.Event{Kind: events.HandshakeStarted, Peer: peer.String()})
	return r.sendControl(ctx, &peer, handshakePayload(controlHandshakeInit, r.id, eph))
}

// flushOutbox sends the messages queued for peer now that a session exists.
func (r *Router) flushOutbox(ctx context.Context, peer frame.PeerID) {
	r.mu.Lock()
	queued := r.outbox[peer]
	delete(r.outbox, peer)
	r.mu.Unlock()

	for _, m := range queued {
		if _, err := r.Send(ctx, m); err != nil {
			r.emit(events.Event{Kind: events.TransactionFailed, Peer: peer.String(), Reason: "outbox", Err: err})
		}
	}
}

func (r *Router) sendAck(ctx context.Context, to frame.PeerID, acked frame.MessageID) error {
	_, err := r.Send(ctx, Message{Type: frame.TypeAck, Recipient: &to, Body: acked[:]})
	return err
}

// sendControl signs and transmits a control frame. Control frames are not
// billed. A nil recipient floods the frame.
func (r *Router) sendControl(ctx context.Context, to *frame.PeerID, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	f := &frame.Frame{
		Type:      frame.TypeControl,
		TTL:       r.cfg.DefaultTTL,
		Recipient: to,
		Payload:   payload,
	}
	if err := r.stamp(f); err != nil {
		return err
	}
	r.id.SignFrame(f)
	raw, err := frame.Encode(f)
	if err != nil {
		return err
	}
	id := f.MessageID()
	r.filter.Seen(id[:])
	_ = r.transmit(ctx, id, raw, "")
	return nil
}

// Announce floods the local signing key so peers can verify our frames.
func (r *Router) Announce(ctx context.Context) error {
	return r.sendControl(ctx, nil, announcePayload(r.id))
}

// AwaitingAck counts private messages sent without a delivery receipt yet.
func (r *Router) AwaitingAck() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaitingAck)
}
