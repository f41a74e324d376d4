package router

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"meshledger/crypto"
	"meshledger/events"
	"meshledger/frame"
)

var errUnknownSender = errors.New("unknown sender key")

// payloadAAD binds a ciphertext to the frame it travels in.
func payloadAAD(f *frame.Frame) []byte {
	b := make([]byte, 0, 2+2*frame.IDSize+len(f.Channel)+frame.NonceSize)
	b = append(b, byte(f.Type))
	b = append(b, f.Sender[:]...)
	if f.Recipient != nil {
		b = append(b, f.Recipient[:]...)
	}
	if f.Channel != "" {
		b = append(b, byte(len(f.Channel)))
		b = append(b, f.Channel...)
	}
	return binary.BigEndian.AppendUint64(b, f.Nonce)
}

func (r *Router) senderKey(id frame.PeerID) (ed25519.PublicKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.directory[id]
	return k, ok
}

func (r *Router) learnKey(id frame.PeerID, key ed25519.PublicKey) {
	r.mu.Lock()
	r.directory[id] = key
	r.mu.Unlock()
}

// deliver authenticates a locally addressed frame and hands its content to
// the application. Control frames update router state instead.
func (r *Router) deliver(ctx context.Context, f *frame.Frame, id frame.MessageID) error {
	if f.Type == frame.TypeControl {
		return r.handleControl(ctx, f)
	}

	key, ok := r.senderKey(f.Sender)
	if !ok {
		return fmt.Errorf("%w %s", errUnknownSender, f.Sender)
	}
	if err := crypto.VerifyFrame(f, key); err != nil {
		return err
	}

	var content Content
	switch f.Type {
	case frame.TypePublic:
		body, err := r.unpack(f, f.Payload)
		if err != nil {
			return err
		}
		content = PublicMessage{Body: body}
	case frame.TypePrivate:
		plain, err := r.sessions.Open(f.Sender, f.Payload, payloadAAD(f))
		if err != nil {
			return err
		}
		body, err := r.unpack(f, plain)
		if err != nil {
			return err
		}
		content = PrivateMessage{Body: body}
	case frame.TypeChannel:
		plain, err := r.channels.Open(f.Channel, f.Payload, payloadAAD(f))
		if err != nil {
			return err
		}
		body, err := r.unpack(f, plain)
		if err != nil {
			return err
		}
		content = ChannelMessage{Channel: f.Channel, Body: body}
	case frame.TypeAck:
		if len(f.Payload) != len(frame.MessageID{}) {
			return fmt.Errorf("%w: ack of %d bytes", frame.ErrMalformedFrame, len(f.Payload))
		}
		var acked frame.MessageID
		copy(acked[:], f.Payload)
		r.mu.Lock()
		delete(r.awaitingAck, acked)
		r.mu.Unlock()
		r.emit(events.Event{Kind: events.DeliveryReceipt, MessageID: acked.String(), Peer: f.Sender.String()})
		content = DeliveryReceipt{Acked: acked}
	case frame.TypeControl:
		return nil
	}

	r.emit(events.Event{Kind: events.FrameDelivered, MessageID: id.String(), Peer: f.Sender.String()})
	r.mu.Lock()
	fn := r.onDeliver
	r.mu.Unlock()
	if fn != nil {
		fn(Delivery{MessageID: id, Sender: f.Sender, Content: content})
	}

	if f.Type == frame.TypePrivate {
		if err := r.sendAck(ctx, f.Sender, id); err != nil {
			r.emit(events.Event{Kind: events.TransactionFailed, MessageID: id.String(), Peer: f.Sender.String(), Reason: "ack", Err: err})
		}
	}
	return nil
}

func (r *Router) unpack(f *frame.Frame, body []byte) ([]byte, error) {
	if !f.Compressed {
		return body, nil
	}
	return frame.DecompressPayload(body)
}

// handleControl verifies a control frame with the key it carries, records the
// key and advances any handshake it belongs to.
func (r *Router) handleControl(ctx context.Context, f *frame.Frame) error {
	c, err := parseControl(f.Payload)
	if err != nil {
		return err
	}
	if c.kind == controlCover {
		return nil
	}
	if crypto.ShortID(c.signKey) != f.Sender {
		return fmt.Errorf("%w: key does not match sender %s", crypto.ErrAuthenticationFailed, f.Sender)
	}
	if err := crypto.VerifyFrame(f, c.signKey); err != nil {
		return err
	}
	if known, ok := r.senderKey(f.Sender); ok && !known.Equal(c.signKey) {
		return fmt.Errorf("%w: %s changed its signing key", crypto.ErrAuthenticationFailed, f.Sender)
	}
	r.learnKey(f.Sender, c.signKey)

	switch c.kind {
	case controlAnnounce:
		return nil
	case controlHandshakeInit:
		resp, err := r.sessions.Respond(f.Sender, c.ephemeral)
		if errors.Is(err, crypto.ErrHandshakeIgnored) {
			return nil
		}
		if err != nil {
			return err
		}
		r.emit(events.Event{Kind: events.SessionEstablished, Peer: f.Sender.String()})
		peer := f.Sender
		if err := r.sendControl(ctx, &peer, handshakePayload(controlHandshakeResponse, r.id, resp)); err != nil {
			return err
		}
		r.flushOutbox(ctx, f.Sender)
	case controlHandshakeResponse:
		if err := r.sessions.Complete(f.Sender, c.ephemeral); err != nil {
			return err
		}
		r.emit(events.Event{Kind: events.SessionEstablished, Peer: f.Sender.String()})
		r.flushOutbox(ctx, f.Sender)
	case controlCover:
	}
	return nil
}
