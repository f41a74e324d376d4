package router

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"meshledger/crypto"
	"meshledger/frame"
)

// controlKind is the first payload byte of a control frame.
type controlKind uint8

const (
	controlAnnounce          controlKind = 0x01
	controlHandshakeInit     controlKind = 0x02
	controlHandshakeResponse controlKind = 0x03
	controlCover             controlKind = 0x04
)

func (k controlKind) String() string {
	switch k {
	case controlAnnounce:
		return "announce"
	case controlHandshakeInit:
		return "handshake-init"
	case controlHandshakeResponse:
		return "handshake-response"
	case controlCover:
		return "cover"
	}
	return fmt.Sprintf("control(%#x)", uint8(k))
}

// control is a parsed control payload. Announce and handshake payloads carry
// the sender's signing key so they verify without prior contact.
type control struct {
	kind      controlKind
	signKey   ed25519.PublicKey
	ephemeral []byte
}

func parseControl(payload []byte) (*control, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty control payload", frame.ErrMalformedFrame)
	}
	c := &control{kind: controlKind(payload[0])}
	body := payload[1:]
	switch c.kind {
	case controlAnnounce:
		if len(body) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: announce of %d bytes", frame.ErrMalformedFrame, len(body))
		}
		c.signKey = ed25519.PublicKey(append([]byte(nil), body...))
	case controlHandshakeInit, controlHandshakeResponse:
		if len(body) != ed25519.PublicKeySize+curve25519.PointSize {
			return nil, fmt.Errorf("%w: %s of %d bytes", frame.ErrMalformedFrame, c.kind, len(body))
		}
		c.signKey = ed25519.PublicKey(append([]byte(nil), body[:ed25519.PublicKeySize]...))
		c.ephemeral = append([]byte(nil), body[ed25519.PublicKeySize:]...)
	case controlCover:
	default:
		return nil, fmt.Errorf("%w: unknown control kind %#x", frame.ErrMalformedFrame, payload[0])
	}
	return c, nil
}

func announcePayload(id *crypto.Identity) []byte {
	out := make([]byte, 0, 1+ed25519.PublicKeySize)
	out = append(out, byte(controlAnnounce))
	return append(out, id.Public...)
}

func handshakePayload(kind controlKind, id *crypto.Identity, ephemeral []byte) []byte {
	out := make([]byte, 0, 1+ed25519.PublicKeySize+len(ephemeral))
	out = append(out, byte(kind))
	out = append(out, id.Public...)
	return append(out, ephemeral...)
}

func isCover(f *frame.Frame) bool {
	return f.Type == frame.TypeControl && len(f.Payload) > 0 && controlKind(f.Payload[0]) == controlCover
}
