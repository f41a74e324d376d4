// Package frame encodes and decodes mesh packets.
//
// Wire layout:
//
//	[type:1][ttl:1][flags:1][sender:8]
//	[recipient:8]              if FlagHasRecipient
//	[tagLen:1][tag:tagLen]     if FlagHasChannel
//	[payloadLen:uvarint][nonce:8][body:payloadLen-8]
//	[signature:64]
//
// The signature covers every field except the TTL, which relays rewrite.
package frame

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	IDSize         = 8
	NonceSize      = 8
	SignatureSize  = 64
	MaxChannelTag  = 255
	MaxPayloadSize = 64 * 1024

	// CompressionThreshold is the body size above which callers compress.
	CompressionThreshold = 100

	// DefaultTTL and FavoriteTTL are the initial hop budgets.
	DefaultTTL  = 5
	FavoriteTTL = 3
)

// Flag bits.
const (
	FlagCompressed   uint8 = 1 << 0
	FlagHasRecipient uint8 = 1 << 1
	FlagHasChannel   uint8 = 1 << 2

	knownFlags = FlagCompressed | FlagHasRecipient | FlagHasChannel
)

var ErrMalformedFrame = errors.New("malformed frame")

// Type is the closed set of frame kinds.
type Type uint8

const (
	TypePublic  Type = 0x01
	TypePrivate Type = 0x02
	TypeChannel Type = 0x03
	TypeControl Type = 0x04
	TypeAck     Type = 0x05
)

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	switch t {
	case TypePublic, TypePrivate, TypeChannel, TypeControl, TypeAck:
		return true
	}
	return false
}

func (t Type) String() string {
	switch t {
	case TypePublic:
		return "public"
	case TypePrivate:
		return "private"
	case TypeChannel:
		return "channel"
	case TypeControl:
		return "control"
	case TypeAck:
		return "ack"
	}
	return fmt.Sprintf("type(%#x)", uint8(t))
}

// PeerID is a short identity derived from a signing public key.
type PeerID [IDSize]byte

func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is unset.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// ParsePeerID decodes the hex form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var p PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("peer id %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return p, fmt.Errorf("peer id %q: want %d bytes", s, IDSize)
	}
	copy(p[:], raw)
	return p, nil
}

// MessageID identifies one logical message across hops.
type MessageID [sha256.Size]byte

func (m MessageID) String() string {
	return hex.EncodeToString(m[:])
}

// Frame is one decoded packet. Recipient and Channel are optional; their
// presence flags are derived from them when encoding.
type Frame struct {
	Type       Type
	TTL        uint8
	Compressed bool
	Sender     PeerID
	Recipient  *PeerID
	Channel    string
	Nonce      uint64
	Payload    []byte
	Signature  [SignatureSize]byte
}

// Flags returns the flag byte for f.
func (f *Frame) Flags() uint8 {
	var flags uint8
	if f.Compressed {
		flags |= FlagCompressed
	}
	if f.Recipient != nil {
		flags |= FlagHasRecipient
	}
	if f.Channel != "" {
		flags |= FlagHasChannel
	}
	return flags
}

// MessageID hashes sender, payload digest and nonce. TTL and signature are
// excluded so every hop of a message maps to the same identifier.
func (f *Frame) MessageID() MessageID {
	body := sha256.Sum256(f.Payload)
	buf := make([]byte, 0, IDSize+len(body)+NonceSize)
	buf = append(buf, f.Sender[:]...)
	buf = append(buf, body[:]...)
	buf = binary.BigEndian.AppendUint64(buf, f.Nonce)
	return sha256.Sum256(buf)
}

// AddressedTo reports whether the frame names id as its recipient.
func (f *Frame) AddressedTo(id PeerID) bool {
	return f.Recipient != nil && *f.Recipient == id
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	cp := *f
	if f.Recipient != nil {
		r := *f.Recipient
		cp.Recipient = &r
	}
	cp.Payload = append([]byte(nil), f.Payload...)
	return &cp
}

func (f *Frame) validate() error {
	if !f.Type.Valid() {
		return fmt.Errorf("%w: unknown type %#x", ErrMalformedFrame, uint8(f.Type))
	}
	if len(f.Channel) > MaxChannelTag {
		return fmt.Errorf("%w: channel tag longer than %d", ErrMalformedFrame, MaxChannelTag)
	}
	if len(f.Payload)+NonceSize > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(f.Payload), MaxPayloadSize-NonceSize)
	}
	return nil
}

// appendBody writes everything after the TTL byte, up to and
// excluding the signature.
func (f *Frame) appendBody(b []byte) []byte {
	b = append(b, f.Flags())
	b = append(b, f.Sender[:]...)
	if f.Recipient != nil {
		b = append(b, f.Recipient[:]...)
	}
	if f.Channel != "" {
		b = append(b, byte(len(f.Channel)))
		b = append(b, f.Channel...)
	}
	b = binary.AppendUvarint(b, uint64(NonceSize+len(f.Payload)))
	b = binary.BigEndian.AppendUint64(b, f.Nonce)
	b = append(b, f.Payload...)
	return b
}

// SigningBytes returns the bytes the sender signs: every field but the TTL
// and the signature.
func (f *Frame) SigningBytes() []byte {
	b := make([]byte, 0, 32+len(f.Payload))
	b = append(b, "meshledger/frame/v1"...)
	b = append(b, byte(f.Type))
	return f.appendBody(b)
}

// Encode serialises f. It only fails for frames that could not be decoded
// back (unknown type, oversize tag or payload).
func Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 3+2*IDSize+len(f.Channel)+len(f.Payload)+SignatureSize+16)
	b = append(b, byte(f.Type), f.TTL)
	b = f.appendBody(b)
	b = append(b, f.Signature[:]...)
	return b, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("%w: truncated at offset %d", ErrMalformedFrame, r.off)
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Decode parses a frame. It checks structure only; signatures are verified
// by the crypto package.
func Decode(data []byte) (*Frame, error) {
	r := &reader{buf: data}
	f := &Frame{}

	t, err := r.readByte()
	if err != nil {
		return nil, err
	}
	f.Type = Type(t)
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %#x", ErrMalformedFrame, t)
	}
	if f.TTL, err = r.readByte(); err != nil {
		return nil, err
	}
	flags, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if flags&^knownFlags != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrMalformedFrame, flags)
	}
	f.Compressed = flags&FlagCompressed != 0

	sender, err := r.take(IDSize)
	if err != nil {
		return nil, err
	}
	copy(f.Sender[:], sender)

	if flags&FlagHasRecipient != 0 {
		rcpt, err := r.take(IDSize)
		if err != nil {
			return nil, err
		}
		var id PeerID
		copy(id[:], rcpt)
		f.Recipient = &id
	}
	if flags&FlagHasChannel != 0 {
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: empty channel tag", ErrMalformedFrame)
		}
		tag, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		f.Channel = string(tag)
	}

	length, n := binary.Uvarint(data[r.off:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad payload length", ErrMalformedFrame)
	}
	r.off += n
	if length < NonceSize || length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d out of range", ErrMalformedFrame, length)
	}
	nonce, err := r.take(NonceSize)
	if err != nil {
		return nil, err
	}
	f.Nonce = binary.BigEndian.Uint64(nonce)
	payload, err := r.take(int(length) - NonceSize)
	if err != nil {
		return nil, err
	}
	f.Payload = append([]byte{}, payload...)

	if rest := len(data) - r.off; rest != SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes, want %d", ErrMalformedFrame, rest, SignatureSize)
	}
	copy(f.Signature[:], data[r.off:])
	return f, nil
}
