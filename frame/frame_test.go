package frame_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"meshledger/frame"
)

func peer(b byte) frame.PeerID {
	var id frame.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func sameFrame(t *testing.T, want, got *frame.Frame) {
	t.Helper()
	if got.Type != want.Type || got.TTL != want.TTL || got.Compressed != want.Compressed {
		t.Fatalf("header mismatch: want %+v, got %+v", want, got)
	}
	if got.Sender != want.Sender || got.Nonce != want.Nonce || got.Channel != want.Channel {
		t.Fatalf("routing mismatch: want %+v, got %+v", want, got)
	}
	if (got.Recipient == nil) != (want.Recipient == nil) {
		t.Fatalf("recipient presence mismatch")
	}
	if got.Recipient != nil && *got.Recipient != *want.Recipient {
		t.Fatalf("recipient mismatch: want %s, got %s", want.Recipient, got.Recipient)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("payload mismatch: want %d bytes, got %d", len(want.Payload), len(got.Payload))
	}
	if got.Signature != want.Signature {
		t.Fatalf("signature mismatch")
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	rcpt := peer(0xbb)
	var sig [frame.SignatureSize]byte
	for i := range sig {
		sig[i] = byte(i)
	}

	sizes := []int{0, 1, frame.CompressionThreshold, frame.CompressionThreshold + 1, frame.MaxPayloadSize - frame.NonceSize}
	shapes := []struct {
		name      string
		typ       frame.Type
		recipient *frame.PeerID
		channel   string
	}{
		{"public", frame.TypePublic, nil, ""},
		{"private", frame.TypePrivate, &rcpt, ""},
		{"channel", frame.TypeChannel, nil, "#mesh"},
		{"control", frame.TypeControl, &rcpt, ""},
		{"ack", frame.TypeAck, &rcpt, ""},
		{"max tag", frame.TypeChannel, nil, strings.Repeat("x", frame.MaxChannelTag)},
	}

	for _, s := range shapes {
		for _, size := range sizes {
			f := &frame.Frame{
				Type:       s.typ,
				TTL:        frame.DefaultTTL,
				Compressed: size%2 == 1,
				Sender:     peer(0xaa),
				Recipient:  s.recipient,
				Channel:    s.channel,
				Nonce:      uint64(size) * 7919,
				Payload:    bytes.Repeat([]byte{0x5a}, size),
				Signature:  sig,
			}
			data, err := frame.Encode(f)
			if err != nil {
				t.Fatalf("%s/%d: encode failed: %v", s.name, size, err)
			}
			got, err := frame.Decode(data)
			if err != nil {
				t.Fatalf("%s/%d: decode failed: %v", s.name, size, err)
			}
			sameFrame(t, f, got)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	f := &frame.Frame{Type: frame.TypePublic, TTL: 3, Sender: peer(1), Nonce: 42, Payload: []byte("hello")}
	good, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	unknownType := append([]byte(nil), good...)
	unknownType[0] = 0x7f

	unknownFlag := append([]byte(nil), good...)
	unknownFlag[2] = 0x80

	cases := map[string][]byte{
		"empty":             nil,
		"truncated header":  good[:5],
		"truncated payload": good[:len(good)-frame.SignatureSize-2],
		"short signature":   good[:len(good)-1],
		"long signature":    append(append([]byte(nil), good...), 0),
		"unknown type":      unknownType,
		"unknown flag":      unknownFlag,
	}
	for name, data := range cases {
		if _, err := frame.Decode(data); !errors.Is(err, frame.ErrMalformedFrame) {
			t.Fatalf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}

func TestEncode_RejectsOversizePayload(t *testing.T) {
	f := &frame.Frame{Type: frame.TypePublic, Payload: make([]byte, frame.MaxPayloadSize)}
	if _, err := frame.Encode(f); !errors.Is(err, frame.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestMessageID_IgnoresTTLAndSignature(t *testing.T) {
	f := &frame.Frame{Type: frame.TypePublic, TTL: 5, Sender: peer(1), Nonce: 9, Payload: []byte("x")}
	relayed := f.Clone()
	relayed.TTL = 2
	relayed.Signature[0] = 1

	if f.MessageID() != relayed.MessageID() {
		t.Fatalf("expected TTL and signature to leave the message ID unchanged")
	}

	other := f.Clone()
	other.Nonce = 10
	if f.MessageID() == other.MessageID() {
		t.Fatalf("expected a different nonce to change the message ID")
	}
}

func TestSigningBytes_ExcludeTTL(t *testing.T) {
	f := &frame.Frame{Type: frame.TypeChannel, TTL: 5, Sender: peer(1), Channel: "c", Nonce: 1, Payload: []byte("x")}
	relayed := f.Clone()
	relayed.TTL = 0
	if !bytes.Equal(f.SigningBytes(), relayed.SigningBytes()) {
		t.Fatalf("signing bytes must not depend on TTL")
	}
	other := f.Clone()
	other.Channel = "d"
	if bytes.Equal(f.SigningBytes(), other.SigningBytes()) {
		t.Fatalf("signing bytes must cover the channel tag")
	}
}

func TestCompressPayload(t *testing.T) {
	small := bytes.Repeat([]byte("a"), frame.CompressionThreshold)
	if out, ok := frame.CompressPayload(small); ok || !bytes.Equal(out, small) {
		t.Fatalf("payload at the threshold must not be compressed")
	}

	big := bytes.Repeat([]byte("mesh "), 100)
	out, ok := frame.CompressPayload(big)
	if !ok {
		t.Fatalf("expected repetitive payload to compress")
	}
	if len(out) >= len(big) {
		t.Fatalf("compressed %d bytes into %d", len(big), len(out))
	}
	back, err := frame.DecompressPayload(out)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if !bytes.Equal(back, big) {
		t.Fatalf("decompressed payload differs")
	}

	if _, err := frame.DecompressPayload([]byte{0xff, 0xff, 0xff, 0xff, 0xff}); !errors.Is(err, frame.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for garbage, got %v", err)
	}
}

func TestParsePeerID(t *testing.T) {
	id := peer(0xc3)
	got, err := frame.ParsePeerID(id.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
	if _, err := frame.ParsePeerID("abc"); err == nil {
		t.Fatalf("expected error for short ID")
	}
}
