package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"meshledger/frame"
)

// ErrHandshakeIgnored is returned by Respond when both sides initiated and
// the local initiation wins the tie-break.
var ErrHandshakeIgnored = errors.New("handshake ignored: local initiation wins")

const sessionInfo = "meshledger/session/v1"

type ephemeral struct {
	priv [32]byte
	pub  [32]byte
}

func newEphemeral() (*ephemeral, error) {
	e := &ephemeral{}
	if _, err := rand.Read(e.priv[:]); err != nil {
		return nil, err
	}
	e.priv[0] &= 248
	e.priv[31] &= 127
	e.priv[31] |= 64
	pub, err := curve25519.X25519(e.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(e.pub[:], pub)
	return e, nil
}

func (e *ephemeral) shared(peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrAuthenticationFailed, len(peerPub))
	}
	ss, err := curve25519.X25519(e.priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return ss, nil
}

func (e *ephemeral) destroy() {
	zero(e.priv[:])
}

// Session holds the directional keys agreed with one peer.
type Session struct {
	Peer        frame.PeerID
	Established time.Time
	sendKey     []byte
	recvKey     []byte
}

func (s *Session) destroy() {
	zero(s.sendKey)
	zero(s.recvKey)
}

// deriveSession expands the shared secret into two keys. The transcript
// is the initiator's public key followed by the responder's.
func deriveSession(peer frame.PeerID, shared, initPub, respPub []byte, initiator bool, now time.Time) (*Session, error) {
	transcript := make([]byte, 0, len(initPub)+len(respPub))
	transcript = append(transcript, initPub...)
	transcript = append(transcript, respPub...)
	salt := sha256.Sum256(transcript)

	okm := make([]byte, 2*KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte(sessionInfo)), okm); err != nil {
		return nil, err
	}
	zero(shared)
	s := &Session{Peer: peer, Established: now}
	if initiator {
		s.sendKey, s.recvKey = okm[:KeySize], okm[KeySize:]
	} else {
		s.sendKey, s.recvKey = okm[KeySize:], okm[:KeySize]
	}
	return s, nil
}

// Sessions is the arena of per-peer key-exchange state, keyed by peer ID.
// Nothing here is persisted.
type Sessions struct {
	local frame.PeerID
	ttl   time.Duration
	now   func() time.Time

	mu          sync.Mutex
	established map[frame.PeerID]*Session
	pending     map[frame.PeerID]*ephemeral
}

func NewSessions(local frame.PeerID, ttl time.Duration) *Sessions {
	return &Sessions{
		local:       local,
		ttl:         ttl,
		now:         time.Now,
		established: make(map[frame.PeerID]*Session),
		pending:     make(map[frame.PeerID]*ephemeral),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Sessions) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Sessions) lookupLocked(peer frame.PeerID) *Session {
	sess, ok := s.established[peer]
	if !ok {
		return nil
	}
	if s.ttl > 0 && s.now().Sub(sess.Established) >= s.ttl {
		sess.destroy()
		delete(s.established, peer)
		return nil
	}
	return sess
}

// Has reports whether an unexpired session with peer exists.
func (s *Sessions) Has(peer frame.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(peer) != nil
}

// Pending reports whether a handshake with peer is in flight.
func (s *Sessions) Pending(peer frame.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[peer]
	return ok
}

// Initiate starts a handshake and returns the ephemeral public key to send.
// A handshake already in flight is reused.
func (s *Sessions) Initiate(peer frame.PeerID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[peer]; ok {
		return append([]byte(nil), e.pub[:]...), nil
	}
	e, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	s.pending[peer] = e
	return append([]byte(nil), e.pub[:]...), nil
}

// Respond answers a peer's initiation, establishing the session, and returns
// the ephemeral public key to send back. When both sides initiated, the side
// with the lower ID responds and the other ignores the crossing initiation.
func (s *Sessions) Respond(peer frame.PeerID, initPub []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mine, ok := s.pending[peer]; ok {
		if bytes.Compare(s.local[:], peer[:]) > 0 {
			return nil, ErrHandshakeIgnored
		}
		mine.destroy()
		delete(s.pending, peer)
	}
	e, err := newEphemeral()
	if err != nil {
		return nil, err
	}
	defer e.destroy()
	shared, err := e.shared(initPub)
	if err != nil {
		return nil, err
	}
	sess, err := deriveSession(peer, shared, initPub, e.pub[:], false, s.now())
	if err != nil {
		return nil, err
	}
	if old, ok := s.established[peer]; ok {
		old.destroy()
	}
	s.established[peer] = sess
	return append([]byte(nil), e.pub[:]...), nil
}

// Complete finishes a handshake this side initiated.
func (s *Sessions) Complete(peer frame.PeerID, respPub []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[peer]
	if !ok {
		return fmt.Errorf("%w: no handshake in flight with %s", ErrNoSession, peer)
	}
	shared, err := e.shared(respPub)
	if err != nil {
		return err
	}
	sess, err := deriveSession(peer, shared, e.pub[:], respPub, true, s.now())
	if err != nil {
		return err
	}
	e.destroy()
	delete(s.pending, peer)
	if old, ok := s.established[peer]; ok {
		old.destroy()
	}
	s.established[peer] = sess
	return nil
}

// Seal encrypts for peer under the established session.
func (s *Sessions) Seal(peer frame.PeerID, plaintext, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(peer)
	if sess == nil {
		return nil, fmt.Errorf("%w with %s", ErrNoSession, peer)
	}
	return Seal(sess.sendKey, plaintext, aad)
}

// Open decrypts a payload from peer. Without a session the error wraps
// ErrNoSession only; the sender is not at fault.
func (s *Sessions) Open(peer frame.PeerID, sealed, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.lookupLocked(peer)
	if sess == nil {
		return nil, fmt.Errorf("%w with %s", ErrNoSession, peer)
	}
	return Open(sess.recvKey, sealed, aad)
}

// Drop destroys any state held for peer.
func (s *Sessions) Drop(peer frame.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.established[peer]; ok {
		sess.destroy()
		delete(s.established, peer)
	}
	if e, ok := s.pending[peer]; ok {
		e.destroy()
		delete(s.pending, peer)
	}
}

// Count returns the number of established sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.established)
}
