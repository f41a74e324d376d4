package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"meshledger/frame"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNoSession            = errors.New("no session")
)

// Identity is a node's long-term signing key.
type Identity struct {
	ID      frame.PeerID
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewIdentity generates a fresh Ed25519 identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{ID: ShortID(pub), Public: pub, private: priv}, nil
}

// IdentityFromSeed rebuilds an identity from a 32-byte Ed25519 seed.
func IdentityFromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{ID: ShortID(pub), Public: pub, private: priv}, nil
}

// Seed returns the private seed for persistence by a key store.
func (i *Identity) Seed() []byte {
	return i.private.Seed()
}

func (i *Identity) String() string {
	return "Identity{" + i.ID.String() + "}"
}

// ShortID derives the 8-byte mesh identity of a signing key.
func ShortID(pub ed25519.PublicKey) frame.PeerID {
	sum := sha256.Sum256(pub)
	var id frame.PeerID
	copy(id[:], sum[:frame.IDSize])
	return id
}

// SignFrame fills f.Sender and f.Signature.
func (i *Identity) SignFrame(f *frame.Frame) {
	f.Sender = i.ID
	sig := ed25519.Sign(i.private, f.SigningBytes())
	copy(f.Signature[:], sig)
}

// VerifyFrame checks f was signed by pub and that pub matches the claimed
// sender ID.
func VerifyFrame(f *frame.Frame, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize || ShortID(pub) != f.Sender {
		return fmt.Errorf("%w: key does not match sender %s", ErrAuthenticationFailed, f.Sender)
	}
	if !ed25519.Verify(pub, f.SigningBytes(), f.Signature[:]) {
		return fmt.Errorf("%w: bad signature from %s", ErrAuthenticationFailed, f.Sender)
	}
	return nil
}
