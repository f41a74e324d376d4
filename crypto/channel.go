package crypto

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Argon2id parameters for channel passwords. Deterministic: every holder of
// the password derives the same key.
const (
	channelTime    = 1
	channelMemory  = 64 * 1024
	channelThreads = 4
	channelSalt    = "meshledger/channel/v1/"
)

// DeriveChannelKey stretches a channel password into a symmetric key.
func DeriveChannelKey(tag, password string) []byte {
	return argon2.IDKey([]byte(password), []byte(channelSalt+tag), channelTime, channelMemory, channelThreads, KeySize)
}

// Channels holds the keys of joined channels.
type Channels struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewChannels() *Channels {
	return &Channels{keys: make(map[string][]byte)}
}

// Join derives and stores the key for tag.
func (c *Channels) Join(tag, password string) {
	key := DeriveChannelKey(tag, password)
	c.mu.Lock()
	c.keys[tag] = key
	c.mu.Unlock()
}

// Leave forgets tag and wipes its key.
func (c *Channels) Leave(tag string) {
	c.mu.Lock()
	if k, ok := c.keys[tag]; ok {
		zero(k)
		delete(c.keys, tag)
	}
	c.mu.Unlock()
}

// Joined reports whether tag has a key.
func (c *Channels) Joined(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.keys[tag]
	return ok
}

// key returns a private copy of the key for tag. Callers wipe it when done;
// the stored key belongs to Leave.
func (c *Channels) key(tag string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.keys[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, tag)
	}
	return append([]byte(nil), k...), nil
}

// Seal encrypts a channel payload.
func (c *Channels) Seal(tag string, plaintext, aad []byte) ([]byte, error) {
	k, err := c.key(tag)
	if err != nil {
		return nil, err
	}
	defer zero(k)
	return Seal(k, plaintext, aad)
}

// Open decrypts a channel payload.
func (c *Channels) Open(tag string, sealed, aad []byte) ([]byte, error) {
	k, err := c.key(tag)
	if err != nil {
		return nil, err
	}
	defer zero(k)
	return Open(k, sealed, aad)
}
