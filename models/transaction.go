package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// ZeroDigest is the well-known digest of the genesis transaction.
var ZeroDigest = strings.Repeat("0", sha256.Size*2)

// Kind is the ledger event a transaction records.
type Kind uint8

const (
	KindGenesis Kind = iota
	KindGrant        // first-seen allowance credited to an identity
	KindSend         // locally originated message
	KindRelay        // inbound message, forwarded when Relayer is set
)

func (k Kind) String() string {
	switch k {
	case KindGenesis:
		return "genesis"
	case KindGrant:
		return "grant"
	case KindSend:
		return "send"
	case KindRelay:
		return "relay"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "genesis":
		*k = KindGenesis
	case "grant":
		*k = KindGrant
	case "send":
		*k = KindSend
	case "relay":
		*k = KindRelay
	default:
		return fmt.Errorf("unknown transaction kind %q", b)
	}
	return nil
}

// Priority is the pricing class of a message.
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityFavorite
)

func (p Priority) String() string {
	if p == PriorityFavorite {
		return "favorite"
	}
	return "normal"
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "normal":
		*p = PriorityNormal
	case "favorite":
		*p = PriorityFavorite
	default:
		return fmt.Errorf("unknown priority %q", b)
	}
	return nil
}

// FeeBreakdown is a fee in micro-units. Total is always Base+Size+Hop.
type FeeBreakdown struct {
	Base  int64 `json:"base"`
	Size  int64 `json:"size"`
	Hop   int64 `json:"hop"`
	Total int64 `json:"total"`
}

// Transaction records one relay or send event.
type Transaction struct {
	Digest        string       `json:"digest"`
	Parents       []string     `json:"parents"`
	Kind          Kind         `json:"kind"`
	Sender        string       `json:"sender"`
	Relayer       string       `json:"relayer,omitempty"`
	MessageID     string       `json:"message_id,omitempty"`
	Fee           FeeBreakdown `json:"fee"`
	Reward        int64        `json:"reward"`
	Grant         int64        `json:"grant,omitempty"`
	Congestion    int64        `json:"congestion"` // permille signal the fee was priced at
	Priority      Priority     `json:"priority"`
	PayloadSize   int          `json:"payload_size"`
	Hops          int          `json:"hops"`
	Timestamp     int64        `json:"timestamp"` // unix ms
	PowNonce      uint64       `json:"pow_nonce"`
	PowDifficulty uint8        `json:"pow_difficulty"`
}

// IsGenesis reports whether t is the genesis transaction.
func (t *Transaction) IsGenesis() bool {
	return t.Kind == KindGenesis
}

// PowBody is the byte string the proof-of-work is solved over. Parents are
// excluded so the puzzle can be solved before the frontier is read.
func (t *Transaction) PowBody() []byte {
	b := make([]byte, 0, 128)
	b = append(b, "meshledger/pow/v1"...)
	b = append(b, byte(t.Kind), byte(t.Priority), t.PowDifficulty)
	b = appendString(b, t.Sender)
	b = appendString(b, t.Relayer)
	b = appendString(b, t.MessageID)
	b = binary.BigEndian.AppendUint64(b, uint64(t.Fee.Base))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Fee.Size))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Fee.Hop))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Fee.Total))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Reward))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Grant))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Congestion))
	b = binary.AppendUvarint(b, uint64(t.PayloadSize))
	b = binary.AppendUvarint(b, uint64(t.Hops))
	b = binary.BigEndian.AppendUint64(b, uint64(t.Timestamp))
	return b
}

// ComputeDigest hashes the full contents, parents and solved nonce included.
func (t *Transaction) ComputeDigest() string {
	if t.IsGenesis() {
		return ZeroDigest
	}
	h := sha256.New()
	h.Write([]byte("meshledger/tx/v1"))
	h.Write(t.PowBody())
	var tmp []byte
	tmp = binary.AppendUvarint(tmp, uint64(len(t.Parents)))
	for _, p := range t.Parents {
		tmp = appendString(tmp, p)
	}
	tmp = binary.BigEndian.AppendUint64(tmp, t.PowNonce)
	h.Write(tmp)
	return hex.EncodeToString(h.Sum(nil))
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}
