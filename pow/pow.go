package pow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/sha3"
)

// MaxDifficulty bounds the puzzle to what a phone can solve.
const MaxDifficulty = 32

var (
	ErrProofOfWorkTimeout = errors.New("proof of work timeout")
	ErrInvalidProof       = errors.New("invalid proof of work")
	ErrDifficultyTooHigh  = fmt.Errorf("difficulty above %d bits", MaxDifficulty)
)

// Gate solves and verifies leading-zero-bit puzzles over SHA3-256.
// Difficulty is the target; MinDifficulty is the lowest a solution may
// claim and still be admitted.
type Gate struct {
	Difficulty    uint8
	MinDifficulty uint8
	MaxAttempts   uint64
	Timeout       time.Duration
}

func NewGate(difficulty, minDifficulty uint8, maxAttempts uint64, timeout time.Duration) *Gate {
	if minDifficulty > difficulty {
		minDifficulty = difficulty
	}
	return &Gate{
		Difficulty:    difficulty,
		MinDifficulty: minDifficulty,
		MaxAttempts:   maxAttempts,
		Timeout:       timeout,
	}
}

func hash(body []byte, nonce uint64) [32]byte {
	buf := make([]byte, 0, len(body)+8)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return sha3.Sum256(buf)
}

// LeadingZeroBits counts the zero bits at the front of digest.
func LeadingZeroBits(digest []byte) int {
	n := 0
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0 && b&mask == 0; mask >>= 1 {
			n++
		}
		break
	}
	return n
}

// Check reports whether nonce solves body at difficulty.
func Check(body []byte, nonce uint64, difficulty uint8) bool {
	if difficulty == 0 {
		return true
	}
	digest := hash(body, nonce)
	return LeadingZeroBits(digest[:]) >= int(difficulty)
}

// Verify checks a solution against the gate's minimum as well as the
// difficulty the solver claims.
func (g *Gate) Verify(body []byte, nonce uint64, difficulty uint8) error {
	if difficulty < g.MinDifficulty {
		return fmt.Errorf("difficulty %d below required %d: %w", difficulty, g.MinDifficulty, ErrInvalidProof)
	}
	if !Check(body, nonce, difficulty) {
		return ErrInvalidProof
	}
	return nil
}

type result struct {
	nonce uint64
	err   error
}

// Solve searches for a nonce on a background goroutine. It fails with
// ErrProofOfWorkTimeout when MaxAttempts or Timeout run out.
func (g *Gate) Solve(ctx context.Context, body []byte, difficulty uint8) (uint64, error) {
	if difficulty > MaxDifficulty {
		return 0, ErrDifficultyTooHigh
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		done <- g.search(ctx, body, difficulty)
	}()

	select {
	case r := <-done:
		return r.nonce, r.err
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrProofOfWorkTimeout, ctx.Err())
	}
}

func (g *Gate) search(ctx context.Context, body []byte, difficulty uint8) result {
	for nonce := uint64(0); g.MaxAttempts == 0 || nonce < g.MaxAttempts; nonce++ {
		if nonce&0x3ff == 0 && ctx.Err() != nil {
			return result{err: fmt.Errorf("%w: %v", ErrProofOfWorkTimeout, ctx.Err())}
		}
		if Check(body, nonce, difficulty) {
			return result{nonce: nonce}
		}
	}
	return result{err: fmt.Errorf("%w: %d attempts exhausted", ErrProofOfWorkTimeout, g.MaxAttempts)}
}
