package pow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshledger/pow"
)

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		in   []byte
		want int
	}{
		{[]byte{0x80}, 0},
		{[]byte{0x01}, 7},
		{[]byte{0x00, 0x40}, 9},
		{[]byte{0x00, 0x00}, 16},
	}
	for _, c := range cases {
		if got := pow.LeadingZeroBits(c.in); got != c.want {
			t.Fatalf("LeadingZeroBits(%x) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSolveAndVerify(t *testing.T) {
	g := pow.NewGate(10, 4, 0, 5*time.Second)
	body := []byte("relay record")

	nonce, err := g.Solve(context.Background(), body, g.Difficulty)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if err := g.Verify(body, nonce, g.Difficulty); err != nil {
		t.Fatalf("verify of own solution failed: %v", err)
	}
	if !pow.Check(body, nonce, 10) {
		t.Fatalf("expected Check to accept the solution")
	}
	if err := g.Verify([]byte("other body"), nonce, 20); !errors.Is(err, pow.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}

func TestVerify_BelowMinimum(t *testing.T) {
	g := pow.NewGate(8, 6, 0, time.Second)
	if err := g.Verify([]byte("x"), 0, 2); !errors.Is(err, pow.ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof below the minimum difficulty, got %v", err)
	}
}

func TestSolve_AttemptsExhausted(t *testing.T) {
	g := pow.NewGate(32, 32, 16, time.Second)
	_, err := g.Solve(context.Background(), []byte("x"), 32)
	if !errors.Is(err, pow.ErrProofOfWorkTimeout) {
		t.Fatalf("expected ErrProofOfWorkTimeout, got %v", err)
	}
}

func TestSolve_Timeout(t *testing.T) {
	g := pow.NewGate(32, 32, 0, 20*time.Millisecond)
	start := time.Now()
	_, err := g.Solve(context.Background(), []byte("x"), 32)
	if !errors.Is(err, pow.ErrProofOfWorkTimeout) {
		t.Fatalf("expected ErrProofOfWorkTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("solve overran its timeout")
	}
}

func TestSolve_DifficultyTooHigh(t *testing.T) {
	g := pow.NewGate(8, 0, 0, time.Second)
	if _, err := g.Solve(context.Background(), nil, pow.MaxDifficulty+1); !errors.Is(err, pow.ErrDifficultyTooHigh) {
		t.Fatalf("expected ErrDifficultyTooHigh, got %v", err)
	}
}

func TestSolve_ZeroDifficulty(t *testing.T) {
	g := pow.NewGate(0, 0, 0, time.Second)
	nonce, err := g.Solve(context.Background(), []byte("free"), 0)
	if err != nil || nonce != 0 {
		t.Fatalf("expected nonce 0 without work, got %d, %v", nonce, err)
	}
}
