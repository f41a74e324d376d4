package router

import (
	"fmt"
	"strings"
	"time"

	"meshledger/frame"
)

// PowerMode is the battery policy input. Lower power stretches relay jitter
// and thins out cover traffic.
type PowerMode int

const (
	PowerPerformance PowerMode = iota
	PowerBalanced
	PowerSaver
	PowerUltraLow
)

func (m PowerMode) String() string {
	switch m {
	case PowerPerformance:
		return "performance"
	case PowerBalanced:
		return "balanced"
	case PowerSaver:
		return "power-saver"
	case PowerUltraLow:
		return "ultra-low"
	}
	return fmt.Sprintf("power(%d)", int(m))
}

// ParsePowerMode accepts the names printed by String.
func ParsePowerMode(s string) (PowerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "performance":
		return PowerPerformance, nil
	case "balanced":
		return PowerBalanced, nil
	case "power-saver", "saver":
		return PowerSaver, nil
	case "ultra-low", "ultralow":
		return PowerUltraLow, nil
	}
	return PowerPerformance, fmt.Errorf("unknown power mode %q", s)
}

// jitterScale and coverScale are permille multipliers.
func (m PowerMode) jitterScale() int64 {
	switch m {
	case PowerBalanced:
		return 1500
	case PowerSaver:
		return 2000
	case PowerUltraLow:
		return 3000
	}
	return 1000
}

func (m PowerMode) coverScale() int64 {
	switch m {
	case PowerBalanced:
		return 750
	case PowerSaver:
		return 500
	case PowerUltraLow:
		return 0
	}
	return 1000
}

// Config is the router policy.
type Config struct {
	DefaultTTL  uint8
	FavoriteTTL uint8

	JitterMin        time.Duration
	JitterMax        time.Duration
	CoverProbability float64
	PowerMode        PowerMode

	QueueSize    int
	HoldCapacity int
	HoldTTL      time.Duration
	OutboxLimit  int

	AuthFailureLimit    int
	AuthFailureCooldown time.Duration

	// Seed fixes the jitter source; zero seeds from the clock.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:          frame.DefaultTTL,
		FavoriteTTL:         frame.FavoriteTTL,
		JitterMin:           10 * time.Millisecond,
		JitterMax:           120 * time.Millisecond,
		CoverProbability:    0.1,
		PowerMode:           PowerPerformance,
		QueueSize:           256,
		HoldCapacity:        128,
		HoldTTL:             10 * time.Minute,
		OutboxLimit:         32,
		AuthFailureLimit:    5,
		AuthFailureCooldown: time.Minute,
	}
}
