package dedup

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// Config sizes the filter and its rotation window.
type Config struct {
	ExpectedItems     uint
	FalsePositiveRate float64
	RotateAfter       uint          // insertions per generation
	RotateInterval    time.Duration // age of a generation
}

func DefaultConfig() Config {
	return Config{
		ExpectedItems:     2048,
		FalsePositiveRate: 0.01,
		RotateAfter:       2048,
		RotateInterval:    5 * time.Minute,
	}
}

// Filter is a time-windowed probabilistic set of message identifiers. It
// keeps the previous generation for one extra window, so an identifier is
// never forgotten less than one full window after insertion.
type Filter struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	current    *bloom.BloomFilter
	previous   *bloom.BloomFilter
	inserted   uint
	rotatedAt  time.Time
	generation uint64
}

func New(cfg Config) *Filter {
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = DefaultConfig().ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = DefaultConfig().FalsePositiveRate
	}
	if cfg.RotateAfter == 0 {
		cfg.RotateAfter = cfg.ExpectedItems
	}
	f := &Filter{cfg: cfg, now: time.Now}
	f.current = f.fresh()
	f.rotatedAt = f.now()
	return f
}

// SetClock replaces the time source. Used by tests.
func (f *Filter) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.rotatedAt = now()
	f.mu.Unlock()
}

func (f *Filter) fresh() *bloom.BloomFilter {
	return bloom.NewWithEstimates(f.cfg.ExpectedItems, f.cfg.FalsePositiveRate)
}

// Seen reports whether id was already recorded and records it.
func (f *Filter) Seen(id []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.RotateInterval > 0 && f.now().Sub(f.rotatedAt) >= f.cfg.RotateInterval {
		f.rotateLocked()
	}

	hit := f.current.TestAndAdd(id)
	if !hit {
		f.inserted++
		if f.previous != nil && f.previous.Test(id) {
			hit = true
		}
	}
	if f.inserted >= f.cfg.RotateAfter {
		f.rotateLocked()
	}
	return hit
}

// Contains tests id without recording it.
func (f *Filter) Contains(id []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Test(id) {
		return true
	}
	return f.previous != nil && f.previous.Test(id)
}

func (f *Filter) rotateLocked() {
	f.previous = f.current
	f.current = f.fresh()
	f.inserted = 0
	f.rotatedAt = f.now()
	f.generation++
}

// Reset forgets every identifier, both generations included.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previous = nil
	f.current = f.fresh()
	f.inserted = 0
	f.rotatedAt = f.now()
	f.generation++
}

// Generation counts rotations and resets.
func (f *Filter) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}
