package fee

import (
	"sync"
	"time"

	"meshledger/models"
)

// Unity is the neutral congestion scale, in permille.
const Unity = 1000

// Config holds pricing policy. Rates are micro-units; multipliers and scale
// bounds are permille.
type Config struct {
	Base               int64
	SizeRate           int64 // per payload byte
	HopRate            int64 // per hop of budget
	FavoriteMultiplier int64 // applied to the base component

	Floor   int64
	Ceiling int64

	TargetLatency time.Duration
	QueueTarget   int
	Smoothing     int64 // EWMA weight of a new latency sample, permille
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Base:               100,
		SizeRate:           2,
		HopRate:            150,
		FavoriteMultiplier: 1500,
		Floor:              Unity,
		Ceiling:            3 * Unity,
		TargetLatency:      250 * time.Millisecond,
		QueueTarget:        32,
		Smoothing:          200,
	}
}

// Compute is the pricing function. It is pure: identical inputs and signal
// always give the same breakdown.
func (c Config) Compute(size, hops int, priority models.Priority, signal int64) models.FeeBreakdown {
	if size < 0 {
		size = 0
	}
	if hops < 0 {
		hops = 0
	}
	scale := c.clamp(signal)

	base := c.Base
	if priority == models.PriorityFavorite && c.FavoriteMultiplier > 0 {
		base = base * c.FavoriteMultiplier / Unity
	}
	sizeFee := c.SizeRate * int64(size) * scale / Unity
	hopFee := c.HopRate * int64(hops) * scale / Unity
	return models.FeeBreakdown{
		Base:  base,
		Size:  sizeFee,
		Hop:   hopFee,
		Total: base + sizeFee + hopFee,
	}
}

func (c Config) clamp(signal int64) int64 {
	floor, ceiling := c.Floor, c.Ceiling
	if floor <= 0 {
		floor = Unity
	}
	if ceiling < floor {
		ceiling = floor
	}
	switch {
	case signal < floor:
		return floor
	case signal > ceiling:
		return ceiling
	}
	return signal
}

// Calculator tracks the congestion signal and prices messages against it.
type Calculator struct {
	cfg Config

	mu          sync.Mutex
	ewmaLatency int64 // microseconds
	samples     int64
	queueDepth  int
}

func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

func (c *Calculator) Config() Config {
	return c.cfg
}

// ObserveLatency folds one relay latency sample into the moving average.
func (c *Calculator) ObserveLatency(d time.Duration) {
	sample := d.Microseconds()
	if sample < 0 {
		sample = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.samples == 0 {
		c.ewmaLatency = sample
	} else {
		c.ewmaLatency += c.cfg.Smoothing * (sample - c.ewmaLatency) / Unity
	}
	c.samples++
}

// SetQueueDepth records the current relay queue depth.
func (c *Calculator) SetQueueDepth(n int) {
	c.mu.Lock()
	c.queueDepth = n
	c.mu.Unlock()
}

// Signal returns the clamped congestion scale in permille.
func (c *Calculator) Signal() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var latScale, queueScale int64
	if target := c.cfg.TargetLatency.Microseconds(); target > 0 {
		latScale = Unity * c.ewmaLatency / target
	}
	if c.cfg.QueueTarget > 0 {
		queueScale = Unity * int64(c.queueDepth) / int64(c.cfg.QueueTarget)
	}
	return c.cfg.clamp(max(latScale, queueScale))
}

// Fee prices a message against the current signal and returns both.
func (c *Calculator) Fee(size, hops int, priority models.Priority) (models.FeeBreakdown, int64) {
	signal := c.Signal()
	return c.cfg.Compute(size, hops, priority, signal), signal
}
