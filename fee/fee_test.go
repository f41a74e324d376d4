package fee_test

import (
	"testing"
	"time"

	"meshledger/fee"
	"meshledger/models"
)

func TestCompute_Formula(t *testing.T) {
	cfg := fee.DefaultConfig()

	got := cfg.Compute(50, 3, models.PriorityNormal, fee.Unity)
	want := models.FeeBreakdown{Base: 100, Size: 100, Hop: 450, Total: 650}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	fav := cfg.Compute(50, 3, models.PriorityFavorite, fee.Unity)
	if fav.Base != 150 || fav.Hop != 450 || fav.Total != 700 {
		t.Fatalf("favorite multiplier must apply to the base only, got %+v", fav)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	cfg := fee.DefaultConfig()
	a := cfg.Compute(321, 4, models.PriorityNormal, 1750)
	b := cfg.Compute(321, 4, models.PriorityNormal, 1750)
	if a != b {
		t.Fatalf("identical inputs priced differently: %+v vs %+v", a, b)
	}
}

func TestCompute_MonotonicInSizeAndHops(t *testing.T) {
	cfg := fee.DefaultConfig()
	for _, signal := range []int64{fee.Unity, 2000, 3000} {
		prev := int64(-1)
		for size := 0; size <= 2048; size += 64 {
			total := cfg.Compute(size, 3, models.PriorityNormal, signal).Total
			if total < prev {
				t.Fatalf("fee decreased with size at signal %d", signal)
			}
			prev = total
		}
		prev = -1
		for hops := 0; hops <= 8; hops++ {
			total := cfg.Compute(100, hops, models.PriorityNormal, signal).Total
			if total < prev {
				t.Fatalf("fee decreased with hops at signal %d", signal)
			}
			prev = total
		}
	}
}

func TestCompute_SignalClamped(t *testing.T) {
	cfg := fee.DefaultConfig()
	low := cfg.Compute(100, 2, models.PriorityNormal, 0)
	floor := cfg.Compute(100, 2, models.PriorityNormal, cfg.Floor)
	if low != floor {
		t.Fatalf("signal below floor must price as the floor")
	}
	high := cfg.Compute(100, 2, models.PriorityNormal, 1_000_000)
	ceiling := cfg.Compute(100, 2, models.PriorityNormal, cfg.Ceiling)
	if high != ceiling {
		t.Fatalf("signal above ceiling must price as the ceiling")
	}
}

func TestCalculator_CongestionRaisesFees(t *testing.T) {
	c := fee.NewCalculator(fee.DefaultConfig())
	idle, signal := c.Fee(200, 3, models.PriorityNormal)
	if signal != fee.Unity {
		t.Fatalf("expected idle signal %d, got %d", fee.Unity, signal)
	}

	c.ObserveLatency(time.Second) // 4x target latency
	busy, signal := c.Fee(200, 3, models.PriorityNormal)
	if signal != 3*fee.Unity {
		t.Fatalf("expected signal clamped to ceiling, got %d", signal)
	}
	if busy.Total <= idle.Total {
		t.Fatalf("expected congestion to raise fees: idle %d, busy %d", idle.Total, busy.Total)
	}
	if busy.Base != idle.Base {
		t.Fatalf("congestion must not scale the base fee")
	}
}

func TestCalculator_QueueDepth(t *testing.T) {
	c := fee.NewCalculator(fee.DefaultConfig())
	c.SetQueueDepth(48) // 1.5x queue target
	if got := c.Signal(); got != 1500 {
		t.Fatalf("expected signal 1500, got %d", got)
	}
	c.SetQueueDepth(0)
	if got := c.Signal(); got != fee.Unity {
		t.Fatalf("expected signal back at unity, got %d", got)
	}
}

func TestCalculator_LatencyAverage(t *testing.T) {
	c := fee.NewCalculator(fee.DefaultConfig())
	c.ObserveLatency(500 * time.Millisecond) // first sample seeds the average: 2000
	c.ObserveLatency(0)                      // 2000 - 0.2*2000 = 1600
	if got := c.Signal(); got != 1600 {
		t.Fatalf("expected smoothed signal 1600, got %d", got)
	}
}
