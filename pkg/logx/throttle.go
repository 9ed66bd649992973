package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle limits how often a noisy log line is written and counts the
// lines it held back.
type Throttle struct {
	lim     *rate.Limiter
	dropped atomic.Uint64
}

// NewThrottle allows perSec lines per second with a burst of at least one.
// A negative rate holds back every line.
func NewThrottle(perSec float64) *Throttle {
	if perSec < 0 {
		return &Throttle{lim: rate.NewLimiter(0, 0)}
	}
	burst := max(int(perSec), 1)
	return &Throttle{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether the next line may be written. When it may, the
// returned fields carry the number of lines dropped since the last one.
func (t *Throttle) Allow() (bool, []Field) {
	if !t.lim.Allow() {
		t.dropped.Add(1)
		return false, nil
	}
	if n := t.dropped.Swap(0); n > 0 {
		return true, []Field{Uint64("suppressed", n)}
	}
	return true, nil
}

// Dropped returns the lines held back since the last allowed one.
func (t *Throttle) Dropped() uint64 { return t.dropped.Load() }
