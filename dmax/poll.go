package dmax

import (
	"context"
	"fmt"
	"time"
)

// Retry bounds a register poll.
type Retry struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetry polls for roughly 100ms.
var DefaultRetry = Retry{Attempts: 1000, Interval: 100 * time.Microsecond}

// PollMask reads off until every bit of mask is set, giving up with
// ErrNotResponding after r.Attempts reads. It returns the last value read, so
// read-to-clear status bits seen on the way are not lost to the caller.
func PollMask(ctx context.Context, regs Registers, off, mask uint32, r Retry) (uint32, error) {
	if r.Attempts <= 0 {
		r.Attempts = 1
	}
	var v uint32
	for i := 0; i < r.Attempts; i++ {
		if v = regs.Read32(off); v&mask == mask {
			return v, nil
		}
		if i == r.Attempts-1 {
			break
		}
		if r.Interval > 0 {
			t := time.NewTimer(r.Interval)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return v, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return v, err
		}
	}
	return v, fmt.Errorf("%w: register %#x mask %#x not set after %d reads", ErrNotResponding, off, mask, r.Attempts)
}
