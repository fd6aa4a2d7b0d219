package wait

import (
	"context"
	"fmt"
	"time"
)

// Settle blocks for d or until ctx is done, whichever comes first.
// A non-positive d returns immediately.
func Settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Waiter polls a condition until it holds or a timeout expires
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// WaitFor waits for condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func(context.Context) bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if condition(ctx) {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition(ctx) {
				return nil
			}
		}
	}
}
