package virtio

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

const DefaultPollTimeout = time.Second

// PollOptions bounds a wait on the device. A zero Interval yields to the
// scheduler between attempts instead of sleeping.
type PollOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// Poll calls cond until it reports done, returns an error, or the deadline
// passes. It never spins without yielding.
func Poll(ctx context.Context, opts PollOptions, cond func() (bool, error)) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrPollTimeout, err)
		}
		if opts.Interval <= 0 {
			runtime.Gosched()
			continue
		}
		if timer == nil {
			timer = time.NewTimer(opts.Interval)
		} else {
			timer.Reset(opts.Interval)
		}
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}
