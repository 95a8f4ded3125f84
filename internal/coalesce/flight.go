package coalesce

import (
	"context"
)

// flight is the bookkeeping record for one outstanding operation. body and
// err are written exactly once, before done is closed, and are only read
// after done is closed.
type flight struct {
	key string

	// ctx is detached from the originating caller so the operation survives
	// that caller abandoning its wait. cancel stops the operation; Cancel and
	// CancelAll use it to interrupt, the runner calls it as cleanup once the
	// operation has returned.
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	body []byte
	err  error
}

func newFlight(ctx context.Context, key string) *flight {
	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	return &flight{
		key:    key,
		ctx:    opCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// wait blocks until the flight settles or the caller stops caring. Giving up
// abandons only this caller's wait, the operation keeps running for any
// other joiner.
func (f *flight) wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
