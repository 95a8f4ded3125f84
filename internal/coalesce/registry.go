package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrCanceled is the outcome delivered to every waiter when a flight is
// canceled via Cancel or CancelAll. Operations report their own failures, so
// a canceled flight is always distinguishable from a failed upstream call.
var ErrCanceled = errors.New("coalesce: canceled")

// Operation produces the bytes for one flight. It receives the flight's own
// context, which is canceled only through Cancel or CancelAll, never by a
// caller abandoning its wait.
type Operation func(ctx context.Context) ([]byte, error)

// Registry holds at most one live flight per fingerprint. All map access
// happens under the embedded mutex; waiting for an outcome never does, so
// callers for other keys are free to create, join and cancel concurrently.
type Registry struct {
	sync.Mutex
	flights map[string]*flight

	log zerolog.Logger

	started   atomic.Uint64
	joined    atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		flights: make(map[string]*flight),
		log:     logger,
	}
}

// Do returns the outcome for key, either by starting op or by joining the
// flight another caller already started. Exactly one operation runs per key
// while its flight is live; every caller asking during that window receives
// the same outcome. A new call after the flight settled starts over.
func (r *Registry) Do(ctx context.Context, key string, op Operation) ([]byte, error) {
	r.Lock()

	if f, ok := r.flights[key]; ok {
		r.joined.Add(1)
		r.Unlock()

		r.log.Debug().Str("key", key).Msg("Joining in-flight operation")

		return f.wait(ctx)
	}

	f := newFlight(ctx, key)
	r.flights[key] = f
	r.started.Add(1)

	r.Unlock()

	r.log.Debug().Str("key", key).Msg("Starting operation")

	go r.run(f, op)

	return f.wait(ctx)
}

func (r *Registry) run(f *flight, op Operation) {
	defer f.cancel()

	defer func() {
		if p := recover(); p != nil {
			r.settle(f, nil, fmt.Errorf("coalesce: operation panicked: %v", p))
		}
	}()

	body, err := op(f.ctx)
	r.settle(f, body, err)
}

// settle publishes the outcome and removes the flight, in that order and in
// one critical section, so no waiter can find the entry gone without an
// outcome. A flight that was already resolved by Cancel or CancelAll is left
// alone: its key may since have been reused by a fresh flight.
func (r *Registry) settle(f *flight, body []byte, err error) {
	r.Lock()

	if r.flights[f.key] != f {
		r.Unlock()

		r.log.Debug().Str("key", f.key).Msg("Dropping result of canceled operation")

		return
	}

	if err != nil {
		r.failed.Add(1)
	} else {
		r.succeeded.Add(1)
	}

	f.body = body
	f.err = err
	close(f.done)
	delete(r.flights, f.key)

	r.Unlock()

	if err != nil {
		r.log.Debug().Str("key", f.key).Err(err).Msg("Operation failed")

		return
	}

	r.log.Debug().Str("key", f.key).Int("bytes", len(body)).Msg("Operation completed")
}

// Cancel resolves every waiter for key with ErrCanceled, removes the flight
// and signals the operation to stop. Unknown keys are a no-op, not an error.
func (r *Registry) Cancel(key string) {
	r.Lock()

	f, ok := r.flights[key]
	if !ok {
		r.Unlock()
		return
	}

	r.canceled.Add(1)
	f.err = ErrCanceled
	close(f.done)
	delete(r.flights, key)

	r.Unlock()

	r.log.Debug().Str("key", key).Msg("Canceled in-flight operation")

	f.cancel()
}

// CancelAll cancels every live flight. Used at teardown so no operation
// races a state reset.
func (r *Registry) CancelAll() {
	r.Lock()

	canceled := make([]*flight, 0, len(r.flights))

	for key, f := range r.flights {
		r.canceled.Add(1)
		f.err = ErrCanceled
		close(f.done)
		delete(r.flights, key)
		canceled = append(canceled, f)
	}

	r.Unlock()

	for _, f := range canceled {
		f.cancel()
	}

	if len(canceled) > 0 {
		r.log.Debug().Int("count", len(canceled)).Msg("Canceled all in-flight operations")
	}
}

// Count reports the number of live flights. Diagnostic only.
func (r *Registry) Count() int {
	r.Lock()
	defer r.Unlock()

	return len(r.flights)
}

// Keys lists the fingerprints of all live flights, in no particular order.
func (r *Registry) Keys() []string {
	r.Lock()
	defer r.Unlock()

	keys := make([]string, 0, len(r.flights))
	for key := range r.flights {
		keys = append(keys, key)
	}

	return keys
}

// Stats is a point-in-time snapshot of the registry's counters.
type Stats struct {
	Started   uint64
	Joined    uint64
	Succeeded uint64
	Failed    uint64
	Canceled  uint64
}

func (r *Registry) Stats() Stats {
	return Stats{
		Started:   r.started.Load(),
		Joined:    r.joined.Load(),
		Succeeded: r.succeeded.Load(),
		Failed:    r.failed.Load(),
		Canceled:  r.canceled.Load(),
	}
}
