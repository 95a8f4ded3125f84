package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outcome struct {
	body []byte
	err  error
}

func testRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

// blockUntilCanceled parks an operation on its flight context.
func blockUntilCanceled(ctx context.Context) ([]byte, error) {
	<-ctx.Done()

	return nil, ctx.Err()
}

func TestDoExecutesOperationOnce(t *testing.T) {
	r := testRegistry()

	var calls atomic.Int32

	op := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)

		return []byte("payload"), nil
	}

	const callers = 20

	var wg sync.WaitGroup

	results := make([][]byte, callers)
	errs := make([]error, callers)

	wg.Add(callers)

	for i := 0; i < callers; i++ {
		i := i

		go func() {
			defer wg.Done()

			results[i], errs[i] = r.Do(context.Background(), "key", op)
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("payload"), results[i])
	}

	// Some whitebox testing: the entry itself is gone, not just uncounted
	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.flights)
}

func TestDoSharesFailureWithAllJoiners(t *testing.T) {
	r := testRegistry()

	errBoom := errors.New("upstream exploded")

	op := func(ctx context.Context) ([]byte, error) {
		time.Sleep(150 * time.Millisecond)

		return nil, errBoom
	}

	const callers = 5

	var wg sync.WaitGroup

	errs := make([]error, callers)

	wg.Add(callers)

	for i := 0; i < callers; i++ {
		i := i

		go func() {
			defer wg.Done()

			_, errs[i] = r.Do(context.Background(), "key", op)
		}()
	}

	wg.Wait()

	for i := 0; i < callers; i++ {
		require.ErrorIs(t, errs[i], errBoom)
	}

	// Failure removes the entry just like success does
	assert.Equal(t, 0, r.Count())
	assert.EqualValues(t, 1, r.Stats().Failed)
}

func TestDoStartsFreshAfterCompletion(t *testing.T) {
	r := testRegistry()

	var calls atomic.Int32

	op := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)

		return []byte("fresh"), nil
	}

	for i := 0; i < 2; i++ {
		body, err := r.Do(context.Background(), "key", op)
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), body)
	}

	assert.EqualValues(t, 2, calls.Load())
}

func TestDoReExecutesAfterFailure(t *testing.T) {
	r := testRegistry()

	var calls atomic.Int32

	errBoom := errors.New("transport down")

	op := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)

		return nil, errBoom
	}

	_, err := r.Do(context.Background(), "key", op)
	require.ErrorIs(t, err, errBoom)

	time.Sleep(100 * time.Millisecond)

	_, err = r.Do(context.Background(), "key", op)
	require.ErrorIs(t, err, errBoom)

	assert.EqualValues(t, 2, calls.Load())
}

func TestTwoCallersResolveTogether(t *testing.T) {
	r := testRegistry()

	var calls atomic.Int32

	op := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)

		return []byte(`{"status":"ok"}`), nil
	}

	start := time.Now()

	var (
		wg       sync.WaitGroup
		bodyA    []byte
		bodyB    []byte
		elapsedA time.Duration
		elapsedB time.Duration
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		bodyA, _ = r.Do(context.Background(), "GET /status", op)
		elapsedA = time.Since(start)
	}()

	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)

		bodyB, _ = r.Do(context.Background(), "GET /status", op)
		elapsedB = time.Since(start)
	}()

	assert.Eventually(t, func() bool { return r.Count() == 1 }, 100*time.Millisecond, 5*time.Millisecond)

	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, bodyA, bodyB)
	assert.GreaterOrEqual(t, elapsedA, 200*time.Millisecond)
	assert.InDelta(t, elapsedA.Milliseconds(), elapsedB.Milliseconds(), 50)
	assert.Equal(t, 0, r.Count())
}

func TestCancelResolvesWaitersWithCancellation(t *testing.T) {
	r := testRegistry()

	started := make(chan struct{})

	op := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	}

	errCh := make(chan error, 1)

	go func() {
		_, err := r.Do(context.Background(), "key", op)
		errCh <- err
	}()

	<-started
	r.Cancel("key")

	// The waiter sees the cancellation outcome, not the operation's own
	// context error
	require.ErrorIs(t, <-errCh, ErrCanceled)
	assert.Equal(t, 0, r.Count())
	assert.EqualValues(t, 1, r.Stats().Canceled)

	// An immediate retry on the same key is not blocked by the old entry
	body, err := r.Do(context.Background(), "key", func(ctx context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), body)

	// The canceled operation's late return was dropped, not counted
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, r.Stats().Failed)
}

func TestCancelUnknownKeyIsNoOp(t *testing.T) {
	r := testRegistry()

	r.Cancel("never-seen")

	assert.Equal(t, 0, r.Count())
	assert.EqualValues(t, 0, r.Stats().Canceled)
}

func TestCancelAllClearsEverything(t *testing.T) {
	r := testRegistry()

	errsCh := make(chan error, 3)

	for _, key := range []string{"a", "b", "c"} {
		key := key

		go func() {
			_, err := r.Do(context.Background(), key, blockUntilCanceled)
			errsCh <- err
		}()
	}

	assert.Eventually(t, func() bool { return r.Count() == 3 }, time.Second, 5*time.Millisecond)

	r.CancelAll()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, <-errsCh, ErrCanceled)
	}

	assert.Equal(t, 0, r.Count())
	assert.EqualValues(t, 3, r.Stats().Canceled)
}

func TestAbandonedWaiterDoesNotStopOperation(t *testing.T) {
	r := testRegistry()

	var calls atomic.Int32

	started := make(chan struct{})

	op := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		close(started)
		time.Sleep(100 * time.Millisecond)

		return []byte("survived"), nil
	}

	abandonCtx, abandon := context.WithCancel(context.Background())

	firstCh := make(chan error, 1)

	go func() {
		_, err := r.Do(abandonCtx, "key", op)
		firstCh <- err
	}()

	<-started

	joinCh := make(chan outcome, 1)

	go func() {
		body, err := r.Do(context.Background(), "key", op)
		joinCh <- outcome{body, err}
	}()

	// Give the joiner a moment to attach, then abandon the first caller
	time.Sleep(10 * time.Millisecond)
	abandon()

	require.ErrorIs(t, <-firstCh, context.Canceled)

	got := <-joinCh
	require.NoError(t, got.err)
	assert.Equal(t, []byte("survived"), got.body)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLateResultAfterCancelDoesNotLeakIntoNextFlight(t *testing.T) {
	r := testRegistry()

	firstStarted := make(chan struct{})
	firstRelease := make(chan struct{})
	firstCh := make(chan error, 1)

	go func() {
		_, err := r.Do(context.Background(), "key", func(ctx context.Context) ([]byte, error) {
			close(firstStarted)
			<-firstRelease

			return []byte("stale"), nil
		})
		firstCh <- err
	}()

	<-firstStarted
	r.Cancel("key")
	require.ErrorIs(t, <-firstCh, ErrCanceled)

	// Reuse the key while the first operation is still running
	secondStarted := make(chan struct{})
	secondRelease := make(chan struct{})
	secondCh := make(chan outcome, 1)

	go func() {
		body, err := r.Do(context.Background(), "key", func(ctx context.Context) ([]byte, error) {
			close(secondStarted)
			<-secondRelease

			return []byte("fresh"), nil
		})
		secondCh <- outcome{body, err}
	}()

	<-secondStarted

	// The first operation finishes late; its result must not settle the
	// second flight
	close(firstRelease)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, r.Count())

	close(secondRelease)

	got := <-secondCh
	require.NoError(t, got.err)
	assert.Equal(t, []byte("fresh"), got.body)
	assert.Equal(t, 0, r.Count())
}

func TestOperationPanicBecomesFailure(t *testing.T) {
	r := testRegistry()

	_, err := r.Do(context.Background(), "key", func(ctx context.Context) ([]byte, error) {
		panic("kaboom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 0, r.Count())
}

func TestStatsTracksOutcomes(t *testing.T) {
	r := testRegistry()

	started := make(chan struct{})
	release := make(chan struct{})
	doneCh := make(chan outcome, 2)

	go func() {
		body, err := r.Do(context.Background(), "shared", func(ctx context.Context) ([]byte, error) {
			close(started)
			<-release

			return []byte("ok"), nil
		})
		doneCh <- outcome{body, err}
	}()

	<-started

	go func() {
		// Attaches to the in-flight "shared" operation, the callback is not run.
		body, err := r.Do(context.Background(), "shared", func(ctx context.Context) ([]byte, error) {
			return []byte("unused"), nil
		})
		doneCh <- outcome{body, err}
	}()

	require.Eventually(t, func() bool { return r.Stats().Joined == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		got := <-doneCh
		require.NoError(t, got.err)
		assert.Equal(t, []byte("ok"), got.body)
	}

	_, err := r.Do(context.Background(), "failing", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	go r.Do(context.Background(), "canceled", blockUntilCanceled) //nolint:errcheck

	assert.Eventually(t, func() bool { return r.Count() == 1 }, time.Second, 5*time.Millisecond)
	r.Cancel("canceled")

	stats := r.Stats()
	assert.EqualValues(t, 3, stats.Started)
	assert.EqualValues(t, 1, stats.Joined)
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.Canceled)
}
