package care

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/prometheus"
	pkgerrors "github.com/turtacn/CareCircle/pkg/errors"
)

func newTestActors(mailbox int, idle time.Duration, onRetire func(string)) *actorSystem {
	return newActorSystem(mailbox, idle, prometheus.NewNopMetrics(), logging.NewNopLogger(), onRetire)
}

func TestActors_SerializeOneFamily(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	defer actors.stop(context.Background())

	var inFlight, maxInFlight int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := actors.do(context.Background(), "f1", func(context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, order, 50)
}

func TestActors_FamiliesRunInParallel(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	defer actors.stop(context.Background())

	gate := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		blocked <- actors.do(context.Background(), "f1", func(context.Context) error {
			<-gate
			return nil
		})
	}()

	// f2 must not wait for f1's blocked command.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, actors.do(ctx, "f2", func(context.Context) error { return nil }))
	assert.Equal(t, 2, actors.active())

	close(gate)
	require.NoError(t, <-blocked)
}

func TestActors_ReturnsTaskError(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	defer actors.stop(context.Background())

	want := pkgerrors.New(pkgerrors.ErrCodeMemberNotFound, "gone")
	err := actors.do(context.Background(), "f1", func(context.Context) error { return want })
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeMemberNotFound))
}

func TestActors_EmptyFamily(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	err := actors.do(context.Background(), "", func(context.Context) error { return nil })
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeValidation))
	assert.Equal(t, 0, actors.active())
}

func TestActors_MailboxFull(t *testing.T) {
	t.Parallel()
	actors := newTestActors(1, 0, nil)
	defer actors.stop(context.Background())

	gate := make(chan struct{})
	started := make(chan struct{})
	go actors.do(context.Background(), "f1", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started
	// One slot: the first queued command fits, the second is refused.
	go actors.do(context.Background(), "f1", func(context.Context) error { return nil })
	require.Eventually(t, func() bool {
		actors.mu.Lock()
		defer actors.mu.Unlock()
		return len(actors.actors["f1"].mailbox) == 1
	}, time.Second, time.Millisecond)

	err := actors.do(context.Background(), "f1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrMailboxFull)
	assert.True(t, pkgerrors.IsRetryable(err))
	close(gate)
}

func TestActors_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	defer actors.stop(context.Background())

	err := actors.do(context.Background(), "f1", func(context.Context) error { panic("boom") })
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInternal))

	// The actor survives.
	assert.NoError(t, actors.do(context.Background(), "f1", func(context.Context) error { return nil }))
}

func TestActors_CancelledBeforeRun(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)
	defer actors.stop(context.Background())

	gate := make(chan struct{})
	started := make(chan struct{})
	go actors.do(context.Background(), "f1", func(context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- actors.do(ctx, "f1", func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	cancel()
	err := <-errCh
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeTimeout))

	close(gate)
	require.NoError(t, actors.do(context.Background(), "f1", func(context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestActors_RetireWhenIdle(t *testing.T) {
	t.Parallel()
	retired := make(chan string, 1)
	actors := newTestActors(0, 20*time.Millisecond, func(id string) { retired <- id })
	defer actors.stop(context.Background())

	require.NoError(t, actors.do(context.Background(), "f1", func(context.Context) error { return nil }))
	select {
	case id := <-retired:
		assert.Equal(t, "f1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("actor never retired")
	}
	assert.Equal(t, 0, actors.active())

	// A retired family comes back on demand.
	require.NoError(t, actors.do(context.Background(), "f1", func(context.Context) error { return nil }))
}

func TestActors_StopDrainsAndRefuses(t *testing.T) {
	t.Parallel()
	actors := newTestActors(0, 0, nil)

	var done atomic.Int32
	gate := make(chan struct{})
	started := make(chan struct{})
	go actors.do(context.Background(), "f1", func(context.Context) error {
		close(started)
		<-gate
		done.Add(1)
		return nil
	})
	<-started
	queued := make(chan error, 1)
	go func() {
		queued <- actors.do(context.Background(), "f1", func(context.Context) error {
			done.Add(1)
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		actors.mu.Lock()
		defer actors.mu.Unlock()
		return len(actors.actors["f1"].mailbox) == 1
	}, time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- actors.stop(context.Background()) }()
	close(gate)

	require.NoError(t, <-stopped)
	require.NoError(t, <-queued)
	assert.Equal(t, int32(2), done.Load())

	err := actors.do(context.Background(), "f1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}
