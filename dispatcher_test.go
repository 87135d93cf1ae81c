// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/priyansh/swarmq/internal/membroker"
	"github.com/priyansh/swarmq/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	var mu sync.Mutex
	var attempts []int
	var attemptTimes []time.Time
	svc, err := mgr.CreateQueueWithProcessor("flaky", 2, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			defer mu.Unlock()
			attempts = append(attempts, job.Attempts())
			attemptTimes = append(attemptTimes, time.Now())
			if len(attempts) < 3 {
				return errors.New("transient failure")
			}
			return nil
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue([]byte(`{"n":1}`), Backoff(100*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, attempts,
		"attempt numbers are consecutive and start at 1")
	// Delays of 100ms then 200ms must separate the three invocations.
	assert.GreaterOrEqual(t, attemptTimes[2].Sub(attemptTimes[0]), 300*time.Millisecond)

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Attempts)
	assert.Equal(t, "transient failure", info.LastError,
		"the error of the earlier attempts is retained on the record")
}

func TestDispatcherFailsJobAfterAttemptsExhausted(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	calls := 0
	var mu sync.Mutex
	svc, err := mgr.CreateQueueWithProcessor("doomed", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return errors.New("boom")
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Attempts, "maxRetries=0 allows exactly one attempt")
	assert.Equal(t, "boom", info.LastError)
	assert.False(t, info.LastFailedAt.IsZero())

	// No further invocations happen once the job is failed.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestDispatcherRecordsTimeout(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	svc, err := mgr.CreateQueueWithProcessor("slow", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			<-ctx.Done()
			return ctx.Err()
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil, Timeout(50*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Attempts, "a timed out invocation counts as an attempt")
	assert.Equal(t, ErrJobTimeout.Error(), info.LastError)
}

func TestDispatcherRetriesTimedOutJob(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	var mu sync.Mutex
	var stalled bool
	svc, err := mgr.CreateQueueWithProcessor("recoverable", 1, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			first := !stalled
			stalled = true
			mu.Unlock()
			if first {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil, Timeout(50*time.Millisecond), Backoff(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Attempts)
}

func TestDispatcherRecoversFromPanic(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	var mu sync.Mutex
	calls := 0
	svc, err := mgr.CreateQueueWithProcessor("panicky", 1, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			calls++
			mu.Unlock()
			panic("kaboom")
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil, Backoff(10*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, calls, "a panicking invocation is retried like a failed one")
	mu.Unlock()
	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Attempts)
	assert.Contains(t, info.LastError, "panic")
	assert.Contains(t, info.LastError, "kaboom")
}

func TestConcurrentManagersDoNotDuplicateWork(t *testing.T) {
	t.Parallel()
	b := membroker.New()

	const numJobs = 40
	var mu sync.Mutex
	seen := make(map[string]int)
	handler := HandlerFunc(func(ctx context.Context, job *Job) error {
		mu.Lock()
		seen[job.ID()]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	mgrA := newTestManager(t, b, Config{Concurrency: 4})
	mgrB := newTestManager(t, b, Config{Concurrency: 4})
	svc, err := mgrA.CreateQueueWithProcessor("shared", 1, handler)
	require.NoError(t, err)
	_, err = mgrB.CreateQueueWithProcessor("shared", 1, handler)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for i := 0; i < numJobs; i++ {
		id, err := svc.AddToQueue(map[string]int{"n": i})
		require.NoError(t, err)
		ids[id] = true
	}

	require.NoError(t, mgrA.Start())
	require.NoError(t, mgrB.Start())
	defer mgrA.Shutdown()
	defer mgrB.Shutdown()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == numJobs
	}, 5*time.Second, 10*time.Millisecond)

	// Let any straggler double-delivery surface before checking counts.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		assert.True(t, ids[id], "processed job %s was never enqueued", id)
		assert.Equal(t, 1, count, "job %s was processed %d times", id, count)
	}
}

func TestShutdownWaitsForInFlightJobs(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{ShutdownTimeout: 2 * time.Second})

	started := make(chan struct{})
	svc, err := mgr.CreateQueueWithProcessor("graceful", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return nil
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	mgr.Shutdown()

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status, "shutdown drains in-flight jobs")
}

func TestShutdownRequeuesAbortedJobs(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{ShutdownTimeout: 100 * time.Millisecond})

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	svc, err := mgr.CreateQueueWithProcessor("stuck", 3, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			close(started)
			<-block
			return nil
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	mgr.Shutdown()

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status, "aborted job goes back on the queue")
	assert.Equal(t, 0, info.Attempts, "the aborted invocation does not count")
}

func TestCancelProcessing(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	mgr := newTestManager(t, b, Config{})

	started := make(chan struct{})
	svc, err := mgr.CreateQueueWithProcessor("cancelable", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil, Timeout(time.Minute))
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}
	require.NoError(t, b.PublishCancelation(id))

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, context.Canceled.Error(), info.LastError)
}

func TestPausedQueueIsNotClaimed(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	mgr := newTestManager(t, b, Config{})

	processed := make(chan string, 1)
	svc, err := mgr.CreateQueueWithProcessor("pausable", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			processed <- job.ID()
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, b.Pause(context.Background(), "pausable"))
	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	time.Sleep(200 * time.Millisecond)
	select {
	case <-processed:
		t.Fatal("job was claimed from a paused queue")
	default:
	}

	require.NoError(t, b.Unpause(context.Background(), "pausable"))
	select {
	case got := <-processed:
		assert.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not processed after unpause")
	}
}

func TestRecovererResolvesLeaseExpiredJobs(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	// Claims made on a clock two minutes behind produce leases that have
	// already expired from the recoverer's point of view.
	clk := timeutil.NewSimulatedClock(time.Now().Add(-2 * time.Minute))
	b.SetClock(clk)
	mgr := newTestManager(t, b, Config{})

	svcRetry, err := mgr.CreateQueue("expired-retry", 2)
	require.NoError(t, err)
	svcFail, err := mgr.CreateQueue("expired-fail", 0)
	require.NoError(t, err)

	retryID, err := svcRetry.AddToQueue(nil, Timeout(time.Second))
	require.NoError(t, err)
	failID, err := svcFail.AddToQueue(nil, Timeout(time.Second))
	require.NoError(t, err)

	// Simulate workers that claimed the jobs and then died.
	_, _, err = b.Claim("expired-retry")
	require.NoError(t, err)
	_, _, err = b.Claim("expired-fail")
	require.NoError(t, err)

	mgr.recoverer.recover()

	info, err := svcRetry.GetJob(retryID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status, "job with attempts left is rescheduled")
	assert.Equal(t, ErrLeaseExpired.Error(), info.LastError)
	assert.Equal(t, 1, info.Attempts)

	info, err = svcFail.GetJob(failID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, info.Status, "job out of attempts is failed")
	assert.Equal(t, ErrLeaseExpired.Error(), info.LastError)
}

func TestDispatcherRunsJobsConcurrently(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{Concurrency: 4})

	var mu sync.Mutex
	running, peak := 0, 0
	svc, err := mgr.CreateQueueWithProcessor("parallel", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(100 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}))
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		_, err := svc.AddToQueue(map[string]int{"n": i})
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		stats, err := svc.Stats(context.Background())
		return err == nil && stats.Processed == 8
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, peak, 1, "jobs overlap under concurrency > 1")
	assert.LessOrEqual(t, peak, 4, "worker count never exceeds the configured concurrency")
}

func TestErrorHandlerIsInvoked(t *testing.T) {
	t.Parallel()
	type handled struct {
		id  string
		err error
	}
	got := make(chan handled, 1)
	mgr := newTestManager(t, membroker.New(), Config{
		ErrorHandler: ErrorHandlerFunc(func(ctx context.Context, job *Job, err error) {
			select {
			case got <- handled{id: job.ID(), err: err}:
			default:
			}
		}),
	})

	boom := errors.New("boom")
	svc, err := mgr.CreateQueueWithProcessor("observed", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error { return boom }))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	select {
	case h := <-got:
		assert.Equal(t, id, h.id)
		assert.Equal(t, boom, h.err)
	case <-time.After(3 * time.Second):
		t.Fatal("error handler was not invoked")
	}
}

func TestCustomRetryDelayFunc(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var delays []int
	mgr := newTestManager(t, membroker.New(), Config{
		RetryDelayFunc: func(n int, e error, j *Job) time.Duration {
			mu.Lock()
			delays = append(delays, n)
			mu.Unlock()
			return time.Millisecond
		},
	})

	attempts := 0
	svc, err := mgr.CreateQueueWithProcessor("custom", 2, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			attempts++
			return fmt.Errorf("failure %d", attempts)
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc.GetJob(id)
		return err == nil && info.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, delays, "delay function sees the attempt count of each failure")
}
