// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/membroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager returns a manager over the given broker with intervals
// tightened for tests and logging silenced.
func newTestManager(tb testing.TB, b base.Broker, cfg Config) *Manager {
	tb.Helper()
	if cfg.JobCheckInterval == 0 {
		cfg.JobCheckInterval = 10 * time.Millisecond
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}
	if cfg.LogLevel == level_unspecified {
		cfg.LogLevel = FatalLevel
	}
	mgr, err := newManager(b, cfg)
	require.NoError(tb, err)
	return mgr
}

type badConnOpt struct{}

func (badConnOpt) MakeRedisClient() interface{} { return "not a redis client" }

func TestNewManagerRejectsUnsupportedConnOpt(t *testing.T) {
	t.Parallel()
	_, err := NewManager(badConnOpt{}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported RedisConnOpt")
}

func TestNewManagerFailsWhenStoreUnreachable(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	require.NoError(t, b.Close())
	_, err := newManager(b, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach the store")
}

func TestManagerStartStateMachine(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	require.NoError(t, mgr.Start())
	err := mgr.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	mgr.Stop()
	err = mgr.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped state")

	mgr.Shutdown()
	err = mgr.Start()
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManagerShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	require.NoError(t, mgr.Start())
	mgr.Shutdown()
	mgr.Shutdown() // no-op on a closed manager
}

func TestManagerPing(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	require.NoError(t, mgr.Start())
	require.NoError(t, mgr.Ping())
	mgr.Shutdown()
	require.NoError(t, mgr.Ping(), "ping on a closed manager reports no error")
}

func TestCreateQueueWithProcessorIdempotent(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	var firstCalls, secondCalls int
	svc1, err := mgr.CreateQueueWithProcessor("notifications", 2, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			firstCalls++
			return nil
		}))
	require.NoError(t, err)
	svc2, err := mgr.CreateQueueWithProcessor("notifications", 5, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			secondCalls++
			return nil
		}))
	require.NoError(t, err)

	require.Same(t, svc1, svc2)

	mgr.registry.mu.Lock()
	numDispatchers := len(mgr.registry.dispatchers)
	mgr.registry.mu.Unlock()
	require.Equal(t, 1, numDispatchers, "repeat registration must not create a second dispatcher")

	// The first registration keeps both the handler and the maxRetries.
	assert.Equal(t, 2, svc1.maxRetries)

	id, err := svc1.AddToQueue(nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	require.Eventually(t, func() bool {
		info, err := svc1.GetJob(id)
		return err == nil && info.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, firstCalls)
	assert.Equal(t, 0, secondCalls)
}

func TestCreateQueueRegistersProducerOnlyService(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	svc, err := mgr.CreateQueue("audit", 1)
	require.NoError(t, err)

	mgr.registry.mu.Lock()
	numDispatchers := len(mgr.registry.dispatchers)
	mgr.registry.mu.Unlock()
	assert.Equal(t, 0, numDispatchers)

	id, err := svc.AddToQueue(map[string]string{"event": "login"})
	require.NoError(t, err)
	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)

	// Binding a processor afterwards upgrades the same registration.
	svc2, err := mgr.CreateQueueWithProcessor("audit", 1, HandlerFunc(
		func(ctx context.Context, job *Job) error { return nil }))
	require.NoError(t, err)
	require.Same(t, svc, svc2)

	mgr.registry.mu.Lock()
	numDispatchers = len(mgr.registry.dispatchers)
	mgr.registry.mu.Unlock()
	assert.Equal(t, 1, numDispatchers)
}

func TestCreateQueueValidation(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	_, err := mgr.CreateQueue("", 0)
	require.Error(t, err)

	_, err = mgr.CreateQueueWithProcessor("payments", 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil handler")

	mgr.Shutdown()
	_, err = mgr.CreateQueue("late", 0)
	require.Error(t, err)
}

func TestCreateQueueWithProcessorWhileActive(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	processed := make(chan string, 1)
	svc, err := mgr.CreateQueueWithProcessor("live", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			processed <- job.ID()
			return nil
		}))
	require.NoError(t, err)

	id, err := svc.AddToQueue([]byte(`{"k":"v"}`))
	require.NoError(t, err)

	select {
	case got := <-processed:
		assert.Equal(t, id, got)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not processed by a dispatcher registered while active")
	}
}

func TestGetQueue(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	require.Nil(t, mgr.GetQueue("missing"))
	svc, err := mgr.CreateQueue("reports", 3)
	require.NoError(t, err)
	require.Same(t, svc, mgr.GetQueue("reports"))
}

func TestStopPausesClaiming(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})

	processed := make(chan string, 2)
	svc, err := mgr.CreateQueueWithProcessor("steady", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error {
			processed <- job.ID()
			return nil
		}))
	require.NoError(t, err)
	require.NoError(t, mgr.Start())
	defer mgr.Shutdown()

	first, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	select {
	case got := <-processed:
		require.Equal(t, first, got)
	case <-time.After(3 * time.Second):
		t.Fatal("first job was not processed")
	}

	mgr.Stop()
	// Give the dispatcher loop time to wind down; a claim that raced the
	// stop signal finds the queue empty and exits.
	time.Sleep(100 * time.Millisecond)

	second, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	select {
	case got := <-processed:
		t.Fatalf("job %s was claimed after Stop", got)
	default:
	}
	info, err := svc.GetJob(second)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)
}

func TestHeartbeaterWritesServerState(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	mgr := newTestManager(t, b, Config{Concurrency: 3})
	_, err := mgr.CreateQueueWithProcessor("beat", 0, HandlerFunc(
		func(ctx context.Context, job *Job) error { return nil }))
	require.NoError(t, err)

	require.NoError(t, mgr.Start())
	require.Eventually(t, func() bool {
		servers := b.Servers()
		if len(servers) != 1 {
			return false
		}
		s := servers[0]
		return s.Status == "active" && s.Queues["beat"] == 3
	}, 3*time.Second, 10*time.Millisecond)

	mgr.Shutdown()
	assert.Empty(t, b.Servers(), "server state is cleared on shutdown")
}

func TestDefaultRetryDelayFunc(t *testing.T) {
	t.Parallel()
	job := newJob(&base.JobMessage{Backoff: 100})
	boom := errors.New("boom")

	assert.Equal(t, 100*time.Millisecond, DefaultRetryDelayFunc(1, boom, job))
	assert.Equal(t, 200*time.Millisecond, DefaultRetryDelayFunc(2, boom, job))
	assert.Equal(t, 400*time.Millisecond, DefaultRetryDelayFunc(3, boom, job))
	assert.Equal(t, 800*time.Millisecond, DefaultRetryDelayFunc(4, boom, job))

	// A job with no backoff of its own falls back to the default.
	bare := newJob(&base.JobMessage{})
	assert.Equal(t, defaultBackoff, DefaultRetryDelayFunc(1, boom, bare))

	// The delay is capped no matter how many attempts accumulate.
	assert.Equal(t, 24*time.Hour, DefaultRetryDelayFunc(64, boom, job))
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	var l LogLevel
	require.NoError(t, l.Set("debug"))
	assert.Equal(t, DebugLevel, l)
	require.NoError(t, l.Set("WARNING"))
	assert.Equal(t, WarnLevel, l)
	assert.Equal(t, "warn", l.String())
	require.Error(t, l.Set("verbose"))
}
