// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/membroker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddToQueuePayloadForms(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	svc, err := mgr.CreateQueue("payloads", 0)
	require.NoError(t, err)

	type order struct {
		SKU   string `json:"sku"`
		Count int    `json:"count"`
	}

	tests := []struct {
		desc    string
		payload interface{}
		want    []byte
	}{
		{
			desc:    "struct payloads are marshaled to JSON",
			payload: order{SKU: "A-100", Count: 3},
			want:    []byte(`{"sku":"A-100","count":3}`),
		},
		{
			desc:    "byte slices are stored as is",
			payload: []byte(`raw bytes, not valid JSON`),
			want:    []byte(`raw bytes, not valid JSON`),
		},
		{
			desc:    "raw JSON messages are stored as is",
			payload: json.RawMessage(`{"pre":"encoded"}`),
			want:    []byte(`{"pre":"encoded"}`),
		},
		{
			desc:    "nil payloads are stored empty",
			payload: nil,
			want:    nil,
		},
	}
	for _, tc := range tests {
		id, err := svc.AddToQueue(tc.payload)
		require.NoError(t, err, tc.desc)
		info, err := svc.GetJob(id)
		require.NoError(t, err, tc.desc)
		assert.Equal(t, tc.want, info.Payload, tc.desc)
	}
}

func TestAddToQueueUnserializablePayload(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	svc, err := mgr.CreateQueue("payloads", 0)
	require.NoError(t, err)

	_, err = svc.AddToQueue(make(chan int))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestAddToQueueWithJobID(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	svc, err := mgr.CreateQueue("orders", 0)
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil, JobID("order-42"))
	require.NoError(t, err)
	assert.Equal(t, "order-42", id)

	_, err = svc.AddToQueue(nil, JobID("order-42"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = svc.AddToQueue(nil, JobID("  \t "))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJobID)
}

func TestAddToQueueScheduling(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	svc, err := mgr.CreateQueue("deferred", 0)
	require.NoError(t, err)

	now := time.Now()
	futureID, err := svc.AddToQueue(nil, ProcessIn(time.Hour))
	require.NoError(t, err)
	pastID, err := svc.AddToQueue(nil, ProcessAt(now.Add(-time.Hour)))
	require.NoError(t, err)

	info, err := svc.GetJob(futureID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)
	assert.WithinDuration(t, now.Add(time.Hour), info.NextEligibleAt, 5*time.Second)

	// An eligibility instant in the past means the job is claimable right away.
	info, err = svc.GetJob(pastID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, info.Status)
	assert.True(t, info.NextEligibleAt.IsZero())

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Equal(t, 1, stats.Pending)
}

func TestAddToQueueDefaultsAndOverrides(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{
		DefaultTimeout:     5 * time.Second,
		DefaultBackoff:     250 * time.Millisecond,
		CompletedRetention: time.Hour,
	})
	svc, err := mgr.CreateQueue("defaults", 3)
	require.NoError(t, err)

	id, err := svc.AddToQueue(nil)
	require.NoError(t, err)
	info, err := svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, "defaults", info.Queue)
	assert.Equal(t, StatusPending, info.Status)
	assert.Equal(t, 0, info.Attempts)
	assert.Equal(t, 3, info.MaxRetries)
	assert.Equal(t, 5*time.Second, info.Timeout)
	assert.Equal(t, 250*time.Millisecond, info.Backoff)
	assert.Equal(t, time.Hour, info.Retention)
	assert.WithinDuration(t, time.Now(), info.CreatedAt, 5*time.Second)

	id, err = svc.AddToQueue(nil,
		MaxRetries(7),
		Timeout(10*time.Second),
		Backoff(time.Second),
		Retention(0),
	)
	require.NoError(t, err)
	info, err = svc.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, 7, info.MaxRetries)
	assert.Equal(t, 10*time.Second, info.Timeout)
	assert.Equal(t, time.Second, info.Backoff)
	assert.Equal(t, time.Duration(0), info.Retention)
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t, membroker.New(), Config{})
	svc, err := mgr.CreateQueue("empty", 0)
	require.NoError(t, err)

	_, err = svc.GetJob("no-such-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueStatsSnapshot(t *testing.T) {
	t.Parallel()
	b := membroker.New()
	mgr := newTestManager(t, b, Config{})
	svc, err := mgr.CreateQueue("snapshot", 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.AddToQueue(nil)
		require.NoError(t, err)
	}
	_, err = svc.AddToQueue(nil, ProcessIn(time.Hour))
	require.NoError(t, err)
	require.NoError(t, b.Pause(context.Background(), "snapshot"))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snapshot", stats.Queue)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Scheduled)
	assert.Equal(t, 0, stats.InFlight)
	assert.True(t, stats.Paused)
	assert.WithinDuration(t, time.Now(), stats.Timestamp, 5*time.Second)
}

// faultyBroker wraps a working broker and fails every write with the
// given error.
type faultyBroker struct {
	base.Broker
	err error
}

func (b *faultyBroker) Enqueue(ctx context.Context, msg *base.JobMessage) error { return b.err }
func (b *faultyBroker) Schedule(ctx context.Context, msg *base.JobMessage, t time.Time) error {
	return b.err
}

func TestAddToQueueStoreUnavailable(t *testing.T) {
	t.Parallel()
	b := &faultyBroker{
		Broker: membroker.New(),
		err:    errors.E(errors.Op("test.Enqueue"), errors.Unavailable, "connection refused"),
	}
	mgr := newTestManager(t, b, Config{})
	svc, err := mgr.CreateQueue("unreachable", 0)
	require.NoError(t, err)

	_, err = svc.AddToQueue(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = svc.AddToQueue(nil, ProcessIn(time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}
