// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeys(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{QueueKeyPrefix("orders"), "swarmq:{orders}:"},
		{PendingKey("orders"), "swarmq:{orders}:pending"},
		{ActiveKey("orders"), "swarmq:{orders}:active"},
		{ScheduledKey("orders"), "swarmq:{orders}:scheduled"},
		{RetryKey("orders"), "swarmq:{orders}:retry"},
		{FailedKey("orders"), "swarmq:{orders}:failed"},
		{CompletedKey("orders"), "swarmq:{orders}:completed"},
		{LeaseKey("orders"), "swarmq:{orders}:lease"},
		{PausedKey("orders"), "swarmq:{orders}:paused"},
		{JobKey("orders", "5fe2a391"), "swarmq:{orders}:j:5fe2a391"},
		{ProcessedTotalKey("orders"), "swarmq:{orders}:processed"},
		{FailedTotalKey("orders"), "swarmq:{orders}:failed_total"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.got)
	}
}

func TestDailyStatsKeys(t *testing.T) {
	// The day boundary is UTC no matter the location of the given time.
	jst := time.FixedZone("JST", 9*60*60)
	ts := time.Date(2025, time.January, 1, 5, 0, 0, 0, jst) // Dec 31 20:00 UTC
	assert.Equal(t, "swarmq:{orders}:processed:2024-12-31", DailyProcessedKey("orders", ts))
	assert.Equal(t, "swarmq:{orders}:failed:2024-12-31", DailyFailedKey("orders", ts))
}

func TestServerAndWorkerKeys(t *testing.T) {
	assert.Equal(t, "swarmq:servers:{worker-1:1234:abc123}", ServerInfoKey("worker-1", 1234, "abc123"))
	assert.Equal(t, "swarmq:workers:{worker-1:1234:abc123}", WorkersKey("worker-1", 1234, "abc123"))
}

func TestValidateQueueName(t *testing.T) {
	for _, qname := range []string{"default", "critical-jobs", "Emails", "q1"} {
		assert.NoError(t, ValidateQueueName(qname), "queue name %q", qname)
	}
	for _, qname := range []string{"", "  ", "\t"} {
		assert.Error(t, ValidateQueueName(qname), "queue name %q", qname)
	}
}

func TestJobStateStringRoundTrip(t *testing.T) {
	states := []JobState{
		JobStateActive,
		JobStatePending,
		JobStateScheduled,
		JobStateRetry,
		JobStateFailed,
		JobStateCompleted,
	}
	for _, state := range states {
		got, err := JobStateFromString(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}
	_, err := JobStateFromString("nonsense")
	assert.Error(t, err)
}

func TestEncodeMessageExcludesAttempts(t *testing.T) {
	msg := &JobMessage{
		ID:         "5fe2a391",
		Queue:      "orders",
		Payload:    []byte(`{"n":1}`),
		MaxRetries: 3,
		Attempts:   2,
		Timeout:    1500,
		Backoff:    250,
		CreatedAt:  1735689600000,
	}
	encoded, err := EncodeMessage(msg)
	require.NoError(t, err)
	// Attempt counts live in their own store field so that a claim can
	// increment them atomically; the serialized message must not carry one.
	assert.False(t, strings.Contains(string(encoded), "ttempts"))

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Zero(t, decoded.Attempts)
	decoded.Attempts = msg.Attempts
	assert.Equal(t, msg, decoded)
}

func TestEncodeMessageNil(t *testing.T) {
	_, err := EncodeMessage(nil)
	assert.Error(t, err)
}

func TestCancelations(t *testing.T) {
	c := NewCancelations()
	_, ok := c.Get("no-such-id")
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	c.Add("job-1", cancel)

	fn, ok := c.Get("job-1")
	require.True(t, ok)
	fn()
	select {
	case <-ctx.Done():
	default:
		t.Error("stored cancel func does not cancel its context")
	}

	c.Delete("job-1")
	_, ok = c.Get("job-1")
	assert.False(t, ok)
}
