// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeOptions(t *testing.T) {
	defaults := option{
		maxRetries: 3,
		timeout:    time.Minute,
		backoff:    2 * time.Second,
		retention:  24 * time.Hour,
	}

	t.Run("defaults pass through", func(t *testing.T) {
		got, err := composeOptions(defaults)
		require.NoError(t, err)
		assert.Equal(t, defaults, got)
	})

	t.Run("options override defaults", func(t *testing.T) {
		at := time.Now().Add(time.Hour)
		got, err := composeOptions(defaults,
			MaxRetries(10),
			Timeout(5*time.Second),
			Backoff(100*time.Millisecond),
			ProcessAt(at),
			Retention(time.Minute),
			JobID("custom-id"),
		)
		require.NoError(t, err)
		assert.Equal(t, option{
			maxRetries: 10,
			timeout:    5 * time.Second,
			backoff:    100 * time.Millisecond,
			processAt:  at,
			retention:  time.Minute,
			jobID:      "custom-id",
		}, got)
	})

	t.Run("the last option of a type wins", func(t *testing.T) {
		got, err := composeOptions(defaults, MaxRetries(1), MaxRetries(9))
		require.NoError(t, err)
		assert.Equal(t, 9, got.maxRetries)
	})

	t.Run("negative max retries is treated as zero", func(t *testing.T) {
		got, err := composeOptions(defaults, MaxRetries(-5))
		require.NoError(t, err)
		assert.Equal(t, 0, got.maxRetries)
	})

	t.Run("process in resolves to an absolute instant", func(t *testing.T) {
		got, err := composeOptions(defaults, ProcessIn(30*time.Minute))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(30*time.Minute), got.processAt, 5*time.Second)
	})

	t.Run("blank job id is rejected", func(t *testing.T) {
		for _, id := range []string{"", " ", "\t\n"} {
			_, err := composeOptions(defaults, JobID(id))
			require.Error(t, err, "id %q", id)
			assert.ErrorIs(t, err, ErrInvalidJobID)
		}
	})
}

func TestOptionString(t *testing.T) {
	at := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		opt  Option
		want string
	}{
		{MaxRetries(5), "MaxRetries(5)"},
		{Timeout(30 * time.Second), "Timeout(30s)"},
		{Backoff(100 * time.Millisecond), "Backoff(100ms)"},
		{ProcessAt(at), "ProcessAt(Sun Jun  1 12:00:00 UTC 2025)"},
		{ProcessIn(15 * time.Minute), "ProcessIn(15m0s)"},
		{Retention(time.Hour), "Retention(1h0m0s)"},
		{JobID("order-42"), `JobID("order-42")`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.opt.String())
	}
}
