// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want string
	}{
		{
			desc: "With Code and string",
			err:  E(Op("rdb.Enqueue"), NotFound, "job not found"),
			want: "NOT_FOUND: job not found",
		},
		{
			desc: "With Code only",
			err:  E(Op("rdb.Claim"), Unavailable),
			want: "UNAVAILABLE",
		},
		{
			desc: "With wrapped error",
			err:  E(Op("rdb.Claim"), NotFound, ErrNoProcessableJob),
			want: "NOT_FOUND: no job is ready for processing",
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.err.Error(), tc.desc)
	}
}

func TestErrorDebugString(t *testing.T) {
	err := E(Op("membroker.Enqueue"), AlreadyExists, ErrDuplicateJob)
	e, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "membroker.Enqueue: ALREADY_EXISTS: job already exists", e.DebugString())
}

func TestErrorIsThroughChain(t *testing.T) {
	err := E(Op("rdb.Claim"), NotFound, ErrNoProcessableJob)
	assert.True(t, Is(err, ErrNoProcessableJob))
	assert.False(t, Is(err, ErrDuplicateJob))

	// A nested E chain still unwraps to the sentinel.
	outer := E(Op("queue.AddToQueue"), err)
	assert.True(t, Is(outer, ErrNoProcessableJob))
}

func TestCanonicalCode(t *testing.T) {
	tests := []struct {
		desc string
		err  error
		want Code
	}{
		{
			desc: "coded error",
			err:  E(Op("rdb.GetInfo"), NotFound, "no such job"),
			want: NotFound,
		},
		{
			desc: "code on the inner error",
			err:  E(Op("queue.GetJob"), E(Op("rdb.GetInfo"), NotFound, "no such job")),
			want: NotFound,
		},
		{
			desc: "plain error",
			err:  New("plain"),
			want: Unspecified,
		},
		{
			desc: "nil error",
			err:  nil,
			want: Unspecified,
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanonicalCode(tc.err), tc.desc)
	}
}

func TestIsJobNotFound(t *testing.T) {
	err := E(Op("rdb.GetInfo"), NotFound, &JobNotFoundError{Queue: "orders", ID: "5fe2a391"})
	assert.True(t, IsJobNotFound(err))
	assert.Contains(t, err.Error(), "5fe2a391")
	assert.Contains(t, err.Error(), `"orders"`)

	assert.False(t, IsJobNotFound(E(Op("rdb.GetInfo"), NotFound, "something else")))
	assert.False(t, IsJobNotFound(nil))
}

func TestIsQueueNotFound(t *testing.T) {
	err := E(Op("rdb.CurrentStats"), NotFound, &QueueNotFoundError{Queue: "orders"})
	assert.True(t, IsQueueNotFound(err))
	assert.False(t, IsQueueNotFound(E(Op("rdb.CurrentStats"), NotFound, "something else")))
}

func TestRedisCommandErrorUnwrap(t *testing.T) {
	inner := New("connection reset")
	err := &RedisCommandError{Command: "zadd", Err: inner}
	assert.Equal(t, "redis command error: ZADD failed: connection reset", err.Error())
	assert.True(t, Is(err, inner))
}
