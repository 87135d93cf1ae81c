// Copyright 2022 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock(t *testing.T) {
	c := NewRealClock()
	before := time.Now()
	got := c.Now()
	after := time.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestSimulatedClock(t *testing.T) {
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	c := NewSimulatedClock(now)
	assert.True(t, c.Now().Equal(now))

	c.AdvanceTime(30 * time.Second)
	assert.True(t, c.Now().Equal(now.Add(30*time.Second)))

	c.SetTime(now.Add(time.Hour))
	assert.True(t, c.Now().Equal(now.Add(time.Hour)))
}
