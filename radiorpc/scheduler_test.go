// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresOnce(t *testing.T) {
	clk := testclock.NewClock(epoch)
	exec := &testExec{}
	fired := 0
	s := newScheduler(clk, exec, func() { fired++ })

	s.schedule(epoch.Add(time.Second))
	s.schedule(epoch.Add(time.Second))
	assert.Equal(t, epoch.Add(time.Second), s.next())

	require.NoError(t, clk.WaitAdvance(time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.tasks) == 1
	}, time.Second, time.Millisecond)

	exec.drain()
	assert.Equal(t, 1, fired)
	assert.True(t, s.next().IsZero())
}

func TestScheduler_StaleFiringIgnored(t *testing.T) {
	clk := testclock.NewClock(epoch)
	exec := &testExec{}
	fired := 0
	s := newScheduler(clk, exec, func() { fired++ })

	s.schedule(epoch.Add(time.Second))
	gen := s.gen
	s.schedule(epoch.Add(2 * time.Second))

	// A firing posted by the replaced timer must not run the callback.
	s.expire(gen)
	assert.Zero(t, fired)
	assert.Equal(t, epoch.Add(2*time.Second), s.next())

	s.schedule(time.Time{})
	assert.True(t, s.next().IsZero())
	clk.Advance(3 * time.Second)
	exec.drain()
	assert.Zero(t, fired)
}

func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	clk := testclock.NewClock(epoch.Add(time.Minute))
	exec := &testExec{}
	fired := make(chan struct{}, 1)
	s := newScheduler(clk, exec, func() { fired <- struct{}{} })

	s.schedule(epoch)
	require.Eventually(t, func() bool {
		exec.drain()
		select {
		case <-fired:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestEarliest(t *testing.T) {
	a := epoch.Add(time.Second)
	b := epoch.Add(time.Minute)
	assert.Equal(t, a, earliest(a, b))
	assert.Equal(t, a, earliest(b, a))
	assert.Equal(t, a, earliest(time.Time{}, a))
	assert.Equal(t, a, earliest(a, time.Time{}))
	assert.True(t, earliest(time.Time{}, time.Time{}).IsZero())
}
