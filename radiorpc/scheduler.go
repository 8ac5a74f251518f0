// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"time"

	"github.com/juju/clock"
)

// scheduler multiplexes every deadline and retry delay of a channel onto one
// timer. The timer callback is posted to the executor; a firing whose
// generation no longer matches is stale and ignored, so a deadline is never
// acted on twice.
type scheduler struct {
	clock clock.Clock
	exec  Executor
	fire  func()

	timer clock.Timer
	at    time.Time
	gen   uint64
}

func newScheduler(clk clock.Clock, exec Executor, fire func()) *scheduler {
	return &scheduler{clock: clk, exec: exec, fire: fire}
}

// schedule arms the timer for at, replacing any earlier arming. A zero at
// disarms it.
func (s *scheduler) schedule(at time.Time) {
	if at.IsZero() {
		s.stop()
		return
	}
	if s.timer != nil && s.at.Equal(at) {
		return
	}
	s.stop()

	s.at = at
	gen := s.gen
	d := at.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	exec := s.exec
	s.timer = s.clock.AfterFunc(d, func() {
		exec.Post(func() { s.expire(gen) })
	})
}

// expire runs on the executor.
func (s *scheduler) expire(gen uint64) {
	if gen != s.gen {
		return
	}
	s.timer = nil
	s.at = time.Time{}
	s.gen++
	s.fire()
}

func (s *scheduler) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.at = time.Time{}
	s.gen++
}

// next returns the armed wake time, zero if disarmed.
func (s *scheduler) next() time.Time {
	return s.at
}

// earliest returns the earlier of a and b, treating zero as unset.
func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}
