// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *harness) submitIn(g *RequestGroup, code uint32) *Request {
	req := g.NewRequest(code, h.complete, h.destroy)
	require.True(h.t, req.Submit())
	req.Unref()
	return req
}

func TestGroup_BlockHandOff(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		var changes []uuid.UUID
		h.ch.AddOwnerChangedHandler(func(ch *Channel) {
			changes = append(changes, ch.Stats().Owner)
		})

		a := h.ch.NewGroup()
		b := h.ch.NewGroup()
		assert.Equal(t, BlockAcquired, a.Block())
		assert.Equal(t, BlockAcquired, a.Block(), "block is idempotent for the owner")
		assert.Equal(t, BlockQueued, b.Block())
		assert.Equal(t, BlockQueued, b.Block())
		assert.Equal(t, 1, h.ch.Stats().Waitlist)

		fromB := h.submitIn(b, 1)
		ungrouped := h.submit(2)
		fromA := h.submitIn(a, 3)
		assert.Equal(t, StateQueued, fromB.State())
		assert.Equal(t, StateQueued, ungrouped.State())
		assert.Equal(t, StatePending, fromA.State())

		a.Unblock()
		assert.Equal(t, BlockNone, a.Status())
		assert.Equal(t, BlockAcquired, b.Status())
		assert.Same(t, b, h.ch.Owner())
		assert.Equal(t, StatePending, fromB.State())
		assert.Equal(t, StateQueued, ungrouped.State(), "ungrouped request sent while a group owns the channel")

		b.Unblock()
		assert.Nil(t, h.ch.Owner())
		assert.Equal(t, StatePending, ungrouped.State())

		assert.Equal(t, []uuid.UUID{a.ID(), b.ID(), uuid.Nil}, changes)
		a.Unref()
		b.Unref()
	})
}

func TestGroup_PromotedWhenForeignRequestsDrain(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		first := h.submit(1)
		second := h.submit(2)

		a := h.ch.NewGroup()
		defer a.Unref()
		require.Equal(t, BlockQueued, a.Block())

		mine := h.submitIn(a, 3)
		late := h.submit(4)
		assert.Equal(t, StateQueued, mine.State())
		assert.Equal(t, StateQueued, late.State())

		require.True(t, h.ch.HandleResponse(first.Serial(), 1, ErrorNone, nil))
		assert.Equal(t, BlockQueued, a.Status())

		require.True(t, h.ch.HandleResponse(second.Serial(), 2, ErrorNone, nil))
		assert.Equal(t, BlockAcquired, a.Status())
		assert.Equal(t, StatePending, mine.State())
		assert.Equal(t, StateQueued, late.State())
	})
}

func TestGroup_BlockWithOwnPendingRequests(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		a := h.ch.NewGroup()
		defer a.Unref()
		h.submitIn(a, 1)
		assert.Equal(t, BlockAcquired, a.Block())
	})
}

func TestGroup_UnblockFromWaitlist(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		a := h.ch.NewGroup()
		b := h.ch.NewGroup()
		require.Equal(t, BlockAcquired, a.Block())
		require.Equal(t, BlockQueued, b.Block())

		b.Unblock()
		assert.Equal(t, BlockNone, b.Status())
		assert.Zero(t, h.ch.Stats().Waitlist)
		assert.Same(t, a, h.ch.Owner())

		b.Unblock()
		a.Unref()
		b.Unref()
	})
}

func TestGroup_RemoveHandler(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		var first, second int
		id := h.ch.AddOwnerChangedHandler(func(*Channel) { first++ })
		h.ch.AddOwnerChangedHandler(func(*Channel) { second++ })

		a := h.ch.NewGroup()
		a.Block()
		h.ch.RemoveHandler(id)
		h.ch.RemoveHandler(id)
		a.Unblock()

		assert.Equal(t, 1, first)
		assert.Equal(t, 2, second)
		assert.Panics(t, func() { h.ch.AddOwnerChangedHandler(nil) })
		a.Unref()
	})
}

func TestGroup_Cancel(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		g := h.ch.NewGroup()
		pending := h.submitIn(g, 1)
		fresh := g.NewRequest(2, h.complete, h.destroy)
		other := h.submit(3)
		assert.Equal(t, 2, g.Len())

		g.Cancel()
		assert.Zero(t, g.Len())
		assert.Equal(t, StateCancelled, pending.State())
		assert.Equal(t, StateCancelled, fresh.State())
		assert.Equal(t, StatePending, other.State())
		assert.Empty(t, h.outcomes)
		assert.Equal(t, 1, h.destroyed[pending])
		assert.Zero(t, h.destroyed[fresh], "caller still holds a reference")

		fresh.Unref()
		g.Cancel()
		g.Unref()
	})
}

func TestGroup_CancelFromCallback(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		g := h.ch.NewGroup()
		first := g.NewRequest(1, func(r *Request, status Status, resp *Response) {
			h.complete(r, status, resp)
			assert.Nil(t, r.Group(), "completed request still in its group")
			g.Cancel()
		}, h.destroy)
		require.Same(t, h.ch, first.Group().Channel())
		require.True(t, first.Submit())
		first.Unref()
		second := h.submitIn(g, 2)

		require.True(t, h.ch.HandleResponse(first.Serial(), 1, ErrorNone, nil))
		assert.Len(t, h.outcomes[first], 1)
		assert.Equal(t, StateCancelled, second.State())
		assert.Empty(t, h.outcomes[second])
		assert.Equal(t, 1, h.destroyed[second])
		assert.Zero(t, g.Len())

		g.Unref()
	})
}

func TestGroup_CompletedRequestsLeaveGroup(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		g := h.ch.NewGroup()
		defer g.Unref()
		req := h.submitIn(g, 1)
		assert.Same(t, g, req.Group())
		require.True(t, h.ch.HandleResponse(req.Serial(), 1, ErrorNone, nil))
		assert.Zero(t, g.Len())
		assert.Nil(t, req.Group())
	})
}

func TestGroup_UnrefReleasesOwnershipAndDetaches(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		g := h.ch.NewGroup()
		require.Equal(t, BlockAcquired, g.Block())
		member := h.submitIn(g, 1)
		waiting := h.submit(2)
		assert.Equal(t, StateQueued, waiting.State())

		g.Unref()
		assert.Nil(t, h.ch.Owner())
		assert.Nil(t, member.Group())
		assert.Equal(t, StatePending, member.State(), "detached members keep running")
		assert.Equal(t, StatePending, waiting.State())

		assert.Panics(t, func() { g.Unref() })
		assert.Panics(t, func() { g.NewRequest(1, nil, nil) })
	})
}

func TestGroup_OwnershipSurvivesDeath(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		g := h.ch.NewGroup()
		require.Equal(t, BlockAcquired, g.Block())
		h.submitIn(g, 1)
		h.ch.HandleDeath()
		assert.Equal(t, BlockAcquired, g.Status())
		g.Unref()
		assert.Nil(t, h.ch.Owner())
	})
}
