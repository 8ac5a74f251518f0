// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"fmt"
	"slices"
)

// BlockStatus is a group's standing in the ownership protocol.
type BlockStatus int

const (
	// BlockNone means the group neither owns the channel nor waits for it.
	BlockNone BlockStatus = iota
	// BlockQueued means the group waits for ownership.
	BlockQueued
	// BlockAcquired means the group owns the channel.
	BlockAcquired
)

func (s BlockStatus) String() string {
	switch s {
	case BlockNone:
		return "NONE"
	case BlockQueued:
		return "QUEUED"
	case BlockAcquired:
		return "ACQUIRED"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}

// HandlerID identifies a registered owner-changed handler.
type HandlerID uint64

type ownerHandler struct {
	id HandlerID
	fn func(*Channel)
}

// AddOwnerChangedHandler registers fn to run whenever ownership moves.
// Handlers run in registration order.
func (ch *Channel) AddOwnerChangedHandler(fn func(*Channel)) HandlerID {
	if fn == nil {
		panic("radiorpc: nil owner-changed handler")
	}
	ch.lastHandler++
	ch.ownerHandlers = append(ch.ownerHandlers, ownerHandler{id: ch.lastHandler, fn: fn})
	return ch.lastHandler
}

// RemoveHandler unregisters a handler. Unknown ids are ignored.
func (ch *Channel) RemoveHandler(id HandlerID) {
	ch.ownerHandlers = slices.DeleteFunc(ch.ownerHandlers, func(h ownerHandler) bool {
		return h.id == id
	})
}

// Owner returns the group that owns the channel, nil if none.
func (ch *Channel) Owner() *RequestGroup {
	return ch.owner
}

func (ch *Channel) block(g *RequestGroup) BlockStatus {
	if ch.closed {
		return BlockNone
	}
	if ch.owner == g {
		return BlockAcquired
	}
	if ch.owner == nil && len(ch.waitlist) == 0 && ch.pendingOwnedBy(g) {
		ch.setOwner(g)
		return BlockAcquired
	}
	if !slices.Contains(ch.waitlist, g) {
		ch.waitlist = append(ch.waitlist, g)
		ch.logger.Debug("group waits for ownership", "group", g.id, "position", len(ch.waitlist))
		ch.reschedule()
	}
	return BlockQueued
}

func (ch *Channel) unblock(g *RequestGroup) {
	if ch.owner == g {
		var next *RequestGroup
		if len(ch.waitlist) > 0 {
			next = ch.waitlist[0]
			ch.waitlist = slices.Delete(ch.waitlist, 0, 1)
		}
		ch.setOwner(next)
		ch.kick()
		return
	}
	if i := slices.Index(ch.waitlist, g); i >= 0 {
		ch.waitlist = slices.Delete(ch.waitlist, i, i+1)
		ch.kick()
	}
}

func (ch *Channel) blockStatus(g *RequestGroup) BlockStatus {
	switch {
	case ch.owner == g:
		return BlockAcquired
	case slices.Contains(ch.waitlist, g):
		return BlockQueued
	}
	return BlockNone
}

// tryPromote hands the channel to the head of the waitlist once every
// pending request belongs to it.
func (ch *Channel) tryPromote() {
	if ch.owner != nil || len(ch.waitlist) == 0 {
		return
	}
	head := ch.waitlist[0]
	if !ch.pendingOwnedBy(head) {
		return
	}
	ch.waitlist = slices.Delete(ch.waitlist, 0, 1)
	ch.setOwner(head)
}

// pendingOwnedBy reports whether every in-flight request belongs to g.
func (ch *Channel) pendingOwnedBy(g *RequestGroup) bool {
	for _, req := range ch.pending {
		if req.group != g {
			return false
		}
	}
	return true
}

// ownershipBlocked reports whether req must wait for another group.
// Ungrouped requests wait whenever a group owns or waits for the channel.
func (ch *Channel) ownershipBlocked(req *Request) bool {
	if ch.owner == nil && len(ch.waitlist) == 0 {
		return false
	}
	return req.group == nil || req.group != ch.owner
}

func (ch *Channel) setOwner(g *RequestGroup) {
	if ch.owner == g {
		return
	}
	ch.owner = g
	if g != nil {
		ch.logger.Debug("channel owner changed", "group", g.id)
	} else {
		ch.logger.Debug("channel owner released")
	}
	handlers := slices.Clone(ch.ownerHandlers)
	for _, h := range handlers {
		h.fn(ch)
	}
}
