// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"cmp"
	"slices"

	"github.com/google/uuid"
)

// RequestGroup is a set of requests that are cancelled together and that
// can ask for exclusive ownership of the channel as a unit. The group does
// not keep its members alive: a request leaves the group when it completes,
// is cancelled or is destroyed.
type RequestGroup struct {
	channel  *Channel
	id       uuid.UUID
	refs     int
	requests map[*Request]struct{}
}

// NewGroup creates an empty group holding one reference.
func (ch *Channel) NewGroup() *RequestGroup {
	return &RequestGroup{
		channel:  ch,
		id:       uuid.New(),
		refs:     1,
		requests: make(map[*Request]struct{}),
	}
}

// ID returns the group's identifier, used in logs and traces.
func (g *RequestGroup) ID() uuid.UUID {
	return g.id
}

// Channel returns the channel the group belongs to.
func (g *RequestGroup) Channel() *Channel {
	return g.channel
}

// Len returns the number of member requests.
func (g *RequestGroup) Len() int {
	return len(g.requests)
}

// NewRequest creates a request that belongs to the group.
func (g *RequestGroup) NewRequest(code uint32, complete CompleteFunc, destroy DestroyFunc) *Request {
	if g.refs <= 0 {
		panic("radiorpc: NewRequest on a destroyed group")
	}
	return g.channel.newRequest(g, code, complete, destroy)
}

// Cancel cancels every member request. Completion callbacks do not run.
func (g *RequestGroup) Cancel() {
	if len(g.requests) == 0 {
		return
	}
	g.Ref()
	defer g.Unref()

	members := g.members()
	for _, req := range members {
		req.Ref()
	}
	for _, req := range members {
		req.Cancel()
		req.Unref()
	}
}

// Block asks for exclusive ownership of the channel.
func (g *RequestGroup) Block() BlockStatus {
	return g.channel.block(g)
}

// Unblock gives up ownership, or leaves the waitlist.
func (g *RequestGroup) Unblock() {
	g.channel.unblock(g)
}

// Status reports the group's ownership status.
func (g *RequestGroup) Status() BlockStatus {
	return g.channel.blockStatus(g)
}

// Ref takes an additional reference.
func (g *RequestGroup) Ref() *RequestGroup {
	if g.refs <= 0 {
		panic("radiorpc: Ref of a destroyed group")
	}
	g.refs++
	return g
}

// Unref releases a reference. Releasing the last one gives up ownership and
// detaches the surviving members, which keep running ungrouped.
func (g *RequestGroup) Unref() {
	if g.refs <= 0 {
		panic("radiorpc: Unref of a destroyed group")
	}
	g.refs--
	if g.refs > 0 {
		return
	}
	g.channel.unblock(g)
	for _, req := range g.members() {
		req.group = nil
	}
	clear(g.requests)
}

func (g *RequestGroup) add(req *Request) {
	g.requests[req] = struct{}{}
}

func (g *RequestGroup) remove(req *Request) {
	delete(g.requests, req)
}

// members returns a snapshot ordered by primary serial.
func (g *RequestGroup) members() []*Request {
	out := make([]*Request, 0, len(g.requests))
	for req := range g.requests {
		out = append(out, req)
	}
	slices.SortFunc(out, bySerial)
	return out
}

func bySerial(a, b *Request) int {
	return cmp.Compare(a.primary, b.primary)
}
