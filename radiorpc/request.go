// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of a Request.
type State int

const (
	// StateNew is a request that has not been submitted.
	StateNew State = iota
	// StateQueued is a submitted request waiting for its turn on the wire.
	StateQueued
	// StatePending is a request that has been transmitted and awaits a response.
	StatePending
	// StateFailed is a request whose transmission failed.
	StateFailed
	// StateCancelled is a request cancelled by its caller.
	StateCancelled
	// StateTimeout is a request whose deadline expired.
	StateTimeout
	// StateDone is a request that received its final response.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateQueued:
		return "QUEUED"
	case StatePending:
		return "PENDING"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	case StateTimeout:
		return "TIMEOUT"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is one of the absorbing states.
func (s State) Terminal() bool {
	return s >= StateFailed
}

// Response is a reply received from the service.
type Response struct {
	Code    uint32
	Error   ErrorCode
	Payload []byte
}

// CompleteFunc receives the outcome of a request. resp is nil unless status
// is StatusOK.
type CompleteFunc func(req *Request, status Status, resp *Response)

// DestroyFunc is called once the last reference to a request is released.
type DestroyFunc func(req *Request)

// RetryFunc decides whether a response should be retried. It is only
// consulted while the request has retries left.
type RetryFunc func(req *Request, status Status, resp *Response) bool

// DefaultRetry retries any response that is not a clean success.
func DefaultRetry(_ *Request, status Status, resp *Response) bool {
	return status != StatusOK || (resp != nil && resp.Error != ErrorNone)
}

// Request is one tracked asynchronous call. All methods must be called on
// the owning channel's executor.
type Request struct {
	channel *Channel
	group   *RequestGroup

	code    uint32
	payload *Payload
	primary Serial // key in Channel.all for the request's whole life
	serial  Serial // serial of the current transmission
	state   State
	refs    int

	retryCount int
	maxRetries int
	retryDelay time.Duration
	retryFunc  RetryFunc
	timeout    time.Duration
	deadline   time.Time
	wake       time.Time
	blocking   bool
	acked      bool
	sent       bool
	txn        TransactionHandle

	complete CompleteFunc
	destroy  DestroyFunc

	next   *Request // queue link
	queued bool

	ctx        context.Context
	hookToken  HookToken
	hookActive bool
	stats      RequestStatistics
}

// Channel returns the channel the request was created on.
func (req *Request) Channel() *Channel {
	return req.channel
}

// Group returns the request's group, nil if ungrouped.
func (req *Request) Group() *RequestGroup {
	return req.group
}

// Code returns the operation code.
func (req *Request) Code() uint32 {
	return req.code
}

// Payload returns the request arguments. Write the body before Submit.
func (req *Request) Payload() *Payload {
	return req.payload
}

// Serial returns the serial of the current (or next) transmission.
func (req *Request) Serial() Serial {
	return req.serial
}

// PrimarySerial returns the serial assigned at creation.
func (req *Request) PrimarySerial() Serial {
	return req.primary
}

// State returns the lifecycle state.
func (req *Request) State() State {
	return req.state
}

// RetryCount returns how many times the request went back to the queue.
func (req *Request) RetryCount() int {
	return req.retryCount
}

// Acked reports whether the transport confirmed receipt of the current
// transmission.
func (req *Request) Acked() bool {
	return req.acked
}

// Blocking reports whether the request is transmitted alone.
func (req *Request) Blocking() bool {
	return req.blocking
}

// Deadline returns the absolute deadline, zero before submission.
func (req *Request) Deadline() time.Time {
	return req.deadline
}

// Statistics returns the request's counters.
func (req *Request) Statistics() RequestStatistics {
	return req.stats
}

// Context returns the context hooks attached to the request, or
// context.Background.
func (req *Request) Context() context.Context {
	if req.ctx == nil {
		return context.Background()
	}
	return req.ctx
}

// SetContext sets the parent context handed to the channel's hook on submit.
func (req *Request) SetContext(ctx context.Context) {
	if ctx == nil {
		panic("radiorpc: nil context")
	}
	req.ctx = ctx
}

// SetBlocking marks the request so that nothing else is transmitted while it
// is pending.
func (req *Request) SetBlocking(blocking bool) {
	if req.state.Terminal() {
		return
	}
	req.blocking = blocking
}

// SetTimeout overrides the channel default timeout. Zero restores the
// default. A submitted request gets its deadline recomputed from its
// submission time.
func (req *Request) SetTimeout(timeout time.Duration) {
	if timeout < 0 {
		panic(fmt.Sprintf("radiorpc: negative timeout %v", timeout))
	}
	if req.state.Terminal() {
		return
	}
	req.timeout = timeout
	if req.state == StateQueued || req.state == StatePending {
		req.deadline = req.stats.Submitted.Add(req.channel.effectiveTimeout(req))
		req.channel.reschedule()
	}
}

// SetRetry configures how often and how fast a request is retried. A
// negative maxRetries retries without limit.
func (req *Request) SetRetry(delay time.Duration, maxRetries int) {
	if delay < 0 {
		panic(fmt.Sprintf("radiorpc: negative retry delay %v", delay))
	}
	if req.state.Terminal() {
		return
	}
	req.retryDelay = delay
	req.maxRetries = maxRetries
}

// SetRetryFunc replaces the retry predicate. Nil restores DefaultRetry.
func (req *Request) SetRetryFunc(fn RetryFunc) {
	if req.state.Terminal() {
		return
	}
	req.retryFunc = fn
}

// Submit queues a new request for transmission. It returns false if the
// request was already submitted or the transport does not accept
// submissions; in the latter case the request stays in StateNew.
func (req *Request) Submit() bool {
	if req.state != StateNew {
		return false
	}
	return req.channel.submit(req)
}

// Retry sends a pending request back to the queue as if a retryable
// response had arrived. It returns false if the request is not pending or
// has no retries left.
func (req *Request) Retry() bool {
	ch := req.channel
	if req.state != StatePending || ch.active[req.serial] != req || !req.canRetry() {
		return false
	}
	ch.requeue(req)
	ch.kick()
	return true
}

// Cancel stops the request without invoking its completion callback. A
// response that is already on its way is ignored.
func (req *Request) Cancel() {
	if req.state.Terminal() {
		return
	}
	ch := req.channel
	if req.state == StateNew {
		req.state = StateCancelled
		req.leaveGroup()
		return
	}
	owned := ch.detach(req)
	ch.finish(req, StateCancelled, StatusOK, nil, owned)
	ch.kick()
}

// Drop cancels the request and releases the caller's reference.
func (req *Request) Drop() {
	req.Cancel()
	req.Unref()
}

// Ref takes an additional reference.
func (req *Request) Ref() *Request {
	if req.refs <= 0 {
		panic("radiorpc: Ref of a destroyed request")
	}
	req.refs++
	return req
}

// Unref releases a reference. The destroy callback runs when the last one
// goes away.
func (req *Request) Unref() {
	if req.refs <= 0 {
		panic("radiorpc: Unref of a destroyed request")
	}
	req.refs--
	if req.refs == 0 {
		req.channel.destroyRequest(req)
	}
}

func (req *Request) canRetry() bool {
	return req.maxRetries < 0 || req.retryCount < req.maxRetries
}

func (req *Request) shouldRetry(status Status, resp *Response) bool {
	if !req.canRetry() {
		return false
	}
	fn := req.retryFunc
	if fn == nil {
		fn = DefaultRetry
	}
	return fn(req, status, resp)
}

func (req *Request) leaveGroup() {
	if g := req.group; g != nil {
		req.group = nil
		g.remove(req)
	}
}
