// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// DefaultTimeout is the timeout of requests that do not set their own.
const DefaultTimeout = 10 * time.Second

// TransactionHandle identifies one accepted transmission within a
// transport. Zero means none.
type TransactionHandle uint64

// Transport is the connection a Channel submits requests over. Its methods
// are called on the channel's executor and must not block. Results flow
// back through the channel's Handle* methods, posted to the same executor.
type Transport interface {
	// IsAlive reports whether new submissions are permitted.
	IsAlive() bool
	// Send starts transmitting req's payload under req.Serial(). false
	// reports a synchronous failure.
	Send(req *Request) (TransactionHandle, bool)
	// Cancel aborts an in-flight transmission, best effort.
	Cancel(txn TransactionHandle)
	// NewPayload allocates the argument buffer of a request.
	NewPayload(code uint32) *Payload
}

// ChannelStats is a snapshot of a channel's bookkeeping.
type ChannelStats struct {
	Requests int       // live requests, submitted or not
	Active   int       // queued or pending
	Pending  int       // transmitted, awaiting a response
	Queued   int       // waiting for a transmission slot
	Blocking Serial    // serial of the pending blocking request, zero if none
	Owner    uuid.UUID // owning group, uuid.Nil if none
	Waitlist int       // groups waiting for ownership
	NextWake time.Time // armed timer, zero if disarmed
}

// Channel tracks every request made over one transport connection. It is
// not safe for concurrent use: every method, and every Handle* call made by
// the transport, must run on the executor given to NewChannel.
type Channel struct {
	id        uuid.UUID
	transport Transport
	exec      Executor
	clock     clock.Clock
	logger    *slog.Logger
	hook      RequestHook

	all     map[Serial]*Request // by primary serial, holds no reference
	active  map[Serial]*Request // by current serial, holds the engine reference
	pending map[Serial]*Request // subset of active with a transmission in flight

	queueHead   *Request
	queueTail   *Request
	blockingReq *Request

	owner         *RequestGroup
	waitlist      []*RequestGroup
	ownerHandlers []ownerHandler
	lastHandler   HandlerID

	defaultTimeout time.Duration
	sched          *scheduler

	closed    bool
	inPass    bool
	rerunPass bool
}

// NewChannel creates a channel over t whose timer events are delivered
// through exec.
func NewChannel(t Transport, exec Executor) *Channel {
	if t == nil {
		panic("radiorpc: NewChannel with nil transport")
	}
	if exec == nil {
		panic("radiorpc: NewChannel with nil executor")
	}
	ch := &Channel{
		id:             uuid.New(),
		transport:      t,
		exec:           exec,
		clock:          clock.WallClock,
		all:            make(map[Serial]*Request),
		active:         make(map[Serial]*Request),
		pending:        make(map[Serial]*Request),
		defaultTimeout: DefaultTimeout,
	}
	ch.logger = slog.Default().With("channel", ch.id.String())
	ch.sched = newScheduler(ch.clock, exec, ch.onTimer)
	return ch
}

// ID returns the channel's identifier.
func (ch *Channel) ID() uuid.UUID {
	return ch.id
}

// SetDefaultTimeout sets the timeout of requests submitted from now on that
// do not set their own.
func (ch *Channel) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		panic(fmt.Sprintf("radiorpc: non-positive default timeout %v", d))
	}
	ch.defaultTimeout = d
}

// DefaultTimeout returns the channel's default request timeout.
func (ch *Channel) DefaultTimeout() time.Duration {
	return ch.defaultTimeout
}

// SetClock replaces the clock used for deadlines and the timer.
func (ch *Channel) SetClock(clk clock.Clock) {
	if clk == nil {
		panic("radiorpc: nil clock")
	}
	ch.sched.stop()
	ch.clock = clk
	ch.sched = newScheduler(clk, ch.exec, ch.onTimer)
	ch.reschedule()
}

// SetLogger sets the logger; the channel id is added to every record.
func (ch *Channel) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	ch.logger = l.With("channel", ch.id.String())
}

// SetHook registers a hook that observes request lifecycles. Only requests
// submitted after the call are reported.
func (ch *Channel) SetHook(h RequestHook) {
	ch.hook = h
}

// Transport returns the channel's transport.
func (ch *Channel) Transport() Transport {
	return ch.transport
}

// Closed reports whether Close has been called.
func (ch *Channel) Closed() bool {
	return ch.closed
}

// NewRequest creates an ungrouped request in StateNew. The caller holds the
// only reference. Requests may be created on a dead channel; they just
// cannot be submitted.
func (ch *Channel) NewRequest(code uint32, complete CompleteFunc, destroy DestroyFunc) *Request {
	return ch.newRequest(nil, code, complete, destroy)
}

func (ch *Channel) newRequest(g *RequestGroup, code uint32, complete CompleteFunc, destroy DestroyFunc) *Request {
	p := ch.transport.NewPayload(code)
	if p == nil {
		p = NewPayload(code)
	}
	req := &Request{
		channel:  ch,
		group:    g,
		code:     code,
		payload:  p,
		refs:     1,
		complete: complete,
		destroy:  destroy,
	}
	req.primary = reserveSerial(ch.serialInUse)
	req.serial = req.primary
	p.setSerial(req.serial)
	ch.all[req.primary] = req
	if g != nil {
		g.add(req)
	}
	return req
}

func (ch *Channel) submit(req *Request) bool {
	if ch.closed || !ch.transport.IsAlive() {
		ch.logger.Debug("submission refused", requestAttrs(req)...)
		return false
	}
	now := ch.clock.Now()
	req.stats.Submitted = now
	req.deadline = now.Add(ch.effectiveTimeout(req))
	req.state = StateQueued
	req.refs++ // engine reference, released when the request leaves active
	ch.active[req.serial] = req
	ch.enqueue(req)
	ch.logger.Debug("request queued", requestAttrs(req)...)

	ch.hookSubmit(req)
	ch.kick()
	return true
}

// requeue moves a pending request back to the queue after its retry delay.
// The serial changes on the next transmission.
func (ch *Channel) requeue(req *Request) {
	if req.txn != 0 {
		ch.transport.Cancel(req.txn)
		req.txn = 0
	}
	delete(ch.pending, req.serial)
	if ch.blockingReq == req {
		ch.blockingReq = nil
	}
	req.state = StateQueued
	req.acked = false
	req.retryCount++
	req.stats.RecordRetry()
	req.wake = ch.clock.Now().Add(req.retryDelay)
	ch.enqueue(req)
	ch.logger.Debug("request requeued", append(requestAttrs(req), "retry", req.retryCount)...)
}

// detach removes req from every table and the queue. It reports whether
// req was in active, in which case the caller now owns the engine
// reference.
func (ch *Channel) detach(req *Request) bool {
	ch.unqueue(req)
	if ch.pending[req.serial] == req {
		delete(ch.pending, req.serial)
	}
	if ch.blockingReq == req {
		ch.blockingReq = nil
	}
	if ch.active[req.serial] == req {
		delete(ch.active, req.serial)
		return true
	}
	return false
}

// finish moves a detached request to a terminal state and delivers the
// outcome. owned releases the engine reference afterwards.
func (ch *Channel) finish(req *Request, state State, status Status, resp *Response, owned bool) {
	req.state = state
	if req.txn != 0 {
		ch.transport.Cancel(req.txn)
		req.txn = 0
	}
	ch.logOutcome(req, status, resp)
	ch.hookComplete(req, status, resp)
	req.leaveGroup()

	if state != StateCancelled && req.complete != nil {
		complete := req.complete
		req.complete = nil
		complete(req, status, resp)
	}
	if owned {
		req.Unref()
	}
}

func (ch *Channel) destroyRequest(req *Request) {
	if ch.all[req.primary] == req {
		delete(ch.all, req.primary)
	}
	req.leaveGroup()
	if destroy := req.destroy; destroy != nil {
		req.destroy = nil
		destroy(req)
	}
}

func (ch *Channel) enqueue(req *Request) {
	req.next = nil
	req.queued = true
	if ch.queueTail == nil {
		ch.queueHead = req
	} else {
		ch.queueTail.next = req
	}
	ch.queueTail = req
}

func (ch *Channel) unqueue(req *Request) {
	if !req.queued {
		return
	}
	var prev *Request
	for cur := ch.queueHead; cur != nil; prev, cur = cur, cur.next {
		if cur == req {
			ch.unlink(prev, cur)
			return
		}
	}
}

// unlink removes req, whose predecessor is prev, from the queue.
func (ch *Channel) unlink(prev, req *Request) {
	if prev == nil {
		ch.queueHead = req.next
	} else {
		prev.next = req.next
	}
	if ch.queueTail == req {
		ch.queueTail = prev
	}
	req.next = nil
	req.queued = false
}

// kick runs the engine after any change that may let work proceed.
func (ch *Channel) kick() {
	if ch.closed {
		return
	}
	ch.tryPromote()
	ch.submitPass()
	ch.reschedule()
}

// submitPass transmits every queued request that is allowed to go. A pass
// requested while one is running is folded into it.
func (ch *Channel) submitPass() {
	if ch.inPass {
		ch.rerunPass = true
		return
	}
	ch.inPass = true
	defer func() { ch.inPass = false }()

	for {
		ch.rerunPass = false
		ch.submitQueued()
		if !ch.rerunPass || ch.closed {
			return
		}
	}
}

func (ch *Channel) submitQueued() {
	now := ch.clock.Now()
	var prev *Request
	req := ch.queueHead
	for req != nil {
		if ch.ownershipBlocked(req) ||
			(ch.blockingReq != nil && ch.blockingReq != req) ||
			req.wake.After(now) {
			prev, req = req, req.next
			continue
		}
		ch.unlink(prev, req)
		if !ch.transmit(req) {
			// The failure callback may have changed the queue.
			prev, req = nil, ch.queueHead
			continue
		}
		if req.blocking {
			return
		}
		if prev == nil {
			req = ch.queueHead
		} else {
			req = prev.next
		}
	}
}

// transmit hands an unlinked queued request to the transport. It reports
// false if the transport refused it, in which case the request has failed.
func (ch *Channel) transmit(req *Request) bool {
	if req.sent {
		s := reserveSerial(ch.serialInUse)
		delete(ch.active, req.serial)
		req.serial = s
		ch.active[s] = req
		req.payload.setSerial(s)
	}
	req.sent = true
	req.acked = false

	txn, ok := ch.transport.Send(req)
	if !ok {
		ch.logger.Warn("transport refused request", requestAttrs(req)...)
		owned := ch.detach(req)
		ch.finish(req, StateFailed, StatusTransmissionFailed, nil, owned)
		return false
	}
	req.txn = txn
	req.state = StatePending
	req.stats.RecordTransmission()
	ch.pending[req.serial] = req
	if req.blocking {
		ch.blockingReq = req
	}
	ch.logger.Debug("request sent", requestAttrs(req)...)
	return true
}

// reschedule arms the timer for the earliest deadline or retry wake-up.
func (ch *Channel) reschedule() {
	if ch.closed {
		ch.sched.stop()
		return
	}
	now := ch.clock.Now()
	var at time.Time
	for _, req := range ch.active {
		at = earliest(at, req.deadline)
	}
	if ch.blockingReq == nil {
		for req := ch.queueHead; req != nil; req = req.next {
			if req.wake.After(now) && !ch.ownershipBlocked(req) {
				at = earliest(at, req.wake)
			}
		}
	}
	ch.sched.schedule(at)
}

// onTimer expires every request whose deadline has passed, then lets
// delayed retries go.
func (ch *Channel) onTimer() {
	if ch.closed {
		return
	}
	now := ch.clock.Now()
	var expired []*Request
	for _, req := range ch.active {
		if !req.deadline.After(now) {
			expired = append(expired, req)
		}
	}
	slices.SortFunc(expired, bySerial)
	for _, req := range expired {
		ch.detach(req)
	}
	for _, req := range expired {
		if req.state.Terminal() {
			req.Unref()
			continue
		}
		ch.finish(req, StateTimeout, StatusTimeout, nil, true)
	}
	ch.kick()
}

// HandleResponse delivers the response to the transmission with the given
// serial. It returns false if no pending request has that serial, which is
// the case for responses to cancelled or retransmitted requests.
func (ch *Channel) HandleResponse(serial Serial, code uint32, errCode ErrorCode, payload []byte) bool {
	req, ok := ch.active[serial]
	if !ok || req.state != StatePending {
		ch.logger.Debug("ignoring unmatched response", "serial", serial, "code", code)
		return false
	}
	resp := &Response{Code: code, Error: errCode, Payload: payload}
	if req.txn != 0 {
		ch.transport.Cancel(req.txn)
		req.txn = 0
	}

	req.Ref()
	defer req.Unref()

	retry := req.shouldRetry(StatusOK, resp)
	if req.state != StatePending || ch.active[serial] != req {
		// The retry predicate cancelled the request.
		ch.kick()
		return true
	}
	if retry {
		ch.requeue(req)
	} else {
		owned := ch.detach(req)
		ch.finish(req, StateDone, StatusOK, resp, owned)
	}
	ch.kick()
	return true
}

// HandleAck records the transport's confirmation that the transmission
// with the given serial was received.
func (ch *Channel) HandleAck(serial Serial) bool {
	req, ok := ch.active[serial]
	if !ok || req.state != StatePending {
		ch.logger.Debug("ignoring unmatched ack", "serial", serial)
		return false
	}
	req.acked = true
	req.stats.Acks++
	return true
}

// HandleTransmitFailure fails the pending request with the given serial
// after its transmission failed asynchronously.
func (ch *Channel) HandleTransmitFailure(serial Serial) bool {
	req, ok := ch.active[serial]
	if !ok || req.state != StatePending {
		ch.logger.Debug("ignoring unmatched transmit failure", "serial", serial)
		return false
	}
	req.txn = 0
	ch.logger.Warn("request transmission failed", requestAttrs(req)...)
	owned := ch.detach(req)
	ch.finish(req, StateFailed, StatusTransmissionFailed, nil, owned)
	ch.kick()
	return true
}

// HandleDeath fails every queued and pending request after the transport
// lost its endpoint.
func (ch *Channel) HandleDeath() {
	ch.logger.Warn("transport died", "active", len(ch.active))
	ch.failAll()
	ch.kick()
}

// Close fails every outstanding request, stops the timer and refuses
// further submissions. Waiting groups are dropped from the waitlist.
func (ch *Channel) Close() {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.sched.stop()
	ch.failAll()
	ch.waitlist = nil
	ch.setOwner(nil)
	ch.logger.Debug("channel closed")
}

// failAll steals the whole active table, then fails each request in turn.
// The transport is gone, so in-flight transactions are not cancelled.
func (ch *Channel) failAll() {
	stolen := make([]*Request, 0, len(ch.active))
	for _, req := range ch.active {
		stolen = append(stolen, req)
	}
	slices.SortFunc(stolen, bySerial)

	for req := ch.queueHead; req != nil; {
		next := req.next
		req.next = nil
		req.queued = false
		req = next
	}
	ch.queueHead, ch.queueTail = nil, nil
	ch.active = make(map[Serial]*Request)
	ch.pending = make(map[Serial]*Request)
	ch.blockingReq = nil

	for _, req := range stolen {
		req.txn = 0
		if req.state.Terminal() {
			req.Unref()
			continue
		}
		ch.finish(req, StateFailed, StatusTransmissionFailed, nil, true)
	}
}

// Stats returns a snapshot of the channel's tables.
func (ch *Channel) Stats() ChannelStats {
	st := ChannelStats{
		Requests: len(ch.all),
		Active:   len(ch.active),
		Pending:  len(ch.pending),
		Waitlist: len(ch.waitlist),
		NextWake: ch.sched.next(),
	}
	for req := ch.queueHead; req != nil; req = req.next {
		st.Queued++
	}
	if ch.blockingReq != nil {
		st.Blocking = ch.blockingReq.serial
	}
	if ch.owner != nil {
		st.Owner = ch.owner.id
	}
	return st
}

// Lookup returns the live request whose current or primary serial is s.
func (ch *Channel) Lookup(s Serial) *Request {
	if req, ok := ch.active[s]; ok {
		return req
	}
	return ch.all[s]
}

func (ch *Channel) effectiveTimeout(req *Request) time.Duration {
	if req.timeout > 0 {
		return req.timeout
	}
	return ch.defaultTimeout
}

func (ch *Channel) serialInUse(s Serial) bool {
	if _, ok := ch.all[s]; ok {
		return true
	}
	_, ok := ch.active[s]
	return ok
}
