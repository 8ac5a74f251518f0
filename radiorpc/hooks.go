// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"context"
	"time"
)

// RequestHook provides observability callpoints around a request's life.
// OnSubmit runs when a request enters the queue, OnComplete when it reaches
// a terminal state (including cancellation). Both run on the channel's
// executor.
type RequestHook interface {
	OnSubmit(ctx context.Context, info RequestInfo) (context.Context, HookToken)
	OnComplete(ctx context.Context, token HookToken, info RequestInfo, stats *RequestStatistics, err error)
}

// HookToken is an opaque value returned by OnSubmit and passed back to
// OnComplete. Only meaningful to the RequestHook that created it.
type HookToken interface{}

// RequestInfo carries request metadata passed to hooks.
type RequestInfo struct {
	Code       uint32        // Request code
	Serial     Serial        // Primary serial
	ChannelID  string        // Channel identifier
	GroupID    string        // Group identifier, empty if ungrouped
	Blocking   bool          // Whether the request is blocking
	Timeout    time.Duration // Effective timeout
	MaxRetries int           // Retry limit, negative for unlimited
	State      State         // Current state; terminal in OnComplete
	Status     Status        // Completion status, meaningful in OnComplete
}

// RequestStatistics holds per-request counters.
type RequestStatistics struct {
	Transmissions int64
	Retries       int64
	Acks          int64
	Submitted     time.Time
}

// RecordTransmission records one accepted send.
func (s *RequestStatistics) RecordTransmission() {
	s.Transmissions++
}

// RecordRetry records one return to the queue.
func (s *RequestStatistics) RecordRetry() {
	s.Retries++
}

// hookSubmit calls OnSubmit, recovering from hook panics.
func (ch *Channel) hookSubmit(req *Request) {
	if ch.hook == nil {
		return
	}
	defer func() {
		if rv := recover(); rv != nil {
			ch.logger.Error("request hook submit panic", "err", rv)
		}
	}()
	ctx, token := ch.hook.OnSubmit(req.Context(), ch.requestInfo(req))
	if ctx != nil {
		req.ctx = ctx
	}
	req.hookToken = token
	req.hookActive = true
}

// hookComplete calls OnComplete once per submitted request.
func (ch *Channel) hookComplete(req *Request, status Status, resp *Response) {
	if !req.hookActive {
		return
	}
	req.hookActive = false
	defer func() {
		if rv := recover(); rv != nil {
			ch.logger.Error("request hook complete panic", "err", rv)
		}
	}()
	info := ch.requestInfo(req)
	info.Status = status
	ch.hook.OnComplete(req.Context(), req.hookToken, info, &req.stats, outcomeError(req, status, resp))
}

func (ch *Channel) requestInfo(req *Request) RequestInfo {
	info := RequestInfo{
		Code:       req.code,
		Serial:     req.primary,
		ChannelID:  ch.id.String(),
		Blocking:   req.blocking,
		Timeout:    ch.effectiveTimeout(req),
		MaxRetries: req.maxRetries,
		State:      req.state,
	}
	if req.group != nil {
		info.GroupID = req.group.id.String()
	}
	return info
}
