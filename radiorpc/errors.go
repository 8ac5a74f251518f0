// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"errors"
	"fmt"
)

// Status is the outcome delivered to a completion callback.
type Status int

const (
	// StatusOK means a response was received. The service's own error code
	// is carried in [Response.Error].
	StatusOK Status = iota
	// StatusTransmissionFailed means the request could not be delivered:
	// the transport refused it, reported a failed write, or the endpoint died.
	StatusTransmissionFailed
	// StatusTimeout means no response arrived before the deadline.
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTransmissionFailed:
		return "TRANSMISSION_FAILED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrorCode is the service-defined error carried by a response.
type ErrorCode int32

// ErrorNone is the error code of a successful response.
const ErrorNone ErrorCode = 0

var (
	// ErrCancelled is reported to hooks for requests that were cancelled.
	ErrCancelled = errors.New("radiorpc: request cancelled")
	// ErrClosed is returned by transports and loops that have been shut down.
	ErrClosed = errors.New("radiorpc: closed")
	// ErrNotAlive is returned when a request is submitted to a channel whose
	// transport does not accept submissions.
	ErrNotAlive = errors.New("radiorpc: transport not alive")
	// ErrFrameTooLarge is returned when a frame body exceeds [MaxFrameBody].
	ErrFrameTooLarge = errors.New("radiorpc: frame too large")
)

// ErrRequest is a sentinel for use with errors.Is to check whether any error
// in a chain is a *RequestError.
var ErrRequest = &RequestError{}

// RequestError describes a request that did not complete successfully.
type RequestError struct {
	Code         uint32
	State        State
	Status       Status
	ServiceError ErrorCode
}

func (e *RequestError) Error() string {
	if e.Status == StatusOK {
		return fmt.Sprintf("radiorpc: request %d: service error %d", e.Code, e.ServiceError)
	}
	return fmt.Sprintf("radiorpc: request %d: %s", e.Code, e.Status)
}

// Is supports errors.Is by matching any *RequestError target.
func (e *RequestError) Is(target error) bool {
	_, ok := target.(*RequestError)
	return ok
}

// outcomeError summarises a terminal outcome as an error, nil for a clean
// response.
func outcomeError(req *Request, status Status, resp *Response) error {
	switch {
	case req.state == StateCancelled:
		return ErrCancelled
	case status == StatusOK && (resp == nil || resp.Error == ErrorNone):
		return nil
	}
	e := &RequestError{Code: req.code, State: req.state, Status: status}
	if resp != nil {
		e.ServiceError = resp.Error
	}
	return e
}
