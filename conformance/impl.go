// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Query-farm/radio-rpc/radiorpc"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// Request codes served by RegisterMethods.
const (
	CodeEcho      uint32 = 1 // responds with the request body
	CodeFail      uint32 = 2 // responds with ErrorFailed
	CodeSilent    uint32 = 3 // never responds
	CodeArrowSum  uint32 = 4 // sums an Arrow int64 column
	CodeFlaky     uint32 = 5 // fails FlakyFailures times, then echoes
	CodeIndicate  uint32 = 6 // pushes the body as an indication, then echoes
	CodeSubscribe uint32 = 7 // pushes a burst of indications
)

// IndicationEcho is the indication code pushed by CodeIndicate.
const IndicationEcho uint32 = 100

// ErrorFailed is the service error returned by CodeFail and by CodeFlaky
// while it is failing.
const ErrorFailed radiorpc.ErrorCode = 7

// FlakyFailures is how many CodeFlaky requests fail before it succeeds.
const FlakyFailures = 2

// RegisterMethods registers all conformance methods on the service.
func RegisterMethods(s *Service) {
	s.Handle(CodeEcho, echo)
	s.Handle(CodeFail, fail)
	s.Handle(CodeSilent, silent)
	s.Handle(CodeArrowSum, arrowSum)
	s.Handle(CodeFlaky, newFlaky(FlakyFailures))
	s.Handle(CodeIndicate, indicate)
	s.Handle(CodeSubscribe, subscribe)
}

func echo(call *Call) (Reply, error) {
	return Reply{Body: call.Body}, nil
}

func fail(*Call) (Reply, error) {
	return Reply{Error: ErrorFailed}, nil
}

func silent(*Call) (Reply, error) {
	return Reply{Silent: true}, nil
}

func indicate(call *Call) (Reply, error) {
	call.Indicate(IndicationEcho, call.Body)
	return Reply{Body: call.Body}, nil
}

// newFlaky fails the first n calls and echoes after that.
func newFlaky(n int64) Handler {
	var calls atomic.Int64
	return func(call *Call) (Reply, error) {
		if calls.Add(1) <= n {
			return Reply{Error: ErrorFailed}, nil
		}
		return Reply{Body: call.Body}, nil
	}
}

func arrowSum(call *Call) (Reply, error) {
	rec, err := radiorpc.ReadRecord(call.Body)
	if err != nil {
		return Reply{}, err
	}
	defer rec.Release()

	if code, ok := radiorpc.RecordCode(rec); !ok || code != call.Code {
		return Reply{}, fmt.Errorf("record encoded for code %d, received on %d", code, call.Code)
	}
	if rec.NumCols() != 1 {
		return Reply{}, errors.New("expected a single int64 column")
	}
	col, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return Reply{}, errors.New("expected a single int64 column")
	}

	var res SumResult
	for i := 0; i < col.Len(); i++ {
		if col.IsValid(i) {
			res.Sum += col.Value(i)
			res.Count++
		}
	}
	body, err := encodeSumResult(call.Code, res)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Body: body}, nil
}
