// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/Query-farm/radio-rpc/radiorpc"
	"github.com/klauspost/compress/zstd"
)

// ErrorInternal is returned to the client when a handler panics or fails.
const ErrorInternal radiorpc.ErrorCode = -1

// ErrorUnknownCode is returned for codes with no registered handler.
const ErrorUnknownCode radiorpc.ErrorCode = -2

// Reply is a handler's answer to one request.
type Reply struct {
	// Error is the service error code sent with the response.
	Error radiorpc.ErrorCode
	// Body is the response payload.
	Body []byte
	// Silent suppresses the response frame.
	Silent bool
}

// Handler serves one request code.
type Handler func(call *Call) (Reply, error)

// Service is a fake radio service. Handlers run one at a time, in the
// order requests arrive.
type Service struct {
	mu       sync.Mutex
	handlers map[uint32]Handler
	autoAck  bool
	enc      *zstd.Encoder
	w        io.Writer // set while serving
	served   map[uint32]int
}

// NewService creates a service with no handlers.
func NewService() *Service {
	return &Service{
		handlers: make(map[uint32]Handler),
		served:   make(map[uint32]int),
	}
}

// Handle registers h for code, replacing any earlier handler.
func (s *Service) Handle(code uint32, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[code] = h
}

// SetAutoAck makes the service acknowledge every request before handling it.
func (s *Service) SetAutoAck(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoAck = enabled
}

// SetCompression compresses response and indication bodies at level.
func (s *Service) SetCompression(level zstd.EncoderLevel) error {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc = enc
	return nil
}

// Served returns how many requests with code have been handled.
func (s *Service) Served(code uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served[code]
}

// Indicate writes an unsolicited indication to the stream being served.
func (s *Service) Indicate(code uint32, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return radiorpc.ErrClosed
	}
	return s.writeLocked(&radiorpc.Frame{Kind: radiorpc.FrameIndication, Code: code, Body: body})
}

// Serve answers requests read from rw until the stream ends or ctx is
// cancelled. A clean end of stream returns nil.
func (s *Service) Serve(ctx context.Context, rw io.ReadWriter) error {
	s.mu.Lock()
	s.w = rw
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.w = nil
		s.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := radiorpc.ReadFrame(rw)
		if err == nil {
			err = radiorpc.DecompressFrame(f)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isTransportClosed(err) {
				return nil
			}
			return err
		}
		if f.Kind != radiorpc.FrameRequest {
			slog.Warn("conformance: ignoring frame", "kind", f.Kind.String(), "serial", f.Serial)
			continue
		}
		if err := s.serveOne(ctx, f); err != nil {
			if isTransportClosed(err) {
				return nil
			}
			return err
		}
	}
}

// serveOne handles one request frame.
func (s *Service) serveOne(ctx context.Context, f *radiorpc.Frame) error {
	s.mu.Lock()
	h, ok := s.handlers[f.Code]
	autoAck := s.autoAck
	s.served[f.Code]++
	if autoAck {
		if err := s.writeLocked(&radiorpc.Frame{Kind: radiorpc.FrameAck, Code: f.Code, Serial: f.Serial}); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	call := &Call{Ctx: ctx, Code: f.Code, Serial: f.Serial, Body: f.Body}
	var reply Reply
	if !ok {
		reply = Reply{Error: ErrorUnknownCode}
	} else {
		reply = s.invoke(h, call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ind := range call.drainIndications() {
		if err := s.writeLocked(&radiorpc.Frame{Kind: radiorpc.FrameIndication, Code: ind.code, Body: ind.body}); err != nil {
			return err
		}
	}
	if reply.Silent {
		return nil
	}
	return s.writeLocked(&radiorpc.Frame{
		Kind:   radiorpc.FrameResponse,
		Code:   f.Code,
		Serial: f.Serial,
		Error:  reply.Error,
		Body:   reply.Body,
	})
}

// invoke runs h, turning errors and panics into ErrorInternal replies.
func (s *Service) invoke(h Handler, call *Call) (reply Reply) {
	defer func() {
		if rv := recover(); rv != nil {
			slog.Error("conformance: handler panic", "code", call.Code, "err", rv)
			reply = Reply{Error: ErrorInternal}
		}
	}()
	reply, err := h(call)
	if err != nil {
		slog.Debug("conformance: handler error", "code", call.Code, "err", err)
		return Reply{Error: ErrorInternal, Body: []byte(err.Error())}
	}
	return reply
}

func (s *Service) writeLocked(f *radiorpc.Frame) error {
	if s.enc != nil {
		radiorpc.CompressFrame(f, s.enc)
	}
	return radiorpc.WriteFrame(s.w, f)
}

// isTransportClosed returns true for errors that indicate the transport was closed normally.
func isTransportClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed network connection")
}
