// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// DefaultSendBuffer is the number of frames a StreamTransport queues for its
// writer before Send starts failing.
const DefaultSendBuffer = 64

// IndicationFunc receives unsolicited notifications from the service.
type IndicationFunc func(code uint32, payload []byte)

type outFrame struct {
	txn    TransactionHandle
	serial Serial
	frame  Frame
}

// StreamTransport is a Transport over a byte stream carrying frames. A
// writer goroutine drains the send buffer; a reader goroutine posts
// responses, acks and indications to the channel's executor, and reports
// the death of the channel when the stream ends.
type StreamTransport struct {
	rw     io.ReadWriteCloser
	logger *slog.Logger

	sendBuffer int
	level      zstd.EncoderLevel
	compress   bool
	enc        *zstd.Encoder
	indicate   IndicationFunc

	ch   *Channel
	exec Executor

	alive   atomic.Bool
	mu      sync.Mutex
	queued  map[TransactionHandle]struct{} // accepted, not yet written
	lastTxn TransactionHandle

	out       chan outFrame
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool
}

// NewStreamTransport wraps rw. Configure it, create a Channel over it, then
// call Start.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rw:         rw,
		logger:     slog.Default(),
		sendBuffer: DefaultSendBuffer,
		queued:     make(map[TransactionHandle]struct{}),
		quit:       make(chan struct{}),
	}
}

// SetCompression enables zstd compression of request bodies at level.
func (t *StreamTransport) SetCompression(level zstd.EncoderLevel) {
	t.mustNotBeStarted()
	t.compress = true
	t.level = level
}

// SetSendBuffer sets how many frames may wait for the writer.
func (t *StreamTransport) SetSendBuffer(n int) {
	t.mustNotBeStarted()
	if n <= 0 {
		panic(fmt.Sprintf("radiorpc: non-positive send buffer %d", n))
	}
	t.sendBuffer = n
}

// SetLogger sets the logger used by the transport goroutines.
func (t *StreamTransport) SetLogger(l *slog.Logger) {
	t.mustNotBeStarted()
	t.logger = l
}

// SetIndicationHandler sets the function indications are delivered to. It
// runs on the channel's executor.
func (t *StreamTransport) SetIndicationHandler(fn IndicationFunc) {
	t.mustNotBeStarted()
	t.indicate = fn
}

func (t *StreamTransport) mustNotBeStarted() {
	if t.started {
		panic("radiorpc: StreamTransport configured after Start")
	}
}

// Start begins serving ch, which must have been created over t.
func (t *StreamTransport) Start(ch *Channel) error {
	if ch.transport != Transport(t) {
		panic("radiorpc: Start with a channel over another transport")
	}
	t.mustNotBeStarted()
	if t.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(t.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		t.enc = enc
	}
	t.started = true
	t.ch = ch
	t.exec = ch.exec
	t.out = make(chan outFrame, t.sendBuffer)
	t.alive.Store(true)

	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()
	return nil
}

// IsAlive reports whether the stream is still open.
func (t *StreamTransport) IsAlive() bool {
	return t.alive.Load()
}

// NewPayload returns an empty payload for code.
func (t *StreamTransport) NewPayload(code uint32) *Payload {
	return NewPayload(code)
}

// Send queues req for the writer. It fails if the stream is dead or the
// send buffer is full.
func (t *StreamTransport) Send(req *Request) (TransactionHandle, bool) {
	if !t.alive.Load() {
		return 0, false
	}
	body := append([]byte(nil), req.payload.Body()...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastTxn++
	txn := t.lastTxn
	f := outFrame{
		txn:    txn,
		serial: req.serial,
		frame:  Frame{Kind: FrameRequest, Code: req.code, Serial: req.serial, Body: body},
	}
	select {
	case t.out <- f:
	default:
		return 0, false
	}
	t.queued[txn] = struct{}{}
	return txn, true
}

// Cancel drops a transmission the writer has not reached yet.
func (t *StreamTransport) Cancel(txn TransactionHandle) {
	t.mu.Lock()
	delete(t.queued, txn)
	t.mu.Unlock()
}

// Close shuts the stream and waits for the transport goroutines. The
// channel learns about it through HandleDeath.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.alive.Store(false)
		close(t.quit)
		err = t.rw.Close()
		t.wg.Wait()
		if t.enc != nil {
			_ = t.enc.Close()
		}
	})
	return err
}

// take reports whether txn is still wanted and forgets it.
func (t *StreamTransport) take(txn TransactionHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.queued[txn]
	delete(t.queued, txn)
	return ok
}

func (t *StreamTransport) writeLoop() {
	defer t.wg.Done()
	for {
		var f outFrame
		select {
		case <-t.quit:
			return
		case f = <-t.out:
		}
		if !t.take(f.txn) {
			continue
		}
		if t.enc != nil {
			CompressFrame(&f.frame, t.enc)
		}
		if err := WriteFrame(t.rw, &f.frame); err != nil {
			if !isStreamClosed(err) {
				t.logger.Error("stream write failed", "serial", f.serial, "err", err)
			}
			serial := f.serial
			t.post(func() { t.ch.HandleTransmitFailure(serial) })
		}
	}
}

func (t *StreamTransport) readLoop() {
	defer t.wg.Done()
	for {
		f, err := ReadFrame(t.rw)
		if err == nil {
			err = DecompressFrame(f)
		}
		if err != nil {
			t.alive.Store(false)
			if !isStreamClosed(err) {
				t.logger.Error("stream read failed", "err", err)
			}
			t.post(t.ch.HandleDeath)
			return
		}
		t.dispatch(f)
	}
}

func (t *StreamTransport) dispatch(f *Frame) {
	switch f.Kind {
	case FrameResponse:
		t.post(func() { t.ch.HandleResponse(f.Serial, f.Code, f.Error, f.Body) })
	case FrameAck:
		t.post(func() { t.ch.HandleAck(f.Serial) })
	case FrameIndication:
		if fn := t.indicate; fn != nil {
			t.post(func() { fn(f.Code, f.Body) })
		}
	default:
		t.logger.Warn("unexpected frame from service", "kind", f.Kind.String(), "serial", f.Serial)
	}
}

func (t *StreamTransport) post(fn func()) {
	if !t.exec.Post(fn) {
		t.logger.Debug("executor closed, dropping stream event")
	}
}

// isStreamClosed reports errors that mean the stream was closed normally.
func isStreamClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed network connection")
}
