// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/klauspost/compress/zstd"
)

// Payload holds the arguments of a request: a fixed envelope carrying the
// request code and the serial, followed by the opaque body. Retransmissions
// rewrite only the envelope serial; the body is encoded once.
type Payload struct {
	buf []byte
}

// NewPayload returns an empty payload for code.
func NewPayload(code uint32) *Payload {
	p := &Payload{buf: make([]byte, envelopeSize, 64)}
	binary.LittleEndian.PutUint32(p.buf[0:4], code)
	return p
}

// Code returns the request code recorded in the envelope.
func (p *Payload) Code() uint32 {
	return binary.LittleEndian.Uint32(p.buf[0:4])
}

// Serial returns the serial currently recorded in the envelope.
func (p *Payload) Serial() Serial {
	return Serial(binary.LittleEndian.Uint32(p.buf[4:8]))
}

func (p *Payload) setSerial(s Serial) {
	binary.LittleEndian.PutUint32(p.buf[4:8], uint32(s))
}

// Write appends b to the body. It never fails.
func (p *Payload) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Body returns the encoded arguments without the envelope.
func (p *Payload) Body() []byte {
	return p.buf[envelopeSize:]
}

// Bytes returns envelope and body.
func (p *Payload) Bytes() []byte {
	return p.buf
}

// Len returns the body length.
func (p *Payload) Len() int {
	return len(p.buf) - envelopeSize
}

// Reset discards the body, keeping the envelope.
func (p *Payload) Reset() {
	p.buf = p.buf[:envelopeSize]
}

// FrameKind identifies the purpose of a frame on the stream transport.
type FrameKind uint8

func (k FrameKind) String() string {
	switch k {
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameAck:
		return "ack"
	case FrameIndication:
		return "indication"
	default:
		return "FrameKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Frame is one message of the stream protocol.
type Frame struct {
	Kind   FrameKind
	Flags  uint8
	Code   uint32
	Serial Serial
	Error  ErrorCode
	Body   []byte
}

// WriteFrame writes f as a single header+body write.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Body) > MaxFrameBody {
		return fmt.Errorf("writing %s frame: %w", f.Kind, ErrFrameTooLarge)
	}
	buf := make([]byte, FrameHeaderSize+len(f.Body))
	buf[0] = byte(f.Kind)
	buf[1] = f.Flags
	binary.LittleEndian.PutUint16(buf[2:4], ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], f.Code)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Serial))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.Error))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(f.Body)))
	copy(buf[FrameHeaderSize:], f.Body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Kind, err)
	}
	return nil
}

// ReadFrame reads one frame. It returns io.EOF only when the stream ends
// cleanly between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	if v := binary.LittleEndian.Uint16(hdr[2:4]); v != ProtocolVersion {
		return nil, fmt.Errorf("unsupported frame version %d, expected %d", v, ProtocolVersion)
	}
	n := binary.LittleEndian.Uint32(hdr[16:20])
	if n > MaxFrameBody {
		return nil, fmt.Errorf("reading frame of %d bytes: %w", n, ErrFrameTooLarge)
	}
	f := &Frame{
		Kind:   FrameKind(hdr[0]),
		Flags:  hdr[1],
		Code:   binary.LittleEndian.Uint32(hdr[4:8]),
		Serial: Serial(binary.LittleEndian.Uint32(hdr[8:12])),
		Error:  ErrorCode(int32(binary.LittleEndian.Uint32(hdr[12:16]))),
	}
	if n > 0 {
		f.Body = make([]byte, n)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return nil, fmt.Errorf("reading frame body: %w", err)
		}
	}
	return f, nil
}

// frameDecoder is shared by every reader; DecodeAll is safe for concurrent
// use.
var frameDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxFrameBody))
})

// CompressFrame replaces f's body with its zstd encoding and sets FlagZstd.
// Empty bodies are left alone.
func CompressFrame(f *Frame, enc *zstd.Encoder) {
	if len(f.Body) == 0 || f.Flags&FlagZstd != 0 {
		return
	}
	f.Body = enc.EncodeAll(f.Body, make([]byte, 0, len(f.Body)))
	f.Flags |= FlagZstd
}

// DecompressFrame inflates a FlagZstd body in place and clears the flag.
func DecompressFrame(f *Frame) error {
	if f.Flags&FlagZstd == 0 {
		return nil
	}
	dec, err := frameDecoder()
	if err != nil {
		return fmt.Errorf("creating zstd decoder: %w", err)
	}
	body, err := dec.DecodeAll(f.Body, nil)
	if err != nil {
		return fmt.Errorf("decompressing %s frame: %w", f.Kind, err)
	}
	if len(body) > MaxFrameBody {
		return fmt.Errorf("decompressed %s frame: %w", f.Kind, ErrFrameTooLarge)
	}
	f.Body = body
	f.Flags &^= FlagZstd
	return nil
}

// WriteRecord encodes rec as a complete Arrow IPC stream into the payload
// body. The schema is stamped with the payload's code under MetaCode.
func WriteRecord(p *Payload, rec arrow.Record) error {
	md := rec.Schema().Metadata()
	keys := []string{MetaCode}
	vals := []string{strconv.FormatUint(uint64(p.Code()), 10)}
	for i, k := range md.Keys() {
		if k != MetaCode {
			keys = append(keys, k)
			vals = append(vals, md.Values()[i])
		}
	}
	meta := arrow.NewMetadata(keys, vals)
	schema := arrow.NewSchema(rec.Schema().Fields(), &meta)

	tagged := array.NewRecord(schema, rec.Columns(), rec.NumRows())
	defer tagged.Release()

	w := ipc.NewWriter(p, ipc.WithSchema(schema))
	if err := w.Write(tagged); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing record body: %w", err)
	}
	return w.Close()
}

// ReadRecord decodes the first record batch of an Arrow IPC stream body.
// The caller owns the returned record and must Release it.
func ReadRecord(body []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("reading record stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading record batch: %w", err)
		}
		return nil, io.ErrUnexpectedEOF
	}
	rec := reader.Record()
	rec.Retain() // keep batch alive after reader is released

	for reader.Next() {
		// discard
	}
	return rec, nil
}

// RecordCode returns the request code stamped on rec's schema by WriteRecord.
func RecordCode(rec arrow.Record) (uint32, bool) {
	md := rec.Schema().Metadata()
	i := md.FindKey(MetaCode)
	if i < 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(md.Values()[i], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
