// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/radio-rpc/radiorpc"
)

// rawClient speaks the frame protocol directly, without a channel.
type rawClient struct {
	t      *testing.T
	conn   net.Conn
	serial radiorpc.Serial
	done   chan error
}

func startService(t *testing.T, s *Service) *rawClient {
	t.Helper()
	client, server := net.Pipe()
	c := &rawClient{t: t, conn: client, done: make(chan error, 1)}
	go func() { c.done <- s.Serve(context.Background(), server) }()
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case err := <-c.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return")
		}
		_ = server.Close()
	})
	return c
}

func newTestService(t *testing.T) (*Service, *rawClient) {
	s := NewService()
	RegisterMethods(s)
	return s, startService(t, s)
}

func (c *rawClient) send(code uint32, body []byte) radiorpc.Serial {
	c.t.Helper()
	c.serial++
	f := &radiorpc.Frame{Kind: radiorpc.FrameRequest, Code: code, Serial: c.serial, Body: body}
	require.NoError(c.t, radiorpc.WriteFrame(c.conn, f))
	return c.serial
}

func (c *rawClient) read() *radiorpc.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := radiorpc.ReadFrame(c.conn)
	require.NoError(c.t, err)
	require.NoError(c.t, radiorpc.DecompressFrame(f))
	return f
}

func (c *rawClient) call(code uint32, body []byte) *radiorpc.Frame {
	c.t.Helper()
	serial := c.send(code, body)
	f := c.read()
	require.Equal(c.t, radiorpc.FrameResponse, f.Kind)
	require.Equal(c.t, serial, f.Serial)
	return f
}

func TestService_Echo(t *testing.T) {
	s, c := newTestService(t)
	f := c.call(CodeEcho, []byte("ping"))
	assert.Equal(t, CodeEcho, f.Code)
	assert.Equal(t, radiorpc.ErrorNone, f.Error)
	assert.Equal(t, []byte("ping"), f.Body)
	assert.Equal(t, 1, s.Served(CodeEcho))
}

func TestService_Errors(t *testing.T) {
	s, c := newTestService(t)
	s.Handle(50, func(*Call) (Reply, error) { panic("boom") })
	s.Handle(51, func(*Call) (Reply, error) { return Reply{}, errors.New("bad input") })

	assert.Equal(t, ErrorFailed, c.call(CodeFail, nil).Error)
	assert.Equal(t, ErrorUnknownCode, c.call(999, nil).Error)
	assert.Equal(t, ErrorInternal, c.call(50, nil).Error)

	f := c.call(51, nil)
	assert.Equal(t, ErrorInternal, f.Error)
	assert.Equal(t, "bad input", string(f.Body))

	f = c.call(CodeEcho, []byte("still serving"))
	assert.Equal(t, []byte("still serving"), f.Body)
}

func TestService_AutoAck(t *testing.T) {
	s, c := newTestService(t)
	s.SetAutoAck(true)

	serial := c.send(CodeEcho, []byte("x"))
	ack := c.read()
	assert.Equal(t, radiorpc.FrameAck, ack.Kind)
	assert.Equal(t, serial, ack.Serial)
	resp := c.read()
	assert.Equal(t, radiorpc.FrameResponse, resp.Kind)
	assert.Equal(t, serial, resp.Serial)
}

func TestService_Silent(t *testing.T) {
	s, c := newTestService(t)
	c.send(CodeSilent, nil)
	f := c.call(CodeEcho, []byte("after"))
	assert.Equal(t, []byte("after"), f.Body)
	assert.Equal(t, 1, s.Served(CodeSilent))
}

func TestService_IndicationsPrecedeResponse(t *testing.T) {
	_, c := newTestService(t)
	serial := c.send(CodeIndicate, []byte("note"))

	ind := c.read()
	assert.Equal(t, radiorpc.FrameIndication, ind.Kind)
	assert.Equal(t, IndicationEcho, ind.Code)
	assert.Equal(t, []byte("note"), ind.Body)

	resp := c.read()
	assert.Equal(t, radiorpc.FrameResponse, resp.Kind)
	assert.Equal(t, serial, resp.Serial)
}

func TestService_Subscribe(t *testing.T) {
	_, c := newTestService(t)
	p := radiorpc.NewPayload(CodeSubscribe)
	WriteSubscribeRequest(p, 3)
	c.send(CodeSubscribe, p.Body())

	for want := uint32(0); want < 3; want++ {
		f := c.read()
		require.Equal(t, radiorpc.FrameIndication, f.Kind)
		require.Equal(t, IndicationTick, f.Code)
		got, ok := TickIndex(f.Body)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, radiorpc.FrameResponse, c.read().Kind)

	p.Reset()
	WriteSubscribeRequest(p, MaxSubscribeBurst+1)
	assert.Equal(t, ErrorInternal, c.call(CodeSubscribe, p.Body()).Error)
	assert.Equal(t, ErrorInternal, c.call(CodeSubscribe, []byte{1}).Error)
}

func TestService_Flaky(t *testing.T) {
	_, c := newTestService(t)
	for i := 0; i < FlakyFailures; i++ {
		assert.Equal(t, ErrorFailed, c.call(CodeFlaky, nil).Error)
	}
	f := c.call(CodeFlaky, []byte("ok"))
	assert.Equal(t, radiorpc.ErrorNone, f.Error)
	assert.Equal(t, []byte("ok"), f.Body)
}

func TestService_ArrowSum(t *testing.T) {
	_, c := newTestService(t)

	p := radiorpc.NewPayload(CodeArrowSum)
	require.NoError(t, WriteSumRequest(p, []int64{1, 2, 3, 4}))
	f := c.call(CodeArrowSum, p.Body())
	require.Equal(t, radiorpc.ErrorNone, f.Error, string(f.Body))
	res, err := ReadSumResult(f.Body)
	require.NoError(t, err)
	assert.Equal(t, SumResult{Sum: 10, Count: 4}, res)

	// A record tagged for another code is rejected.
	other := radiorpc.NewPayload(CodeEcho)
	require.NoError(t, WriteSumRequest(other, []int64{1}))
	assert.Equal(t, ErrorInternal, c.call(CodeArrowSum, other.Body()).Error)

	assert.Equal(t, ErrorInternal, c.call(CodeArrowSum, []byte("not arrow")).Error)
}

func TestService_Compression(t *testing.T) {
	s, c := newTestService(t)
	require.NoError(t, s.SetCompression(zstd.SpeedFastest))

	body := make([]byte, 4096)
	f := c.call(CodeEcho, body)
	assert.Equal(t, body, f.Body)
	assert.Zero(t, f.Flags&radiorpc.FlagZstd)
}

func TestService_Indicate(t *testing.T) {
	s := NewService()
	assert.ErrorIs(t, s.Indicate(IndicationEcho, nil), radiorpc.ErrClosed)

	c := startService(t, s)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.w != nil
	}, 5*time.Second, time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- s.Indicate(42, []byte("unsolicited")) }()
	f := c.read()
	require.NoError(t, <-errc)
	assert.Equal(t, radiorpc.FrameIndication, f.Kind)
	assert.EqualValues(t, 42, f.Code)
	assert.Equal(t, []byte("unsolicited"), f.Body)
}

func TestService_IgnoresNonRequestFrames(t *testing.T) {
	_, c := newTestService(t)
	require.NoError(t, radiorpc.WriteFrame(c.conn, &radiorpc.Frame{Kind: radiorpc.FrameAck, Serial: 77}))
	f := c.call(CodeEcho, []byte("next"))
	assert.Equal(t, []byte("next"), f.Body)
}
