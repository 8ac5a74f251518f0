// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"encoding/binary"
	"fmt"
	"io"
)

// IndicationTick is the indication code pushed by CodeSubscribe.
const IndicationTick uint32 = 101

// MaxSubscribeBurst bounds the number of indications one CodeSubscribe
// request may ask for.
const MaxSubscribeBurst = 1024

// WriteSubscribeRequest encodes a CodeSubscribe body asking for count ticks.
func WriteSubscribeRequest(w io.Writer, count uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], count)
	_, _ = w.Write(b[:])
}

// TickIndex decodes the sequence number carried by an IndicationTick.
func TickIndex(body []byte) (uint32, bool) {
	if len(body) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(body), true
}

// subscribe pushes the requested number of IndicationTick indications,
// numbered from zero, then responds with the count it sent.
func subscribe(call *Call) (Reply, error) {
	if len(call.Body) != 4 {
		return Reply{}, fmt.Errorf("subscribe body is %d bytes, expected 4", len(call.Body))
	}
	count := binary.LittleEndian.Uint32(call.Body)
	if count > MaxSubscribeBurst {
		return Reply{}, fmt.Errorf("subscribe burst %d exceeds %d", count, MaxSubscribeBurst)
	}
	for i := uint32(0); i < count; i++ {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], i)
		call.Indicate(IndicationTick, b[:])
	}
	return Reply{Body: call.Body}, nil
}
