// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import "sync/atomic"

// Serial correlates one transmission of a request with its response.
// Zero is never assigned.
type Serial uint32

// lastSerial is shared by every channel in the process so that two channels
// never hand out the same serial at the same time.
var lastSerial atomic.Uint32

// reserveSerial returns the next serial that inUse does not claim. The
// counter wraps around and skips zero.
func reserveSerial(inUse func(Serial) bool) Serial {
	for {
		s := Serial(lastSerial.Add(1))
		if s != 0 && !inUse(s) {
			return s
		}
	}
}
