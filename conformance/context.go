// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"

	"github.com/Query-farm/radio-rpc/radiorpc"
)

// Call provides request-scoped information to method handlers.
type Call struct {
	// Ctx is the serving context, cancelled when Serve's context is.
	Ctx context.Context
	// Code is the request code the handler was registered for.
	Code uint32
	// Serial is the serial of this transmission. Retransmissions of the
	// same request arrive with a new serial.
	Serial radiorpc.Serial
	// Body is the decompressed request body.
	Body []byte

	indications []indication
}

type indication struct {
	code uint32
	body []byte
}

// Indicate queues an indication that is written before the call's response.
func (c *Call) Indicate(code uint32, body []byte) {
	c.indications = append(c.indications, indication{code: code, body: body})
}

// drainIndications returns and clears all queued indications.
func (c *Call) drainIndications() []indication {
	out := c.indications
	c.indications = nil
	return out
}
