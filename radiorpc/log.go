// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

import "log/slog"

// requestAttrs returns the key-value pairs identifying req in log records.
func requestAttrs(req *Request) []any {
	attrs := []any{
		"serial", req.serial,
		"code", req.code,
		"state", req.state.String(),
	}
	if req.serial != req.primary {
		attrs = append(attrs, "primary", req.primary)
	}
	if req.group != nil {
		attrs = append(attrs, "group", req.group.id.String())
	}
	return attrs
}

// logOutcome logs a request reaching a terminal state. Failures and
// timeouts are warnings, everything else is debug output.
func (ch *Channel) logOutcome(req *Request, status Status, resp *Response) {
	attrs := append(requestAttrs(req), "status", status.String())
	if resp != nil && resp.Error != ErrorNone {
		attrs = append(attrs, "service_error", int32(resp.Error))
	}
	level := slog.LevelDebug
	if status != StatusOK {
		level = slog.LevelWarn
	}
	ch.logger.Log(req.Context(), level, "request finished", attrs...)
}
