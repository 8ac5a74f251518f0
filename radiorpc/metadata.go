// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package radiorpc

// Frame kinds of the stream protocol.
const (
	FrameRequest    FrameKind = 1
	FrameResponse   FrameKind = 2
	FrameAck        FrameKind = 3
	FrameIndication FrameKind = 4
)

// Frame flags.
const (
	// FlagZstd marks a zstd-compressed body.
	FlagZstd uint8 = 1 << 0
)

// Wire layout constants.
const (
	// FrameHeaderSize is kind(1) flags(1) version(2) code(4) serial(4)
	// error(4) length(4).
	FrameHeaderSize = 20
	// MaxFrameBody bounds the body length accepted by ReadFrame.
	MaxFrameBody = 16 << 20
	// ProtocolVersion is written into every frame header.
	ProtocolVersion uint16 = 1

	// envelopeSize is the code(4) serial(4) prefix of a Payload.
	envelopeSize = 8
)

// MetaCode is the schema metadata key WriteRecord stamps with the request
// code, so a service can check a body was encoded for the call it received.
const MetaCode = "radio_rpc.code"
