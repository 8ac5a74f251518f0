// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides an in-process fake radio service that speaks
// the radio-rpc frame protocol. It is the counterpart of
// [radiorpc.StreamTransport] in tests and examples: it answers, fails,
// ignores, acknowledges or retries requests on demand and pushes
// indications, so every outcome the client engine handles can be produced
// over a real byte stream.
//
// The entry points intended for external use are [NewService], which
// creates an empty service, and [RegisterMethods], which registers the
// standard set of handlers under the Code* constants.
package conformance
