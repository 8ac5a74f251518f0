// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package radiorpc implements the client side of an asynchronous RPC channel
// to a single privileged radio service.
//
// Callers describe a call as a [Request], submit it on a [Channel] and get a
// completion callback once the service answers, the call times out or the
// transmission fails. The channel takes care of serial numbers, retries,
// deadlines and the exclusive-access protocol the service requires.
//
// # Requests
//
// A request is created in [StateNew] by [Channel.NewRequest] or
// [RequestGroup.NewRequest]. [Request.Submit] moves it to [StateQueued]; the
// channel's submission pass hands it to the [Transport] and it becomes
// [StatePending]. It then ends in exactly one of:
//
//   - [StateDone]: a response arrived and the retry predicate declined to
//     retry. The completion callback receives [StatusOK] and the response.
//   - [StateFailed]: the transport could not transmit the request, or the
//     endpoint died. The callback receives [StatusTransmissionFailed].
//   - [StateTimeout]: no response before the deadline. The callback receives
//     [StatusTimeout].
//   - [StateCancelled]: [Request.Cancel] or [Request.Drop]. No callback.
//
// A response may also send the request back to [StateQueued] for another
// transmission, see [Request.SetRetry] and [Request.SetRetryFunc]. Every
// transmission carries a fresh serial.
//
// # Groups and ownership
//
// A [RequestGroup] collects requests for joint cancellation and for exclusive
// ownership of the channel. While a group owns the channel ([BlockAcquired])
// no request outside of it is transmitted. Other groups asking for ownership
// wait in FIFO order ([BlockQueued]).
//
// # Blocking requests
//
// A request marked with [Request.SetBlocking] is transmitted alone: while it
// is pending nothing else leaves the queue.
//
// # Threading
//
// A channel is not safe for concurrent use. Every entry point, including the
// transport callbacks ([Channel.HandleResponse], [Channel.HandleAck],
// [Channel.HandleDeath]) and the channel's own timer, runs on a single
// [Executor], normally a [Loop]. Completion and destroy callbacks run on the
// same goroutine and may freely cancel, drop or submit requests.
//
// # Transports
//
// [StreamTransport] speaks a small framed protocol over any
// io.ReadWriteCloser. Request bodies are opaque bytes; [WriteRecord] and
// [ReadRecord] encode Arrow record batches for services that exchange
// columnar data.
package radiorpc
