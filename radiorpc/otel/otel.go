// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package radiootel provides OpenTelemetry instrumentation for radio-rpc
// channels. It implements the [radiorpc.RequestHook] interface to trace each
// request from submission to its terminal state and to record metrics.
//
// Usage:
//
//	ch := radiorpc.NewChannel(transport, loop)
//	radiootel.InstrumentChannel(ch, radiootel.DefaultConfig())
package radiootel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Query-farm/radio-rpc/radiorpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "radio_rpc"

// OtelConfig configures OpenTelemetry instrumentation for a channel.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed requests.
	// Default true.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to
	// "RadioService".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with sensible defaults.
// TracerProvider and MeterProvider are resolved from the global OTel SDK at
// instrumentation time.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentChannel attaches OpenTelemetry instrumentation to ch.
// The hook is installed via [radiorpc.Channel.SetHook].
func InstrumentChannel(ch *radiorpc.Channel, cfg OtelConfig) {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "RadioService"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("radio_rpc.client.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of completed requests"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("radio_rpc.client.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Time from submission to completion"),
		)
		hook.transmissionCounter, _ = meter.Int64Counter("radio_rpc.client.transmissions",
			metric.WithUnit("{transmission}"),
			metric.WithDescription("Number of transmissions, including retries"),
		)
	}

	ch.SetHook(hook)
}

// otelHook implements radiorpc.RequestHook with OpenTelemetry tracing and metrics.
type otelHook struct {
	cfg                 OtelConfig
	tracer              trace.Tracer
	requestCounter      metric.Int64Counter
	durationHistogram   metric.Float64Histogram
	transmissionCounter metric.Int64Counter
}

// spanToken is the HookToken returned by OnSubmit.
type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnSubmit starts a client span that lasts until the request completes.
func (h *otelHook) OnSubmit(ctx context.Context, info radiorpc.RequestInfo) (context.Context, radiorpc.HookToken) {
	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "radio_rpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.Int64("rpc.radio_rpc.code", int64(info.Code)),
		attribute.Int64("rpc.radio_rpc.serial", int64(info.Serial)),
		attribute.String("rpc.radio_rpc.channel_id", info.ChannelID),
		attribute.Bool("rpc.radio_rpc.blocking", info.Blocking),
		attribute.Int64("rpc.radio_rpc.timeout_ms", info.Timeout.Milliseconds()),
	}
	if info.GroupID != "" {
		attrs = append(attrs, attribute.String("rpc.radio_rpc.group_id", info.GroupID))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, fmt.Sprintf("radio_rpc/%d", info.Code),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnComplete records span attributes, metrics, and ends the span.
func (h *otelHook) OnComplete(ctx context.Context, token radiorpc.HookToken, info radiorpc.RequestInfo, stats *radiorpc.RequestStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	duration := time.Since(st.startTime)

	status := "ok"
	switch {
	case errors.Is(err, radiorpc.ErrCancelled):
		status = "cancelled"
	case err != nil:
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "radio_rpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.Int64("rpc.radio_rpc.code", int64(info.Code)),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
		if h.transmissionCounter != nil && stats != nil && stats.Transmissions > 0 {
			h.transmissionCounter.Add(ctx, stats.Transmissions, metricAttrs)
		}
	}

	if st.span != nil && st.span.IsRecording() {
		st.span.SetAttributes(attribute.String("rpc.radio_rpc.state", strings.ToLower(info.State.String())))
		if stats != nil {
			st.span.SetAttributes(
				attribute.Int64("rpc.radio_rpc.transmissions", stats.Transmissions),
				attribute.Int64("rpc.radio_rpc.retries", stats.Retries),
				attribute.Int64("rpc.radio_rpc.acks", stats.Acks),
			)
		}

		switch {
		case status == "cancelled":
			// Cancellation is the caller's decision, not a failure.
		case err != nil:
			st.span.SetStatus(codes.Error, err.Error())
			if h.cfg.RecordExceptions {
				st.span.RecordError(err)
			}
			var reqErr *radiorpc.RequestError
			if errors.As(err, &reqErr) {
				st.span.SetAttributes(
					attribute.String("rpc.radio_rpc.status", reqErr.Status.String()),
					attribute.Int64("rpc.radio_rpc.service_error", int64(reqErr.ServiceError)),
				)
			}
		default:
			st.span.SetStatus(codes.Ok, "")
		}

		st.span.End()
	}
}
