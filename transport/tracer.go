/*
Copyright Derrick J Wippler
Copyright Arsene Tochemey Gandote

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

const (
	instrumentationName = "github.com/pmidvault/vault-go/instrumentation/otel"
	sendSpanName        = "vault.transport.send"
)

type TracerOption func(*Tracer)

type Tracer struct {
	traceProvider        trace.TracerProvider
	tracer               trace.Tracer
	traceAttributes      []attribute.KeyValue
	spanStartOptionsPool sync.Pool
	attributesPool       sync.Pool
}

func WithTraceProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		if tp != nil {
			t.traceProvider = tp
		}
	}
}

func WithTracerAttributes(attrs ...attribute.KeyValue) TracerOption {
	return func(t *Tracer) {
		t.traceAttributes = append(t.traceAttributes, attrs...)
	}
}

func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		traceProvider: otel.GetTracerProvider(),
		spanStartOptionsPool: sync.Pool{
			New: func() any {
				s := make([]trace.SpanStartOption, 0, 10)
				return &s
			},
		},
		attributesPool: sync.Pool{
			New: func() any {
				s := make([]attribute.KeyValue, 0, 10)
				return &s
			},
		},
	}

	for _, opt := range opts {
		opt(t)
	}

	t.tracer = t.traceProvider.Tracer(instrumentationName)
	return t
}

func (t *Tracer) getTracer() trace.Tracer {
	return t.tracer
}

func (t *Tracer) getSpanStartOptions() *[]trace.SpanStartOption {
	return t.spanStartOptionsPool.Get().(*[]trace.SpanStartOption)
}

func (t *Tracer) putSpanStartOptions(opts *[]trace.SpanStartOption) {
	*opts = (*opts)[:0]
	t.spanStartOptionsPool.Put(opts)
}

func (t *Tracer) getAttributes() *[]attribute.KeyValue {
	return t.attributesPool.Get().(*[]attribute.KeyValue)
}

func (t *Tracer) putAttributes(attrs *[]attribute.KeyValue) {
	*attrs = (*attrs)[:0]
	t.attributesPool.Put(attrs)
}

// startSend starts a client span describing env being sent to p.
func (t *Tracer) startSend(ctx context.Context, p peer.Info, env *wire.Envelope) (context.Context, trace.Span) {
	attrs := t.getAttributes()
	defer t.putAttributes(attrs)
	*attrs = append(*attrs, t.traceAttributes...)
	*attrs = append(*attrs,
		attribute.String("vault.message.kind", env.Kind.String()),
		attribute.Int64("vault.message.id", int64(env.MessageID)),
		attribute.String("vault.message.group", env.Group),
		attribute.String("vault.peer.id", p.NodeID().String()),
	)

	opts := t.getSpanStartOptions()
	defer t.putSpanStartOptions(opts)
	*opts = append(*opts,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(*attrs...),
	)
	return t.getTracer().Start(ctx, sendSpanName, *opts...)
}

func (t *Tracer) endSend(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
