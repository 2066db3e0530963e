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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pmidvault/vault-go/transport/peer"
	"github.com/pmidvault/vault-go/wire"
)

type recorderTracerProvider struct {
	trace.TracerProvider
	mu        sync.Mutex
	requested []string
}

func (r *recorderTracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	r.mu.Lock()
	r.requested = append(r.requested, name)
	r.mu.Unlock()
	return r.TracerProvider.Tracer(name, opts...)
}

func newRecorderTracerProvider() *recorderTracerProvider {
	return &recorderTracerProvider{TracerProvider: noop.NewTracerProvider()}
}

// nolint
// Not parallel, the global provider is swapped
func TestNewTracerUsesGlobalProviderWhenNoneProvided(t *testing.T) {
	original := otel.GetTracerProvider()
	rec := newRecorderTracerProvider()
	otel.SetTracerProvider(rec)
	defer otel.SetTracerProvider(original)

	tracer := NewTracer()

	require.Equal(t, rec, tracer.traceProvider)
	require.Equal(t, []string{instrumentationName}, rec.requested)
	require.NotNil(t, tracer.getTracer())
}

// nolint
// Not parallel, the global provider is swapped
func TestNewTracerRespectsCustomProviderOption(t *testing.T) {
	original := otel.GetTracerProvider()
	defer otel.SetTracerProvider(original)

	// Set a global provider that should not be used after the override.
	global := newRecorderTracerProvider()
	otel.SetTracerProvider(global)

	custom := newRecorderTracerProvider()
	tracer := NewTracer(WithTraceProvider(custom))

	require.Equal(t, custom, tracer.traceProvider)
	require.Equal(t, []string{instrumentationName}, custom.requested)
	require.Empty(t, global.requested)
}

// nolint
func TestWithTracerAttributesAppendsAttributes(t *testing.T) {
	t.Parallel()

	attrs := []attribute.KeyValue{
		attribute.String("env", "test"),
		attribute.Int("shard", 1),
	}

	tracer := NewTracer(WithTracerAttributes(attrs...))
	require.Equal(t, attrs, tracer.traceAttributes)
}

// nolint
func TestSpanStartOptionsPoolResetsOnPut(t *testing.T) {
	t.Parallel()

	tracer := NewTracer()

	opts := tracer.getSpanStartOptions()
	require.Zero(t, len(*opts))
	require.GreaterOrEqual(t, cap(*opts), 10)

	*opts = append(*opts, trace.WithSpanKind(trace.SpanKindClient))
	require.Equal(t, 1, len(*opts))

	tracer.putSpanStartOptions(opts)

	opts = tracer.getSpanStartOptions()
	require.Zero(t, len(*opts))
	require.GreaterOrEqual(t, cap(*opts), 10)
	tracer.putSpanStartOptions(opts)
}

// nolint
func TestAttributesPoolResetsOnPut(t *testing.T) {
	t.Parallel()

	tracer := NewTracer()

	attrs := tracer.getAttributes()
	require.Zero(t, len(*attrs))
	require.GreaterOrEqual(t, cap(*attrs), 10)

	*attrs = append(*attrs, attribute.String("key", "val"))
	require.Equal(t, 1, len(*attrs))

	tracer.putAttributes(attrs)

	attrs = tracer.getAttributes()
	require.Zero(t, len(*attrs))
	require.GreaterOrEqual(t, cap(*attrs), 10)
	tracer.putAttributes(attrs)
}

func TestSendSpans(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := NewTracer(WithTraceProvider(tp), WithTracerAttributes(attribute.String("env", "test")))
	env := &wire.Envelope{Kind: wire.KindSynchronise, MessageID: 9, Group: "pmid-1"}

	_, span := tracer.startSend(context.Background(), peer.Info{Address: "vault-2"}, env)
	tracer.endSend(span, nil)
	_, span = tracer.startSend(context.Background(), peer.Info{ID: "vault-3", Address: "localhost:1113"}, env)
	tracer.endSend(span, errors.New("connection refused"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, sendSpanName, ok.Name())
	assert.Equal(t, trace.SpanKindClient, ok.SpanKind())
	assert.Equal(t, codes.Unset, ok.Status().Code)
	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.String("env", "test"),
		attribute.String("vault.message.kind", "Synchronise"),
		attribute.Int64("vault.message.id", 9),
		attribute.String("vault.message.group", "pmid-1"),
		attribute.String("vault.peer.id", "vault-2"),
	}, ok.Attributes())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "connection refused", failed.Status().Description)
	assert.Contains(t, failed.Attributes(), attribute.String("vault.peer.id", "vault-3"))
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, "exception", failed.Events()[0].Name)
}
