// Package otel provides OpenTelemetry tracing integration for reshake.
//
// Traces cover the resource handshake and the resource-exchange calls it
// makes on the way.
//
// # Span Hierarchy
//
//	reshake.handshake
//	├── reshake.share      (nonce file published to the exchange)
//	└── reshake.fetch      (peer nonce fetched from the exchange)
//
//	reshake.task_request
//
// # Attributes
//
//   - peer.id: The remote peer's ID
//   - handshake.role: "initiator" or "responder"
//   - handshake.result: "success", "failure", "timeout", "closed" or "replaced"
//   - resource.ref: Content reference being fetched
//   - resource.path: Local path being shared
//   - task.id: Task named in a task request
//
// # Example Usage
//
//	import (
//	    "github.com/blockberries/reshake"
//	    reshakeotel "github.com/blockberries/reshake/otel"
//	    "go.opentelemetry.io/otel"
//	)
//
//	func main() {
//	    tracer := reshakeotel.NewTracer(otel.GetTracerProvider())
//
//	    cfg := reshake.NewConfig(key, dataDir, addrs,
//	        reshake.WithTracer(tracer),
//	    )
//	    // ...
//	}
package otel

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of every span.
const TracerName = "github.com/blockberries/reshake"

const (
	SpanHandshake   = "reshake.handshake"
	SpanShare       = "reshake.share"
	SpanFetch       = "reshake.fetch"
	SpanTaskRequest = "reshake.task_request"
)

const (
	AttrPeerID          = "peer.id"
	AttrHandshakeRole   = "handshake.role"
	AttrHandshakeResult = "handshake.result"
	AttrResourceRef     = "resource.ref"
	AttrResourcePath    = "resource.path"
	AttrTaskID          = "task.id"
	AttrErrorMessage    = "error.message"
)

// resultSuccess is the only handshake result that sets an Ok status.
const resultSuccess = "success"

// Tracer starts and ends reshake spans. It is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer backed by provider, or a no-op Tracer when
// provider is nil.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, peerID peer.ID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(AttrPeerID, peerID.String()))
	return t.tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartHandshake opens the span that share and fetch spans are parented to.
func (t *Tracer) StartHandshake(ctx context.Context, peerID peer.ID, role string) (context.Context, trace.Span) {
	return t.start(ctx, SpanHandshake, trace.SpanKindInternal, peerID,
		attribute.String(AttrHandshakeRole, role))
}

func (t *Tracer) StartShare(ctx context.Context, peerID peer.ID, path string) (context.Context, trace.Span) {
	return t.start(ctx, SpanShare, trace.SpanKindProducer, peerID,
		attribute.String(AttrResourcePath, path))
}

func (t *Tracer) StartFetch(ctx context.Context, peerID peer.ID, ref string) (context.Context, trace.Span) {
	return t.start(ctx, SpanFetch, trace.SpanKindClient, peerID,
		attribute.String(AttrResourceRef, ref))
}

func (t *Tracer) StartTaskRequest(ctx context.Context, peerID peer.ID, taskID string) (context.Context, trace.Span) {
	return t.start(ctx, SpanTaskRequest, trace.SpanKindProducer, peerID,
		attribute.String(AttrTaskID, taskID))
}

// EndHandshake tags span with result and ends it. A non-nil err marks the
// span as failed; results other than "success" without an error, such as
// "closed", leave the status unset.
func (t *Tracer) EndHandshake(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String(AttrHandshakeResult, result))
	switch {
	case err != nil:
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
		span.SetStatus(codes.Error, err.Error())
	case result == resultSuccess:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EndOperation ends a share, fetch or task request span, recording err as
// an event when set.
func (t *Tracer) EndOperation(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
