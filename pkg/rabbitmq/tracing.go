package rabbitmq

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/iota-uz/async-orders/pkg/headers"
)

var tracer = otel.Tracer("async-orders/rabbitmq")

// HeaderCarrier adapts headers.Map to propagation.TextMapCarrier.
type HeaderCarrier headers.Map

func (c HeaderCarrier) Get(key string) string {
	return headers.Map(c).String(key)
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = headers.String(value)
}

func (c HeaderCarrier) Keys() []string {
	return headers.Map(c).Keys()
}

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// InjectTrace writes the span context of ctx into m.
func InjectTrace(ctx context.Context, m headers.Map) {
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(m))
}

// ExtractTrace returns ctx enriched with the span context carried by m.
func ExtractTrace(ctx context.Context, m headers.Map) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(m))
}
