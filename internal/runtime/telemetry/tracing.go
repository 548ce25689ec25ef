package telemetry

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/drblury/rpcflow"

// Tracer returns the tracer used for RPC spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// AMQPCarrier adapts AMQP message headers to a propagation.TextMapCarrier.
type AMQPCarrier amqp.Table

var _ propagation.TextMapCarrier = AMQPCarrier(nil)

func (c AMQPCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (c AMQPCarrier) Set(key, value string) {
	c[key] = value
}

func (c AMQPCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectAMQP writes the trace context of ctx into headers. headers must be
// non-nil.
func InjectAMQP(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, AMQPCarrier(headers))
}

// ExtractAMQP returns ctx enriched with the trace context found in headers.
func ExtractAMQP(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, AMQPCarrier(headers))
}
