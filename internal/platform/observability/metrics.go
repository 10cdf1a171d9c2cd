package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const checkoutMeterName = "github.com/fieldshop/storefront/checkout"

// CheckoutMetrics records checkout outcomes. A nil *CheckoutMetrics records nothing.
type CheckoutMetrics struct {
	orders         metric.Int64Counter
	quotes         metric.Int64Counter
	gatewayLatency metric.Float64Histogram
}

// NewCheckoutMetrics registers the checkout instruments on meter, or on the global meter
// provider when meter is nil.
func NewCheckoutMetrics(meter metric.Meter) (*CheckoutMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(checkoutMeterName)
	}
	orders, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Order submissions by outcome"))
	if err != nil {
		return nil, err
	}
	quotes, err := meter.Int64Counter("checkout.quotes",
		metric.WithDescription("Order pricing requests by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("checkout.gateway.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of payment gateway calls"))
	if err != nil {
		return nil, err
	}
	return &CheckoutMetrics{orders: orders, quotes: quotes, gatewayLatency: latency}, nil
}

// RecordOrder counts a finished order submission. code is the gateway error code, if any.
func (m *CheckoutMetrics) RecordOrder(ctx context.Context, outcome, code string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if code != "" {
		attrs = append(attrs, attribute.String("code", code))
	}
	m.orders.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuote counts a finished pricing request.
func (m *CheckoutMetrics) RecordQuote(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.quotes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGatewayCall records the latency of one gateway operation.
func (m *CheckoutMetrics) RecordGatewayCall(ctx context.Context, op string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.gatewayLatency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("op", op), attribute.Bool("failed", failed)))
}
