package services

import (
	"context"
	"time"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
)

// OrderService turns a validated checkout submission into a gateway order and payment.
type OrderService interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PaymentReceipt, error)
}

// PricingService prices a prospective order without creating anything.
type PricingService interface {
	QuoteOrder(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// PaymentGateway is the subset of payments.Manager the services depend on.
type PaymentGateway interface {
	Resolve(paymentCtx payments.PaymentContext) (string, error)
	CalculateOrder(ctx context.Context, paymentCtx payments.PaymentContext, draft payments.OrderDraft) (payments.Order, error)
	CreateOrder(ctx context.Context, paymentCtx payments.PaymentContext, draft payments.OrderDraft, idempotencyKey string) (payments.Order, error)
	CreatePayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.PaymentRequest) (payments.Payment, error)
}

// OrderPaidEvent is published once a payment has been recorded for an order.
type OrderPaidEvent struct {
	OrderID        string       `json:"orderId"`
	PaymentID      string       `json:"paymentId"`
	Provider       string       `json:"provider"`
	LocationID     string       `json:"locationId"`
	Email          string       `json:"email"`
	ReceiptNumber  string       `json:"receiptNumber"`
	ReceiptURL     string       `json:"receiptUrl"`
	Status         string       `json:"status"`
	TotalMoney     domain.Money `json:"totalMoney"`
	IdempotencyKey string       `json:"idempotencyKey"`
	PaidAt         time.Time    `json:"paidAt"`
}

// OrderEventPublisher delivers order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderPaid(ctx context.Context, event OrderPaidEvent) (string, error)
}

type checkoutMetrics interface {
	RecordOrder(ctx context.Context, outcome, code string)
	RecordQuote(ctx context.Context, outcome string)
	RecordGatewayCall(ctx context.Context, op string, d time.Duration, failed bool)
}

type noopMetrics struct{}

func (noopMetrics) RecordOrder(context.Context, string, string) {}
func (noopMetrics) RecordQuote(context.Context, string) {}
func (noopMetrics) RecordGatewayCall(context.Context, string, time.Duration, bool) {}
