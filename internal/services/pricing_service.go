package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/validation"
)

// PricingServiceDeps wires the dependencies required by the pricing service.
type PricingServiceDeps struct {
	Payments   PaymentGateway
	Fees       payments.FeeSchedule
	Currency   string
	LocationID string
	Metrics    checkoutMetrics
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type pricingService struct {
	payments   PaymentGateway
	fees       payments.FeeSchedule
	currency   string
	locationID string
	metrics    checkoutMetrics
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewPricingService constructs a PricingService validating required dependencies.
func NewPricingService(deps PricingServiceDeps) (PricingService, error) {
	if deps.Payments == nil {
		return nil, errors.New("pricing service: payment gateway is required")
	}
	svc := &pricingService{
		payments:   deps.Payments,
		fees:       deps.Fees,
		currency:   strings.ToUpper(strings.TrimSpace(deps.Currency)),
		locationID: strings.TrimSpace(deps.LocationID),
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}
	if svc.currency == "" {
		svc.currency = "USD"
	}
	if svc.metrics == nil {
		svc.metrics = noopMetrics{}
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// QuoteOrder builds the same draft an order submission would and asks the gateway to
// price it. Failures are returned as-is; the caller decides whether to ask again.
func (s *pricingService) QuoteOrder(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	if err := validation.QuoteRequest(req); err != nil {
		s.metrics.RecordQuote(ctx, "invalid")
		return domain.Quote{}, err
	}
	if s.locationID != "" && strings.TrimSpace(req.LocationID) != s.locationID {
		s.metrics.RecordQuote(ctx, "invalid")
		return domain.Quote{}, validation.Errors{{Field: "location_id", Rule: "location", Message: "location_id is not a selling location"}}
	}

	paymentCtx := payments.PaymentContext{Currency: s.currency}
	provider, err := s.payments.Resolve(paymentCtx)
	if err != nil {
		s.metrics.RecordQuote(ctx, "unavailable")
		return domain.Quote{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	draft := payments.BuildOrderDraft(payments.DraftInput{
		LocationID: req.LocationID,
		CustomerID: req.CustomerID,
		Currency:   s.currency,
		Items:      req.Items,
		Discounts:  req.Discounts,
		Shipping:   req.Shipping,
	}, s.fees)

	started := time.Now()
	order, err := s.payments.CalculateOrder(ctx, paymentCtx, draft)
	s.metrics.RecordGatewayCall(ctx, "calculate_order", time.Since(started), err != nil)
	if err != nil {
		perr := newPaymentError(StageQuote, provider, "calculate order", err)
		s.logger(ctx, "order.quote.rejected", map[string]any{
			"provider": provider,
			"code":     perr.Entry.Code,
			"error":    err.Error(),
		})
		s.metrics.RecordQuote(ctx, "gateway_error")
		return domain.Quote{}, perr
	}
	if order.NetAmountDueMoney == nil {
		s.logger(ctx, "order.quote.failed", map[string]any{"provider": provider, "message": "gateway quote missing net amount due"})
		s.metrics.RecordQuote(ctx, "integration_error")
		return domain.Quote{}, fmt.Errorf("%w: calculate order returned no net amount due", ErrGatewayIntegration)
	}

	currency := order.NetAmountDueMoney.Currency
	lineItems := order.LineItems
	if lineItems == nil {
		lineItems = []domain.PricedLineItem{}
	}
	s.metrics.RecordQuote(ctx, "success")
	return domain.Quote{
		LineItems:               lineItems,
		TotalDiscountMoney:      moneyOrZero(order.TotalDiscountMoney, currency),
		TotalTaxMoney:           moneyOrZero(order.TotalTaxMoney, currency),
		TotalServiceChargeMoney: moneyOrZero(order.TotalServiceChargeMoney, currency),
		NetAmountDueMoney:       *order.NetAmountDueMoney,
	}, nil
}

func moneyOrZero(m *domain.Money, currency string) domain.Money {
	if m == nil {
		return domain.Money{Currency: currency}
	}
	return *m
}
