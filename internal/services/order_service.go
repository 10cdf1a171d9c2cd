package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/validation"
)

const defaultPublishTimeout = 5 * time.Second

// OrderServiceDeps wires the dependencies required by the order service.
type OrderServiceDeps struct {
	Payments PaymentGateway
	Fees     payments.FeeSchedule
	Currency string
	// LocationID, when set, is the only selling location requests may target.
	LocationID string
	Publisher  OrderEventPublisher
	Metrics    checkoutMetrics
	Clock      func() time.Time
	NewKey     func() string
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	payments   PaymentGateway
	fees       payments.FeeSchedule
	currency   string
	locationID string
	publisher  OrderEventPublisher
	metrics    checkoutMetrics
	now        func() time.Time
	newKey     func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Payments == nil {
		return nil, errors.New("order service: payment gateway is required")
	}
	svc := &orderService{
		payments:   deps.Payments,
		fees:       deps.Fees,
		currency:   strings.ToUpper(strings.TrimSpace(deps.Currency)),
		locationID: strings.TrimSpace(deps.LocationID),
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		now:        deps.Clock,
		newKey:     deps.NewKey,
		logger:     deps.Logger,
	}
	if svc.currency == "" {
		svc.currency = "USD"
	}
	if svc.metrics == nil {
		svc.metrics = noopMetrics{}
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.newKey == nil {
		svc.newKey = uuid.NewString
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// PlaceOrder validates the submission, creates the gateway order, then pays the order's
// net amount due. Both gateway calls share one idempotency key minted for this call.
// Payment is never attempted unless the order was created with an amount due.
func (s *orderService) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.PaymentReceipt, error) {
	if err := s.validate(req); err != nil {
		s.metrics.RecordOrder(ctx, "invalid", "")
		return domain.PaymentReceipt{}, err
	}

	paymentCtx := payments.PaymentContext{Currency: s.currency}
	provider, err := s.payments.Resolve(paymentCtx)
	if err != nil {
		s.logger(ctx, "order.provider.failed", map[string]any{"error": err.Error(), "currency": s.currency})
		s.metrics.RecordOrder(ctx, "unavailable", "")
		return domain.PaymentReceipt{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	key := s.newKey()
	draft := payments.BuildOrderDraft(payments.DraftInput{
		LocationID: req.LocationID,
		CustomerID: req.CustomerID,
		Currency:   s.currency,
		Email:      req.Email,
		Items:      req.Items,
		Discounts:  req.Discounts,
		Shipping:   req.Shipping,
	}, s.fees)

	started := time.Now()
	order, err := s.payments.CreateOrder(ctx, paymentCtx, draft, key)
	s.metrics.RecordGatewayCall(ctx, "create_order", time.Since(started), err != nil)
	if err != nil {
		perr := newPaymentError(StageOrder, provider, "create order", err)
		s.logger(ctx, "order.create.rejected", map[string]any{
			"provider":       provider,
			"code":           perr.Entry.Code,
			"category":       perr.Entry.Category.String(),
			"idempotencyKey": key,
			"error":          err.Error(),
		})
		s.metrics.RecordOrder(ctx, "order_failed", perr.Entry.Code)
		return domain.PaymentReceipt{}, perr
	}
	if strings.TrimSpace(order.ID) == "" || order.NetAmountDueMoney == nil {
		s.logger(ctx, "order.create.failed", map[string]any{
			"provider":       provider,
			"orderID":        order.ID,
			"idempotencyKey": key,
			"message":        "gateway order response missing order or net amount due",
		})
		s.metrics.RecordOrder(ctx, "integration_error", "")
		return domain.PaymentReceipt{}, fmt.Errorf("%w: create order returned no order or net amount due", ErrGatewayIntegration)
	}

	billing := validation.NormalizeAddress(*req.EffectiveBilling())
	shipping := validation.NormalizeAddress(*req.Shipping)

	started = time.Now()
	payment, err := s.payments.CreatePayment(ctx, paymentCtx, payments.PaymentRequest{
		SourceID:          req.SourceID,
		VerificationToken: req.SourceVerification,
		IdempotencyKey:    key,
		OrderID:           order.ID,
		LocationID:        req.LocationID,
		CustomerID:        req.CustomerID,
		BuyerEmail:        req.Email,
		Amount:            *order.NetAmountDueMoney,
		Autocomplete:      true,
		Billing:           &billing,
		Shipping:          &shipping,
	})
	s.metrics.RecordGatewayCall(ctx, "create_payment", time.Since(started), err != nil)
	if err != nil {
		perr := newPaymentError(StagePayment, provider, "create payment", err)
		s.logOrphan(ctx, provider, order, key, perr.Entry.Code)
		s.metrics.RecordOrder(ctx, "payment_failed", perr.Entry.Code)
		return domain.PaymentReceipt{}, perr
	}
	if strings.TrimSpace(payment.ID) == "" {
		s.logOrphan(ctx, provider, order, key, "")
		s.metrics.RecordOrder(ctx, "integration_error", "")
		return domain.PaymentReceipt{}, fmt.Errorf("%w: create payment returned no payment", ErrGatewayIntegration)
	}

	receipt := domain.PaymentReceipt{
		ReceiptNumber: payment.ReceiptNumber,
		ReceiptURL:    payment.ReceiptURL,
		TotalMoney:    payment.TotalMoney,
		Status:        payment.Status,
	}
	if receipt.TotalMoney.IsZero() {
		receipt.TotalMoney = *order.NetAmountDueMoney
	}

	s.logger(ctx, "order.paid", map[string]any{
		"provider":  provider,
		"orderID":   order.ID,
		"paymentID": payment.ID,
		"status":    payment.Status,
		"amount":    receipt.TotalMoney.Amount,
		"currency":  receipt.TotalMoney.Currency,
	})
	s.metrics.RecordOrder(ctx, "success", "")
	s.publishPaid(ctx, OrderPaidEvent{
		OrderID:        order.ID,
		PaymentID:      payment.ID,
		Provider:       provider,
		LocationID:     req.LocationID,
		Email:          strings.TrimSpace(req.Email),
		ReceiptNumber:  receipt.ReceiptNumber,
		ReceiptURL:     receipt.ReceiptURL,
		Status:         receipt.Status,
		TotalMoney:     receipt.TotalMoney,
		IdempotencyKey: key,
		PaidAt:         s.now().UTC(),
	})
	return receipt, nil
}

func (s *orderService) validate(req domain.OrderRequest) error {
	if err := validation.OrderRequest(req); err != nil {
		return err
	}
	if s.locationID != "" && strings.TrimSpace(req.LocationID) != s.locationID {
		return validation.Errors{{Field: "location_id", Rule: "location", Message: "location_id is not a selling location"}}
	}
	return nil
}

// logOrphan records an order that exists on the gateway without a payment. Nothing
// reconciles these; the log line is the only trace.
func (s *orderService) logOrphan(ctx context.Context, provider string, order payments.Order, key, code string) {
	fields := map[string]any{
		"message":        "order created without payment",
		"provider":       provider,
		"orderID":        order.ID,
		"idempotencyKey": key,
	}
	if code != "" {
		fields["code"] = code
	}
	if order.NetAmountDueMoney != nil {
		fields["amount"] = order.NetAmountDueMoney.Amount
		fields["currency"] = order.NetAmountDueMoney.Currency
	}
	s.logger(ctx, "order.payment.orphaned", fields)
}

func (s *orderService) publishPaid(ctx context.Context, event OrderPaidEvent) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublishTimeout)
	defer cancel()
	id, err := s.publisher.PublishOrderPaid(pubCtx, event)
	if err != nil {
		s.logger(ctx, "order.publish.failed", map[string]any{"orderID": event.OrderID, "error": err.Error()})
		return
	}
	s.logger(ctx, "order.published", map[string]any{"orderID": event.OrderID, "messageID": id})
}
