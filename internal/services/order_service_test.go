package services

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/validation"
)

type stubGateway struct {
	resolveFunc   func(payments.PaymentContext) (string, error)
	calculateFunc func(context.Context, payments.OrderDraft) (payments.Order, error)
	orderFunc     func(context.Context, payments.OrderDraft, string) (payments.Order, error)
	paymentFunc   func(context.Context, payments.PaymentRequest) (payments.Payment, error)

	calculateCalls int
	orderCalls     int
	paymentCalls   int
}

func (s *stubGateway) Resolve(pc payments.PaymentContext) (string, error) {
	if s.resolveFunc != nil {
		return s.resolveFunc(pc)
	}
	return "square", nil
}

func (s *stubGateway) CalculateOrder(ctx context.Context, _ payments.PaymentContext, draft payments.OrderDraft) (payments.Order, error) {
	s.calculateCalls++
	return s.calculateFunc(ctx, draft)
}

func (s *stubGateway) CreateOrder(ctx context.Context, _ payments.PaymentContext, draft payments.OrderDraft, key string) (payments.Order, error) {
	s.orderCalls++
	return s.orderFunc(ctx, draft, key)
}

func (s *stubGateway) CreatePayment(ctx context.Context, _ payments.PaymentContext, req payments.PaymentRequest) (payments.Payment, error) {
	s.paymentCalls++
	return s.paymentFunc(ctx, req)
}

type stubPublisher struct {
	events []OrderPaidEvent
	err    error
}

func (p *stubPublisher) PublishOrderPaid(_ context.Context, event OrderPaidEvent) (string, error) {
	p.events = append(p.events, event)
	return "msg-1", p.err
}

type loggedEvent struct {
	event  string
	fields map[string]any
}

func sampleShipping() domain.Address {
	return domain.Address{
		GivenName:   "Jane",
		FamilyName:  "Doe",
		AddressLine: "1 Main St",
		Country:     "US",
		PostalCode:  "10001",
		Phone:       "+1 555 1234",
		City:        "NYC",
		State:       "NY",
	}
}

func sampleOrderRequest() domain.OrderRequest {
	shipping := sampleShipping()
	return domain.OrderRequest{
		LocationID:         "LOC1",
		SourceID:           "cnon:card-nonce-ok",
		SourceVerification: "verf-1",
		Items:              []domain.LineItem{{CatalogObjectID: "X", Quantity: "1"}},
		Email:              "jane@example.com",
		BillingAsShipping:  true,
		Shipping:           &shipping,
	}
}

func successGateway() *stubGateway {
	return &stubGateway{
		orderFunc: func(context.Context, payments.OrderDraft, string) (payments.Order, error) {
			return payments.Order{ID: "ORDER1", NetAmountDueMoney: &domain.Money{Amount: 1000, Currency: "USD"}}, nil
		},
		paymentFunc: func(_ context.Context, req payments.PaymentRequest) (payments.Payment, error) {
			return payments.Payment{
				ID:            "PAY1",
				OrderID:       req.OrderID,
				Status:        "COMPLETED",
				ReceiptNumber: "R1",
				ReceiptURL:    "https://example/r1",
				TotalMoney:    req.Amount,
			}, nil
		},
	}
}

func newTestOrderService(t *testing.T, gw PaymentGateway, mutate func(*OrderServiceDeps)) OrderService {
	t.Helper()
	deps := OrderServiceDeps{
		Payments: gw,
		Fees:     payments.DefaultFeeSchedule(),
		Clock:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestPlaceOrderEndToEnd(t *testing.T) {
	gw := successGateway()
	publisher := &stubPublisher{}
	svc := newTestOrderService(t, gw, func(d *OrderServiceDeps) { d.Publisher = publisher })

	receipt, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	want := domain.PaymentReceipt{
		ReceiptNumber: "R1",
		ReceiptURL:    "https://example/r1",
		TotalMoney:    domain.Money{Amount: 1000, Currency: "USD"},
		Status:        "COMPLETED",
	}
	if receipt != want {
		t.Fatalf("unexpected receipt %#v", receipt)
	}
	if len(publisher.events) != 1 || publisher.events[0].OrderID != "ORDER1" || publisher.events[0].ReceiptNumber != "R1" {
		t.Fatalf("expected order paid event, got %#v", publisher.events)
	}
}

func TestPlaceOrderReusesIdempotencyKey(t *testing.T) {
	var orderKey, paymentKey string
	gw := successGateway()
	createOrder := gw.orderFunc
	gw.orderFunc = func(ctx context.Context, draft payments.OrderDraft, key string) (payments.Order, error) {
		orderKey = key
		return createOrder(ctx, draft, key)
	}
	createPayment := gw.paymentFunc
	gw.paymentFunc = func(ctx context.Context, req payments.PaymentRequest) (payments.Payment, error) {
		paymentKey = req.IdempotencyKey
		return createPayment(ctx, req)
	}
	svc := newTestOrderService(t, gw, nil)

	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if orderKey == "" || orderKey != paymentKey {
		t.Fatalf("expected shared idempotency key, got %q and %q", orderKey, paymentKey)
	}

	firstKey := orderKey
	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if orderKey == firstKey {
		t.Fatalf("expected a fresh key per submission")
	}
}

func TestPlaceOrderPassesOrderAmountToPayment(t *testing.T) {
	gw := successGateway()
	var payment payments.PaymentRequest
	gw.paymentFunc = func(_ context.Context, req payments.PaymentRequest) (payments.Payment, error) {
		payment = req
		return payments.Payment{ID: "PAY1", Status: "COMPLETED"}, nil
	}
	svc := newTestOrderService(t, gw, nil)

	receipt, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if payment.OrderID != "ORDER1" || payment.Amount != (domain.Money{Amount: 1000, Currency: "USD"}) || !payment.Autocomplete {
		t.Fatalf("unexpected payment request %#v", payment)
	}
	if payment.SourceID != "cnon:card-nonce-ok" || payment.VerificationToken != "verf-1" {
		t.Fatalf("expected tokenized source to be forwarded, got %#v", payment)
	}
	if receipt.TotalMoney.Amount != 1000 {
		t.Fatalf("expected receipt total to fall back to amount due, got %#v", receipt.TotalMoney)
	}
}

func TestPlaceOrderBillingFallsBackToShipping(t *testing.T) {
	gw := successGateway()
	var billing, shipping *domain.Address
	gw.paymentFunc = func(_ context.Context, req payments.PaymentRequest) (payments.Payment, error) {
		billing, shipping = req.Billing, req.Shipping
		return payments.Payment{ID: "PAY1", Status: "COMPLETED"}, nil
	}
	svc := newTestOrderService(t, gw, nil)

	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); err != nil {
		t.Fatalf("place order: %v", err)
	}
	want := sampleShipping()
	if billing == nil || !reflect.DeepEqual(*billing, want) {
		t.Fatalf("billing %#v does not match shipping %#v", billing, want)
	}
	if shipping == nil || !reflect.DeepEqual(*shipping, want) {
		t.Fatalf("unexpected shipping %#v", shipping)
	}
}

func TestPlaceOrderUsesSeparateBilling(t *testing.T) {
	gw := successGateway()
	var billing *domain.Address
	gw.paymentFunc = func(_ context.Context, req payments.PaymentRequest) (payments.Payment, error) {
		billing = req.Billing
		return payments.Payment{ID: "PAY1", Status: "COMPLETED"}, nil
	}
	svc := newTestOrderService(t, gw, nil)

	req := sampleOrderRequest()
	req.BillingAsShipping = false
	other := sampleShipping()
	other.GivenName = "John"
	other.PostalCode = "94107"
	other.State = "CA"
	other.City = "San Francisco"
	req.Billing = &other

	if _, err := svc.PlaceOrder(context.Background(), req); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if billing == nil || billing.GivenName != "John" || billing.PostalCode != "94107" {
		t.Fatalf("expected separate billing address, got %#v", billing)
	}
}

func TestPlaceOrderValidationStopsBeforeGateway(t *testing.T) {
	gw := successGateway()
	svc := newTestOrderService(t, gw, nil)

	req := sampleOrderRequest()
	req.Items = []domain.LineItem{{CatalogObjectID: "X", Quantity: "0"}}
	_, err := svc.PlaceOrder(context.Background(), req)
	verrs, ok := validation.AsErrors(err)
	if !ok {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if verrs[0].Field != "items[0].quantity" {
		t.Fatalf("unexpected field %s", verrs[0].Field)
	}

	req = sampleOrderRequest()
	req.Shipping.PostalCode = "1234"
	if _, err := svc.PlaceOrder(context.Background(), req); err == nil {
		t.Fatalf("expected short postal code to be rejected")
	}
	if gw.orderCalls != 0 || gw.paymentCalls != 0 {
		t.Fatalf("expected no gateway calls, got %d/%d", gw.orderCalls, gw.paymentCalls)
	}
}

func TestPlaceOrderRejectsForeignLocation(t *testing.T) {
	gw := successGateway()
	svc := newTestOrderService(t, gw, func(d *OrderServiceDeps) { d.LocationID = "LOC-MAIN" })

	_, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	verrs, ok := validation.AsErrors(err)
	if !ok || verrs[0].Field != "location_id" {
		t.Fatalf("expected location_id error, got %v", err)
	}
	if gw.orderCalls != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestPlaceOrderMapsEveryTableEntry(t *testing.T) {
	entries := append(payments.Entries(), payments.ErrorEntry{Code: "NOT_IN_THE_TABLE"})
	for _, entry := range entries {
		entry := entry
		t.Run(entry.Code, func(t *testing.T) {
			gw := successGateway()
			gw.orderFunc = func(context.Context, payments.OrderDraft, string) (payments.Order, error) {
				return payments.Order{}, &payments.GatewayErrors{Op: "create order", Errors: []payments.GatewayError{{Code: entry.Code}}}
			}
			svc := newTestOrderService(t, gw, nil)

			_, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
			var perr *PaymentError
			if !errors.As(err, &perr) {
				t.Fatalf("expected PaymentError, got %v", err)
			}
			want := payments.LookupError(entry.Code)
			if perr.Entry.Code != want.Code || perr.Entry.Message != want.Message || perr.Entry.Category != want.Category {
				t.Fatalf("expected %#v, got %#v", want, perr.Entry)
			}
			if entry.Code == "NOT_IN_THE_TABLE" && perr.Entry.Code != payments.UnknownErrorCode {
				t.Fatalf("expected unknown fallback, got %s", perr.Entry.Code)
			}
			if perr.Stage != StageOrder {
				t.Fatalf("expected order stage, got %s", perr.Stage)
			}
			if gw.paymentCalls != 0 {
				t.Fatalf("payment must not be attempted after order failure")
			}
		})
	}
}

func TestPlaceOrderNetworkFailureIsUnknownError(t *testing.T) {
	gw := successGateway()
	gw.orderFunc = func(context.Context, payments.OrderDraft, string) (payments.Order, error) {
		return payments.Order{}, errors.New("dial tcp: connection refused")
	}
	svc := newTestOrderService(t, gw, nil)

	_, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Entry.Code != payments.UnknownErrorCode {
		t.Fatalf("expected UNKNOWN_ERROR, got %v", err)
	}
	if gw.paymentCalls != 0 {
		t.Fatalf("payment must not be attempted")
	}
}

func TestPlaceOrderMissingNetAmountIsIntegrationError(t *testing.T) {
	gw := successGateway()
	gw.orderFunc = func(context.Context, payments.OrderDraft, string) (payments.Order, error) {
		return payments.Order{ID: "ORDER1"}, nil
	}
	svc := newTestOrderService(t, gw, nil)

	_, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	if !errors.Is(err, ErrGatewayIntegration) {
		t.Fatalf("expected integration error, got %v", err)
	}
	if gw.paymentCalls != 0 {
		t.Fatalf("payment must not be attempted without an amount due")
	}
}

func TestPlaceOrderPaymentFailureLogsOrphan(t *testing.T) {
	gw := successGateway()
	gw.paymentFunc = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{}, &payments.GatewayErrors{Op: "create payment", Errors: []payments.GatewayError{{Code: "CARD_EXPIRED"}}}
	}
	var logged []loggedEvent
	publisher := &stubPublisher{}
	svc := newTestOrderService(t, gw, func(d *OrderServiceDeps) {
		d.Publisher = publisher
		d.Logger = func(_ context.Context, event string, fields map[string]any) {
			logged = append(logged, loggedEvent{event: event, fields: fields})
		}
	})

	_, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	var perr *PaymentError
	if !errors.As(err, &perr) || perr.Stage != StagePayment || perr.Entry.Category != payments.CategoryUser {
		t.Fatalf("expected user payment error, got %v", err)
	}
	found := false
	for _, entry := range logged {
		if entry.event == "order.payment.orphaned" && entry.fields["orderID"] == "ORDER1" && entry.fields["message"] == "order created without payment" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected orphaned order log, got %#v", logged)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("unpaid orders must not be published")
	}
}

func TestPlaceOrderMissingPaymentIsIntegrationError(t *testing.T) {
	gw := successGateway()
	gw.paymentFunc = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{}, nil
	}
	svc := newTestOrderService(t, gw, nil)

	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); !errors.Is(err, ErrGatewayIntegration) {
		t.Fatalf("expected integration error, got %v", err)
	}
}

func TestPlaceOrderPaymentWithoutIDIsIntegrationError(t *testing.T) {
	gw := successGateway()
	gw.paymentFunc = func(context.Context, payments.PaymentRequest) (payments.Payment, error) {
		return payments.Payment{Status: "COMPLETED", ReceiptNumber: "R1"}, nil
	}
	publisher := &stubPublisher{}
	svc := newTestOrderService(t, gw, func(d *OrderServiceDeps) {
		d.Publisher = publisher
	})

	receipt, err := svc.PlaceOrder(context.Background(), sampleOrderRequest())
	if !errors.Is(err, ErrGatewayIntegration) {
		t.Fatalf("expected integration error, got %v", err)
	}
	if receipt.ReceiptNumber != "" {
		t.Fatalf("expected no receipt, got %#v", receipt)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("payments without an id must not be published")
	}
}

func TestPlaceOrderPublishFailureDoesNotFailOrder(t *testing.T) {
	gw := successGateway()
	publisher := &stubPublisher{err: errors.New("pubsub down")}
	svc := newTestOrderService(t, gw, func(d *OrderServiceDeps) { d.Publisher = publisher })

	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); err != nil {
		t.Fatalf("publish failure must not fail the order: %v", err)
	}
}

func TestPlaceOrderUnavailableProvider(t *testing.T) {
	gw := successGateway()
	gw.resolveFunc = func(payments.PaymentContext) (string, error) { return "", payments.ErrUnsupportedProvider }
	svc := newTestOrderService(t, gw, nil)

	if _, err := svc.PlaceOrder(context.Background(), sampleOrderRequest()); !errors.Is(err, ErrCheckoutUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if gw.orderCalls != 0 {
		t.Fatalf("gateway must not be called")
	}
}

func TestNewOrderServiceRequiresGateway(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error")
	}
}
