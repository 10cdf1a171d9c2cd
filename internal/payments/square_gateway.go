package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	square "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	"github.com/square/square-go-sdk/core"
	"github.com/square/square-go-sdk/option"

	"github.com/fieldshop/storefront/internal/domain"
)

const defaultSquareTimeout = 15 * time.Second

// SquareLogger defines the logging contract for Square gateway operations.
type SquareLogger func(ctx context.Context, event string, fields map[string]any)

type squareOrdersAPI interface {
	Create(ctx context.Context, request *square.CreateOrderRequest, opts ...option.RequestOption) (*square.CreateOrderResponse, error)
	Calculate(ctx context.Context, request *square.CalculateOrderRequest, opts ...option.RequestOption) (*square.CalculateOrderResponse, error)
}

type squarePaymentsAPI interface {
	Create(ctx context.Context, request *square.CreatePaymentRequest, opts ...option.RequestOption) (*square.CreatePaymentResponse, error)
}

type squareClients struct {
	orders   squareOrdersAPI
	payments squarePaymentsAPI
}

// SquareGatewayConfig configures the SquareGateway.
type SquareGatewayConfig struct {
	AccessToken string
	// Environment selects the API host: "production" or "sandbox" (default).
	Environment string
	// BaseURL overrides Environment, mainly for tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     SquareLogger
	Clients    *squareClients
}

// SquareGateway implements Provider on the Square Orders and Payments APIs.
type SquareGateway struct {
	api     squareClients
	baseURL string
	logger  SquareLogger
}

// NewSquareGateway constructs a Square provider. The SDK's automatic retries are
// disabled; a failed call surfaces immediately.
func NewSquareGateway(cfg SquareGatewayConfig) (*SquareGateway, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" && cfg.Clients == nil {
		return nil, errors.New("square: access token is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
		case "production", "prod":
			baseURL = square.Environments.Production
		case "", "sandbox":
			baseURL = square.Environments.Sandbox
		default:
			return nil, errors.New("square: unknown environment " + cfg.Environment)
		}
	}

	var clients squareClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		httpClient := cfg.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultSquareTimeout}
		}
		sc := sqclient.NewClient(
			option.WithToken(token),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(httpClient),
			option.WithMaxAttempts(1),
		)
		clients = squareClients{orders: sc.Orders, payments: sc.Payments}
	}
	if clients.orders == nil || clients.payments == nil {
		return nil, errors.New("square: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SquareGateway{api: clients, baseURL: baseURL, logger: logger}, nil
}

// CalculateOrder prices the draft without creating an order.
func (g *SquareGateway) CalculateOrder(ctx context.Context, draft OrderDraft) (Order, error) {
	if g == nil {
		return Order{}, errors.New("square: gateway is nil")
	}
	resp, err := g.api.orders.Calculate(ctx, &square.CalculateOrderRequest{Order: toSquareOrder(draft)})
	if err != nil {
		return Order{}, g.failure(ctx, "calculate order", err)
	}
	if len(resp.Errors) > 0 {
		return Order{}, g.rejected(ctx, "calculate order", http.StatusOK, resp.Errors)
	}
	return fromSquareOrder(resp.Order), nil
}

// CreateOrder creates the order under idempotencyKey.
func (g *SquareGateway) CreateOrder(ctx context.Context, draft OrderDraft, idempotencyKey string) (Order, error) {
	if g == nil {
		return Order{}, errors.New("square: gateway is nil")
	}
	resp, err := g.api.orders.Create(ctx, &square.CreateOrderRequest{
		Order:          toSquareOrder(draft),
		IdempotencyKey: square.String(strings.TrimSpace(idempotencyKey)),
	})
	if err != nil {
		return Order{}, g.failure(ctx, "create order", err)
	}
	if len(resp.Errors) > 0 {
		return Order{}, g.rejected(ctx, "create order", http.StatusOK, resp.Errors)
	}
	order := fromSquareOrder(resp.Order)
	g.logger(ctx, "payments.square.order.created", map[string]any{
		"orderId":    order.ID,
		"locationId": order.LocationID,
	})
	return order, nil
}

// CreatePayment charges the tokenized source for an existing order.
func (g *SquareGateway) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	if g == nil {
		return Payment{}, errors.New("square: gateway is nil")
	}
	resp, err := g.api.payments.Create(ctx, &square.CreatePaymentRequest{
		SourceID:          strings.TrimSpace(req.SourceID),
		IdempotencyKey:    strings.TrimSpace(req.IdempotencyKey),
		AmountMoney:       toSquareMoney(req.Amount),
		Autocomplete:      square.Bool(req.Autocomplete),
		OrderID:           optionalString(req.OrderID),
		LocationID:        optionalString(req.LocationID),
		CustomerID:        optionalString(req.CustomerID),
		VerificationToken: optionalString(req.VerificationToken),
		BuyerEmailAddress: optionalString(req.BuyerEmail),
		BillingAddress:    toSquareAddress(req.Billing),
		ShippingAddress:   toSquareAddress(req.Shipping),
	})
	if err != nil {
		return Payment{}, g.failure(ctx, "create payment", err)
	}
	if len(resp.Errors) > 0 {
		return Payment{}, g.rejected(ctx, "create payment", http.StatusOK, resp.Errors)
	}
	payment := fromSquarePayment(resp.Payment)
	g.logger(ctx, "payments.square.payment.created", map[string]any{
		"paymentId": payment.ID,
		"orderId":   payment.OrderID,
		"status":    payment.Status,
	})
	return payment, nil
}

// failure converts an SDK error into GatewayErrors. API errors carry Square's error
// body; anything else never reached Square and becomes UNKNOWN_ERROR.
func (g *SquareGateway) failure(ctx context.Context, op string, err error) error {
	var apiErr *core.APIError
	if !errors.As(err, &apiErr) {
		g.logger(ctx, "payments.square.request.failed", map[string]any{
			"op":    op,
			"error": err.Error(),
		})
		return AsGatewayErrors(op, err)
	}

	var envelope struct {
		Errors []*square.Error `json:"errors"`
	}
	if inner := apiErr.Unwrap(); inner != nil {
		_ = json.Unmarshal([]byte(inner.Error()), &envelope)
	}
	if len(envelope.Errors) > 0 {
		return g.rejected(ctx, op, apiErr.StatusCode, envelope.Errors)
	}
	g.logger(ctx, "payments.square.request.rejected", map[string]any{
		"op":     op,
		"status": apiErr.StatusCode,
	})
	return &GatewayErrors{
		Op:     op,
		Errors: []GatewayError{{Code: codeForStatus(apiErr.StatusCode), Detail: http.StatusText(apiErr.StatusCode)}},
	}
}

func (g *SquareGateway) rejected(ctx context.Context, op string, status int, errs []*square.Error) error {
	gerr := &GatewayErrors{Op: op, Errors: make([]GatewayError, 0, len(errs))}
	for _, e := range errs {
		if e == nil {
			continue
		}
		gerr.Errors = append(gerr.Errors, GatewayError{
			Code:     string(e.Code),
			Category: string(e.Category),
			Detail:   deref(e.Detail),
			Field:    deref(e.Field),
		})
	}
	g.logger(ctx, "payments.square.request.rejected", map[string]any{
		"op":     op,
		"status": status,
		"code":   gerr.First().Code,
	})
	return gerr
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "INSUFFICIENT_SCOPES"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	default:
		return UnknownErrorCode
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func toSquareMoney(m domain.Money) *square.Money {
	return &square.Money{
		Amount:   square.Int64(m.Amount),
		Currency: square.Currency(m.Currency).Ptr(),
	}
}

func fromSquareMoney(m *square.Money) *domain.Money {
	if m == nil {
		return nil
	}
	money := &domain.Money{}
	if m.Amount != nil {
		money.Amount = *m.Amount
	}
	if m.Currency != nil {
		money.Currency = string(*m.Currency)
	}
	return money
}

func toSquareAddress(addr *domain.Address) *square.Address {
	if addr == nil {
		return nil
	}
	out := &square.Address{
		AddressLine1:                 optionalString(addr.AddressLine),
		AddressLine2:                 optionalString(addr.AddressLine2),
		Locality:                     optionalString(addr.City),
		AdministrativeDistrictLevel1: optionalString(addr.State),
		PostalCode:                   optionalString(addr.PostalCode),
		FirstName:                    optionalString(addr.GivenName),
		LastName:                     optionalString(addr.FamilyName),
	}
	if country := strings.TrimSpace(addr.Country); country != "" {
		out.Country = square.Country(country).Ptr()
	}
	return out
}

func toSquareOrder(draft OrderDraft) *square.Order {
	order := &square.Order{
		LocationID: draft.LocationID,
		CustomerID: optionalString(draft.CustomerID),
		PricingOptions: &square.OrderPricingOptions{
			AutoApplyDiscounts: square.Bool(draft.AutoApplyDiscounts),
			AutoApplyTaxes:     square.Bool(draft.AutoApplyTaxes),
		},
	}
	for _, item := range draft.LineItems {
		order.LineItems = append(order.LineItems, &square.OrderLineItem{
			CatalogObjectID: optionalString(item.CatalogObjectID),
			Quantity:        item.Quantity,
		})
	}
	for _, d := range draft.Discounts {
		order.Discounts = append(order.Discounts, &square.OrderLineItemDiscount{
			CatalogObjectID: optionalString(d.CatalogObjectID),
			Scope:           square.OrderLineItemDiscountScope(d.Scope).Ptr(),
		})
	}
	for _, sc := range draft.ServiceCharges {
		charge := &square.OrderServiceCharge{
			Name:             optionalString(sc.Name),
			Percentage:       optionalString(sc.Percentage),
			CalculationPhase: square.OrderServiceChargeCalculationPhase(sc.CalculationPhase).Ptr(),
		}
		if sc.Amount != nil {
			charge.AmountMoney = toSquareMoney(*sc.Amount)
		}
		order.ServiceCharges = append(order.ServiceCharges, charge)
	}
	if f := draft.Fulfillment; f != nil {
		addr := f.Recipient.Address
		order.Fulfillments = []*square.Fulfillment{{
			Type:  square.FulfillmentType(f.Type).Ptr(),
			State: square.FulfillmentStateProposed.Ptr(),
			ShipmentDetails: &square.FulfillmentShipmentDetails{
				Recipient: &square.FulfillmentRecipient{
					DisplayName:  optionalString(f.Recipient.DisplayName),
					EmailAddress: optionalString(f.Recipient.EmailAddress),
					PhoneNumber:  optionalString(f.Recipient.PhoneNumber),
					Address:      toSquareAddress(&addr),
				},
				ShippingNote: optionalString(f.Note),
			},
		}}
	}
	return order
}

func fromSquareOrder(o *square.Order) Order {
	if o == nil {
		return Order{}
	}
	order := Order{
		ID:                      deref(o.ID),
		LocationID:              o.LocationID,
		TotalDiscountMoney:      fromSquareMoney(o.TotalDiscountMoney),
		TotalTaxMoney:           fromSquareMoney(o.TotalTaxMoney),
		TotalServiceChargeMoney: fromSquareMoney(o.TotalServiceChargeMoney),
		NetAmountDueMoney:       fromSquareMoney(o.NetAmountDueMoney),
	}
	for _, item := range o.LineItems {
		if item == nil {
			continue
		}
		priced := domain.PricedLineItem{
			CatalogObjectID: deref(item.CatalogObjectID),
			Name:            deref(item.Name),
			Quantity:        item.Quantity,
		}
		if m := fromSquareMoney(item.BasePriceMoney); m != nil {
			priced.BasePriceMoney = *m
		}
		if m := fromSquareMoney(item.TotalMoney); m != nil {
			priced.TotalMoney = *m
		}
		order.LineItems = append(order.LineItems, priced)
	}
	return order
}

func fromSquarePayment(p *square.Payment) Payment {
	if p == nil {
		return Payment{}
	}
	payment := Payment{
		ID:            deref(p.ID),
		OrderID:       deref(p.OrderID),
		Status:        deref(p.Status),
		ReceiptNumber: deref(p.ReceiptNumber),
		ReceiptURL:    deref(p.ReceiptURL),
	}
	total := p.TotalMoney
	if total == nil {
		total = p.AmountMoney
	}
	if m := fromSquareMoney(total); m != nil {
		payment.TotalMoney = *m
	}
	return payment
}
