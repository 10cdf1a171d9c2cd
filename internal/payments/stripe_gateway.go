package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/fieldshop/storefront/internal/domain"
)

const stripeOrderIDPrefix = "ord_"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePriceAPI interface {
	Get(id string, params *stripe.PriceParams) (*stripe.Price, error)
}

type stripeCouponAPI interface {
	Get(id string, params *stripe.CouponParams) (*stripe.Coupon, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	prices  stripePriceAPI
	coupons stripeCouponAPI
	intents stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	IDGen     func() string
	Clients   *stripeClients
}

// StripeProvider implements Provider on Stripe. Catalog object ids are Stripe price ids,
// discount ids are coupon ids, and orders exist only as payment intent metadata, so
// pricing is computed locally.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	idGen   func() string
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			prices:  sc.Prices,
			coupons: sc.Coupons,
			intents: sc.PaymentIntents,
		}
	}

	if clients.prices == nil || clients.coupons == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := cfg.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		idGen:  idGen,
		logger: logger,
	}, nil
}

// CalculateOrder prices the draft from Stripe prices and coupons.
func (p *StripeProvider) CalculateOrder(ctx context.Context, draft OrderDraft) (Order, error) {
	if p == nil {
		return Order{}, errors.New("stripe: provider is nil")
	}
	return p.price(ctx, "calculate order", draft)
}

// CreateOrder prices the draft and assigns an order id. Nothing is persisted on Stripe
// until the payment intent is created.
func (p *StripeProvider) CreateOrder(ctx context.Context, draft OrderDraft, idempotencyKey string) (Order, error) {
	if p == nil {
		return Order{}, errors.New("stripe: provider is nil")
	}
	order, err := p.price(ctx, "create order", draft)
	if err != nil {
		return Order{}, err
	}
	order.ID = stripeOrderIDPrefix + p.idGen()
	p.logger(ctx, "payments.stripe.order.priced", map[string]any{
		"orderId":        order.ID,
		"idempotencyKey": idempotencyKey,
		"netAmountDue":   order.NetAmountDueMoney.Amount,
	})
	return order, nil
}

// CreatePayment creates and confirms a payment intent for the order total.
func (p *StripeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error) {
	if p == nil {
		return Payment{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount.Amount),
		Currency:           stripe.String(strings.ToLower(req.Amount.Currency)),
		PaymentMethod:      stripe.String(strings.TrimSpace(req.SourceID)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if !req.Autocomplete {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if email := strings.TrimSpace(req.BuyerEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	if addr := req.Shipping; addr != nil {
		params.Shipping = &stripe.ShippingDetailsParams{
			Name:  stripe.String(addr.DisplayName()),
			Phone: stripe.String(addr.Phone),
			Address: &stripe.AddressParams{
				Line1:      stripe.String(addr.AddressLine),
				Line2:      stripe.String(addr.AddressLine2),
				City:       stripe.String(addr.City),
				State:      stripe.String(addr.State),
				PostalCode: stripe.String(addr.PostalCode),
				Country:    stripe.String(addr.Country),
			},
		}
	}
	params.Metadata = map[string]string{
		"order_id":    req.OrderID,
		"location_id": req.LocationID,
	}
	if addr := req.Billing; addr != nil {
		params.Metadata["billing_name"] = addr.DisplayName()
		params.Metadata["billing_postal_code"] = addr.PostalCode
	}
	if token := strings.TrimSpace(req.VerificationToken); token != "" {
		params.Metadata["verification_token"] = token
	}
	params.AddExpand("latest_charge")

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Payment{}, stripeGatewayErrors("create payment", err)
	}
	if intent == nil {
		return Payment{}, nil
	}

	payment := Payment{
		ID:         intent.ID,
		OrderID:    req.OrderID,
		Status:     stripePaymentStatus(intent.Status),
		TotalMoney: domain.Money{Amount: intent.Amount, Currency: strings.ToUpper(string(intent.Currency))},
	}
	if charge := intent.LatestCharge; charge != nil {
		payment.ReceiptNumber = charge.ReceiptNumber
		payment.ReceiptURL = charge.ReceiptURL
	}
	if payment.ReceiptNumber == "" {
		payment.ReceiptNumber = intent.ID
	}
	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"status":        intent.Status,
	})
	return payment, nil
}

func (p *StripeProvider) price(ctx context.Context, op string, draft OrderDraft) (Order, error) {
	currency := strings.ToUpper(strings.TrimSpace(draft.Currency))
	order := Order{LocationID: draft.LocationID}

	var subtotal int64
	for _, item := range draft.LineItems {
		qty, err := strconv.ParseInt(item.Quantity, 10, 64)
		if err != nil || qty <= 0 {
			return Order{}, invalidValue(op, "quantity", fmt.Sprintf("invalid quantity %q", item.Quantity))
		}
		params := &stripe.PriceParams{}
		params.Context = ctx
		if p.account != "" {
			params.SetStripeAccount(p.account)
		}
		price, err := p.api.prices.Get(item.CatalogObjectID, params)
		if err != nil {
			return Order{}, stripeGatewayErrors(op, err)
		}
		if price == nil {
			return Order{}, &GatewayErrors{Op: op, Errors: []GatewayError{{Code: "NOT_FOUND", Detail: item.CatalogObjectID}}}
		}
		if priceCurrency := strings.ToUpper(string(price.Currency)); priceCurrency != "" && priceCurrency != currency {
			return Order{}, invalidValue(op, "currency", fmt.Sprintf("price %s is in %s", item.CatalogObjectID, priceCurrency))
		}
		lineTotal := price.UnitAmount * qty
		subtotal += lineTotal
		order.LineItems = append(order.LineItems, domain.PricedLineItem{
			CatalogObjectID: item.CatalogObjectID,
			Name:            price.Nickname,
			Quantity:        item.Quantity,
			BasePriceMoney:  domain.Money{Amount: price.UnitAmount, Currency: currency},
			TotalMoney:      domain.Money{Amount: lineTotal, Currency: currency},
		})
	}

	var discount int64
	for _, d := range draft.Discounts {
		params := &stripe.CouponParams{}
		params.Context = ctx
		if p.account != "" {
			params.SetStripeAccount(p.account)
		}
		coupon, err := p.api.coupons.Get(d.CatalogObjectID, params)
		if err != nil {
			return Order{}, stripeGatewayErrors(op, err)
		}
		if coupon == nil || !coupon.Valid {
			continue
		}
		switch {
		case coupon.AmountOff > 0:
			discount += coupon.AmountOff
		case coupon.PercentOff > 0:
			off := decimal.NewFromInt(subtotal).
				Mul(decimal.NewFromFloat(coupon.PercentOff)).
				Div(decimal.NewFromInt(100)).
				Round(0)
			discount += off.IntPart()
		}
	}
	if discount > subtotal {
		discount = subtotal
	}

	var tax int64
	serviceCharge := ServiceChargeTotal(subtotal-discount+tax, draft.ServiceCharges)
	net := subtotal - discount + tax + serviceCharge

	order.TotalDiscountMoney = &domain.Money{Amount: discount, Currency: currency}
	order.TotalTaxMoney = &domain.Money{Amount: tax, Currency: currency}
	order.TotalServiceChargeMoney = &domain.Money{Amount: serviceCharge, Currency: currency}
	order.NetAmountDueMoney = &domain.Money{Amount: net, Currency: currency}
	return order, nil
}

func invalidValue(op, field, detail string) *GatewayErrors {
	return &GatewayErrors{Op: op, Errors: []GatewayError{{Code: "INVALID_VALUE", Field: field, Detail: detail}}}
}

func stripePaymentStatus(status stripe.PaymentIntentStatus) string {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return "COMPLETED"
	case stripe.PaymentIntentStatusRequiresCapture:
		return "APPROVED"
	case stripe.PaymentIntentStatusCanceled:
		return "CANCELED"
	default:
		return "PENDING"
	}
}

// stripeGatewayErrors translates Stripe API errors into table codes.
func stripeGatewayErrors(op string, err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return AsGatewayErrors(op, err)
	}
	code := stripeErrorCode(serr)
	return &GatewayErrors{
		Op: op,
		Errors: []GatewayError{{
			Code:     code,
			Category: string(serr.Type),
			Detail:   serr.Msg,
			Field:    serr.Param,
		}},
		Cause: err,
	}
}

var stripeDeclineCodes = map[string]string{
	"insufficient_funds":              "INSUFFICIENT_FUNDS",
	"expired_card":                    "CARD_EXPIRED",
	"incorrect_cvc":                   "CVV_FAILURE",
	"invalid_cvc":                     "CVV_FAILURE",
	"incorrect_zip":                   "ADDRESS_VERIFICATION_FAILURE",
	"incorrect_number":                "PAN_FAILURE",
	"invalid_number":                  "PAN_FAILURE",
	"invalid_expiry_month":            "INVALID_EXPIRATION",
	"invalid_expiry_year":             "INVALID_EXPIRATION",
	"card_not_supported":              "CARD_NOT_SUPPORTED",
	"call_issuer":                     "CARD_DECLINED_CALL_ISSUER",
	"authentication_required":         "CARD_DECLINED_VERIFICATION_REQUIRED",
	"incorrect_pin":                   "INVALID_PIN",
	"invalid_pin":                     "INVALID_PIN",
	"offline_pin_required":            "INVALID_PIN",
	"pin_try_exceeded":                "ALLOWABLE_PIN_TRIES_EXCEEDED",
	"card_velocity_exceeded":          "TRANSACTION_LIMIT",
	"withdrawal_count_limit_exceeded": "TRANSACTION_LIMIT",
	"invalid_account":                 "INVALID_ACCOUNT",
	"generic_decline":                 "GENERIC_DECLINE",
	"do_not_honor":                    "GENERIC_DECLINE",
}

var stripeErrorCodes = map[string]string{
	"card_declined":                         "GENERIC_DECLINE",
	"expired_card":                          "CARD_EXPIRED",
	"incorrect_cvc":                         "CVV_FAILURE",
	"invalid_cvc":                           "CVV_FAILURE",
	"incorrect_zip":                         "ADDRESS_VERIFICATION_FAILURE",
	"incorrect_number":                      "PAN_FAILURE",
	"invalid_number":                        "PAN_FAILURE",
	"invalid_expiry_month":                  "INVALID_EXPIRATION",
	"invalid_expiry_year":                   "INVALID_EXPIRATION",
	"processing_error":                      "TEMPORARY_ERROR",
	"rate_limit":                            "RATE_LIMITED",
	"resource_missing":                      "NOT_FOUND",
	"payment_intent_authentication_failure": "CARD_DECLINED_VERIFICATION_REQUIRED",
	"amount_too_large":                      "PAYMENT_LIMIT_EXCEEDED",
	"api_key_expired":                       "ACCESS_TOKEN_EXPIRED",
	"idempotency_key_in_use":                "TEMPORARY_ERROR",
	"payment_method_unexpected_state":       "CARD_TOKEN_USED",
	"parameter_invalid_integer":             "INVALID_VALUE",
	"parameter_invalid_string_empty":        "INVALID_VALUE",
	"parameter_missing":                     "INVALID_VALUE",
}

func stripeErrorCode(serr *stripe.Error) string {
	if code, ok := stripeDeclineCodes[string(serr.DeclineCode)]; ok {
		return code
	}
	if code, ok := stripeErrorCodes[string(serr.Code)]; ok {
		return code
	}
	switch string(serr.Type) {
	case "idempotency_error":
		return "IDEMPOTENCY_KEY_REUSED"
	case "api_error":
		return "INTERNAL_SERVER_ERROR"
	case "card_error":
		return "GENERIC_DECLINE"
	}
	switch serr.HTTPStatusCode {
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "INSUFFICIENT_SCOPES"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	}
	return UnknownErrorCode
}
