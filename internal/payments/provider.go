package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fieldshop/storefront/internal/domain"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// CalculationPhaseTotal applies a service charge after taxes and discounts.
const CalculationPhaseTotal = "TOTAL_PHASE"

// FulfillmentShipment is the only fulfillment type the storefront creates.
const FulfillmentShipment = "SHIPMENT"

// ServiceCharge is an order-level fee line. Exactly one of Percentage or Amount is set.
type ServiceCharge struct {
	Name             string
	Percentage       string
	Amount           *domain.Money
	CalculationPhase string
}

// Recipient is the person a shipment is addressed to.
type Recipient struct {
	DisplayName  string
	EmailAddress string
	PhoneNumber  string
	Address      domain.Address
}

// Fulfillment describes how the order reaches the shopper.
type Fulfillment struct {
	Type      string
	Recipient Recipient
	Note      string
}

// OrderDraft is the order payload sent to the gateway for pricing or creation.
type OrderDraft struct {
	LocationID         string
	CustomerID         string
	Currency           string
	LineItems          []domain.LineItem
	Discounts          []domain.Discount
	ServiceCharges     []ServiceCharge
	Fulfillment        *Fulfillment
	AutoApplyDiscounts bool
	AutoApplyTaxes     bool
}

// Order is a priced or created gateway order. Totals are nil when the gateway omitted them.
type Order struct {
	ID                      string
	LocationID              string
	LineItems               []domain.PricedLineItem
	TotalDiscountMoney      *domain.Money
	TotalTaxMoney           *domain.Money
	TotalServiceChargeMoney *domain.Money
	NetAmountDueMoney       *domain.Money
}

// PaymentRequest creates a payment for a previously created order.
type PaymentRequest struct {
	SourceID          string
	VerificationToken string
	IdempotencyKey    string
	OrderID           string
	LocationID        string
	CustomerID        string
	BuyerEmail        string
	Amount            domain.Money
	Autocomplete      bool
	Billing           *domain.Address
	Shipping          *domain.Address
}

// Payment is the gateway's record of a payment.
type Payment struct {
	ID            string
	OrderID       string
	Status        string
	ReceiptNumber string
	ReceiptURL    string
	TotalMoney    domain.Money
}

// GatewayError is a single error reported by a gateway.
type GatewayError struct {
	Code     string
	Category string
	Detail   string
	Field    string
}

// GatewayErrors is the error value every provider call fails with. Transport failures
// are normalised into a single UNKNOWN_ERROR entry carrying the cause.
type GatewayErrors struct {
	Op     string
	Errors []GatewayError
	Cause  error
}

func (e *GatewayErrors) Error() string {
	if e == nil {
		return "payments: gateway error"
	}
	first := e.First()
	msg := fmt.Sprintf("payments: %s failed: %s", e.Op, first.Code)
	if first.Detail != "" {
		msg += " (" + first.Detail + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *GatewayErrors) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// First returns the first reported error, or UNKNOWN_ERROR when none was reported.
func (e *GatewayErrors) First() GatewayError {
	if e == nil || len(e.Errors) == 0 {
		return GatewayError{Code: UnknownErrorCode}
	}
	first := e.Errors[0]
	if strings.TrimSpace(first.Code) == "" {
		first.Code = UnknownErrorCode
	}
	return first
}

// Entry maps the first reported error through the error table.
func (e *GatewayErrors) Entry() ErrorEntry {
	return LookupError(e.First().Code)
}

// AsGatewayErrors converts any provider failure into GatewayErrors.
func AsGatewayErrors(op string, err error) *GatewayErrors {
	if err == nil {
		return nil
	}
	var gerr *GatewayErrors
	if errors.As(err, &gerr) && gerr != nil {
		return gerr
	}
	return &GatewayErrors{
		Op:     op,
		Errors: []GatewayError{{Code: UnknownErrorCode, Detail: "gateway unreachable"}},
		Cause:  err,
	}
}

// Provider defines the contract for gateway adapters.
type Provider interface {
	CalculateOrder(ctx context.Context, draft OrderDraft) (Order, error)
	CreateOrder(ctx context.Context, draft OrderDraft, idempotencyKey string) (Order, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (Payment, error)
}
