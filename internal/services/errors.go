package services

import (
	"errors"
	"fmt"

	"github.com/fieldshop/storefront/internal/payments"
)

var (
	// ErrCheckoutUnavailable indicates no payment provider can serve the request.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrGatewayIntegration indicates the gateway reported success without the data the
	// next step needs. It is a server fault, not a shopper error.
	ErrGatewayIntegration = errors.New("checkout: gateway integration error")
)

// Stages of the order pipeline reported on PaymentError.
const (
	StageQuote   = "quote"
	StageOrder   = "order"
	StagePayment = "payment"
)

// PaymentError is a gateway business failure mapped through the error table.
type PaymentError struct {
	Stage    string
	Provider string
	Entry    payments.ErrorEntry
	Cause    *payments.GatewayErrors
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("checkout: %s failed: %s", e.Stage, e.Entry.Code)
}

func (e *PaymentError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

func newPaymentError(stage, provider, op string, err error) *PaymentError {
	gerr := payments.AsGatewayErrors(op, err)
	return &PaymentError{
		Stage:    stage,
		Provider: provider,
		Entry:    gerr.Entry(),
		Cause:    gerr,
	}
}
