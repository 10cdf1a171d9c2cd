package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/validation"
)

var (
	// ErrSubmissionInProgress rejects a second Pay click while the first is in flight.
	ErrSubmissionInProgress = errors.New("checkout: submission already in progress")
	// ErrStepsIncomplete is returned when the account or shipping step is unfinished.
	ErrStepsIncomplete = errors.New("checkout: account and shipping steps must be completed")
	// ErrQuoteNotReady is returned unless the order total is ready for the submitted cart.
	ErrQuoteNotReady = errors.New("checkout: order total is not ready")
	// ErrEmptyCart is returned when there is nothing to pay for.
	ErrEmptyCart = errors.New("checkout: cart is empty")
)

// Token is a tokenized payment instrument. Raw card data never reaches this package.
type Token struct {
	SourceID          string
	VerificationToken string
}

// TokenizeRequest carries what the gateway SDK needs to verify the buyer.
type TokenizeRequest struct {
	Amount  domain.Money
	Email   string
	Billing domain.Address
}

// Tokenizer exchanges the card form for a payment token via the gateway's client SDK.
type Tokenizer interface {
	Tokenize(ctx context.Context, req TokenizeRequest) (Token, error)
}

// OrderPlacer submits an order. *Client satisfies it.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (domain.PaymentReceipt, error)
}

// BillingForm is the billing step as submitted.
type BillingForm struct {
	Billing           *domain.Address
	BillingAsShipping bool
}

// Confirmation is shown once the payment succeeds.
type Confirmation struct {
	ReceiptNumber string
	ReceiptURL    string
	TotalMoney    domain.Money
	Status        string
}

// SubmitError is a failed payment attempt as shown to the shopper. The form is left intact
// so the shopper can retry.
type SubmitError struct {
	Code     string
	Message  string
	Category payments.Category
	Fields   []validation.FieldError
	Err      error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("checkout: submission failed: %s", e.Code)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// OrchestratorDeps wires the collaborators of the submit path.
type OrchestratorDeps struct {
	Store      *Store
	Quoter     *Quoter
	Tokenizer  Tokenizer
	Orders     OrderPlacer
	LocationID string
	CustomerID string
	NewKey     func() string
	Logger     *zap.Logger
}

// Orchestrator is the single path from "Pay" to a receipt or an error.
type Orchestrator struct {
	store      *Store
	quoter     *Quoter
	tokenizer  Tokenizer
	orders     OrderPlacer
	locationID string
	customerID string
	newKey     func() string
	logger     *zap.Logger

	submitting atomic.Bool
}

// NewOrchestrator validates deps and constructs an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("checkout: state store is required")
	}
	if deps.Tokenizer == nil {
		return nil, errors.New("checkout: tokenizer is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout: order client is required")
	}
	o := &Orchestrator{
		store:      deps.Store,
		quoter:     deps.Quoter,
		tokenizer:  deps.Tokenizer,
		orders:     deps.Orders,
		locationID: strings.TrimSpace(deps.LocationID),
		customerID: strings.TrimSpace(deps.CustomerID),
		newKey:     deps.NewKey,
		logger:     deps.Logger,
	}
	if o.newKey == nil {
		o.newKey = uuid.NewString
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("checkout.submit")
	return o, nil
}

// Submitting reports whether a submission is in flight, for disabling the Pay action.
func (o *Orchestrator) Submitting() bool {
	return o.submitting.Load()
}

// Submit validates the billing form, tokenizes the card and places the order for items.
// Each call is one attempt with its own idempotency key.
func (o *Orchestrator) Submit(ctx context.Context, items []domain.LineItem, form BillingForm) (Confirmation, error) {
	if !o.submitting.CompareAndSwap(false, true) {
		return Confirmation{}, ErrSubmissionInProgress
	}
	defer o.submitting.Store(false)

	if !form.BillingAsShipping {
		if form.Billing == nil {
			return Confirmation{}, validation.Errors{{Field: "billing", Rule: "required", Message: "billing is required"}}
		}
		if err := validation.Address("billing", *form.Billing); err != nil {
			return Confirmation{}, err
		}
	}
	if err := o.store.Dispatch(FinishBilling{Billing: form.Billing, BillingAsShipping: form.BillingAsShipping}); err != nil {
		return Confirmation{}, err
	}

	state := o.store.State()
	if !state.Done.Account || !state.Done.Shipping || state.Shipping == nil {
		return Confirmation{}, ErrStepsIncomplete
	}
	if len(items) == 0 {
		return Confirmation{}, ErrEmptyCart
	}
	var amount domain.Money
	if o.quoter != nil {
		quote, ok := o.quoter.ReadyFor(o.quoteInput(state, items))
		if !ok {
			return Confirmation{}, ErrQuoteNotReady
		}
		amount = quote.NetAmountDueMoney
	}

	billing := state.EffectiveBilling()
	token, err := o.tokenizer.Tokenize(ctx, TokenizeRequest{Amount: amount, Email: state.Email, Billing: *billing})
	if err != nil {
		o.logger.Warn("card tokenization failed", zap.Error(err))
		return Confirmation{}, err
	}

	key := o.newKey()
	req := o.orderRequest(state, items, token)
	receipt, err := o.orders.PlaceOrder(ctx, req, key)
	if err != nil {
		serr := toSubmitError(err)
		o.logger.Warn("order submission failed",
			zap.String("code", serr.Code),
			zap.String("category", serr.Category.String()),
			zap.String("idempotencyKey", key),
		)
		return Confirmation{}, serr
	}

	o.logger.Info("order submitted", zap.String("receiptNumber", receipt.ReceiptNumber), zap.String("idempotencyKey", key))
	return Confirmation{
		ReceiptNumber: receipt.ReceiptNumber,
		ReceiptURL:    receipt.ReceiptURL,
		TotalMoney:    receipt.TotalMoney,
		Status:        receipt.Status,
	}, nil
}

// QuoteInput is the quote input for items under the current checkout state. Submit only
// accepts a ready quote computed for exactly this input.
func (o *Orchestrator) QuoteInput(items []domain.LineItem) QuoteInput {
	return o.quoteInput(o.store.State(), items)
}

func (o *Orchestrator) quoteInput(state State, items []domain.LineItem) QuoteInput {
	return QuoteInput{
		LocationID: o.locationID,
		CustomerID: o.customerID,
		Items:      items,
		Discounts:  state.Discounts,
		Shipping:   state.Shipping,
	}
}

func (o *Orchestrator) orderRequest(state State, items []domain.LineItem, token Token) domain.OrderRequest {
	req := domain.OrderRequest{
		LocationID:         o.locationID,
		CustomerID:         o.customerID,
		SourceID:           token.SourceID,
		SourceVerification: token.VerificationToken,
		Items:              append([]domain.LineItem(nil), items...),
		Email:              state.Email,
		BillingAsShipping:  state.BillingAsShipping,
		Shipping:           state.Shipping,
	}
	if !state.BillingAsShipping {
		req.Billing = state.Billing
	}
	req.Discounts = make([]domain.Discount, 0, len(state.Discounts))
	for _, d := range state.Discounts {
		req.Discounts = append(req.Discounts, domain.Discount{CatalogObjectID: d.CatalogObjectID, Scope: d.Scope})
	}
	return req
}

func toSubmitError(err error) *SubmitError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		serr := &SubmitError{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Fields:   apiErr.Fields,
			Err:      err,
		}
		if serr.Message == "" {
			entry := payments.LookupError(apiErr.Code)
			serr.Message = entry.Message
		}
		return serr
	}
	entry := payments.LookupError(payments.UnknownErrorCode)
	return &SubmitError{
		Code:     entry.Code,
		Message:  entry.Message,
		Category: entry.Category,
		Err:      err,
	}
}
