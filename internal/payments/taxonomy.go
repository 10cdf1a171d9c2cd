package payments

import (
	"net/http"
	"sort"
	"strings"
)

// Category classifies how a checkout should react to a gateway error.
type Category int

const (
	// CategoryService marks merchant configuration problems the shopper cannot fix.
	CategoryService Category = iota
	// CategoryUser marks errors the shopper can fix by changing their input.
	CategoryUser
	// CategoryRetry marks transient failures; a new attempt mints a new idempotency key.
	CategoryRetry
	// CategoryExit marks failures that end the checkout session.
	CategoryExit
)

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case CategoryUser:
		return "user"
	case CategoryRetry:
		return "retry"
	case CategoryExit:
		return "exit"
	default:
		return "service"
	}
}

// HTTPStatus returns the response status used when a request fails with this category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryUser:
		return http.StatusPaymentRequired
	case CategoryRetry:
		return http.StatusServiceUnavailable
	case CategoryExit:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// ParseCategory converts a wire name back into a Category. Unknown names map to service.
func ParseCategory(value string) Category {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "user":
		return CategoryUser
	case "retry":
		return CategoryRetry
	case "exit":
		return CategoryExit
	default:
		return CategoryService
	}
}

// UnknownErrorCode is returned for any gateway code missing from the table.
const UnknownErrorCode = "UNKNOWN_ERROR"

// ErrorEntry is the shopper-facing description of a gateway error code.
type ErrorEntry struct {
	Code     string
	Message  string
	Category Category
}

const (
	msgCheckCard   = "Your card was declined. Please check your card details and try again."
	msgTryAgain    = "The payment service is temporarily unavailable. Please try again in a moment."
	msgMerchant    = "We could not process payments right now. Please contact us so we can help complete your order."
	msgStartAgain  = "This checkout can no longer be completed. Please return to your cart and start again."
	msgUnknown     = "Something went wrong while processing your payment. Please contact us if the problem persists."
	msgOtherMethod = "Your card was declined. Please try a different payment method."
)

var errorTable = map[string]ErrorEntry{
	"ADDRESS_VERIFICATION_FAILURE":           {Message: "The billing postal code did not match your card. Please check your billing address.", Category: CategoryUser},
	"CARD_EXPIRED":                           {Message: "Your card has expired. Please use a different card.", Category: CategoryUser},
	"CARD_NOT_SUPPORTED":                     {Message: "This card type is not supported. Please use a different card.", Category: CategoryUser},
	"CARD_TOKEN_EXPIRED":                     {Message: "Your card details expired before the payment completed. Please enter them again.", Category: CategoryRetry},
	"CARD_TOKEN_USED":                        {Message: "These card details were already used. Please start checkout again.", Category: CategoryExit},
	"CVV_FAILURE":                            {Message: "The security code did not match. Please check your card's CVV.", Category: CategoryUser},
	"EXPIRATION_FAILURE":                     {Message: "The expiration date is invalid or has passed. Please check your card.", Category: CategoryUser},
	"GENERIC_DECLINE":                        {Message: msgOtherMethod, Category: CategoryUser},
	"INSUFFICIENT_FUNDS":                     {Message: "Your card has insufficient funds. Please use a different card.", Category: CategoryUser},
	"INVALID_ACCOUNT":                        {Message: msgOtherMethod, Category: CategoryUser},
	"INVALID_CARD":                           {Message: msgCheckCard, Category: CategoryUser},
	"INVALID_CARD_DATA":                      {Message: msgCheckCard, Category: CategoryUser},
	"INVALID_EXPIRATION":                     {Message: "The expiration date is invalid. Please check your card.", Category: CategoryUser},
	"INVALID_PIN":                            {Message: "The PIN is incorrect. Please try again.", Category: CategoryUser},
	"INVALID_POSTAL_CODE":                    {Message: "The postal code is invalid. Please check your billing address.", Category: CategoryUser},
	"PAN_FAILURE":                            {Message: "The card number is invalid. Please check your card.", Category: CategoryUser},
	"TRANSACTION_LIMIT":                      {Message: "This payment exceeds your card's limit. Please use a different card.", Category: CategoryUser},
	"VOICE_FAILURE":                          {Message: "Your bank requires authorisation for this payment. Please contact your bank or use a different card.", Category: CategoryUser},
	"ALLOWABLE_PIN_TRIES_EXCEEDED":           {Message: "Too many incorrect PIN attempts. Please use a different card.", Category: CategoryUser},
	"BAD_EXPIRATION":                         {Message: "The expiration date is malformed. Please check your card.", Category: CategoryUser},
	"MANUALLY_ENTERED_PAYMENT_NOT_SUPPORTED": {Message: msgMerchant, Category: CategoryService},
	"PAYMENT_LIMIT_EXCEEDED":                 {Message: msgMerchant, Category: CategoryService},
	"GIFT_CARD_AVAILABLE_AMOUNT":             {Message: "The gift card balance does not cover this order. Please use a different payment method.", Category: CategoryUser},
	"ACCOUNT_UNUSABLE":                       {Message: msgOtherMethod, Category: CategoryUser},
	"BUYER_REFUSED_PAYMENT":                  {Message: "The payment was refused. Please use a different payment method.", Category: CategoryUser},
	"DELAYED_TRANSACTION_EXPIRED":            {Message: msgStartAgain, Category: CategoryExit},
	"CARD_DECLINED_VERIFICATION_REQUIRED":    {Message: "Your bank requires extra verification. Please try again and complete the verification step.", Category: CategoryUser},
	"CARD_DECLINED_CALL_ISSUER":              {Message: "Your card was declined. Please contact your card issuer.", Category: CategoryUser},
	"PAYMENT_AMOUNT_MISMATCH":                {Message: msgStartAgain, Category: CategoryExit},
	"IDEMPOTENCY_KEY_REUSED":                 {Message: msgStartAgain, Category: CategoryExit},
	"TEMPORARY_ERROR":                        {Message: msgTryAgain, Category: CategoryRetry},
	"RATE_LIMITED":                           {Message: msgTryAgain, Category: CategoryRetry},
	"SERVICE_UNAVAILABLE":                    {Message: msgTryAgain, Category: CategoryRetry},
	"GATEWAY_TIMEOUT":                        {Message: msgTryAgain, Category: CategoryRetry},
	"INTERNAL_SERVER_ERROR":                  {Message: msgTryAgain, Category: CategoryRetry},
	"UNAUTHORIZED":                           {Message: msgMerchant, Category: CategoryService},
	"ACCESS_TOKEN_EXPIRED":                   {Message: msgMerchant, Category: CategoryService},
	"INSUFFICIENT_SCOPES":                    {Message: msgMerchant, Category: CategoryService},
	"LOCATION_MISMATCH":                      {Message: msgMerchant, Category: CategoryService},
	"INVALID_LOCATION":                       {Message: msgMerchant, Category: CategoryService},
	"MERCHANT_SUBSCRIPTION_NOT_FOUND":        {Message: msgMerchant, Category: CategoryService},
	"INVALID_VALUE":                          {Message: msgMerchant, Category: CategoryService},
	"NOT_FOUND":                              {Message: "An item in your cart is no longer available. Please review your cart and start again.", Category: CategoryExit},
	UnknownErrorCode:                         {Message: msgUnknown, Category: CategoryService},
}

// LookupError returns the table entry for code. Unknown or empty codes return the
// UNKNOWN_ERROR entry, so the lookup never fails.
func LookupError(code string) ErrorEntry {
	key := strings.ToUpper(strings.TrimSpace(code))
	entry, ok := errorTable[key]
	if !ok {
		key = UnknownErrorCode
		entry = errorTable[UnknownErrorCode]
	}
	entry.Code = key
	return entry
}

// Entries lists every entry in the table ordered by code.
func Entries() []ErrorEntry {
	out := make([]ErrorEntry, 0, len(errorTable))
	for code, entry := range errorTable {
		entry.Code = code
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
