package domain

import "strings"

// DiscountScopeOrder is the only discount scope the storefront applies.
const DiscountScopeOrder = "ORDER"

// Money is an amount in the currency's minor unit (cents for USD).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// IsZero reports whether the money value carries no currency and no amount.
func (m Money) IsZero() bool {
	return m.Amount == 0 && strings.TrimSpace(m.Currency) == ""
}

// Address is a postal address as collected by the checkout forms.
type Address struct {
	GivenName    string `json:"givenName" validate:"required,max=100"`
	FamilyName   string `json:"familyName" validate:"required,max=100"`
	AddressLine  string `json:"address_line" validate:"required,max=500"`
	AddressLine2 string `json:"address_line2,omitempty" validate:"omitempty,max=500"`
	Country      string `json:"country" validate:"required,eq=US"`
	State        string `json:"state" validate:"required,us_state"`
	PostalCode   string `json:"postalCode" validate:"required,min=5,max=20,digits"`
	City         string `json:"city" validate:"required,max=100"`
	Phone        string `json:"phone" validate:"required,max=30,phone"`
	Comments     string `json:"comments,omitempty" validate:"omitempty,max=200"`
}

// DisplayName joins the given and family names.
func (a Address) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(a.GivenName) + " " + strings.TrimSpace(a.FamilyName))
}

// LineItem is a single cart entry submitted with an order.
type LineItem struct {
	CatalogObjectID string `json:"id" validate:"required,max=192"`
	Quantity        string `json:"quantity" validate:"required,ne=0,quantity"`
}

// Discount references a catalog discount applied to the whole order.
type Discount struct {
	CatalogObjectID string `json:"id" validate:"required,max=192"`
	Scope           string `json:"scope" validate:"required,eq=ORDER"`
}

// PricedLineItem is a line item after the gateway has priced it.
type PricedLineItem struct {
	CatalogObjectID string `json:"catalogObjectId"`
	Name            string `json:"name,omitempty"`
	Quantity        string `json:"quantity"`
	BasePriceMoney  Money  `json:"basePriceMoney"`
	TotalMoney      Money  `json:"totalMoney"`
}

// PaymentReceipt is returned to the shopper once the payment is recorded.
type PaymentReceipt struct {
	ReceiptNumber string `json:"receiptNumber"`
	ReceiptURL    string `json:"receiptUrl"`
	TotalMoney    Money  `json:"totalMoney"`
	Status        string `json:"status"`
}

// OrderRequest is the payload accepted by POST /api/shop/order.
type OrderRequest struct {
	LocationID         string     `json:"location_id" validate:"required,max=64"`
	CustomerID         string     `json:"customer_id,omitempty" validate:"omitempty,max=192"`
	SourceID           string     `json:"source_id" validate:"required,max=512"`
	SourceVerification string     `json:"source_verification" validate:"required,max=2048"`
	Items              []LineItem `json:"items" validate:"required,min=1,max=100,dive"`
	Discounts          []Discount `json:"discounts" validate:"omitempty,max=20,dive"`
	Email              string     `json:"email" validate:"required,email,max=254"`
	BillingAsShipping  bool       `json:"billing_as_shipping"`
	Shipping           *Address   `json:"shipping" validate:"required"`
	Billing            *Address   `json:"billing,omitempty"`
}

// EffectiveBilling returns the billing address used for the payment. Shipping stands in
// when the shopper ticked "same as shipping" or sent no billing address.
func (r OrderRequest) EffectiveBilling() *Address {
	if r.BillingAsShipping || r.Billing == nil {
		if r.Shipping == nil {
			return nil
		}
		billing := *r.Shipping
		return &billing
	}
	billing := *r.Billing
	return &billing
}

// QuoteRequest is the payload accepted by POST /api/shop/order/calculate.
type QuoteRequest struct {
	LocationID string     `json:"location_id" validate:"required,max=64"`
	CustomerID string     `json:"customer_id,omitempty" validate:"omitempty,max=192"`
	Items      []LineItem `json:"items" validate:"required,min=1,max=100,dive"`
	Discounts  []Discount `json:"discounts" validate:"omitempty,max=20,dive"`
	Shipping   *Address   `json:"shipping,omitempty"`
}

// Quote is the read-only pricing of a prospective order.
type Quote struct {
	LineItems               []PricedLineItem `json:"lineItems"`
	TotalDiscountMoney      Money            `json:"totalDiscountMoney"`
	TotalTaxMoney           Money            `json:"totalTaxMoney"`
	TotalServiceChargeMoney Money            `json:"totalServiceChargeMoney"`
	NetAmountDueMoney       Money            `json:"netAmountDueMoney"`
}
