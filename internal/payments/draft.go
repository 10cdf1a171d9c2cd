package payments

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/validation"
)

// FeeSchedule holds the service charges added to every order.
type FeeSchedule struct {
	ProcessingPercent decimal.Decimal
	ProcessingFlat    int64
	ShippingFlat      int64
}

// DefaultFeeSchedule returns the storefront's standard fees: 2.9% + $0.30 processing and
// $5.00 flat shipping.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		ProcessingPercent: decimal.RequireFromString("2.9"),
		ProcessingFlat:    30,
		ShippingFlat:      500,
	}
}

// DraftInput is the cart state an order draft is built from.
type DraftInput struct {
	LocationID string
	CustomerID string
	Currency   string
	Email      string
	Items      []domain.LineItem
	Discounts  []domain.Discount
	Shipping   *domain.Address
}

// BuildOrderDraft assembles the gateway order: line items, order-scoped discounts, the fee
// schedule as total-phase service charges, a shipment fulfillment when an address is known,
// and auto-applied discounts and taxes.
func BuildOrderDraft(in DraftInput, fees FeeSchedule) OrderDraft {
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}

	items := make([]domain.LineItem, 0, len(in.Items))
	for _, item := range in.Items {
		items = append(items, domain.LineItem{
			CatalogObjectID: strings.TrimSpace(item.CatalogObjectID),
			Quantity:        strings.TrimSpace(item.Quantity),
		})
	}

	seen := make(map[string]struct{}, len(in.Discounts))
	discounts := make([]domain.Discount, 0, len(in.Discounts))
	for _, d := range in.Discounts {
		id := strings.TrimSpace(d.CatalogObjectID)
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		discounts = append(discounts, domain.Discount{CatalogObjectID: id, Scope: domain.DiscountScopeOrder})
	}

	draft := OrderDraft{
		LocationID:         strings.TrimSpace(in.LocationID),
		CustomerID:         strings.TrimSpace(in.CustomerID),
		Currency:           currency,
		LineItems:          items,
		Discounts:          discounts,
		ServiceCharges:     fees.serviceCharges(currency),
		AutoApplyDiscounts: true,
		AutoApplyTaxes:     true,
	}

	if in.Shipping != nil {
		addr := validation.NormalizeAddress(*in.Shipping)
		draft.Fulfillment = &Fulfillment{
			Type: FulfillmentShipment,
			Recipient: Recipient{
				DisplayName:  addr.DisplayName(),
				EmailAddress: strings.TrimSpace(in.Email),
				PhoneNumber:  addr.Phone,
				Address:      addr,
			},
			Note: addr.Comments,
		}
	}
	return draft
}

func (f FeeSchedule) serviceCharges(currency string) []ServiceCharge {
	var charges []ServiceCharge
	if f.ProcessingPercent.IsPositive() {
		charges = append(charges, ServiceCharge{
			Name:             "Processing fee (" + f.ProcessingPercent.String() + "%)",
			Percentage:       f.ProcessingPercent.String(),
			CalculationPhase: CalculationPhaseTotal,
		})
	}
	if f.ShippingFlat > 0 {
		charges = append(charges, ServiceCharge{
			Name:             "Shipping",
			Amount:           &domain.Money{Amount: f.ShippingFlat, Currency: currency},
			CalculationPhase: CalculationPhaseTotal,
		})
	}
	if f.ProcessingFlat > 0 {
		charges = append(charges, ServiceCharge{
			Name:             "Processing fee",
			Amount:           &domain.Money{Amount: f.ProcessingFlat, Currency: currency},
			CalculationPhase: CalculationPhaseTotal,
		})
	}
	return charges
}

// ServiceChargeTotal computes the service charges for an order whose discounted, taxed
// amount is base. Percentages are rounded half away from zero to the minor unit.
func ServiceChargeTotal(base int64, charges []ServiceCharge) int64 {
	total := decimal.Zero
	baseAmount := decimal.NewFromInt(base)
	for _, charge := range charges {
		switch {
		case charge.Amount != nil:
			total = total.Add(decimal.NewFromInt(charge.Amount.Amount))
		case charge.Percentage != "":
			pct, err := decimal.NewFromString(charge.Percentage)
			if err != nil {
				continue
			}
			total = total.Add(baseAmount.Mul(pct).Div(decimal.NewFromInt(100)).Round(0))
		}
	}
	return total.IntPart()
}
