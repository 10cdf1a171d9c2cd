package checkout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldshop/storefront/internal/domain"
)

func janeDoe() domain.Address {
	return domain.Address{
		GivenName:   "Jane",
		FamilyName:  "Doe",
		AddressLine: "1 Main St",
		Country:     "US",
		State:       "NY",
		PostalCode:  "10001",
		City:        "NYC",
		Phone:       "+1 555 1234",
	}
}

func TestAddDiscountIsIdempotent(t *testing.T) {
	store := NewStore(NewState("usd"), nil)

	require.NoError(t, store.Dispatch(AddDiscount{Discount: Discount{CatalogObjectID: "D1", Name: "Ten off"}}))
	require.NoError(t, store.Dispatch(AddDiscount{Discount: Discount{CatalogObjectID: "D1", Name: "Ten off again"}}))

	discounts := store.State().Discounts
	require.Len(t, discounts, 1)
	assert.Equal(t, "D1", discounts[0].CatalogObjectID)
	assert.Equal(t, "Ten off", discounts[0].Name)
	assert.Equal(t, domain.DiscountScopeOrder, discounts[0].Scope)
}

func TestDiscountsKeepInsertionOrder(t *testing.T) {
	s := NewState("USD")
	var err error
	for _, id := range []string{"D3", "D1", "D2", "D1"} {
		s, err = Reduce(s, AddDiscount{Discount: Discount{CatalogObjectID: id}})
		require.NoError(t, err)
	}
	s, err = Reduce(s, RemoveDiscount{CatalogObjectID: "D1"})
	require.NoError(t, err)
	s, err = Reduce(s, RemoveDiscount{CatalogObjectID: "missing"})
	require.NoError(t, err)

	ids := make([]string, 0, len(s.Discounts))
	for _, d := range s.Discounts {
		ids = append(ids, d.CatalogObjectID)
	}
	assert.Equal(t, []string{"D3", "D2"}, ids)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	before, err := Reduce(NewState("USD"), AddDiscount{Discount: Discount{CatalogObjectID: "D1"}})
	require.NoError(t, err)
	before, err = Reduce(before, AddDiscount{Discount: Discount{CatalogObjectID: "D2"}})
	require.NoError(t, err)

	after, err := Reduce(before, RemoveDiscount{CatalogObjectID: "D1"})
	require.NoError(t, err)

	require.Len(t, before.Discounts, 2)
	assert.Equal(t, "D1", before.Discounts[0].CatalogObjectID)
	require.Len(t, after.Discounts, 1)
}

func TestFinishBillingLeavesDoneFlags(t *testing.T) {
	s := NewState("USD")
	billing := janeDoe()

	next, err := Reduce(s, FinishBilling{Billing: &billing})
	require.NoError(t, err)
	assert.Equal(t, Done{}, next.Done)
	assert.True(t, next.BillingReviewed)
	require.NotNil(t, next.Billing)
	assert.Equal(t, billing, *next.Billing)

	reused, err := Reduce(next, FinishBilling{Billing: &billing, BillingAsShipping: true})
	require.NoError(t, err)
	assert.Nil(t, reused.Billing)
	assert.True(t, reused.BillingAsShipping)
	assert.Equal(t, Done{}, reused.Done)
}

func TestEarlierStepsSetDoneFlags(t *testing.T) {
	s, err := Reduce(NewState("USD"), FinishAccount{Email: " jane@example.com "})
	require.NoError(t, err)
	s, err = Reduce(s, FinishShipping{Shipping: janeDoe()})
	require.NoError(t, err)

	assert.Equal(t, Done{Shipping: true, Account: true}, s.Done)
	assert.Equal(t, "jane@example.com", s.Email)
	assert.Equal(t, TabBilling, s.Tab)
	assert.Equal(t, janeDoe(), *s.EffectiveBilling())
}

func TestMalformedEventsAreRejected(t *testing.T) {
	store := NewStore(NewState("USD"), nil)
	cases := []Event{
		nil,
		SetTab{Tab: "payment"},
		FinishAccount{},
		FinishBilling{},
		AddDiscount{Discount: Discount{CatalogObjectID: " "}},
		AddDiscount{Discount: Discount{CatalogObjectID: "D1", Scope: "LINE_ITEM"}},
	}
	for _, ev := range cases {
		err := store.Dispatch(ev)
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("expected malformed event error for %#v, got %v", ev, err)
		}
	}
	assert.Equal(t, NewState("USD"), store.State())
}

func TestSetTab(t *testing.T) {
	s, err := Reduce(NewState("USD"), SetTab{Tab: TabBilling})
	require.NoError(t, err)
	assert.Equal(t, TabBilling, s.Tab)
	assert.Equal(t, Done{}, s.Done)
}
