package checkout

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldshop/storefront/internal/domain"
)

// Tab is the active step of the checkout wizard.
type Tab string

const (
	TabShipping Tab = "shipping"
	TabBilling  Tab = "billing"
)

// ErrMalformedEvent is returned when an event is missing required payload. It signals a
// programming error in the caller, never a shopper mistake.
var ErrMalformedEvent = errors.New("checkout: malformed event")

// Discount is a catalog discount the shopper applied, kept in the order it was added.
type Discount struct {
	CatalogObjectID string
	Name            string
	Scope           string
}

// Done tracks the wizard steps that must be completed before payment.
type Done struct {
	Shipping bool
	Account  bool
}

// State is the in-progress checkout form.
type State struct {
	Email             string
	Shipping          *domain.Address
	Billing           *domain.Address
	BillingAsShipping bool
	BillingReviewed   bool
	Discounts         []Discount
	Done              Done
	CurrencyCode      string
	Tab               Tab
}

// NewState returns an empty checkout on the shipping step.
func NewState(currency string) State {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	return State{CurrencyCode: currency, Tab: TabShipping}
}

// EffectiveBilling returns the address the payment is billed to.
func (s State) EffectiveBilling() *domain.Address {
	if s.BillingAsShipping || s.Billing == nil {
		return cloneAddress(s.Shipping)
	}
	return cloneAddress(s.Billing)
}

// Event is a checkout state transition. The set of events is closed.
type Event interface {
	event()
}

// SetTab switches the wizard step without validation.
type SetTab struct{ Tab Tab }

// FinishAccount records the contact email and completes the account step.
type FinishAccount struct{ Email string }

// FinishShipping records the shipping address and completes the shipping step.
type FinishShipping struct{ Shipping domain.Address }

// FinishBilling records the billing choice. Address validation happens in the form before
// the event is dispatched.
type FinishBilling struct {
	Billing           *domain.Address
	BillingAsShipping bool
}

// AddDiscount appends a discount unless one with the same catalog id is present.
type AddDiscount struct{ Discount Discount }

// RemoveDiscount removes a discount by catalog id.
type RemoveDiscount struct{ CatalogObjectID string }

func (SetTab) event()         {}
func (FinishAccount) event()  {}
func (FinishShipping) event() {}
func (FinishBilling) event()  {}
func (AddDiscount) event()    {}
func (RemoveDiscount) event() {}

// Reduce applies ev to s and returns the next state. s is never modified; on error the
// input state is returned unchanged.
func Reduce(s State, ev Event) (State, error) {
	next := s.clone()
	switch e := ev.(type) {
	case SetTab:
		if e.Tab != TabShipping && e.Tab != TabBilling {
			return s, fmt.Errorf("%w: unknown tab %q", ErrMalformedEvent, e.Tab)
		}
		next.Tab = e.Tab
	case FinishAccount:
		email := strings.TrimSpace(e.Email)
		if email == "" {
			return s, fmt.Errorf("%w: account email is required", ErrMalformedEvent)
		}
		next.Email = email
		next.Done.Account = true
	case FinishShipping:
		shipping := e.Shipping
		next.Shipping = &shipping
		next.Done.Shipping = true
		next.Tab = TabBilling
	case FinishBilling:
		if !e.BillingAsShipping && e.Billing == nil {
			return s, fmt.Errorf("%w: billing address is required unless shipping is reused", ErrMalformedEvent)
		}
		next.BillingAsShipping = e.BillingAsShipping
		if e.BillingAsShipping {
			next.Billing = nil
		} else {
			next.Billing = cloneAddress(e.Billing)
		}
		next.BillingReviewed = true
	case AddDiscount:
		d := e.Discount
		d.CatalogObjectID = strings.TrimSpace(d.CatalogObjectID)
		if d.CatalogObjectID == "" {
			return s, fmt.Errorf("%w: discount id is required", ErrMalformedEvent)
		}
		if d.Scope == "" {
			d.Scope = domain.DiscountScopeOrder
		}
		if d.Scope != domain.DiscountScopeOrder {
			return s, fmt.Errorf("%w: unsupported discount scope %q", ErrMalformedEvent, d.Scope)
		}
		if indexOfDiscount(next.Discounts, d.CatalogObjectID) >= 0 {
			return next, nil
		}
		next.Discounts = append(next.Discounts, d)
	case RemoveDiscount:
		idx := indexOfDiscount(next.Discounts, strings.TrimSpace(e.CatalogObjectID))
		if idx < 0 {
			return next, nil
		}
		next.Discounts = append(next.Discounts[:idx], next.Discounts[idx+1:]...)
	case nil:
		return s, fmt.Errorf("%w: nil event", ErrMalformedEvent)
	default:
		return s, fmt.Errorf("%w: unsupported event %T", ErrMalformedEvent, ev)
	}
	return next, nil
}

func (s State) clone() State {
	out := s
	out.Shipping = cloneAddress(s.Shipping)
	out.Billing = cloneAddress(s.Billing)
	if s.Discounts != nil {
		out.Discounts = make([]Discount, len(s.Discounts))
		copy(out.Discounts, s.Discounts)
	}
	return out
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	copied := *addr
	return &copied
}

func indexOfDiscount(discounts []Discount, id string) int {
	for i, d := range discounts {
		if d.CatalogObjectID == id {
			return i
		}
	}
	return -1
}

// Store holds the checkout state for one session and applies events to it.
type Store struct {
	mu     sync.RWMutex
	state  State
	logger *zap.Logger
}

// NewStore wraps initial. A nil logger disables logging.
func NewStore(initial State, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{state: initial.clone(), logger: logger.Named("checkout.state")}
}

// State returns a snapshot that callers may modify freely.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Dispatch applies ev. Malformed events leave the state untouched and are logged.
func (s *Store) Dispatch(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := Reduce(s.state, ev)
	if err != nil {
		s.logger.Error("checkout event rejected", zap.String("event", fmt.Sprintf("%T", ev)), zap.Error(err))
		return err
	}
	s.state = next
	return nil
}
