package checkout

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/format"
)

// QuoteStatus is the lifecycle of the live order total.
type QuoteStatus int

const (
	QuoteIdle QuoteStatus = iota
	QuoteLoading
	QuoteReady
	QuoteFailed
)

func (s QuoteStatus) String() string {
	switch s {
	case QuoteLoading:
		return "loading"
	case QuoteReady:
		return "ready"
	case QuoteFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ErrStaleQuote is returned to a caller whose response was superseded by a newer input.
var ErrStaleQuote = errors.New("checkout: quote superseded by newer cart")

// Pricer prices a prospective order. *Client satisfies it.
type Pricer interface {
	Calculate(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
}

// QuoteInput is everything the displayed total depends on.
type QuoteInput struct {
	LocationID string
	CustomerID string
	Items      []domain.LineItem
	Discounts  []Discount
	Shipping   *domain.Address
}

// QuoteSnapshot is the current quote state for rendering.
type QuoteSnapshot struct {
	Status QuoteStatus
	Quote  domain.Quote
	Err    error
}

// Quoter keeps the order total in step with the cart. It never retries on its own: a
// failed quote stays failed until the input changes or Invalidate is called.
type Quoter struct {
	pricer Pricer

	mu          sync.Mutex
	generation  uint64
	fingerprint string
	status      QuoteStatus
	quote       domain.Quote
	err         error
	inflight    chan struct{}
}

// NewQuoter constructs a Quoter over pricer.
func NewQuoter(pricer Pricer) *Quoter {
	return &Quoter{pricer: pricer}
}

// Refresh returns the quote for in, fetching it when the input changed since the last
// request. A call for the input already being fetched waits for that fetch. Responses for
// superseded inputs are discarded and reported as ErrStaleQuote.
func (q *Quoter) Refresh(ctx context.Context, in QuoteInput) (domain.Quote, error) {
	fp := quoteFingerprint(in)

	q.mu.Lock()
	if fp == q.fingerprint {
		switch q.status {
		case QuoteReady:
			quote := q.quote
			q.mu.Unlock()
			return quote, nil
		case QuoteFailed:
			err := q.err
			q.mu.Unlock()
			return domain.Quote{}, err
		case QuoteLoading:
			gen, wait := q.generation, q.inflight
			q.mu.Unlock()
			return q.join(ctx, gen, wait)
		}
	}
	q.generation++
	gen := q.generation
	done := make(chan struct{})
	q.fingerprint = fp
	q.status = QuoteLoading
	q.err = nil
	q.inflight = done
	q.mu.Unlock()
	defer close(done)

	quote, err := q.pricer.Calculate(ctx, in.request())

	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		return domain.Quote{}, ErrStaleQuote
	}
	if err != nil {
		q.status = QuoteFailed
		q.err = err
		q.quote = domain.Quote{}
		return domain.Quote{}, err
	}
	q.status = QuoteReady
	q.quote = quote
	return quote, nil
}

func (q *Quoter) join(ctx context.Context, gen uint64, wait <-chan struct{}) (domain.Quote, error) {
	select {
	case <-wait:
	case <-ctx.Done():
		return domain.Quote{}, ctx.Err()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.generation {
		return domain.Quote{}, ErrStaleQuote
	}
	if q.status == QuoteFailed {
		return domain.Quote{}, q.err
	}
	return q.quote, nil
}

// Invalidate forgets the current quote so the next Refresh fetches again.
func (q *Quoter) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generation++
	q.fingerprint = ""
	q.status = QuoteIdle
	q.quote = domain.Quote{}
	q.err = nil
}

// Snapshot returns the current state.
func (q *Quoter) Snapshot() QuoteSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QuoteSnapshot{Status: q.status, Quote: q.quote, Err: q.err}
}

// PayLabel renders the label of the Pay action, e.g. "Pay $10.00". It is empty unless the
// quote is ready.
func (s QuoteSnapshot) PayLabel(lang string) string {
	if s.Status != QuoteReady {
		return ""
	}
	due := s.Quote.NetAmountDueMoney
	return "Pay " + format.Currency(due.Amount, due.Currency, lang)
}

// ReadyFor returns the quote when it is ready and was computed for in.
func (q *Quoter) ReadyFor(in QuoteInput) (domain.Quote, bool) {
	if q == nil {
		return domain.Quote{}, false
	}
	fp := quoteFingerprint(in)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status != QuoteReady || q.fingerprint != fp {
		return domain.Quote{}, false
	}
	return q.quote, true
}

// Ready reports whether a fresh quote is available. Payment is only offered when it is.
func (q *Quoter) Ready() bool {
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status == QuoteReady
}

func (in QuoteInput) request() domain.QuoteRequest {
	req := domain.QuoteRequest{
		LocationID: in.LocationID,
		CustomerID: in.CustomerID,
		Items:      append([]domain.LineItem(nil), in.Items...),
		Shipping:   cloneAddress(in.Shipping),
	}
	for _, d := range in.Discounts {
		req.Discounts = append(req.Discounts, domain.Discount{CatalogObjectID: d.CatalogObjectID, Scope: domain.DiscountScopeOrder})
	}
	return req
}

// quoteFingerprint covers items, quantities, discount ids and whether shipping is known.
// Discount order does not change the total, so ids are sorted.
func quoteFingerprint(in QuoteInput) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(strings.TrimSpace(in.LocationID), strings.TrimSpace(in.CustomerID))
	for _, item := range in.Items {
		write("item", strings.TrimSpace(item.CatalogObjectID), strings.TrimSpace(item.Quantity))
	}
	ids := make([]string, 0, len(in.Discounts))
	for _, d := range in.Discounts {
		ids = append(ids, strings.TrimSpace(d.CatalogObjectID))
	}
	sort.Strings(ids)
	for _, id := range ids {
		write("discount", id)
	}
	if in.Shipping != nil {
		write("shipping")
	}
	return hex.EncodeToString(h.Sum(nil))
}
