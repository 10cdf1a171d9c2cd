package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fieldshop/storefront/internal/domain"
)

type stubPricer struct {
	mu        sync.Mutex
	calls     int
	calcFunc  func(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error)
	lastInput domain.QuoteRequest
}

func (s *stubPricer) Calculate(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	s.mu.Lock()
	s.calls++
	s.lastInput = req
	fn := s.calcFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return domain.Quote{NetAmountDueMoney: domain.Money{Amount: 1000, Currency: "USD"}}, nil
}

func (s *stubPricer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func sampleQuoteInput() QuoteInput {
	return QuoteInput{
		LocationID: "LOC1",
		Items:      []domain.LineItem{{CatalogObjectID: "ITEM1", Quantity: "1"}},
	}
}

func TestQuoterCachesUnchangedInput(t *testing.T) {
	pricer := &stubPricer{}
	q := NewQuoter(pricer)

	if q.Ready() {
		t.Fatalf("new quoter must not be ready")
	}
	for i := 0; i < 3; i++ {
		quote, err := q.Refresh(context.Background(), sampleQuoteInput())
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if quote.NetAmountDueMoney.Amount != 1000 {
			t.Fatalf("unexpected quote %#v", quote)
		}
	}
	if pricer.callCount() != 1 {
		t.Fatalf("expected one fetch, got %d", pricer.callCount())
	}
	if !q.Ready() {
		t.Fatalf("expected ready")
	}
}

func TestQuoterRefetchesOnEveryInputChange(t *testing.T) {
	pricer := &stubPricer{}
	q := NewQuoter(pricer)
	ctx := context.Background()

	in := sampleQuoteInput()
	if _, err := q.Refresh(ctx, in); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	in.Items = []domain.LineItem{{CatalogObjectID: "ITEM1", Quantity: "2"}}
	_, _ = q.Refresh(ctx, in)

	in.Discounts = []Discount{{CatalogObjectID: "D1"}}
	_, _ = q.Refresh(ctx, in)

	shipping := janeDoe()
	in.Shipping = &shipping
	_, _ = q.Refresh(ctx, in)

	if pricer.callCount() != 4 {
		t.Fatalf("expected 4 fetches, got %d", pricer.callCount())
	}
	if len(pricer.lastInput.Discounts) != 1 || pricer.lastInput.Discounts[0].Scope != domain.DiscountScopeOrder {
		t.Fatalf("unexpected discounts sent %#v", pricer.lastInput.Discounts)
	}

	in.Discounts = []Discount{{CatalogObjectID: "D1", Name: "renamed"}}
	_, _ = q.Refresh(ctx, in)
	if pricer.callCount() != 4 {
		t.Fatalf("discount display name must not trigger a fetch")
	}
}

func TestQuoterFailureDoesNotRetry(t *testing.T) {
	boom := errors.New("gateway down")
	pricer := &stubPricer{calcFunc: func(context.Context, domain.QuoteRequest) (domain.Quote, error) {
		return domain.Quote{}, boom
	}}
	q := NewQuoter(pricer)
	ctx := context.Background()

	if _, err := q.Refresh(ctx, sampleQuoteInput()); !errors.Is(err, boom) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if _, err := q.Refresh(ctx, sampleQuoteInput()); !errors.Is(err, boom) {
		t.Fatalf("expected cached error, got %v", err)
	}
	if pricer.callCount() != 1 {
		t.Fatalf("expected no automatic retry, got %d calls", pricer.callCount())
	}
	snap := q.Snapshot()
	if snap.Status != QuoteFailed || q.Ready() {
		t.Fatalf("expected failed state, got %s", snap.Status)
	}

	q.Invalidate()
	_, _ = q.Refresh(ctx, sampleQuoteInput())
	if pricer.callCount() != 2 {
		t.Fatalf("expected invalidate to allow a new attempt")
	}
}

func TestQuoterDiscardsStaleResponses(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	pricer := &stubPricer{calcFunc: func(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
		if req.Items[0].Quantity == "1" {
			close(started)
			<-release
			return domain.Quote{NetAmountDueMoney: domain.Money{Amount: 1000, Currency: "USD"}}, nil
		}
		return domain.Quote{NetAmountDueMoney: domain.Money{Amount: 2000, Currency: "USD"}}, nil
	}}
	q := NewQuoter(pricer)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := q.Refresh(ctx, sampleQuoteInput())
		done <- err
	}()
	<-started

	if snap := q.Snapshot(); snap.Status != QuoteLoading {
		t.Fatalf("expected loading while in flight, got %s", snap.Status)
	}

	newer := sampleQuoteInput()
	newer.Items = []domain.LineItem{{CatalogObjectID: "ITEM1", Quantity: "2"}}
	quote, err := q.Refresh(ctx, newer)
	if err != nil || quote.NetAmountDueMoney.Amount != 2000 {
		t.Fatalf("unexpected newer quote %#v %v", quote, err)
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrStaleQuote) {
		t.Fatalf("expected stale error, got %v", err)
	}
	if snap := q.Snapshot(); snap.Quote.NetAmountDueMoney.Amount != 2000 || snap.Status != QuoteReady {
		t.Fatalf("stale response overwrote the newer quote: %#v", snap)
	}
}

func TestQuoteSnapshotPayLabel(t *testing.T) {
	q := NewQuoter(&stubPricer{})
	if label := q.Snapshot().PayLabel("en"); label != "" {
		t.Fatalf("expected no label before the quote is ready, got %q", label)
	}
	if _, err := q.Refresh(context.Background(), sampleQuoteInput()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if label := q.Snapshot().PayLabel("en"); label != "Pay $10.00" {
		t.Fatalf("unexpected label %q", label)
	}
}

func TestQuoterJoinsInFlightFetchForSameInput(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	pricer := &stubPricer{calcFunc: func(context.Context, domain.QuoteRequest) (domain.Quote, error) {
		close(started)
		<-release
		return domain.Quote{NetAmountDueMoney: domain.Money{Amount: 1000, Currency: "USD"}}, nil
	}}
	q := NewQuoter(pricer)

	results := make(chan error, 2)
	go func() {
		_, err := q.Refresh(context.Background(), sampleQuoteInput())
		results <- err
	}()
	<-started

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Refresh(cancelled, sampleQuoteInput()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled wait, got %v", err)
	}

	go func() {
		quote, err := q.Refresh(context.Background(), sampleQuoteInput())
		if err == nil && quote.NetAmountDueMoney.Amount != 1000 {
			err = errors.New("joined caller got a different quote")
		}
		results <- err
	}()
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("identical refresh failed: %v", err)
		}
	}
	if pricer.callCount() != 1 {
		t.Fatalf("expected one fetch for identical input, got %d", pricer.callCount())
	}
}

func TestQuoterReadyForMatchesInput(t *testing.T) {
	q := NewQuoter(&stubPricer{})
	if _, ok := q.ReadyFor(sampleQuoteInput()); ok {
		t.Fatalf("expected no quote before refresh")
	}
	if _, err := q.Refresh(context.Background(), sampleQuoteInput()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if quote, ok := q.ReadyFor(sampleQuoteInput()); !ok || quote.NetAmountDueMoney.Amount != 1000 {
		t.Fatalf("expected ready quote for the same input, got %#v %v", quote, ok)
	}

	other := sampleQuoteInput()
	other.Items = []domain.LineItem{{CatalogObjectID: "ITEM1", Quantity: "5"}}
	if _, ok := q.ReadyFor(other); ok {
		t.Fatalf("quote must not be ready for a different cart")
	}
}
