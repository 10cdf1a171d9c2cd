package checkout

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
)

func TestClientCalculate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/shop/order/calculate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "" {
			t.Errorf("quotes must not carry a submission key")
		}
		_, _ = io.WriteString(w, `{"lineItems":[],"totalDiscountMoney":{"amount":0,"currency":"USD"},"totalTaxMoney":{"amount":80,"currency":"USD"},"totalServiceChargeMoney":{"amount":560,"currency":"USD"},"netAmountDueMoney":{"amount":1640,"currency":"USD"}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/api/shop/", WithHTTPClient(srv.Client()))
	quote, err := client.Calculate(context.Background(), domain.QuoteRequest{LocationID: "LOC1"})
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if quote.NetAmountDueMoney.Amount != 1640 || quote.TotalTaxMoney.Amount != 80 {
		t.Fatalf("unexpected quote %#v", quote)
	}
}

func TestClientDecodesValidationErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_request","message":"request validation failed","status":400,"errors":[{"field":"items[0].quantity","rule":"ne","message":"items[0].quantity must be a positive whole number"}]}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithHTTPClient(srv.Client()))
	_, err := client.PlaceOrder(context.Background(), domain.OrderRequest{}, "k1")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected api error, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Code != "invalid_request" {
		t.Fatalf("unexpected api error %#v", apiErr)
	}
	if len(apiErr.Fields) != 1 || apiErr.Fields[0].Field != "items[0].quantity" {
		t.Fatalf("unexpected fields %#v", apiErr.Fields)
	}
	if apiErr.Category != payments.CategoryService {
		t.Fatalf("expected service category without explicit category, got %s", apiErr.Category)
	}
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, WithHTTPClient(srv.Client())).PlaceOrder(context.Background(), domain.OrderRequest{}, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestClientWithoutBaseURL(t *testing.T) {
	if _, err := NewClient("").Calculate(context.Background(), domain.QuoteRequest{}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url, got %v", err)
	}
}
