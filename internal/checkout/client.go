package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/payments"
	"github.com/fieldshop/storefront/internal/validation"
)

const (
	defaultTimeout    = 30 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 64 * 1024
)

// ErrMissingBaseURL is returned when the client has no API endpoint configured.
var ErrMissingBaseURL = errors.New("checkout: missing api base url")

// APIError is a non-2xx response from the storefront API.
type APIError struct {
	Status   int
	Code     string
	Message  string
	Category payments.Category
	Fields   []validation.FieldError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("checkout: api status %d: %s", e.Status, e.Code)
}

// Client calls the storefront order endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption customises the API client.
type ClientOption func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient constructs an API client rooted at baseURL, e.g. "https://shop.example/api/shop".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// PlaceOrder submits the order. idempotencyKey identifies this submission attempt so an
// exact retry of the same POST is replayed rather than charged again.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest, idempotencyKey string) (domain.PaymentReceipt, error) {
	var receipt domain.PaymentReceipt
	if err := c.post(ctx, []string{"order"}, req, idempotencyKey, &receipt); err != nil {
		return domain.PaymentReceipt{}, err
	}
	return receipt, nil
}

// Calculate prices the prospective order without committing anything.
func (c *Client) Calculate(ctx context.Context, req domain.QuoteRequest) (domain.Quote, error) {
	var quote domain.Quote
	if err := c.post(ctx, []string{"order", "calculate"}, req, "", &quote); err != nil {
		return domain.Quote{}, err
	}
	return quote, nil
}

func (c *Client) post(ctx context.Context, path []string, body any, idempotencyKey string, out any) error {
	if c == nil || c.baseURL == "" {
		return ErrMissingBaseURL
	}
	endpoint, err := url.JoinPath(c.baseURL, path...)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set(idempotencyHeader, key)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type errorPayload struct {
	Error    string                  `json:"error"`
	Message  string                  `json:"message"`
	Code     string                  `json:"code"`
	Category string                  `json:"category"`
	Errors   []validation.FieldError `json:"errors"`
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Category: payments.CategoryService}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload errorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = defaultString(payload.Code, payload.Error)
	apiErr.Message = strings.TrimSpace(payload.Message)
	apiErr.Fields = payload.Errors
	if payload.Category != "" {
		apiErr.Category = payments.ParseCategory(payload.Category)
	}
	return apiErr
}

func defaultString(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return strings.TrimSpace(fallback)
	}
	return strings.TrimSpace(val)
}
