package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fieldshop/storefront/internal/domain"
	"github.com/fieldshop/storefront/internal/platform/httpx"
	"github.com/fieldshop/storefront/internal/platform/requestctx"
	"github.com/fieldshop/storefront/internal/services"
	"github.com/fieldshop/storefront/internal/validation"
)

const (
	defaultMaxOrderBody = 64 * 1024
	integrationMessage  = "Something went wrong while placing your order. Please contact us if the problem persists."
	unavailableMessage  = "Checkout is temporarily unavailable. Please try again later."
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

// ShopOrderHandlers exposes the guest checkout endpoints.
type ShopOrderHandlers struct {
	orders          services.OrderService
	pricing         services.PricingService
	maxBody         int64
	orderMiddleware []func(http.Handler) http.Handler
}

// ShopOrderOption customises the shop order handlers.
type ShopOrderOption func(*ShopOrderHandlers)

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(limit int64) ShopOrderOption {
	return func(h *ShopOrderHandlers) {
		if limit > 0 {
			h.maxBody = limit
		}
	}
}

// WithOrderMiddlewares wraps the order placement route only, such as the rate limiter and
// the idempotency guard. Quotes stay unthrottled so the live total can refresh freely.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) ShopOrderOption {
	return func(h *ShopOrderHandlers) {
		for _, m := range mw {
			if m != nil {
				h.orderMiddleware = append(h.orderMiddleware, m)
			}
		}
	}
}

// NewShopOrderHandlers constructs checkout handlers. Either service may be nil, in which case
// its route answers 503.
func NewShopOrderHandlers(orders services.OrderService, pricing services.PricingService, opts ...ShopOrderOption) *ShopOrderHandlers {
	h := &ShopOrderHandlers{
		orders:  orders,
		pricing: pricing,
		maxBody: defaultMaxOrderBody,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the order endpoints under the provided router.
func (h *ShopOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(h.orderMiddleware...).Post("/order", h.placeOrder)
	r.Post("/order/calculate", h.calculateOrder)
}

func (h *ShopOrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", unavailableMessage, http.StatusServiceUnavailable))
		return
	}

	var req domain.OrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	receipt, err := h.orders.PlaceOrder(ctx, req)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, receipt)
}

func (h *ShopOrderHandlers) calculateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", unavailableMessage, http.StatusServiceUnavailable))
		return
	}

	var req domain.QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	quote, err := h.pricing.QuoteOrder(ctx, req)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, quote)
}

func (h *ShopOrderHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if verrs, ok := validation.AsErrors(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request validation failed", http.StatusBadRequest).
			WithDetails(map[string]any{"errors": []validation.FieldError(verrs)}))
		return
	}

	var perr *services.PaymentError
	if errors.As(err, &perr) {
		entry := perr.Entry
		httpx.WriteError(ctx, w, httpx.NewError(strings.ToLower(entry.Code), entry.Message, entry.Category.HTTPStatus()).
			WithDetails(map[string]any{
				"code":     entry.Code,
				"category": entry.Category.String(),
			}))
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", unavailableMessage, http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrGatewayIntegration):
		requestctx.Logger(ctx).Error("gateway integration error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("integration_error", integrationMessage, http.StatusInternalServerError))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("request_timeout", "request was cancelled before it completed", http.StatusGatewayTimeout))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", integrationMessage, http.StatusInternalServerError))
	}
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxOrderBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}
