package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/platform/httpx"
	"github.com/mixfolio/api/internal/platform/pagination"
	"github.com/mixfolio/api/internal/platform/requestctx"
	"github.com/mixfolio/api/internal/repositories"
	"github.com/mixfolio/api/internal/services"
)

const (
	profileIDHeader    = "X-Profile-ID"
	maxOrderBodyBytes  = 32 * 1024
	defaultHistorySize = 20
	maxHistorySize     = 100
)

// DomainHandlers serves the custom-domain search and order endpoints.
type DomainHandlers struct {
	search            services.DomainSearchService
	orders            services.DomainOrderService
	searchLimiter     rateLimiter
	createMiddlewares []func(http.Handler) http.Handler
}

// DomainHandlersOption customises the domain handlers.
type DomainHandlersOption func(*DomainHandlers)

// WithSearchRateLimit caps per-profile search requests inside the window to
// protect the registrar upstream from fan-out amplification.
func WithSearchRateLimit(limit int, window time.Duration) DomainHandlersOption {
	return func(h *DomainHandlers) {
		h.searchLimiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// WithCreateOrderMiddleware wraps only the order-creation endpoint. Cancels
// and dismissals stay outside: they are state transitions the service already
// guards, and must not demand a client idempotency key.
func WithCreateOrderMiddleware(mw ...func(http.Handler) http.Handler) DomainHandlersOption {
	return func(h *DomainHandlers) {
		h.createMiddlewares = append(h.createMiddlewares, mw...)
	}
}

// NewDomainHandlers wires the domain endpoints to their services.
func NewDomainHandlers(search services.DomainSearchService, orders services.DomainOrderService, opts ...DomainHandlersOption) *DomainHandlers {
	h := &DomainHandlers{search: search, orders: orders}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the domain routes on the provided router group.
func (h *DomainHandlers) Register(r chi.Router) {
	r.Get("/search", h.Search)
	r.Route("/orders", func(r chi.Router) {
		r.With(h.createMiddlewares...).Post("/", h.CreateOrder)
		r.Get("/", h.ListOrders)
		r.Get("/current", h.CurrentOrder)
		r.Delete("/current", h.CancelOrder)
		r.Post("/{orderID}/dismiss", h.DismissOrder)
	})
}

// ProfileIdentityMiddleware resolves the caller from the gateway-set profile
// header and rejects unauthenticated requests.
func ProfileIdentityMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profileID := strings.TrimSpace(r.Header.Get(profileIDHeader))
			if profileID == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "missing profile identity", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(requestctx.WithProfileID(r.Context(), profileID)))
		})
	}
}

// Search answers availability and pricing for candidate domain names.
func (h *DomainHandlers) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.search == nil {
		httpx.WriteError(ctx, w, httpx.NewError("search_unavailable", "domain search unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}
	if h.searchLimiter != nil && !h.searchLimiter.Allow(profileID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many search requests, slow down", http.StatusTooManyRequests))
		return
	}

	results, err := h.search.Search(ctx, services.SearchCommand{
		ProfileID: profileID,
		Query:     r.URL.Query().Get("query"),
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		entry := map[string]any{
			"domain":    res.Domain,
			"available": res.Available,
		}
		if res.Available {
			entry["purchasePriceCents"] = res.PurchasePriceCents
			entry["renewalPriceCents"] = res.RenewalPriceCents
			entry["termYears"] = res.TermYears
		}
		out = append(out, entry)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"results": out})
}

type createOrderRequest struct {
	Domain  string             `json:"domain"`
	Contact domain.ContactInfo `json:"contact"`
}

// CreateOrder opens a checkout session for a new domain purchase.
func (h *DomainHandlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "domain orders unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed request body", http.StatusBadRequest))
		return
	}

	redirect, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		ProfileID: profileID,
		Domain:    req.Domain,
		Contact:   req.Contact,
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, map[string]any{
		"orderId":     redirect.OrderID,
		"checkoutUrl": redirect.CheckoutURL,
	})
}

// ListOrders pages through the caller's order history, newest first.
func (h *DomainHandlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "domain orders unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultHistorySize,
		MaxPageSize:     maxHistorySize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_page_params", err.Error(), http.StatusBadRequest))
		return
	}

	var before *time.Time
	if len(params.Cursor.StartAfter) > 0 {
		raw, ok := params.Cursor.StartAfter[0].(string)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_page_token", "malformed page token", http.StatusBadRequest))
			return
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_page_token", "malformed page token", http.StatusBadRequest))
			return
		}
		before = &ts
	}

	orders, err := h.orders.ListOrders(ctx, services.ListOrdersCommand{
		ProfileID: profileID,
		Limit:     params.PageSize,
		Before:    before,
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}

	items := make([]map[string]any, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderPayload(order))
	}

	payload := map[string]any{"orders": items}
	if len(orders) == params.PageSize {
		last := orders[len(orders)-1]
		token, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano)},
		})
		if err == nil && token != "" {
			payload["nextPageToken"] = token
		}
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

// CurrentOrder returns the caller's single relevant order: the alive one, or
// failing that, the latest failed order not yet dismissed.
func (h *DomainHandlers) CurrentOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "domain orders unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetCurrentOrder(ctx, profileID)
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderPayload(order))
}

// CancelOrder tears down the caller's billed order.
func (h *DomainHandlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "domain orders unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}

	if err := h.orders.Cancel(ctx, profileID); err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"success": true})
}

// DismissOrder hides a failed order from the caller's active view.
func (h *DomainHandlers) DismissOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "domain orders unavailable", http.StatusServiceUnavailable))
		return
	}
	profileID, ok := requireProfile(ctx, w)
	if !ok {
		return
	}

	err := h.orders.Dismiss(ctx, services.DismissOrderCommand{
		ProfileID: profileID,
		OrderID:   chi.URLParam(r, "orderID"),
	})
	if err != nil {
		writeDomainError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func orderPayload(order domain.DomainOrder) map[string]any {
	payload := map[string]any{
		"id":                 order.ID,
		"domain":             order.Domain,
		"status":             string(order.Status),
		"purchasePriceCents": order.PurchasePriceCents,
		"renewalPriceCents":  order.RenewalPriceCents,
		"serviceFeeCents":    order.ServiceFeeCents,
		"termYears":          order.TermYears,
		"createdAt":          formatTime(order.CreatedAt),
		"updatedAt":          formatTime(order.UpdatedAt),
	}
	if order.ExpiresAt != nil {
		payload["expiresAt"] = formatTime(*order.ExpiresAt)
	}
	if order.DismissedAt != nil {
		payload["dismissedAt"] = formatTime(*order.DismissedAt)
	}
	return payload
}

func requireProfile(ctx context.Context, w http.ResponseWriter) (string, bool) {
	profileID := requestctx.ProfileID(ctx)
	if profileID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "missing profile identity", http.StatusUnauthorized))
		return "", false
	}
	return profileID, true
}

func decodeJSONBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxOrderBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, services.ErrSearchInvalidInput), errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrSearchNotAuthorized), errors.Is(err, services.ErrOrderNotPro):
		httpx.WriteError(ctx, w, httpx.NewError("pro_tier_required", "custom domains require a pro subscription", http.StatusForbidden))
		return
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_in_progress", "an order is already in progress", http.StatusConflict))
		return
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no matching order", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrOrderDomainUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("domain_unavailable", "domain is not available for purchase", http.StatusConflict))
		return
	case errors.Is(err, services.ErrSearchUnavailable),
		errors.Is(err, services.ErrOrderRegistrarUnavailable),
		errors.Is(err, services.ErrOrderPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "a dependency is unavailable, retry shortly", http.StatusServiceUnavailable))
		return
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no matching order", http.StatusNotFound))
			return
		case repoErr.IsUnavailable():
			httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "storage unavailable, retry shortly", http.StatusServiceUnavailable))
			return
		}
	}

	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
}
