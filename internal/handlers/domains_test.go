package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/services"
)

type stubSearchService struct {
	searchFn func(context.Context, services.SearchCommand) ([]services.SearchResult, error)
}

func (s *stubSearchService) Search(ctx context.Context, cmd services.SearchCommand) ([]services.SearchResult, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

type stubDomainOrderService struct {
	createFn  func(context.Context, services.CreateOrderCommand) (services.CheckoutRedirect, error)
	currentFn func(context.Context, string) (services.DomainOrder, error)
	listFn    func(context.Context, services.ListOrdersCommand) ([]services.DomainOrder, error)
	cancelFn  func(context.Context, string) error
	dismissFn func(context.Context, services.DismissOrderCommand) error
}

func (s *stubDomainOrderService) CreateOrder(ctx context.Context, cmd services.CreateOrderCommand) (services.CheckoutRedirect, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutRedirect{}, errors.New("not implemented")
}

func (s *stubDomainOrderService) GetCurrentOrder(ctx context.Context, profileID string) (services.DomainOrder, error) {
	if s.currentFn != nil {
		return s.currentFn(ctx, profileID)
	}
	return services.DomainOrder{}, errors.New("not implemented")
}

func (s *stubDomainOrderService) ListOrders(ctx context.Context, cmd services.ListOrdersCommand) ([]services.DomainOrder, error) {
	if s.listFn != nil {
		return s.listFn(ctx, cmd)
	}
	return nil, errors.New("not implemented")
}

func (s *stubDomainOrderService) Cancel(ctx context.Context, profileID string) error {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, profileID)
	}
	return errors.New("not implemented")
}

func (s *stubDomainOrderService) Dismiss(ctx context.Context, cmd services.DismissOrderCommand) error {
	if s.dismissFn != nil {
		return s.dismissFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func newDomainTestRouter(search services.DomainSearchService, orders services.DomainOrderService) http.Handler {
	h := NewDomainHandlers(search, orders)
	return NewRouter(
		WithDomainMiddlewares(ProfileIdentityMiddleware()),
		WithDomainRoutes(h.Register),
	)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return payload
}

func TestDomainHandlersSearchSuccess(t *testing.T) {
	search := &stubSearchService{
		searchFn: func(_ context.Context, cmd services.SearchCommand) ([]services.SearchResult, error) {
			if cmd.ProfileID != "prof_1" {
				t.Fatalf("unexpected profile id %q", cmd.ProfileID)
			}
			if cmd.Query != "alex" {
				t.Fatalf("unexpected query %q", cmd.Query)
			}
			return []services.SearchResult{
				{Domain: "alex.com", Available: true, PurchasePriceCents: 1200, RenewalPriceCents: 1500, TermYears: 1},
				{Domain: "alex.dj", Available: false},
			}, nil
		},
	}
	router := newDomainTestRouter(search, &stubDomainOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/search?query=alex", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	results, ok := payload["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("expected 2 results, got %v", payload["results"])
	}
	first := results[0].(map[string]any)
	if first["domain"] != "alex.com" || first["available"] != true {
		t.Fatalf("unexpected first result: %v", first)
	}
	if first["purchasePriceCents"] != float64(1200) {
		t.Fatalf("expected price on available result, got %v", first)
	}
	second := results[1].(map[string]any)
	if _, present := second["purchasePriceCents"]; present {
		t.Fatalf("taken result should not carry pricing: %v", second)
	}
}

func TestDomainHandlersSearchRateLimited(t *testing.T) {
	search := &stubSearchService{
		searchFn: func(context.Context, services.SearchCommand) ([]services.SearchResult, error) {
			return nil, nil
		},
	}
	h := NewDomainHandlers(search, &stubDomainOrderService{}, WithSearchRateLimit(2, time.Minute))
	router := NewRouter(
		WithDomainMiddlewares(ProfileIdentityMiddleware()),
		WithDomainRoutes(h.Register),
	)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/search?query=alex", nil)
		req.Header.Set("X-Profile-ID", "prof_1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first two searches should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third search should be limited, got %v", codes)
	}

	// A different profile has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/search?query=alex", nil)
	req.Header.Set("X-Profile-ID", "prof_2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for second profile, got %d", rec.Code)
	}
}

func TestDomainHandlersRejectMissingIdentity(t *testing.T) {
	router := newDomainTestRouter(&stubSearchService{}, &stubDomainOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/search?query=alex", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "unauthenticated" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestDomainHandlersCreateOrderSuccess(t *testing.T) {
	var captured services.CreateOrderCommand
	orders := &stubDomainOrderService{
		createFn: func(_ context.Context, cmd services.CreateOrderCommand) (services.CheckoutRedirect, error) {
			captured = cmd
			return services.CheckoutRedirect{OrderID: "dord_1", CheckoutURL: "https://pay.example/cs_1"}, nil
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	body := `{"domain":"alex.dj","contact":{"name":"Alex","email":"alex@example.com","phone":"+15550100","street":"1 Main St","city":"Austin","postalCode":"78701","countryCode":"US"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders", strings.NewReader(body))
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["checkoutUrl"] != "https://pay.example/cs_1" {
		t.Fatalf("unexpected checkout url: %v", payload["checkoutUrl"])
	}
	if captured.ProfileID != "prof_1" || captured.Domain != "alex.dj" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Contact.Email != "alex@example.com" {
		t.Fatalf("contact not forwarded: %+v", captured.Contact)
	}
}

func TestDomainHandlersCreateOrderMalformedBody(t *testing.T) {
	router := newDomainTestRouter(&stubSearchService{}, &stubDomainOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDomainHandlersCreateOrderConflict(t *testing.T) {
	orders := &stubDomainOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.CheckoutRedirect, error) {
			return services.CheckoutRedirect{}, services.ErrOrderConflict
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders", strings.NewReader(`{"domain":"alex.dj","contact":{}}`))
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	payload := decodeBody(t, rec)
	if payload["error"] != "order_in_progress" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestDomainHandlersCreateOrderTierForbidden(t *testing.T) {
	orders := &stubDomainOrderService{
		createFn: func(context.Context, services.CreateOrderCommand) (services.CheckoutRedirect, error) {
			return services.CheckoutRedirect{}, services.ErrOrderNotPro
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders", strings.NewReader(`{"domain":"alex.dj","contact":{}}`))
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDomainHandlersCurrentOrderFound(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	expires := time.Date(2027, 8, 1, 0, 0, 0, 0, time.UTC)
	orders := &stubDomainOrderService{
		currentFn: func(_ context.Context, profileID string) (services.DomainOrder, error) {
			return services.DomainOrder{
				ID:                 "dord_1",
				ProfileID:          profileID,
				Domain:             "alex.dj",
				Status:             domain.OrderStatusActive,
				PurchasePriceCents: 1200,
				RenewalPriceCents:  1500,
				ServiceFeeCents:    500,
				TermYears:          1,
				ExpiresAt:          &expires,
				CreatedAt:          created,
				UpdatedAt:          created,
			}, nil
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/orders/current", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	payload := decodeBody(t, rec)
	if payload["id"] != "dord_1" || payload["status"] != "active" {
		t.Fatalf("unexpected order payload: %v", payload)
	}
	if payload["expiresAt"] != "2027-08-01T00:00:00Z" {
		t.Fatalf("unexpected expiresAt: %v", payload["expiresAt"])
	}
}

func TestDomainHandlersCurrentOrderNotFound(t *testing.T) {
	orders := &stubDomainOrderService{
		currentFn: func(context.Context, string) (services.DomainOrder, error) {
			return services.DomainOrder{}, services.ErrOrderNotFound
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/orders/current", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDomainHandlersListOrdersPaging(t *testing.T) {
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	orders := make([]services.DomainOrder, 0, 2)
	for i := 0; i < 2; i++ {
		orders = append(orders, services.DomainOrder{
			ID:        "dord_" + string(rune('a'+i)),
			Domain:    "alex.dj",
			Status:    domain.OrderStatusCancelled,
			CreatedAt: base.Add(-time.Duration(i) * time.Hour),
			UpdatedAt: base,
		})
	}

	var captured services.ListOrdersCommand
	svc := &stubDomainOrderService{
		listFn: func(_ context.Context, cmd services.ListOrdersCommand) ([]services.DomainOrder, error) {
			captured = cmd
			return orders, nil
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/domains/orders?pageSize=2", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.Limit != 2 {
		t.Fatalf("expected limit 2, got %d", captured.Limit)
	}
	payload := decodeBody(t, rec)
	token, ok := payload["nextPageToken"].(string)
	if !ok || token == "" {
		t.Fatalf("expected next page token on full page, got %v", payload["nextPageToken"])
	}

	// Follow the cursor and verify the watermark round-trips.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/domains/orders?pageSize=2&pageToken="+token, nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on second page, got %d", rec.Code)
	}
	if captured.Before == nil {
		t.Fatal("expected Before watermark from page token")
	}
	want := orders[1].CreatedAt
	if !captured.Before.Equal(want) {
		t.Fatalf("expected watermark %v, got %v", want, captured.Before)
	}
}

func TestDomainHandlersCancelOrder(t *testing.T) {
	cancelled := ""
	orders := &stubDomainOrderService{
		cancelFn: func(_ context.Context, profileID string) error {
			cancelled = profileID
			return nil
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/domains/orders/current", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if cancelled != "prof_1" {
		t.Fatalf("expected cancel for prof_1, got %q", cancelled)
	}
	payload := decodeBody(t, rec)
	if payload["success"] != true {
		t.Fatalf("expected success true, got %v", payload)
	}
}

func TestDomainHandlersDismissOrder(t *testing.T) {
	var captured services.DismissOrderCommand
	orders := &stubDomainOrderService{
		dismissFn: func(_ context.Context, cmd services.DismissOrderCommand) error {
			captured = cmd
			return nil
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders/dord_9/dismiss", nil)
	req.Header.Set("X-Profile-ID", "prof_1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "dord_9" || captured.ProfileID != "prof_1" {
		t.Fatalf("unexpected dismiss command: %+v", captured)
	}
}

func TestDomainHandlersDismissWrongOwner(t *testing.T) {
	orders := &stubDomainOrderService{
		dismissFn: func(context.Context, services.DismissOrderCommand) error {
			return services.ErrOrderNotFound
		},
	}
	router := newDomainTestRouter(&stubSearchService{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/domains/orders/dord_9/dismiss", nil)
	req.Header.Set("X-Profile-ID", "prof_2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDomainHandlersCreateMiddlewareScopedToCreation(t *testing.T) {
	var wrapped int
	requireKey := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped++
			if r.Header.Get("Idempotency-Key") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	orders := &stubDomainOrderService{
		cancelFn: func(context.Context, string) error { return nil },
		dismissFn: func(context.Context, services.DismissOrderCommand) error {
			return nil
		},
	}
	h := NewDomainHandlers(&stubSearchService{}, orders, WithCreateOrderMiddleware(requireKey))
	router := NewRouter(
		WithDomainMiddlewares(ProfileIdentityMiddleware()),
		WithDomainRoutes(h.Register),
	)

	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-Profile-ID", "prof_1")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(http.MethodDelete, "/api/v1/domains/orders/current"); rec.Code != http.StatusOK {
		t.Fatalf("cancel without idempotency key: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := send(http.MethodPost, "/api/v1/domains/orders/dord_1/dismiss"); rec.Code != http.StatusNoContent {
		t.Fatalf("dismiss without idempotency key: expected 204, got %d (%s)", rec.Code, rec.Body.String())
	}
	if wrapped != 0 {
		t.Fatalf("create middleware must not wrap cancel or dismiss, saw %d calls", wrapped)
	}

	if rec := send(http.MethodPost, "/api/v1/domains/orders"); rec.Code != http.StatusBadRequest {
		t.Fatalf("create without idempotency key: expected 400, got %d", rec.Code)
	}
	if wrapped != 1 {
		t.Fatalf("expected create middleware to wrap order creation, saw %d calls", wrapped)
	}
}
