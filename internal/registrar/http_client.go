package registrar

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

	domain "github.com/mixfolio/api/internal/domain"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultRetries     = 2
	retryBaseDelay     = 200 * time.Millisecond
)

// Logger defines the logging contract for registrar client operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

// HTTPClientConfig configures the HTTP registrar client.
type HTTPClientConfig struct {
	BaseURL     string
	Token       string
	ProjectID   string
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Logger      Logger
}

// HTTPClient implements Client against the registrar/hosting platform REST API.
type HTTPClient struct {
	baseURL     string
	token       string
	projectID   string
	httpClient  *http.Client
	callTimeout time.Duration
	logger      Logger
}

// NewHTTPClient constructs a registrar client validating required configuration.
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("registrar: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("registrar: api token is required")
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("registrar: project id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &HTTPClient{
		baseURL:     baseURL,
		token:       strings.TrimSpace(cfg.Token),
		projectID:   strings.TrimSpace(cfg.ProjectID),
		httpClient:  httpClient,
		callTimeout: timeout,
		logger:      logger,
	}, nil
}

type availabilityResponse struct {
	Available bool `json:"available"`
}

type priceResponse struct {
	PurchasePriceCents int64 `json:"purchasePriceCents"`
	RenewalPriceCents  int64 `json:"renewalPriceCents"`
	TermYears          int   `json:"termYears"`
}

type purchaseRequestBody struct {
	Domain    string             `json:"domain"`
	Contact   domain.ContactInfo `json:"contact"`
	TermYears int                `json:"termYears,omitempty"`
}

type purchaseResponse struct {
	Domain    string     `json:"domain"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type verifyResponse struct {
	Domain   string `json:"domain"`
	Verified bool   `json:"verified"`
	Status   string `json:"status"`
}

// CheckAvailability asks whether the name can be purchased. Retried on
// transient failures.
func (c *HTTPClient) CheckAvailability(ctx context.Context, domainName string) (bool, error) {
	var out availabilityResponse
	err := c.getWithRetry(ctx, "/v1/domains/"+url.PathEscape(domainName)+"/availability", &out)
	if err != nil {
		return false, err
	}
	return out.Available, nil
}

// GetPrice fetches current purchase and renewal pricing for the name.
func (c *HTTPClient) GetPrice(ctx context.Context, domainName string) (domain.PriceQuote, error) {
	var out priceResponse
	err := c.getWithRetry(ctx, "/v1/domains/"+url.PathEscape(domainName)+"/price", &out)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	termYears := out.TermYears
	if termYears <= 0 {
		termYears = 1
	}
	return domain.PriceQuote{
		Domain:             domainName,
		Available:          true,
		PurchasePriceCents: out.PurchasePriceCents,
		RenewalPriceCents:  out.RenewalPriceCents,
		TermYears:          termYears,
	}, nil
}

// PurchaseAndAttach buys the domain and attaches it to the hosting project.
// Sent exactly once; the idempotency key makes registrar-side replays safe if
// the orchestrator re-invokes after an ambiguous failure.
func (c *HTTPClient) PurchaseAndAttach(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	body := purchaseRequestBody{
		Domain:    req.Domain,
		Contact:   req.Contact,
		TermYears: req.TermYears,
	}

	var out purchaseResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/projects/"+url.PathEscape(c.projectID)+"/domains", body, req.IdempotencyKey, &out)
	if err != nil {
		return PurchaseResult{}, err
	}
	switch {
	case status == http.StatusConflict:
		return PurchaseResult{}, ErrDomainNotAvailable
	case status == http.StatusUnprocessableEntity:
		return PurchaseResult{}, ErrPurchaseRejected
	case status >= 400:
		return PurchaseResult{}, fmt.Errorf("%w: purchase returned status %d", ErrUnavailable, status)
	}

	c.logger(ctx, "registrar.domain.purchased", map[string]any{
		"domain":  req.Domain,
		"project": c.projectID,
	})
	return PurchaseResult{Domain: out.Domain, ExpiresAt: out.ExpiresAt}, nil
}

// Detach removes the domain from the hosting project.
func (c *HTTPClient) Detach(ctx context.Context, domainName string) error {
	path := "/v1/projects/" + url.PathEscape(c.projectID) + "/domains/" + url.PathEscape(domainName)
	status, err := c.do(ctx, http.MethodDelete, path, nil, "", nil)
	if err != nil {
		return err
	}
	// A missing attachment is treated as already detached.
	if status >= 400 && status != http.StatusNotFound {
		return fmt.Errorf("%w: detach returned status %d", ErrUnavailable, status)
	}
	c.logger(ctx, "registrar.domain.detached", map[string]any{
		"domain":  domainName,
		"project": c.projectID,
	})
	return nil
}

// VerifyStatus polls DNS verification state for an attached domain.
func (c *HTTPClient) VerifyStatus(ctx context.Context, domainName string) (VerifyResult, error) {
	var out verifyResponse
	path := "/v1/projects/" + url.PathEscape(c.projectID) + "/domains/" + url.PathEscape(domainName) + "/verify"
	if err := c.getWithRetry(ctx, path, &out); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Domain: out.Domain, Verified: out.Verified, Status: out.Status}, nil
}

func (c *HTTPClient) getWithRetry(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		status, err := c.do(ctx, http.MethodGet, path, nil, "", out)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("%w: status %d", ErrUnavailable, status)
			continue
		}
		if status == http.StatusNotFound {
			return ErrDomainNotAvailable
		}
		if status >= 400 {
			return fmt.Errorf("%w: status %d", ErrUnavailable, status)
		}
		return nil
	}
	return lastErr
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("registrar: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("registrar: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("registrar: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
