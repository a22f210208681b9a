package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	domain "github.com/mixfolio/api/internal/domain"
	"github.com/mixfolio/api/internal/repositories"
)

const defaultSearchTimeout = 15 * time.Second

// defaultCandidateTLDs is the fixed suffix set a bare query expands across.
var defaultCandidateTLDs = []string{"com", "io", "dj", "music", "live", "events"}

var (
	// ErrSearchInvalidInput indicates the query is empty or not a usable name.
	ErrSearchInvalidInput = errors.New("domain search: invalid input")
	// ErrSearchNotAuthorized indicates a free-tier profile attempted a paid-only search.
	ErrSearchNotAuthorized = errors.New("domain search: pro tier required")
	// ErrSearchUnavailable indicates search dependencies are currently unavailable.
	ErrSearchUnavailable = errors.New("domain search: unavailable")
)

var searchLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// domainPricer is the registrar subset search needs.
type domainPricer interface {
	CheckAvailability(ctx context.Context, domainName string) (bool, error)
	GetPrice(ctx context.Context, domainName string) (domain.PriceQuote, error)
}

// DomainSearchServiceDeps wires the dependencies required by the search service.
type DomainSearchServiceDeps struct {
	Registrar domainPricer
	Profiles  repositories.ProfileRepository
	TLDs      []string
	Timeout   time.Duration
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type domainSearchService struct {
	registrar domainPricer
	profiles  repositories.ProfileRepository
	tlds      []string
	timeout   time.Duration
	logger    func(context.Context, string, map[string]any)
}

// NewDomainSearchService constructs a DomainSearchService validating required dependencies.
func NewDomainSearchService(deps DomainSearchServiceDeps) (DomainSearchService, error) {
	if deps.Registrar == nil {
		return nil, errors.New("domain search service: registrar client is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("domain search service: profile repository is required")
	}

	tlds := deps.TLDs
	if len(tlds) == 0 {
		tlds = defaultCandidateTLDs
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &domainSearchService{
		registrar: deps.Registrar,
		profiles:  deps.Profiles,
		tlds:      tlds,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// Search checks availability for every candidate and prices only the available
// ones. Candidates whose registrar calls fail are dropped rather than failing
// the whole search.
func (s *domainSearchService) Search(ctx context.Context, cmd SearchCommand) ([]SearchResult, error) {
	profileID := strings.TrimSpace(cmd.ProfileID)
	if profileID == "" {
		return nil, ErrSearchInvalidInput
	}

	candidates, err := s.expandQuery(cmd.Query)
	if err != nil {
		return nil, err
	}

	profile, err := s.profiles.FindByID(ctx, profileID)
	if err != nil {
		return nil, s.translateRepoError(err)
	}
	if profile.Tier != domain.TierPro {
		return nil, ErrSearchNotAuthorized
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make([]*SearchResult, len(candidates))
	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		go func(idx int, name string) {
			defer wg.Done()
			if result, ok := s.lookupCandidate(ctx, name); ok {
				results[idx] = &result
			}
		}(i, candidate)
	}
	wg.Wait()

	out := make([]SearchResult, 0, len(candidates))
	for _, result := range results {
		if result != nil {
			out = append(out, *result)
		}
	}
	return out, nil
}

func (s *domainSearchService) lookupCandidate(ctx context.Context, name string) (SearchResult, bool) {
	available, err := s.registrar.CheckAvailability(ctx, name)
	if err != nil {
		s.logger(ctx, "domains.search.availability_failed", map[string]any{
			"domain": name,
			"error":  err.Error(),
		})
		return SearchResult{}, false
	}
	if !available {
		return SearchResult{Domain: name, Available: false}, true
	}

	quote, err := s.registrar.GetPrice(ctx, name)
	if err != nil {
		s.logger(ctx, "domains.search.price_failed", map[string]any{
			"domain": name,
			"error":  err.Error(),
		})
		return SearchResult{}, false
	}
	return SearchResult{
		Domain:             name,
		Available:          true,
		PurchasePriceCents: quote.PurchasePriceCents,
		RenewalPriceCents:  quote.RenewalPriceCents,
		TermYears:          quote.TermYears,
	}, true
}

// expandQuery returns the candidate set: the exact name when the query already
// carries a TLD, otherwise the label joined with every candidate suffix.
func (s *domainSearchService) expandQuery(query string) ([]string, error) {
	query = domain.NormalizeDomainName(query)
	if query == "" {
		return nil, ErrSearchInvalidInput
	}

	if strings.Contains(query, ".") {
		if err := domain.ValidateDomainName(query); err != nil {
			return nil, ErrSearchInvalidInput
		}
		return []string{query}, nil
	}

	if !searchLabelPattern.MatchString(query) {
		return nil, ErrSearchInvalidInput
	}
	candidates := make([]string, 0, len(s.tlds))
	for _, tld := range s.tlds {
		candidates = append(candidates, query+"."+tld)
	}
	return candidates, nil
}

func (s *domainSearchService) translateRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return ErrSearchNotAuthorized
	}
	return ErrSearchUnavailable
}
