package pagination

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/sf-bulk-client/pkg/client"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var resultPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sfbulk_result_pages_total",
	Help: "Total number of result pages delivered to consumers",
})

// LocatorHeader carries the cursor of the next result page.
const LocatorHeader = "Sforce-Locator"

// DefaultPageSize is the maxRecords value sent with every result request.
const DefaultPageSize = 50000

// IsTerminal reports whether a locator value marks the end of the result set.
func IsTerminal(locator string) bool {
	return locator == "" || locator == "NA" || locator == "null"
}

// Config holds paginator configuration
type Config struct {
	// PageSize is the maxRecords query parameter
	PageSize int
	// Timeout per page fetch, 0 disables it
	Timeout time.Duration
	// ProgressEvery logs progress at Info every N pages
	ProgressEvery int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		PageSize:      DefaultPageSize,
		Timeout:       5 * time.Minute,
		ProgressEvery: 20,
	}
}

// Getter performs a GET request
type Getter interface {
	Get(ctx context.Context, url string, header http.Header) (*client.Response, error)
}

// HeaderSource supplies the request headers, read fresh for every page
type HeaderSource interface {
	Headers() http.Header
}

// Page is one page of results as returned by the server
type Page struct {
	// Number counts pages from 0
	Number int
	// Locator is the cursor that requested this page, empty for the first page
	Locator    string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NextLocator returns the cursor announced by this page.
func (p Page) NextLocator() string {
	return p.Header.Get(LocatorHeader)
}

// PageHandler receives pages in order
type PageHandler interface {
	Handle(ctx context.Context, page Page) error
}

// HandlerFunc adapts a function to PageHandler
type HandlerFunc func(ctx context.Context, page Page) error

// Handle calls f(ctx, page)
func (f HandlerFunc) Handle(ctx context.Context, page Page) error {
	return f(ctx, page)
}

// Paginator fetches all pages of a result set sequentially
type Paginator struct {
	getter  Getter
	headers HeaderSource
	config  Config
	logger  zerolog.Logger
}

// NewPaginator creates a new paginator
func NewPaginator(getter Getter, headers HeaderSource, config Config) *Paginator {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 20
	}

	return &Paginator{
		getter:  getter,
		headers: headers,
		config:  config,
		logger:  logging.NewLogger(logging.ComponentPaginator),
	}
}

// WithLogger returns a copy of the paginator that logs to logger
func (p *Paginator) WithLogger(logger zerolog.Logger) *Paginator {
	cp := *p
	cp.logger = logger
	return &cp
}

// PageSize returns the configured maxRecords value
func (p *Paginator) PageSize() int {
	return p.config.PageSize
}

// Fetch walks the result set at resultURL and hands every page to h.
// Returns the number of pages delivered.
func (p *Paginator) Fetch(ctx context.Context, resultURL string, h PageHandler) (int, error) {
	start := time.Now()
	pages := 0
	locator := ""

	for {
		page, err := p.fetchPage(ctx, resultURL, pages, locator)
		if err != nil {
			return pages, fmt.Errorf("fetch page %d: %w", pages, err)
		}

		if err := h.Handle(ctx, page); err != nil {
			return pages, fmt.Errorf("handle page %d: %w", pages, err)
		}
		pages++
		resultPagesTotal.Inc()

		next := page.NextLocator()

		p.logger.Debug().
			Int("page", page.Number).
			Str("locator", next).
			Int("bytes", len(page.Body)).
			Msg("Result page handled")

		if pages%p.config.ProgressEvery == 0 {
			p.logger.Info().
				Int("pages", pages).
				Dur("elapsed", time.Since(start)).
				Msg("Fetch progress")
		}

		if IsTerminal(next) {
			break
		}
		locator = next
	}

	p.logger.Info().
		Int("pages", pages).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return pages, nil
}

func (p *Paginator) fetchPage(ctx context.Context, resultURL string, number int, locator string) (Page, error) {
	u, err := url.Parse(resultURL)
	if err != nil {
		return Page{}, fmt.Errorf("parse result url: %w", err)
	}
	q := u.Query()
	if locator != "" {
		q.Set("locator", locator)
	}
	q.Set("maxRecords", strconv.Itoa(p.config.PageSize))
	u.RawQuery = q.Encode()

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	var header http.Header
	if p.headers != nil {
		header = p.headers.Headers()
	}

	resp, err := p.getter.Get(ctx, u.String(), header)
	if err != nil {
		return Page{}, err
	}

	return Page{
		Number:     number,
		Locator:    locator,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
