// Package client provides the HTTP transport used to talk to the Salesforce REST and
// Bulk APIs, with request pacing, org API-usage gating, retries, and metadata caching.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/sf-bulk-client/pkg/cache"
	"github.com/Sternrassler/sf-bulk-client/pkg/logging"
	"github.com/Sternrassler/sf-bulk-client/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbulk_requests_total",
		Help: "Total Salesforce requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sfbulk_request_duration_seconds",
		Help:    "Salesforce request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbulk_errors_total",
		Help: "Total Salesforce request errors by class",
	}, []string{"class"})
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the Salesforce transport client.
type Client struct {
	httpClient *http.Client
	pacer      *rate.Limiter
	usage      *ratelimit.Tracker
	cache      *cache.Manager
	retry      retryPolicy
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// Redis client for the metadata cache and shared API usage state.
	// Optional: nil keeps usage state in memory and disables caching.
	Redis *redis.Client

	// User-Agent header sent with every request
	UserAgent string

	// Pacing
	RateLimit int // Requests per second, 0 = unpaced
	Burst     int // Pacer burst, defaults to RateLimit

	// Org API usage gate, as percent of the daily allocation
	UsageWarnPercent  int // Throttle from this share
	UsageBlockPercent int // Block from this share

	// Caching
	CacheTTL time.Duration // Fallback TTL for cached metadata without an Expires header

	// Transport
	Timeout time.Duration

	// Retry overrides; zero keeps the per-class defaults
	MaxRetries     int
	InitialBackoff time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		Redis:             redis,
		UserAgent:         userAgent,
		RateLimit:         20,
		UsageWarnPercent:  80,
		UsageBlockPercent: 95,
		CacheTTL:          cache.DefaultTTL,
		Timeout:           2 * time.Minute,
	}
}

// New creates a new transport client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.UsageBlockPercent <= 0 || cfg.UsageBlockPercent > 100 {
		return nil, fmt.Errorf("usage_block_percent must be in (0,100] (got %d)", cfg.UsageBlockPercent)
	}

	if cfg.UsageWarnPercent < 0 || cfg.UsageWarnPercent > cfg.UsageBlockPercent {
		return nil, fmt.Errorf("usage_warn_percent must be in [0,%d] (got %d)", cfg.UsageBlockPercent, cfg.UsageWarnPercent)
	}

	if cfg.RateLimit < 0 {
		return nil, fmt.Errorf("rate_limit must be >= 0 (got %d)", cfg.RateLimit)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	logger := logging.NewLogger(logging.ComponentTransport)

	thresholds := ratelimit.Thresholds{
		Warning:  float64(cfg.UsageWarnPercent) / 100,
		Critical: float64(cfg.UsageBlockPercent) / 100,
	}
	if cfg.UsageWarnPercent == 0 {
		// No warning band: throttling starts where blocking starts.
		thresholds.Warning = thresholds.Critical
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		usage:  ratelimit.NewTracker(cfg.Redis, logger, thresholds),
		retry:  retryOverrides(cfg.MaxRetries, cfg.InitialBackoff),
		config: cfg,
		logger: logger,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RateLimit
		}
		c.pacer = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

// retryOverrides applies the configured attempt count and initial backoff on top of the per-class defaults.
func retryOverrides(maxRetries int, initialBackoff time.Duration) retryPolicy {
	return func(class ErrorClass) RetryConfig {
		cfg := RetryConfigForErrorClass(class)
		if maxRetries > 0 {
			cfg.MaxAttempts = maxRetries
		}
		if initialBackoff > 0 {
			cfg.InitialBackoff = initialBackoff
			if cfg.MaxBackoff < initialBackoff {
				cfg.MaxBackoff = initialBackoff
			}
		}
		return cfg
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, header, false)
}

// Post performs a POST request with the given body.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, header http.Header) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, body, header, false)
}

// GetCached performs a GET request through the metadata cache.
// Without Redis it behaves like Get.
func (c *Client) GetCached(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil, header, true)
}

// do performs a request with pacing, usage gating, caching, and error handling.
// This is the core request method that orchestrates all transport features.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, header http.Header, cacheable bool) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Client-side pacing
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for request slot: %w", err)
		}
	}

	// Step 2: Org API usage gate
	allowed, err := c.usage.ShouldAllowRequest(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("API usage check failed")
		return nil, fmt.Errorf("api usage check: %w", err)
	}
	if !allowed {
		c.logger.Warn().
			Str("method", method).
			Str("path", u.Path).
			Msg("Request blocked by API usage gate")
		requestsTotal.WithLabelValues(method, "blocked").Inc()
		return nil, ErrRequestBlocked
	}

	// Step 3: Cache lookup
	var (
		cacheKey cache.CacheKey
		cached   *cache.CacheEntry
	)
	if cacheable && c.cache != nil {
		cacheKey = cache.KeyFromURL(u)
		cached, err = c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", u.Path).Msg("Cache get error")
		}
	}

	// Step 4: Execute with retry
	var (
		resp     *Response
		errClass ErrorClass
	)

	retryErr := retryWithBackoff(ctx, c.logger, c.retry, func() error {
		req, err := c.newRequest(ctx, method, u, body, header)
		if err != nil {
			errClass = ""
			return err
		}

		if cached.Revalidatable() {
			for name, values := range cached.Validators() {
				req.Header[name] = values
			}
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("path", u.Path).
				Str("etag", cached.ETag).
				Msg("Making conditional request")
		}

		c.logger.Debug().
			Str("method", method).
			Str("path", u.Path).
			Msg("Executing request")

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				errClass = ""
				return err
			}
			c.logger.Error().Err(err).Str("path", u.Path).Msg("HTTP request failed")
			errClass = ErrorClassNetwork
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			return err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			errClass = ErrorClassNetwork
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			return fmt.Errorf("read response body: %w", err)
		}

		// Step 5: Update API usage from headers
		if err := c.usage.UpdateFromHeaders(ctx, httpResp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update API usage from headers")
		}

		requestsTotal.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()

		resp = &Response{
			StatusCode: httpResp.StatusCode,
			Header:     httpResp.Header,
			Body:       data,
		}

		if httpResp.StatusCode == http.StatusNotModified || (httpResp.StatusCode >= 200 && httpResp.StatusCode < 300) {
			return nil
		}

		errClass = classifyStatus(httpResp.StatusCode)
		errorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("method", method).
			Str("path", u.Path).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Salesforce request error")

		return &HTTPError{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Header:     httpResp.Header,
			Body:       data,
			Class:      errClass,
		}
	}, func(error) ErrorClass {
		return retryClassFor(method, errClass)
	})

	if retryErr != nil {
		return nil, retryErr
	}

	// Step 6: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		c.logger.Debug().Str("path", u.Path).Msg("304 Not Modified - using cache")

		if _, err := c.cache.Revalidate(ctx, cacheKey, cached, resp.Header, c.config.CacheTTL); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to revalidate cache entry")
		}

		return &Response{
			StatusCode: cached.StatusCode,
			Header:     cached.Headers,
			Body:       cached.Data,
		}, nil
	}

	// Step 7: Update cache on success
	if cacheable && c.cache != nil && resp.StatusCode == http.StatusOK {
		entry := cache.NewEntry(resp.StatusCode, resp.Header, resp.Body, c.config.CacheTTL)
		if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to cache response")
		} else {
			c.logger.Debug().
				Str("path", u.Path).
				Dur("ttl", entry.TTL()).
				Msg("Cached response")
		}
	}

	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method string, u *url.URL, body []byte, header http.Header) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	return req, nil
}

// Usage returns the last known org API usage.
func (c *Client) Usage(ctx context.Context) (*ratelimit.UsageState, error) {
	return c.usage.GetState(ctx)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil without Redis (for testing).
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
