package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API usage tracking.
var (
	apiUsageRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sfbulk_api_usage_ratio",
		Help: "Share of the org API request allocation consumed in the current window",
	})

	apiUsageBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfbulk_api_usage_blocks_total",
		Help: "Total number of requests blocked because API usage is critical",
	})

	apiUsageThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sfbulk_api_usage_throttles_total",
		Help: "Total number of requests throttled because API usage is above the warning ratio",
	})
)

// ErrInvalidLimitInfo is returned when the Sforce-Limit-Info header cannot be parsed.
var ErrInvalidLimitInfo = errors.New("invalid Sforce-Limit-Info header")

// Throttle is the pause applied to a request while usage is in the warning band.
const Throttle = 1 * time.Second

// Tracker monitors the org API usage and gates requests.
// State is shared through Redis when a client is configured, otherwise it lives in memory.
type Tracker struct {
	redis      *redis.Client
	logger     zerolog.Logger
	thresholds Thresholds
	throttle   time.Duration

	mu    sync.RWMutex
	local *UsageState
}

// NewTracker creates a new usage tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger, thresholds Thresholds) *Tracker {
	if thresholds.Critical <= 0 {
		thresholds = DefaultThresholds()
	}
	return &Tracker{
		redis:      redisClient,
		logger:     logger,
		thresholds: thresholds,
		throttle:   Throttle,
	}
}

// SetThrottle overrides the warning-band pause (for testing).
func (t *Tracker) SetThrottle(d time.Duration) {
	t.throttle = d
}

// ParseLimitInfo extracts the api-usage pair from a Sforce-Limit-Info header value,
// e.g. "api-usage=25/15000". ok is false when the header carries no api-usage entry.
func ParseLimitInfo(value string) (used, limit int, ok bool, err error) {
	for _, part := range strings.Split(value, ",") {
		name, usage, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || name != "api-usage" {
			continue
		}
		usedStr, limitStr, found := strings.Cut(usage, "/")
		if !found {
			return 0, 0, false, fmt.Errorf("%w: %q", ErrInvalidLimitInfo, value)
		}
		if used, err = strconv.Atoi(usedStr); err != nil {
			return 0, 0, false, fmt.Errorf("%w: used: %v", ErrInvalidLimitInfo, err)
		}
		if limit, err = strconv.Atoi(limitStr); err != nil {
			return 0, 0, false, fmt.Errorf("%w: limit: %v", ErrInvalidLimitInfo, err)
		}
		return used, limit, true, nil
	}
	return 0, 0, false, nil
}

// GetState retrieves the current usage state.
// Returns a default healthy state if nothing has been recorded yet.
func (t *Tracker) GetState(ctx context.Context) (*UsageState, error) {
	if t.redis == nil {
		t.mu.RLock()
		defer t.mu.RUnlock()
		if t.local == nil {
			return defaultState(), nil
		}
		state := *t.local
		return &state, nil
	}

	used, err := t.redis.Get(ctx, RedisKeyUsed).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get api usage: %w", err)
	}
	if err == redis.Nil {
		t.logger.Debug().Msg("No API usage state in Redis, returning default healthy state")
		return defaultState(), nil
	}

	limit, err := t.redis.Get(ctx, RedisKeyMax).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get api allocation: %w", err)
	}

	lastUpdateStr, err := t.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := &UsageState{
		Used:       used,
		Max:        limit,
		LastUpdate: lastUpdate,
	}
	state.UpdateHealth()

	return state, nil
}

func defaultState() *UsageState {
	return &UsageState{
		LastUpdate: time.Now(),
		IsHealthy:  true,
	}
}

// UpdateFromHeaders parses the Sforce-Limit-Info header and stores the new usage state.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	value := headers.Get(LimitInfoHeader)
	if value == "" {
		// Not every endpoint reports usage.
		return nil
	}

	used, limit, ok, err := ParseLimitInfo(value)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	state := &UsageState{
		Used:       used,
		Max:        limit,
		LastUpdate: time.Now(),
	}
	state.UpdateHealth()

	if err := t.store(ctx, state); err != nil {
		return err
	}

	apiUsageRatio.Set(state.Ratio())

	event := t.logger.Debug()
	msg := "API usage state updated"
	switch {
	case state.NeedsCriticalBlock(t.thresholds):
		event = t.logger.Error()
		msg = "API usage CRITICAL - requests will be blocked"
	case state.NeedsThrottling(t.thresholds):
		event = t.logger.Warn()
		msg = "API usage WARNING - requests will be throttled"
	}
	event.
		Str("api_usage", fmt.Sprintf("%d/%d", used, limit)).
		Bool("is_healthy", state.IsHealthy).
		Msg(msg)

	return nil
}

func (t *Tracker) store(ctx context.Context, state *UsageState) error {
	if t.redis == nil {
		t.mu.Lock()
		t.local = state
		t.mu.Unlock()
		return nil
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyUsed, state.Used, 0)
	pipe.Set(ctx, RedisKeyMax, state.Max, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store api usage in redis: %w", err)
	}
	return nil
}

// ShouldAllowRequest checks if a request should be allowed based on the current usage.
// Returns false if the request must be blocked. In the warning band it pauses before allowing.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get api usage state: %w", err)
	}

	if state.NeedsCriticalBlock(t.thresholds) {
		t.logger.Error().
			Int("used", state.Used).
			Int("max", state.Max).
			Msg("API usage critical - blocking request")

		apiUsageBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling(t.thresholds) {
		t.logger.Warn().
			Int("remaining", state.Remaining()).
			Dur("pause", t.throttle).
			Msg("API usage warning - throttling request")

		apiUsageThrottlesTotal.Inc()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(t.throttle):
		}
	}

	return true, nil
}
