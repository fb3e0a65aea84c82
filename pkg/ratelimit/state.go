// Package ratelimit tracks the org-wide Salesforce API request allocation and gates requests.
// It reads the Sforce-Limit-Info response header ("api-usage=used/max") so that a long bulk
// export backs off before it exhausts the daily allocation shared by every integration of the org.
package ratelimit

import (
	"time"
)

// LimitInfoHeader is the response header carrying the org API usage.
const LimitInfoHeader = "Sforce-Limit-Info"

// Redis keys for usage state storage.
const (
	RedisKeyUsed       = "sfbulk:api_usage:used"
	RedisKeyMax        = "sfbulk:api_usage:max"
	RedisKeyLastUpdate = "sfbulk:api_usage:last_update"
)

// Default thresholds, expressed as the used share of the allocation.
const (
	// DefaultCriticalRatio blocks all requests once usage reaches this share.
	DefaultCriticalRatio = 0.95

	// DefaultWarningRatio throttles requests once usage reaches this share.
	DefaultWarningRatio = 0.80

	// HealthyRatio marks usage below this share as healthy.
	HealthyRatio = 0.50
)

// Thresholds holds the usage ratios at which the tracker throttles and blocks.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds returns the default warning and critical ratios.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  DefaultWarningRatio,
		Critical: DefaultCriticalRatio,
	}
}

// UsageState represents the last known API usage of the org.
type UsageState struct {
	// Used is the number of API requests consumed in the current 24h window.
	Used int `json:"used"`

	// Max is the allocation for the window. Zero means unknown.
	Max int `json:"max"`

	// LastUpdate is the timestamp when this state was last updated.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while usage stays below HealthyRatio.
	IsHealthy bool `json:"is_healthy"`
}

// Ratio returns the used share of the allocation, or 0 when the allocation is unknown.
func (s *UsageState) Ratio() float64 {
	if s.Max <= 0 {
		return 0
	}
	return float64(s.Used) / float64(s.Max)
}

// Remaining returns the number of requests left in the window.
func (s *UsageState) Remaining() int {
	if s.Max <= s.Used {
		return 0
	}
	return s.Max - s.Used
}

// IsStale returns true if the state data is older than the given duration.
func (s *UsageState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *UsageState) NeedsCriticalBlock(t Thresholds) bool {
	return s.Max > 0 && s.Ratio() >= t.Critical
}

// NeedsThrottling returns true if requests should be slowed down but not blocked.
func (s *UsageState) NeedsThrottling(t Thresholds) bool {
	return s.Ratio() >= t.Warning && !s.NeedsCriticalBlock(t)
}

// UpdateHealth updates the IsHealthy field based on the current ratio.
func (s *UsageState) UpdateHealth() {
	s.IsHealthy = s.Ratio() < HealthyRatio
}
