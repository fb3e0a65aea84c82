package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey represents a unique identifier for a cached response.
type CacheKey struct {
	// Instance is the org instance host (e.g. "acme.my.salesforce.com")
	Instance string

	// Path is the request path (e.g. "/services/data/v52.0/sobjects/Account/describe")
	Path string

	// QueryParams are the query parameters
	QueryParams url.Values
}

// String generates a deterministic cache key string.
// Format: sfbulk:cache:instance:path:query1=val1:query2=val2
//
// Example:
//
//	sfbulk:cache:acme.my.salesforce.com:services/data/v52.0/sobjects
func (k CacheKey) String() string {
	parts := []string{"sfbulk", "cache"}

	if k.Instance != "" {
		parts = append(parts, strings.ToLower(k.Instance))
	}

	path := strings.Trim(k.Path, "/")
	if path != "" {
		parts = append(parts, path)
	}

	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, k.QueryParams.Get(key)))
		}
	}

	return strings.Join(parts, ":")
}

// KeyFromURL builds a CacheKey from an absolute request URL.
func KeyFromURL(u *url.URL) CacheKey {
	return CacheKey{
		Instance:    u.Host,
		Path:        u.Path,
		QueryParams: u.Query(),
	}
}

// InstancePattern is the SCAN pattern matching every key stored for an instance host.
func InstancePattern(instance string) string {
	return "sfbulk:cache:" + strings.ToLower(instance) + ":*"
}
