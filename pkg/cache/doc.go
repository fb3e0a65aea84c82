// Package cache provides a Redis-backed response cache for Salesforce metadata endpoints.
//
// Schema introspection (the sObject list and per-object describe) is requested once per
// export object and changes rarely, so those responses are cached and revalidated with
// conditional requests:
//
//   - Entries live in Redis with a TTL taken from the Expires header, or DefaultTTL
//   - ETag enables If-None-Match, Last-Modified enables If-Modified-Since
//   - A 304 Not Modified refreshes the TTL and serves the cached body
//   - Keys are scoped by instance host so several orgs can share one Redis
//
// Bulk job status and result pages are never cached.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Instance: "acme.my.salesforce.com",
//		Path:     "/services/data/v52.0/sobjects/Account/describe",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch, then manager.Set(ctx, key, cache.NewEntry(status, header, body, cache.DefaultTTL))
//	}
//
// # Metrics
//
//   - sfbulk_cache_hits_total
//   - sfbulk_cache_misses_total
//   - sfbulk_cache_size_bytes
//   - sfbulk_304_responses_total
//   - sfbulk_conditional_requests_total
//   - sfbulk_cache_errors_total{operation}
package cache
