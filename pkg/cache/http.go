package cache

import (
	"net/http"
	"time"
)

// DefaultTTL applies to responses without a usable Expires header.
const DefaultTTL = 5 * time.Minute

// Conditional request headers.
const (
	HeaderIfNoneMatch     = "If-None-Match"
	HeaderIfModifiedSince = "If-Modified-Since"
)

// parseExpires returns the expiry announced by the Expires header, clamped to now.
// A missing or unparsable header yields now + fallback.
func parseExpires(headers http.Header, fallback time.Duration) time.Time {
	now := time.Now()
	expires, err := http.ParseTime(headers.Get("Expires"))
	switch {
	case err != nil:
		return now.Add(fallback)
	case expires.Before(now):
		return now
	default:
		return expires
	}
}

// Validators returns the headers that revalidate the entry with the org:
// If-None-Match when an ETag was stored, otherwise If-Modified-Since.
// The result is empty for a nil entry or one without validators.
func (e *CacheEntry) Validators() http.Header {
	h := http.Header{}
	switch {
	case e == nil:
	case e.ETag != "":
		h.Set(HeaderIfNoneMatch, e.ETag)
	case !e.LastModified.IsZero():
		h.Set(HeaderIfModifiedSince, e.LastModified.UTC().Format(http.TimeFormat))
	}
	return h
}

// Revalidatable reports whether a conditional request can be made for the entry.
func (e *CacheEntry) Revalidatable() bool {
	return len(e.Validators()) > 0
}
