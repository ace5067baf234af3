package remoteurl

import (
	"time"
)

const (
	DefaultTimeout   = 3 * time.Second
	DefaultCacheTime = 900 * time.Second

	minTimeout = time.Second
	maxTimeout = 10 * time.Second
	// Timeouts above this block page generation for too long.
	recommendedTimeout = 3 * time.Second

	minCacheTime = 60 * time.Second
	// How long live requests are suppressed after a failed request without backup.
	disableTime = 60 * time.Second
)

// Options controls a single fetch.
// The zero value fetches with the default timeout and cache time,
// and honors the origin's Cache-Control max-age.
type Options struct {
	// Timeout of the remote request. Valid values are 1-10 seconds,
	// anything outside the range is clamped. Defaults to 3 seconds.
	Timeout time.Duration
	// Minimum time to cache the response. Values below a minute are raised
	// to a minute. Defaults to 15 minutes.
	CacheTime time.Duration
	// Do not extend the cache time with the "max-age" of the response.
	IgnoreCacheControlHeader bool
	// Passed through to the HTTP client.
	HTTP ClientOptions
}

// ClientOptions are passed through to the HTTP client.
// They are part of the cache key, so requests differing only in these
// options are cached separately.
type ClientOptions struct {
	Headers   map[string]string `json:"headers,omitempty"`
	UserAgent string            `json:"user-agent,omitempty"`
	// Maximum number of redirects to follow. Zero uses the client default.
	MaxRedirects int `json:"redirection,omitempty"`
	// Maximum number of body bytes to read. Zero means unlimited.
	LimitResponseSize int64 `json:"limit_response_size,omitempty"`
}

// normalize returns the options with defaults applied and values clamped.
func (o Options) normalize() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	o.Timeout = o.Timeout.Truncate(time.Second)
	if o.Timeout < minTimeout {
		o.Timeout = minTimeout
	}
	if o.Timeout > maxTimeout {
		o.Timeout = maxTimeout
	}
	if o.CacheTime == 0 {
		o.CacheTime = DefaultCacheTime
	}
	return o
}

// keyArgs are the arguments that identify a request in the cache.
func (o Options) keyArgs() map[string]any {
	return map[string]any{
		"obey_cache_control_header": !o.IgnoreCacheControlHeader,
		"http_client_options":       o.HTTP,
	}
}

// cacheTimeFor negotiates the final cache time for a response carrying the
// given Cache-Control max-age. max-age may only extend the requested time.
func (o Options) cacheTimeFor(maxAge time.Duration, hasMaxAge bool) time.Duration {
	cacheTime := o.CacheTime
	if !o.IgnoreCacheControlHeader && hasMaxAge && maxAge > cacheTime {
		cacheTime = maxAge
	}
	cacheTime = cacheTime.Truncate(time.Second)
	if cacheTime < minCacheTime {
		cacheTime = minCacheTime
	}
	return cacheTime
}
