package remoteurl

import (
	"context"
	"net/http"
	"time"

	"github.com/bjonesy/fetch-remote-url/cache"
	cachekey "github.com/bjonesy/fetch-remote-url/pkg/cache-key"
	"github.com/bjonesy/fetch-remote-url/rfc9111"

	"github.com/rs/zerolog"
)

// DefaultGroup is the cache group used when none is configured.
const DefaultGroup = "fetch_remote_url"

type Config struct {
	// Storage for cache entries. An in-memory cache is used if nil.
	Cache cache.Store
	// Client for remote requests. NewHTTPClient() is used if nil.
	Client Client
	// Cache group all entries are stored under. Defaults to DefaultGroup.
	Group string
	// Identifier of the site or tenant the fetcher works for.
	// It is only used to annotate log lines.
	Tenant string
	// Logger to use. A console logger is created if nil.
	Logger *zerolog.Logger
	// Notified after every live remote request.
	Observers []Observer
	// Do not log failed remote requests.
	DisableErrorReporting bool
}

// Fetcher fetches remote URLs, caching the responses and falling back to
// previously fetched content when the origin fails.
type Fetcher struct {
	cache                 cache.Store
	client                Client
	keyer                 cachekey.Keyer
	group                 string
	tenant                string
	baseLog               zerolog.Logger
	log                   zerolog.Logger
	observers             []Observer
	disableErrorReporting bool
	now                   func() time.Time
}

// New initializes a fetcher, filling in defaults for unset configuration.
func New(config Config) *Fetcher {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	f := &Fetcher{
		cache:                 config.Cache,
		client:                config.Client,
		keyer:                 cachekey.NewKeyer(),
		group:                 config.Group,
		baseLog:               logger,
		observers:             config.Observers,
		disableErrorReporting: config.DisableErrorReporting,
		now:                   time.Now,
	}
	if f.cache == nil {
		f.cache = cache.NewMemCache()
	}
	if f.client == nil {
		f.client = NewHTTPClient()
	}
	if f.group == "" {
		f.group = DefaultGroup
	}
	f.setTenant(config.Tenant)
	return f
}

// ForTenant returns a fetcher sharing cache, client and observers with f,
// whose log lines are annotated with the given tenant.
func (f *Fetcher) ForTenant(tenant string) *Fetcher {
	clone := *f
	clone.setTenant(tenant)
	return &clone
}

func (f *Fetcher) setTenant(tenant string) {
	f.tenant = tenant
	// create a child logger and add defaults
	f.log = f.baseLog.With().
		Str("group", f.group).
		Str("tenant", tenant).
		Logger()
}

// Fetch returns the contents of url, cached for at least opts.CacheTime.
//
// A cached response is returned without contacting the origin. Otherwise at
// most one request is made. If it fails, the last successfully fetched
// content is returned, and if there is none, further requests for the same
// URL are suppressed for a minute.
//
// Fetch blocks for up to opts.Timeout; keep it low, since the caller waits
// for the remote request to finish. The boolean is false when no content
// is available. Errors are logged, never returned.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) ([]byte, bool) {
	opts = opts.normalize()
	keys, err := f.keyer.Keys(url, opts.keyArgs())
	if err != nil {
		f.log.Error().Err(err).Str("url", url).Msg("Could not create cache key")
		return nil, false
	}
	log := f.log.With().Str("url", url).Str("key", keys.Primary).Logger()

	// empty content is a valid cached value
	if content, ok := f.get(log, keys.Primary); ok {
		log.Trace().Msg("Serving from cache")
		return content, true
	}

	if opts.Timeout > recommendedTimeout {
		log.Warn().Dur("timeout", opts.Timeout).
			Msg("Using a timeout value of over 3 seconds is strongly discouraged because the caller has to wait for the remote request to finish")
	}

	var (
		res       *Response
		fetchErr  error
		attempted bool
	)
	if _, disabled := f.get(log, keys.Disable); disabled {
		log.Trace().Msg("Remote requests disabled after a recent failure")
	} else {
		attempted = true
		log.Debug().Dur("timeout", opts.Timeout).Msg("Requesting content from origin")
		res, fetchErr = getWithTimeout(ctx, f.client, url, opts.Timeout, opts.HTTP)
		if fetchErr != nil && ctx.Err() != nil {
			// the caller gave up, which says nothing about the origin
			log.Debug().Err(ctx.Err()).Msg("Remote request aborted by caller")
			attempted = false
		}
	}

	if attempted && fetchErr == nil && res.StatusCode == http.StatusOK {
		content := res.Body
		if content == nil {
			content = []byte{}
		}
		maxAge, hasMaxAge := rfc9111.ParseCacheControl(firstValue(res.Header, "Cache-Control")).MaxAge()
		cacheTime := opts.cacheTimeFor(maxAge, hasMaxAge)
		log.Trace().Dur("cacheTime", cacheTime).Msg("Writing to cache")
		f.add(log, keys.Primary, f.now().Add(cacheTime), content)
		// the backup never expires and serves as fallback when the origin fails
		f.add(log, keys.Backup, time.Time{}, content)
		f.notifySuccess(url, res)
		return content, true
	}

	if content, ok := f.get(log, keys.Backup); ok {
		if attempted {
			f.reportFailure(log, res, fetchErr)
		}
		log.Debug().Msg("Serving backup content")
		return content, true
	}

	if attempted {
		// no content at all, so do not try again for a while
		f.add(log, keys.Disable, f.now().Add(disableTime), []byte("1"))
		f.reportFailure(log, res, fetchErr)
		f.notifyError(url, res, fetchErr)
	}
	return nil, false
}

func (f *Fetcher) get(log zerolog.Logger, key string) ([]byte, bool) {
	content, ok, err := f.cache.Get(f.group, key)
	if err != nil {
		log.Warn().Err(err).Str("entry", key).Msg("Could not read from cache")
		return nil, false
	}
	return content, ok
}

func (f *Fetcher) add(log zerolog.Logger, key string, expires time.Time, content []byte) {
	added, err := f.cache.Add(f.group, key, expires, content)
	if err != nil {
		log.Warn().Err(err).Str("entry", key).Msg("Could not write to cache")
		return
	}
	if !added {
		log.Trace().Str("entry", key).Msg("Entry already cached, not overwriting")
	}
}

// reportFailure logs why a remote request failed, unless disabled.
func (f *Fetcher) reportFailure(log zerolog.Logger, res *Response, err error) {
	if f.disableErrorReporting {
		return
	}
	if res != nil {
		log.Error().
			Int("status", res.StatusCode).
			Interface("headers", res.Header).
			Msg("Remote request failed")
		return
	}
	log.Error().Err(err).Msg("Remote request failed")
}

// firstValue returns the first value of the header as a slice,
// or nil if the header is not set.
func firstValue(header http.Header, name string) []string {
	if v := header.Values(name); len(v) > 0 {
		return v[:1]
	}
	return nil
}
