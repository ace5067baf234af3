package remoteurl

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bjonesy/fetch-remote-url/cache"
	cachekey "github.com/bjonesy/fetch-remote-url/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "https://example.com/a.json"

// fakeClient returns the queued results in order, repeating the last one.
type fakeClient struct {
	mu      sync.Mutex
	results []fakeResult
	calls   int
	opts    []ClientOptions
}

type fakeResult struct {
	res *Response
	err error
}

func (c *fakeClient) Get(ctx context.Context, url string, opts ClientOptions) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.opts = append(c.opts, opts)
	i := c.calls - 1
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i].res, c.results[i].err
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func ok(body string, header ...string) fakeResult {
	h := http.Header{}
	for i := 0; i+1 < len(header); i += 2 {
		h.Add(header[i], header[i+1])
	}
	return fakeResult{res: &Response{StatusCode: http.StatusOK, Header: h, Body: []byte(body)}}
}

func status(code int) fakeResult {
	return fakeResult{res: &Response{StatusCode: code, Header: http.Header{"X-Test": {"yes"}}}}
}

func transportError() fakeResult {
	return fakeResult{err: errors.New("connection refused")}
}

// recordingStore remembers the expiration of every successful Add.
type recordingStore struct {
	cache.MemCache
	mu      sync.Mutex
	expires map[string]time.Time
}

func (s *recordingStore) Add(group, key string, expires time.Time, b []byte) (bool, error) {
	added, err := s.MemCache.Add(group, key, expires, b)
	if added {
		s.mu.Lock()
		s.expires[key] = expires
		s.mu.Unlock()
	}
	return added, err
}

type testEnv struct {
	fetcher *Fetcher
	client  *fakeClient
	store   *recordingStore
	now     time.Time
	logs    *bytes.Buffer
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func (e *testEnv) keys(t *testing.T, opts Options) cachekey.Keys {
	t.Helper()
	keys, err := cachekey.NewKeyer().Keys(testURL, opts.normalize().keyArgs())
	require.NoError(t, err)
	return keys
}

func (e *testEnv) ttl(t *testing.T, key string) time.Duration {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	exp, ok := e.store.expires[key]
	require.True(t, ok, "entry %s not written", key)
	if exp.IsZero() {
		return 0
	}
	return exp.Sub(e.now)
}

func (e *testEnv) has(t *testing.T, key string) bool {
	t.Helper()
	_, ok, err := e.store.Get(DefaultGroup, key)
	require.NoError(t, err)
	return ok
}

func newTestEnv(t *testing.T, config Config, results ...fakeResult) *testEnv {
	t.Helper()
	env := &testEnv{
		client: &fakeClient{results: results},
		now:    time.Unix(1700000000, 0),
		logs:   &bytes.Buffer{},
	}
	clock := func() time.Time { return env.now }
	env.store = &recordingStore{
		MemCache: cache.NewMemCache().WithClock(clock),
		expires:  map[string]time.Time{},
	}
	logger := zerolog.New(env.logs).Level(zerolog.TraceLevel)
	config.Cache = env.store
	config.Client = env.client
	config.Logger = &logger
	env.fetcher = New(config)
	env.fetcher.now = clock
	return env
}

func TestSuccessPopulatesPrimaryAndBackup(t *testing.T) {
	env := newTestEnv(t, Config{}, ok(`{"x":1}`, "Cache-Control", "max-age=120"))

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	require.True(t, found)
	assert.Equal(t, `{"x":1}`, string(content))
	keys := env.keys(t, Options{})
	// max-age below the requested time does not shorten it
	assert.Equal(t, 900*time.Second, env.ttl(t, keys.Primary))
	assert.Equal(t, time.Duration(0), env.ttl(t, keys.Backup))
	assert.False(t, env.has(t, keys.Disable))
}

func TestSecondCallServedFromCache(t *testing.T) {
	env := newTestEnv(t, Config{}, ok(`{"x":1}`, "Cache-Control", "max-age=120"))

	env.fetcher.Fetch(context.Background(), testURL, Options{})
	env.advance(10 * time.Minute)
	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	require.True(t, found)
	assert.Equal(t, `{"x":1}`, string(content))
	assert.Equal(t, 1, env.client.callCount())
}

func TestCacheHitMakesNoRequest(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("live"))
	keys := env.keys(t, Options{})
	_, err := env.store.Add(DefaultGroup, keys.Primary, time.Time{}, []byte("cached"))
	require.NoError(t, err)

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.True(t, found)
	assert.Equal(t, "cached", string(content))
	assert.Equal(t, 0, env.client.callCount())
}

func TestCachedEmptyContentIsAHit(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("live"))
	keys := env.keys(t, Options{})
	_, err := env.store.Add(DefaultGroup, keys.Primary, time.Time{}, []byte{})
	require.NoError(t, err)

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.True(t, found)
	assert.Empty(t, content)
	assert.Equal(t, 0, env.client.callCount())
}

func TestMaxAgeExtendsCacheTime(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body", "Cache-Control", "public, max-age=3600"))

	env.fetcher.Fetch(context.Background(), testURL, Options{CacheTime: 900 * time.Second})

	assert.Equal(t, time.Hour, env.ttl(t, env.keys(t, Options{}).Primary))
}

func TestMaxAgeIgnoredWhenRequested(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body", "Cache-Control", "max-age=3600"))
	opts := Options{IgnoreCacheControlHeader: true}

	env.fetcher.Fetch(context.Background(), testURL, opts)

	assert.Equal(t, 900*time.Second, env.ttl(t, env.keys(t, opts).Primary))
}

func TestOnlyFirstCacheControlHeaderIsUsed(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body",
		"Cache-Control", "no-transform",
		"Cache-Control", "max-age=3600"))

	env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.Equal(t, 900*time.Second, env.ttl(t, env.keys(t, Options{}).Primary))
}

func TestCacheTimeFloor(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body", "Cache-Control", "max-age=30"))
	opts := Options{CacheTime: 10 * time.Second}

	env.fetcher.Fetch(context.Background(), testURL, opts)

	assert.Equal(t, time.Minute, env.ttl(t, env.keys(t, opts).Primary))
}

func TestFailureServesBackup(t *testing.T) {
	for name, failure := range map[string]fakeResult{
		"transport error": transportError(),
		"server error":    status(http.StatusInternalServerError),
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, ok("good"), failure)
			env.fetcher.Fetch(context.Background(), testURL, Options{})
			env.advance(16 * time.Minute)

			content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

			require.True(t, found)
			assert.Equal(t, "good", string(content))
			assert.Equal(t, 2, env.client.callCount())
			assert.False(t, env.has(t, env.keys(t, Options{}).Disable))
			assert.Contains(t, env.logs.String(), "Remote request failed")
		})
	}
}

func TestFailureWithoutBackupSuppressesRequests(t *testing.T) {
	var errorEvents int
	env := newTestEnv(t, Config{
		Observers: []Observer{ObserverFuncs{
			Error: func(url string, res *Response, err error) {
				errorEvents++
				assert.Equal(t, testURL, url)
				assert.Nil(t, res)
				assert.Error(t, err)
			},
		}},
	}, transportError())

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})
	assert.False(t, found)
	assert.Nil(t, content)
	assert.Equal(t, 1, env.client.callCount())
	assert.Equal(t, 1, errorEvents)
	keys := env.keys(t, Options{})
	assert.Equal(t, time.Minute, env.ttl(t, keys.Disable))

	env.advance(30 * time.Second)
	content, found = env.fetcher.Fetch(context.Background(), testURL, Options{})
	assert.False(t, found)
	assert.Nil(t, content)
	assert.Equal(t, 1, env.client.callCount(), "suppressed call must not reach the origin")
	assert.Equal(t, 1, errorEvents, "suppressed call must not notify")

	env.advance(30 * time.Second)
	env.fetcher.Fetch(context.Background(), testURL, Options{})
	assert.Equal(t, 2, env.client.callCount(), "suppression lasts one minute")
}

func TestNonOKWithoutBackupSuppressesRequests(t *testing.T) {
	var gotStatus int
	env := newTestEnv(t, Config{
		Observers: []Observer{ObserverFuncs{
			Error: func(url string, res *Response, err error) {
				gotStatus = res.StatusCode
				assert.NoError(t, err)
			},
		}},
	}, status(http.StatusNotFound))

	_, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.False(t, found)
	assert.Equal(t, http.StatusNotFound, gotStatus)
	assert.True(t, env.has(t, env.keys(t, Options{}).Disable))
	assert.Contains(t, env.logs.String(), `"status":404`)
}

func TestCallerAbortDoesNotSuppressRequests(t *testing.T) {
	var errorEvents int
	env := newTestEnv(t, Config{
		Observers: []Observer{ObserverFuncs{
			Error: func(url string, res *Response, err error) { errorEvents++ },
		}},
	}, fakeResult{err: context.Canceled}, ok("live"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, found := env.fetcher.Fetch(ctx, testURL, Options{})
	assert.False(t, found)
	assert.False(t, env.has(t, env.keys(t, Options{}).Disable))
	assert.Equal(t, 0, errorEvents)
	assert.NotContains(t, env.logs.String(), "Remote request failed")

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})
	assert.True(t, found)
	assert.Equal(t, "live", string(content))
	assert.Equal(t, 2, env.client.callCount())
}

func TestCallerAbortServesBackup(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("old"), fakeResult{err: context.DeadlineExceeded})
	env.fetcher.Fetch(context.Background(), testURL, Options{})
	env.advance(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	content, found := env.fetcher.Fetch(ctx, testURL, Options{})

	assert.True(t, found)
	assert.Equal(t, "old", string(content))
	assert.NotContains(t, env.logs.String(), "Remote request failed")
}

func TestModifyingContentDoesNotChangeCache(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("hello"), transportError())

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})
	require.True(t, found)
	content[0] = 'J'

	content, found = env.fetcher.Fetch(context.Background(), testURL, Options{})
	require.True(t, found)
	assert.Equal(t, "hello", string(content))
	content[0] = 'J'

	// the backup is untouched as well
	env.advance(time.Hour)
	content, found = env.fetcher.Fetch(context.Background(), testURL, Options{})
	assert.True(t, found)
	assert.Equal(t, "hello", string(content))
	assert.Equal(t, 2, env.client.callCount())
}

func TestSuccessNotifiesObservers(t *testing.T) {
	var urls []string
	env := newTestEnv(t, Config{
		Observers: []Observer{
			ObserverFuncs{Success: func(url string, res *Response) { panic("broken observer") }},
			ObserverFuncs{Success: func(url string, res *Response) {
				urls = append(urls, url)
				assert.Equal(t, "body", string(res.Body))
			}},
		},
	}, ok("body"))

	content, found := env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.True(t, found)
	assert.Equal(t, "body", string(content))
	assert.Equal(t, []string{testURL}, urls)
	assert.Contains(t, env.logs.String(), "Panic in remote request observer")
}

func TestErrorReportingCanBeDisabled(t *testing.T) {
	env := newTestEnv(t, Config{DisableErrorReporting: true}, transportError())

	env.fetcher.Fetch(context.Background(), testURL, Options{})

	assert.NotContains(t, env.logs.String(), "Remote request failed")
	assert.True(t, env.has(t, env.keys(t, Options{}).Disable))
}

func TestFailureLogIncludesTenant(t *testing.T) {
	env := newTestEnv(t, Config{Tenant: "blog-1"}, transportError())

	env.fetcher.ForTenant("blog-42").Fetch(context.Background(), testURL, Options{})

	assert.Contains(t, env.logs.String(), `"tenant":"blog-42"`)
	assert.Contains(t, env.logs.String(), "connection refused")
}

func TestClientOptionsArePartOfKey(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body"))
	withHeader := Options{HTTP: ClientOptions{Headers: map[string]string{"Accept": "application/json"}}}

	env.fetcher.Fetch(context.Background(), testURL, Options{})
	env.fetcher.Fetch(context.Background(), testURL, withHeader)
	env.fetcher.Fetch(context.Background(), testURL, withHeader)

	assert.Equal(t, 2, env.client.callCount())
	assert.Equal(t, "application/json", env.client.opts[1].Headers["Accept"])
}

func TestTimeoutAndCacheTimeAreNotPartOfKey(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body"))

	env.fetcher.Fetch(context.Background(), testURL, Options{})
	env.fetcher.Fetch(context.Background(), testURL, Options{Timeout: time.Second, CacheTime: time.Hour})

	assert.Equal(t, 1, env.client.callCount())
}

func TestLongTimeoutWarns(t *testing.T) {
	env := newTestEnv(t, Config{}, ok("body"))

	env.fetcher.Fetch(context.Background(), testURL, Options{Timeout: 5 * time.Second})

	assert.Contains(t, env.logs.String(), "strongly discouraged")
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(group, key string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (failingStore) Add(group, key string, expires time.Time, b []byte) (bool, error) {
	return false, errors.New("store down")
}

func TestStoreErrorsDegradeToLiveRequests(t *testing.T) {
	client := &fakeClient{results: []fakeResult{ok("body")}}
	logger := zerolog.Nop()
	f := New(Config{Cache: failingStore{}, Client: client, Logger: &logger})

	for i := 0; i < 2; i++ {
		content, found := f.Fetch(context.Background(), testURL, Options{})
		assert.True(t, found)
		assert.Equal(t, "body", string(content))
	}
	assert.Equal(t, 2, client.callCount())
}

func TestNormalizeOptions(t *testing.T) {
	tests := []struct {
		in        Options
		timeout   time.Duration
		cacheTime time.Duration
	}{
		{Options{}, 3 * time.Second, 900 * time.Second},
		{Options{Timeout: -time.Second}, time.Second, 900 * time.Second},
		{Options{Timeout: 500 * time.Millisecond}, time.Second, 900 * time.Second},
		{Options{Timeout: 2500 * time.Millisecond}, 2 * time.Second, 900 * time.Second},
		{Options{Timeout: time.Minute}, 10 * time.Second, 900 * time.Second},
		{Options{CacheTime: time.Hour}, 3 * time.Second, time.Hour},
	}
	for _, tt := range tests {
		got := tt.in.normalize()
		assert.Equal(t, tt.timeout, got.Timeout, "%+v", tt.in)
		assert.Equal(t, tt.cacheTime, got.CacheTime, "%+v", tt.in)
	}
}
