package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://surveys.example.com"

var errNetworkDown = errors.New("network is unreachable")

type fakeRoute struct {
	status int
	body   string
}

// fakeNetwork stands in for the origin. It can be switched offline,
// and counts the requests it receives per path.
type fakeNetwork struct {
	mutex    sync.Mutex
	offline  bool
	routes   map[string]fakeRoute
	calls    map[string]int
	hosts    map[string][]string
	received []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		routes: make(map[string]fakeRoute),
		calls:  make(map[string]int),
		hosts:  make(map[string][]string),
	}
}

func (n *fakeNetwork) SetOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Route(path string, status int, body string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.routes[path] = fakeRoute{status: status, body: body}
}

func (n *fakeNetwork) Calls(path string) int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return n.calls[path]
}

// Hosts returns the Host header of every request to the path, in order.
func (n *fakeNetwork) Hosts(path string) []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.hosts[path]...)
}

func (n *fakeNetwork) Received() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return append([]string(nil), n.received...)
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.calls[req.URL.Path]++
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	n.hosts[req.URL.Path] = append(n.hosts[req.URL.Path], host)
	if n.offline {
		return nil, errNetworkDown
	}
	if req.Body != nil {
		body, _ := io.ReadAll(req.Body)
		req.Body.Close()
		if len(body) > 0 {
			n.received = append(n.received, string(body))
		}
	}
	route, ok := n.routes[req.URL.Path]
	if !ok {
		route = fakeRoute{status: http.StatusOK, body: "network " + req.URL.Path}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", route.status, http.StatusText(route.status)),
		StatusCode:    route.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(route.body)),
		ContentLength: int64(len(route.body)),
		Request:       req,
	}, nil
}

type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func (c *testClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type testInterceptor struct {
	*Interceptor
	network *fakeNetwork
	clock   *testClock
	cache   cache.CacheProvider
	queue   queue.SQLiteQueue
}

func newTestInterceptor(t *testing.T, modify ...func(*Config)) *testInterceptor {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	q, err := queue.NewSQLiteQueue("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ti := &testInterceptor{
		network: newFakeNetwork(),
		clock:   &testClock{now: time.UnixMilli(1700000000000)},
		cache:   cache.NewMemCache(),
		queue:   q,
	}
	logger := zerolog.Nop()
	config := Config{
		Cache:     ti.cache,
		Queue:     q,
		OriginURL: *origin,
		Logger:    &logger,
		Transport: ti.network,
		Now:       ti.clock.Now,
	}
	for _, m := range modify {
		m(&config)
	}
	a, err := New(config)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ti.Interceptor = a
	return ti
}

// newActiveInterceptor returns an interceptor that is installed and activated.
func newActiveInterceptor(t *testing.T, modify ...func(*Config)) *testInterceptor {
	t.Helper()
	ti := newTestInterceptor(t, modify...)
	ti.Install(context.Background())
	require.NoError(t, ti.Activate(context.Background()))
	return ti
}

func (ti *testInterceptor) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, testOrigin+path, body)
	require.NoError(t, err)
	res, err := ti.Handle(req)
	require.NoError(t, err)
	// settle detached cache writes, so the next request sees them
	ti.Wait()
	return res
}

func (ti *testInterceptor) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return ti.do(t, http.MethodGet, path, nil)
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return string(body)
}

func TestNewRequiresCacheAndOrigin(t *testing.T) {
	_, err := New(Config{OriginURL: url.URL{Scheme: "https", Host: "surveys.example.com"}})
	assert.Error(t, err)

	_, err = New(Config{Cache: cache.NewMemCache()})
	assert.Error(t, err)

	_, err = New(Config{
		Cache:     cache.NewMemCache(),
		OriginURL: url.URL{Scheme: "https", Host: "surveys.example.com"},
		Rules:     Rules{{Contains: "/x", Policy: "whenever"}},
	})
	assert.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	ti := newTestInterceptor(t)
	assert.Equal(t, DefaultAssetStore, ti.assetStore)
	assert.Equal(t, DefaultAPIStore, ti.apiStore)
	assert.Equal(t, DefaultFreshness, ti.freshness)
	assert.Equal(t, DefaultPrewarm, ti.prewarm)
	assert.Equal(t, DefaultFallbackDocument, ti.fallbackDocument)
	assert.Equal(t, StateParsed, ti.State())
}

func TestNonHTTPRequestsAreNotTouched(t *testing.T) {
	ti := newActiveInterceptor(t)
	ti.network.SetOffline(true)

	req, err := http.NewRequest(http.MethodGet, "ws://surveys.example.com/socket", nil)
	require.NoError(t, err)
	_, err = ti.RoundTrip(req)
	// the network error comes through unchanged, nothing is synthesized
	assert.ErrorIs(t, err, errNetworkDown)
	assert.Equal(t, 1, ti.network.Calls("/socket"))

	names, err := ti.cache.Names()
	require.NoError(t, err)
	for _, name := range names {
		store, err := ti.cache.Open(name)
		require.NoError(t, err)
		require.NoError(t, store.Keys(func(key string) {
			assert.NotContains(t, key, "/socket")
		}))
	}
}

func TestRoundTripBeforeActivationGoesToNetwork(t *testing.T) {
	ti := newTestInterceptor(t)
	client := &http.Client{Transport: ti.Interceptor}

	res, err := client.Get(testOrigin + "/G2E/app.js")
	require.NoError(t, err)
	assert.Equal(t, "network /G2E/app.js", readBody(t, res))
	ti.Wait()

	ti.network.SetOffline(true)
	_, err = client.Get(testOrigin + "/G2E/app.js")
	assert.Error(t, err, "nothing may be cached before activation")
}

func TestRoundTripAsClientTransport(t *testing.T) {
	ti := newActiveInterceptor(t)
	client := &http.Client{Transport: ti.Interceptor}

	res, err := client.Get(testOrigin + "/G2E/app.js")
	require.NoError(t, err)
	assert.Equal(t, "network /G2E/app.js", readBody(t, res))
	ti.Wait()

	ti.network.SetOffline(true)
	res, err = client.Get(testOrigin + "/G2E/app.js")
	require.NoError(t, err)
	assert.Equal(t, "network /G2E/app.js", readBody(t, res))
}

func TestServeHTTPAddsCacheStatus(t *testing.T) {
	ti := newActiveInterceptor(t)

	rr := httptest.NewRecorder()
	ti.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/G2E/app.js", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "network /G2E/app.js", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
	ti.Wait()

	rr = httptest.NewRecorder()
	ti.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/G2E/app.js", nil))
	assert.Equal(t, "network /G2E/app.js", rr.Body.String())
	assert.Equal(t, "OfflineCache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, 1, ti.network.Calls("/G2E/app.js"))
}

func TestServeHTTPOfflineWithoutFallbackIsBadGateway(t *testing.T) {
	ti := newActiveInterceptor(t)
	ti.network.SetOffline(true)

	rr := httptest.NewRecorder()
	ti.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/G2E/missing.js", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestServeHTTPBeforeActivationPassesThrough(t *testing.T) {
	ti := newTestInterceptor(t)

	rr := httptest.NewRecorder()
	ti.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/G2E/app.js", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "network /G2E/app.js", rr.Body.String())
	assert.Equal(t, "OfflineCache; fwd=bypass", rr.Header().Get("Cache-Status"))
}

func TestRequestsAreCounted(t *testing.T) {
	ti := newActiveInterceptor(t)
	ti.get(t, "/G2E/app.js")
	ti.get(t, "/G2E/app.js")

	assert.Equal(t, float64(1), ti.metrics.Requests("generic", "fwd"))
	assert.Equal(t, float64(1), ti.metrics.Requests("generic", "hit"))
}

func TestOriginHostOnOwnRequests(t *testing.T) {
	ti := newTestInterceptor(t, func(c *Config) {
		c.OriginURL = url.URL{Scheme: "https", Host: "10.0.0.7"}
		c.OriginHost = "surveys.example.com"
	})
	ti.Install(testContext(t))
	require.NoError(t, ti.Activate(testContext(t)))
	assert.Equal(t, []string{"surveys.example.com"}, ti.network.Hosts("/G2E/index.html"))

	ti.network.SetOffline(true)
	rr := httptest.NewRecorder()
	ti.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/s/e/anonymous/1", strings.NewReader("answers")))
	require.Equal(t, http.StatusOK, rr.Code)
	ti.network.SetOffline(false)

	result, err := ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, []string{"surveys.example.com", "surveys.example.com"}, ti.network.Hosts("/s/e/anonymous/1"))
}

func TestSendDropsHopByHopHeaders(t *testing.T) {
	ti := newTestInterceptor(t)
	res := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Connection":        {"keep-alive, X-Session-Hint"},
			"Keep-Alive":        {"timeout=5"},
			"Transfer-Encoding": {"chunked"},
			"X-Session-Hint":    {"1"},
			"Content-Type":      {"text/plain"},
		},
		Body: io.NopCloser(strings.NewReader("ok")),
	}
	var cs cachestatus.CacheStatus
	cs.Hit()

	rr := httptest.NewRecorder()
	ti.send(rr, res, cs)

	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "X-Session-Hint"} {
		assert.Empty(t, rr.Header().Values(name), name)
	}
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, "OfflineCache; hit", rr.Header().Get("Cache-Status"))
	assert.Equal(t, "ok", rr.Body.String())
}

// testContext stands in for testing.T.Context (Go 1.24+): it returns a
// context that is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
