package offlinecache

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/clients"
	"github.com/always-cache/offline-cache/metrics"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
)

const (
	DefaultAssetStore       = "strategy9-g2e-v1"
	DefaultAPIStore         = "strategy9-api-v1"
	DefaultFreshness        = 60 * time.Second
	DefaultFallbackDocument = "/G2E/index.html"
)

// DefaultPrewarm lists the URLs stored in the asset store on install.
var DefaultPrewarm = []string{"/G2E/", "/G2E/index.html"}

// SubmissionQueue stores submissions that could not be delivered.
type SubmissionQueue interface {
	Enqueue(queue.Submission) error
	All() ([]queue.Submission, error)
	Remove(id string) error
	MarkAttempt(id string) error
	Len() (int, error)
}

type Config struct {
	// Storage for the cache stores.
	Cache cache.CacheProvider
	// Durable storage for offline submissions.
	// If nil, offline submissions are only logged and announced to clients.
	Queue SubmissionQueue
	// URL of the origin server.
	// Relative URLs (pre-warm list, fallback document) are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Transport for network requests. NewTransport is used if nil.
	Transport http.RoundTripper
	// Version tags (store names) of the asset and API stores.
	AssetStore string
	APIStore   string
	// How long a stored API response is served without asking the network.
	Freshness time.Duration
	// URLs stored in the asset store on install.
	Prewarm []string
	// Document served to navigations when offline and not cached.
	FallbackDocument string
	// Classification rules, DefaultRules if empty.
	Rules Rules
	// Interval of the background submission sync. Zero disables it.
	SyncInterval time.Duration
	// Open client pages. A new registry is created if nil.
	Clients *clients.Registry
	// Metrics collectors. New ones are created if nil.
	Metrics *metrics.Metrics
	// Clock, time.Now if nil.
	Now func() time.Time
}

// Interceptor intercepts requests to the origin and applies the caching policy
// selected by the request URL.
// It can be used as an http.Handler (reverse proxy in front of the origin)
// or as an http.RoundTripper (embedded in a client).
type Interceptor struct {
	cache            cache.CacheProvider
	queue            SubmissionQueue
	keyer            cachekey.CacheKeyer
	log              zerolog.Logger
	originURL        url.URL
	originHost       string
	network          http.RoundTripper
	client           *http.Client
	reverseproxy     httputil.ReverseProxy
	assetStore       string
	apiStore         string
	freshness        time.Duration
	prewarm          []string
	fallbackDocument string
	rules            Rules
	syncInterval     time.Duration
	clients          *clients.Registry
	metrics          *metrics.Metrics
	now              func() time.Time
	tasks            *detachedTasks

	stateMutex sync.RWMutex
	state      State
	syncMutex  sync.Mutex
	done       chan struct{}
	closeOnce  sync.Once
}

// New initializes the interceptor.
// It starts the background sync if configured.
// The interceptor only starts intercepting after Install and Activate.
func New(config Config) (*Interceptor, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache provider is required")
	}
	if config.OriginURL.Host == "" {
		return nil, fmt.Errorf("origin URL is required")
	}
	rules := config.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	a := &Interceptor{
		cache:            config.Cache,
		queue:            config.Queue,
		keyer:            cachekey.NewCacheKeyer(&config.OriginURL),
		log:              logger,
		originURL:        config.OriginURL,
		originHost:       config.OriginHost,
		network:          config.Transport,
		assetStore:       withDefault(config.AssetStore, DefaultAssetStore),
		apiStore:         withDefault(config.APIStore, DefaultAPIStore),
		freshness:        config.Freshness,
		prewarm:          config.Prewarm,
		fallbackDocument: withDefault(config.FallbackDocument, DefaultFallbackDocument),
		rules:            rules,
		syncInterval:     config.SyncInterval,
		clients:          config.Clients,
		metrics:          config.Metrics,
		now:              config.Now,
		state:            StateParsed,
		done:             make(chan struct{}),
	}
	if a.freshness <= 0 {
		a.freshness = DefaultFreshness
	}
	if a.prewarm == nil {
		a.prewarm = DefaultPrewarm
	}
	if a.clients == nil {
		a.clients = clients.NewRegistry(0, logger)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.network == nil {
		transport, err := NewTransport(config.OriginHost)
		if err != nil {
			return nil, err
		}
		a.network = transport
	}
	a.tasks = &detachedTasks{log: logger}
	a.client = &http.Client{
		Transport: a.network,
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	hostHeader := config.OriginURL.Host
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
	}
	a.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, config.OriginURL.Host, hostHeader),
		Transport: a.network,
	}

	// start a goroutine to deliver queued submissions
	if a.syncInterval > 0 && a.queue != nil {
		go a.syncLoop()
	}

	return a, nil
}

// Close stops the background sync and waits for pending cache writes.
// It is safe to call while requests are still being handled:
// cache writes they start after Close are dropped.
func (a *Interceptor) Close() {
	a.closeOnce.Do(func() { close(a.done) })
	a.tasks.Close()
}

// Wait blocks until all detached cache writes have finished.
// Only call it while no requests are being handled, e.g. in tests.
func (a *Interceptor) Wait() {
	a.tasks.Wait()
}

// Clients returns the registry of open client pages.
func (a *Interceptor) Clients() *clients.Registry {
	return a.clients
}

// Handle classifies the request and runs the selected policy.
// Requests that are not intercepted are sent to the network unmodified.
func (a *Interceptor) Handle(req *http.Request) (*http.Response, error) {
	res, _, err := a.dispatch(req)
	return res, err
}

// RoundTrip implements the http.RoundTripper interface.
// Before activation every request goes straight to the network.
func (a *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !a.Controlling() {
		return a.network.RoundTrip(req)
	}
	return a.Handle(req)
}

// ServeHTTP implements the http.Handler interface.
// The incoming request is forwarded to the origin through the selected policy.
func (a *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outReq := a.forwardRequest(r)
	if !a.Controlling() || a.rules.Classify(outReq.URL) == PolicyBypass {
		a.passthrough(w, r)
		return
	}
	res, cs, err := a.dispatch(outReq)
	if err != nil {
		a.log.Error().Err(err).Str("url", outReq.URL.String()).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	a.send(w, res, cs)
}

func (a *Interceptor) dispatch(req *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	start := time.Now()
	req = req.Clone(req.Context())
	policy := a.rules.Classify(req.URL)
	a.log.Trace().Str("policy", string(policy)).Msgf("Incoming request: %s %s", req.Method, req.URL.String())

	var (
		res *http.Response
		cs  cachestatus.CacheStatus
		err error
	)
	switch policy {
	case PolicyAPI:
		res, cs, err = a.handleAPI(req)
	case PolicySubmission:
		res, cs, err = a.handleSubmission(req)
	case PolicyGeneric:
		res, cs, err = a.handleGeneric(req)
	default:
		cs.Forward(cachestatus.FwdReasonBypass)
		res, err = a.network.RoundTrip(req)
	}

	a.metrics.ObserveRequest(string(policy), outcome(cs, err), time.Since(start))
	a.logRequest(req, policy, cs, err)
	return res, cs, err
}

func outcome(cs cachestatus.CacheStatus, err error) string {
	switch {
	case err != nil:
		return "error"
	case cs.Detail == "offline":
		return "offline"
	default:
		return string(cs.Status)
	}
}

// passthrough proxies the request to the origin without touching the cache.
func (a *Interceptor) passthrough(w http.ResponseWriter, r *http.Request) {
	a.log.Trace().Msgf("Passing through %s", r.URL.String())
	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdReasonBypass)
	w.Header().Add("Cache-Status", cs.String())
	a.reverseproxy.ServeHTTP(w, r)
}

// forwardRequest creates the request to the origin for an incoming request.
// WebSocket upgrades get the ws/wss scheme, so they are never intercepted.
func (a *Interceptor) forwardRequest(r *http.Request) *http.Request {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	u := *r.URL
	u.Scheme = a.originURL.Scheme
	u.Host = a.originURL.Host
	if isWebSocket(r) {
		u.Scheme = map[string]string{"http": "ws", "https": "wss"}[u.Scheme]
	}
	outReq.URL = &u
	outReq.Host = a.originURL.Host
	if a.originHost != "" {
		outReq.Host = a.originHost
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	if r.ContentLength == 0 {
		outReq.Body = nil
	}
	outReq.Header = make(http.Header)
	copyHeader(outReq.Header, r.Header)
	// do not forward connection header, this causes trouble
	outReq.Header.Del("Connection")
	return outReq
}

// originRequest prepares a request the interceptor sends on its own behalf,
// e.g. pre-warm fetches and queued submission replays.
// It gets the same Host header as forwarded client requests.
func (a *Interceptor) originRequest(req *http.Request) *http.Request {
	if a.originHost != "" {
		req.Host = a.originHost
	}
	return req
}

func isWebSocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (a *Interceptor) send(w http.ResponseWriter, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	removeHopHeaders(w.Header())
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (a *Interceptor) logRequest(r *http.Request, policy Policy, cs cachestatus.CacheStatus, err error) {
	isHit := 0
	if cs.Status == cachestatus.StatusHit {
		isHit = 1
	}
	evt := a.log.Debug()
	if err != nil {
		evt = evt.Err(err)
	}
	evt.
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("policy", string(policy)).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// Hop-by-hop headers, as listed by net/http/httputil.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders removes the headers that only apply to the connection to the origin,
// including the ones named in the Connection header.
func removeHopHeaders(h http.Header) {
	for _, field := range h["Connection"] {
		for _, name := range strings.Split(field, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func withDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}
