package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of an interceptor.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

var ErrNotInstalled = errors.New("interceptor is not installed")

func (a *Interceptor) State() State {
	a.stateMutex.RLock()
	defer a.stateMutex.RUnlock()
	return a.state
}

func (a *Interceptor) setState(state State) {
	a.stateMutex.Lock()
	a.state = state
	a.stateMutex.Unlock()
	a.log.Debug().Str("state", string(state)).Msg("Lifecycle state changed")
}

// Controlling reports whether requests are being intercepted.
func (a *Interceptor) Controlling() bool {
	return a.State() == StateActivated
}

// Install pre-warms the asset store with the configured URLs.
// Failing to pre-warm is logged but does not fail the installation.
// The interceptor does not wait for anything after install, Activate can run at once.
func (a *Interceptor) Install(ctx context.Context) {
	a.setState(StateInstalling)
	if err := a.addAll(ctx, a.assetStore, a.prewarm); err != nil {
		a.log.Error().Err(err).Msg("Cache failed")
	}
	a.setState(StateInstalled)
}

// addAll fetches all URLs and stores them, but only if every fetch succeeded.
func (a *Interceptor) addAll(ctx context.Context, storeName string, urls []string) error {
	responses := make([]serializer.TimedResponse, len(urls))
	requests := make([]*http.Request, len(urls))

	g, ctx := errgroup.WithContext(ctx)
	for i, rawURL := range urls {
		i, rawURL := i, rawURL
		g.Go(func() error {
			u, err := a.resolve(rawURL)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			timedRes, err := a.fetch(a.originRequest(req))
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			if code := timedRes.Response.StatusCode; code < 200 || code > 299 {
				return fmt.Errorf("fetch %s: status %d", u, code)
			}
			requests[i] = req
			responses[i] = timedRes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	store, err := a.cache.Open(storeName)
	if err != nil {
		return err
	}
	for i, timedRes := range responses {
		key, err := a.keyer.GetKey(requests[i])
		if err != nil {
			return err
		}
		bts, err := serializer.ResponseToBytes(timedRes.Response)
		if err != nil {
			return err
		}
		if err := store.Put(cache.CacheEntry{
			Key:         key,
			RequestedAt: timedRes.RequestTime,
			ReceivedAt:  timedRes.ResponseTime,
			Bytes:       bts,
		}); err != nil {
			return err
		}
	}
	a.log.Debug().Int("urls", len(urls)).Str("store", storeName).Msg("Pre-warmed cache")
	return nil
}

func (a *Interceptor) resolve(rawURL string) (string, error) {
	key, err := a.keyer.KeyForURL(rawURL)
	if err != nil {
		return "", err
	}
	return a.keyer.URLFromKey(key)
}

// Activate deletes every cache store that is neither the current asset store
// nor the current API store, and then takes control of all open clients.
// Pruning errors are returned, but the interceptor is activated anyway.
func (a *Interceptor) Activate(ctx context.Context) error {
	switch a.State() {
	case StateParsed, StateInstalling:
		return ErrNotInstalled
	}
	a.setState(StateActivating)

	err := a.prune(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not prune old cache stores")
	}

	a.setState(StateActivated)
	claimed := a.clients.Claim(a.assetStore)
	a.log.Info().Int("clients", claimed).Str("version", a.assetStore).Msg("Activated")
	return err
}

func (a *Interceptor) prune(ctx context.Context) error {
	names, err := a.cache.Names()
	if err != nil {
		return fmt.Errorf("list cache stores: %w", err)
	}
	g, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == a.assetStore || name == a.apiStore {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := a.cache.Delete(name)
			if err != nil {
				return fmt.Errorf("delete cache store %s: %w", name, err)
			}
			a.log.Debug().Str("store", name).Bool("deleted", deleted).Msg("Deleted old cache store")
			return nil
		})
	}
	return g.Wait()
}
