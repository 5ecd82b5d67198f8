package offlinecache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// lookup returns the response stored for the request in the named store, or nil.
// Lookup problems are logged and treated as a miss.
func (a *Interceptor) lookup(storeName string, req *http.Request) *http.Response {
	key, err := a.keyer.GetKey(req)
	if err != nil {
		return nil
	}
	store, err := a.cache.Open(storeName)
	if err != nil {
		a.log.Error().Err(err).Str("store", storeName).Msg("Could not open cache store")
		return nil
	}
	entry, ok, err := store.Get(key)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	return a.storedResponse(entry, req)
}

// match returns the response stored for the URL in any store, or nil.
func (a *Interceptor) match(rawURL string, req *http.Request) *http.Response {
	key, err := a.keyer.KeyForURL(rawURL)
	if err != nil {
		a.log.Error().Err(err).Str("url", rawURL).Msg("Could not create key")
		return nil
	}
	entry, ok, err := a.cache.Match(key)
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	return a.storedResponse(entry, req)
}

// matchRequest returns the response stored for the request in any store, or nil.
func (a *Interceptor) matchRequest(req *http.Request) *http.Response {
	if _, err := a.keyer.GetKey(req); err != nil {
		return nil
	}
	return a.match(req.URL.String(), req)
}

func (a *Interceptor) storedResponse(entry cache.CacheEntry, req *http.Request) *http.Response {
	res, err := serializer.BytesToResponse(entry.Bytes, req)
	if err != nil {
		a.log.Error().Err(err).Str("key", entry.Key).Msg("Could not create response")
		return nil
	}
	return res
}

// put writes a copy of the response to the named store in the background.
// The copy is taken before returning, so the caller may use the response right away.
func (a *Interceptor) put(storeName string, req *http.Request, timedRes serializer.TimedResponse) {
	resToCache, err := serializer.Clone(timedRes.Response)
	if err != nil {
		a.log.Error().Err(err).Str("store", storeName).Msg("Could not clone response")
		return
	}
	timedRes.Response = resToCache
	a.putClone(storeName, req, timedRes)
}

func (a *Interceptor) putClone(storeName string, req *http.Request, timedRes serializer.TimedResponse) {
	url := req.URL.String()
	key, keyErr := a.keyer.GetKey(req)
	a.tasks.Go("cache write", func() error {
		err := a.write(storeName, key, keyErr, timedRes)
		if err != nil {
			a.metrics.IncCacheWriteError(storeName)
			return fmt.Errorf("failed to cache %s in %s: %w", url, storeName, err)
		}
		a.log.Trace().Str("key", key).Str("store", storeName).Msg("Cache write")
		return nil
	})
}

func (a *Interceptor) write(storeName, key string, keyErr error, timedRes serializer.TimedResponse) error {
	if keyErr != nil {
		return keyErr
	}
	bts, err := serializer.ResponseToBytes(timedRes.Response)
	if err != nil {
		return err
	}
	store, err := a.cache.Open(storeName)
	if err != nil {
		return err
	}
	return store.Put(cache.CacheEntry{
		Key:         key,
		RequestedAt: timedRes.RequestTime,
		ReceivedAt:  timedRes.ResponseTime,
		Bytes:       bts,
	})
}

// jsonResponse synthesizes a 200 response with a JSON body.
func jsonResponse(req *http.Request, body string) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
