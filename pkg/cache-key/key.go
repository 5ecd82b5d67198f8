package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const methodSeparator = ":"

type CacheKeyer struct {
	// Base URL that relative request URLs are resolved against.
	// Usually this is the origin the cached responses come from.
	Origin *url.URL
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: origin}
}

// GetKey returns the cache key for a request: the method and the absolute URL without fragment.
// Only GET responses can be stored, so all other methods return ErrorMethodNotSupported.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrorMethodNotSupported
	}
	return http.MethodGet + methodSeparator + c.absolute(r.URL).String(), nil
}

// KeyForURL returns the key a GET request for the given (possibly relative) URL would have.
func (c CacheKeyer) KeyForURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + c.absolute(u).String(), nil
}

// URLFromKey returns the URL part of a key.
func (c CacheKeyer) URLFromKey(key string) (string, error) {
	method, u, found := strings.Cut(key, methodSeparator)
	if !found || method != http.MethodGet {
		return "", fmt.Errorf("Malformed key: %s", key)
	}
	return u, nil
}

func (c CacheKeyer) absolute(u *url.URL) *url.URL {
	abs := *u
	if c.Origin != nil && !abs.IsAbs() {
		abs = *c.Origin.ResolveReference(u)
	}
	abs.Fragment = ""
	abs.RawFragment = ""
	return &abs
}
