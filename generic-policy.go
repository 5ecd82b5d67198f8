package offlinecache

import (
	"net/http"
	"strings"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
)

// handleGeneric serves any stored response without checking freshness.
// Otherwise it goes to the network, storing successful GETs in the asset store.
// Offline navigations get the fallback document.
func (a *Interceptor) handleGeneric(req *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus

	if !isGet(req) {
		cs.Forward(cachestatus.FwdReasonMethod)
	} else if cached := a.matchRequest(req); cached != nil {
		cs.Hit()
		return cached, cs, nil
	} else {
		cs.Forward(cachestatus.FwdReasonUriMiss)
	}

	timedRes, err := a.fetch(req)
	if err != nil {
		if isNavigation(req) {
			if fallback := a.match(a.fallbackDocument, req); fallback != nil {
				cs.Offline()
				return fallback, cs, nil
			}
		}
		return nil, cs, err
	}

	if timedRes.Response.StatusCode == http.StatusOK && isGet(req) {
		a.put(a.assetStore, req, timedRes)
		cs.Stored = true
	}
	return timedRes.Response, cs, nil
}

// isNavigation reports whether the request expects a full document.
// Browsers say so with Sec-Fetch-Dest; other clients are judged by their Accept header.
func isNavigation(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// isGet reports whether the request may be answered from or stored in the cache.
func isGet(r *http.Request) bool {
	return r.Method == http.MethodGet || r.Method == ""
}
