package offlinecache

import (
	"net/http"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

const offlineStatisticsBody = `{"error":"Offline","message":"Unable to fetch survey statistics"}`

// handleAPI serves API responses from the API store while they are fresh.
// Stale or missing entries are fetched again; the stored entry (even if stale)
// is the fallback when the network is down.
func (a *Interceptor) handleAPI(req *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus

	var cached *http.Response
	if isGet(req) {
		cached = a.lookup(a.apiStore, req)
	}
	switch {
	case !isGet(req):
		cs.Forward(cachestatus.FwdReasonMethod)
	case cached != nil:
		if capturedAt, ok := serializer.CaptureTime(cached); ok && a.now().Sub(capturedAt) < a.freshness {
			cs.Hit()
			return cached, cs, nil
		}
		cs.Forward(cachestatus.FwdReasonStale)
	default:
		cs.Forward(cachestatus.FwdReasonUriMiss)
	}

	timedRes, err := a.fetch(req)
	if err != nil {
		a.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed for API request")
		cs.Offline()
		if cached != nil {
			return cached, cs, nil
		}
		return jsonResponse(req, offlineStatisticsBody), cs, nil
	}

	// store a stamped copy, the caller gets the response as received
	resToCache, err := serializer.Clone(timedRes.Response)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to cache API response")
		return timedRes.Response, cs, nil
	}
	serializer.Stamp(resToCache, a.now())
	a.putClone(a.apiStore, req, serializer.TimedResponse{
		Response:     resToCache,
		RequestTime:  timedRes.RequestTime,
		ResponseTime: timedRes.ResponseTime,
	})
	return timedRes.Response, cs, nil
}
