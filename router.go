package offlinecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path prefix of the interceptor's own endpoints.
const ControlPrefix = "/.offline-cache"

// Router returns a handler serving the control endpoints under ControlPrefix
// and sending every other request to the interceptor.
func (a *Interceptor) Router() http.Handler {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(hlog.NewHandler(a.log))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Int("status", status).
				Dur("duration", duration).
				Msg("Control request")
		}))
		r.Get("/events", a.serveEvents)
		r.Post("/sync/{tag}", a.serveSync)
		r.Get("/status", a.serveStatus)
		r.Handle("/metrics", a.metrics.Handler())
	})
	r.Handle("/*", a)
	return r
}

// serveEvents streams broadcasts to a client page as server-sent events.
// The client counts as open for as long as the stream is connected.
func (a *Interceptor) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	client, unregister := a.clients.Register()
	defer unregister()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", client.ID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-client.Messages:
			data, err := json.Marshal(msg)
			if err != nil {
				a.log.Error().Err(err).Msg("Could not encode client message")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *Interceptor) serveSync(w http.ResponseWriter, r *http.Request) {
	result, err := a.Sync(r.Context(), chi.URLParam(r, "tag"))
	if errors.Is(err, ErrUnknownSyncTag) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	status := http.StatusOK
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Sync failed")
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

type statusResponse struct {
	State      State  `json:"state"`
	AssetStore string `json:"assetStore"`
	APIStore   string `json:"apiStore"`
	Queued     int    `json:"queued"`
	Clients    int    `json:"clients"`
}

func (a *Interceptor) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		State:      a.State(),
		AssetStore: a.assetStore,
		APIStore:   a.apiStore,
		Clients:    len(a.clients.MatchAll()),
	}
	if a.queue != nil {
		n, err := a.queue.Len()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		status.Queued = n
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
