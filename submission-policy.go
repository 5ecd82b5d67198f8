package offlinecache

import (
	"fmt"
	"net/http"

	"github.com/always-cache/offline-cache/clients"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/queue"
)

const offlineSubmissionBody = `{"success":true,"offline":true,"message":"Response saved and will be submitted when online"}`

// handleSubmission sends submissions straight to the network.
// When that fails the submission is stored for the next sync, open clients are told about it,
// and the caller gets a success-shaped acknowledgement.
func (a *Interceptor) handleSubmission(req *http.Request) (*http.Response, cachestatus.CacheStatus, error) {
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdReasonBypass)

	// capture the body first, the network request consumes it
	submission, err := queue.NewSubmission(req, a.now())
	if err != nil {
		return nil, cs, err
	}

	timedRes, err := a.fetch(req)
	if err == nil {
		return timedRes.Response, cs, nil
	}
	a.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed for submission")

	if err := a.storeOfflineSubmission(submission); err != nil {
		return nil, cs, err
	}
	cs.Offline()
	return jsonResponse(req, offlineSubmissionBody), cs, nil
}

// storeOfflineSubmission queues the submission (if a queue is configured)
// and notifies every open client.
func (a *Interceptor) storeOfflineSubmission(s queue.Submission) error {
	a.log.Info().Str("url", s.URL).Str("id", s.ID).Msg("Storing offline submission")
	if a.queue == nil {
		a.log.Warn().Str("url", s.URL).Msg("No submission queue configured, submission is not persisted")
	} else {
		if err := a.queue.Enqueue(s); err != nil {
			return fmt.Errorf("queue submission: %w", err)
		}
		a.updateQueueGauge()
	}

	delivered := a.clients.Broadcast(clients.Message{
		Type:      clients.TypeOfflineSubmission,
		URL:       s.URL,
		Timestamp: a.now().UnixMilli(),
	})
	a.metrics.AddBroadcasts(delivered)
	a.log.Trace().Int("clients", delivered).Msg("Notified clients about offline submission")
	return nil
}

func (a *Interceptor) updateQueueGauge() {
	if a.queue == nil {
		return
	}
	n, err := a.queue.Len()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not get submission queue length")
		return
	}
	a.metrics.SetQueuedSubmissions(n)
}
