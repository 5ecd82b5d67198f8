package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/queue"
)

// SyncTagSubmitSurveys is the sync trigger delivering queued submissions.
const SyncTagSubmitSurveys = "submit-surveys"

var ErrUnknownSyncTag = errors.New("unknown sync tag")

type SyncResult struct {
	Delivered int `json:"delivered"`
	Remaining int `json:"remaining"`
}

// Sync runs the work registered for the given sync trigger.
func (a *Interceptor) Sync(ctx context.Context, tag string) (SyncResult, error) {
	if tag != SyncTagSubmitSurveys {
		a.log.Debug().Str("tag", tag).Msg("Ignoring unknown sync tag")
		return SyncResult{}, ErrUnknownSyncTag
	}
	return a.SubmitQueued(ctx)
}

// SubmitQueued replays every queued submission against the network.
// Delivered submissions are removed, failed ones stay queued for the next trigger.
// A submission counts as delivered when the origin answers with anything but a server error.
func (a *Interceptor) SubmitQueued(ctx context.Context) (SyncResult, error) {
	a.log.Info().Msg("Attempting to submit queued surveys")
	if a.queue == nil {
		return SyncResult{}, nil
	}
	// one replay at a time, so nothing is delivered twice
	a.syncMutex.Lock()
	defer a.syncMutex.Unlock()

	var result SyncResult
	submissions, err := a.queue.All()
	if err != nil {
		return result, fmt.Errorf("read queued submissions: %w", err)
	}
	for _, s := range submissions {
		if ctx.Err() != nil {
			break
		}
		if err := a.deliver(ctx, s); err != nil {
			a.log.Warn().Err(err).Str("id", s.ID).Str("url", s.URL).Msg("Could not deliver queued submission")
			if err := a.queue.MarkAttempt(s.ID); err != nil {
				a.log.Error().Err(err).Str("id", s.ID).Msg("Could not record delivery attempt")
			}
			continue
		}
		if err := a.queue.Remove(s.ID); err != nil {
			// it was delivered, but will be sent again next time
			a.log.Error().Err(err).Str("id", s.ID).Msg("Could not remove delivered submission")
			continue
		}
		result.Delivered++
	}
	a.metrics.AddSyncDelivered(result.Delivered)

	remaining, err := a.queue.Len()
	if err != nil {
		return result, fmt.Errorf("count queued submissions: %w", err)
	}
	result.Remaining = remaining
	a.metrics.SetQueuedSubmissions(remaining)
	a.log.Info().Int("delivered", result.Delivered).Int("remaining", result.Remaining).Msg("Submitted queued surveys")
	return result, ctx.Err()
}

func (a *Interceptor) deliver(ctx context.Context, s queue.Submission) error {
	req, err := s.Request()
	if err != nil {
		return err
	}
	timedRes, err := a.fetch(a.originRequest(req.WithContext(ctx)))
	if err != nil {
		return err
	}
	if code := timedRes.Response.StatusCode; code >= http.StatusInternalServerError {
		return fmt.Errorf("origin responded with status %d", code)
	}
	return nil
}

// syncLoop triggers the submission sync at every interval until the interceptor is closed.
// Nothing is sent before activation or while the queue is empty.
func (a *Interceptor) syncLoop() {
	a.log.Info().Msgf("Starting sync loop with interval %s", a.syncInterval)
	ticker := time.NewTicker(a.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
		}
		if !a.Controlling() {
			continue
		}
		if n, err := a.queue.Len(); err != nil || n == 0 {
			a.log.Trace().Msg("No queued submissions, pausing sync")
			continue
		}
		if _, err := a.Sync(context.Background(), SyncTagSubmitSurveys); err != nil {
			a.log.Error().Err(err).Msg("Sync failed")
		}
	}
}
