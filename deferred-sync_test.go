package offlinecache

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueOfflineSubmission(t *testing.T, ti *testInterceptor, path, body string) {
	t.Helper()
	ti.network.SetOffline(true)
	ti.do(t, http.MethodPost, path, strings.NewReader(body))
	ti.network.SetOffline(false)
}

func TestSyncDeliversQueuedSubmissions(t *testing.T) {
	ti := newActiveInterceptor(t)
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")
	queueOfflineSubmission(t, ti, "/s/e/anonymous/2", "second")

	result, err := ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 2, Remaining: 0}, result)
	assert.Equal(t, []string{"first", "second"}, ti.network.Received())

	n, err := ti.queue.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncKeepsFailedSubmissions(t *testing.T) {
	ti := newActiveInterceptor(t)
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")
	queueOfflineSubmission(t, ti, "/s/e/anonymous/2", "second")
	ti.network.Route("/s/e/anonymous/2", http.StatusServiceUnavailable, "try later")

	result, err := ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 1, Remaining: 1}, result)

	queued, err := ti.queue.All()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, testOrigin+"/s/e/anonymous/2", queued[0].URL)
	assert.Equal(t, 1, queued[0].Attempts)

	ti.network.Route("/s/e/anonymous/2", http.StatusOK, "ok")
	result, err = ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 1, Remaining: 0}, result)
}

func TestSyncOfflineKeepsEverything(t *testing.T) {
	ti := newActiveInterceptor(t)
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")
	ti.network.SetOffline(true)

	result, err := ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 0, Remaining: 1}, result)
}

func TestSyncClientErrorCountsAsDelivered(t *testing.T) {
	ti := newActiveInterceptor(t)
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")
	ti.network.Route("/s/e/anonymous/1", http.StatusBadRequest, "rejected")

	result, err := ti.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 1, Remaining: 0}, result)
}

func TestSyncUnknownTag(t *testing.T) {
	ti := newActiveInterceptor(t)
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")

	_, err := ti.Sync(testContext(t), "something-else")
	assert.ErrorIs(t, err, ErrUnknownSyncTag)

	n, err := ti.queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueuedSubmissionsSurviveRestart(t *testing.T) {
	filename := t.TempDir() + "/queue.db"

	q, err := queue.NewSQLiteQueue(filename)
	require.NoError(t, err)
	ti := newActiveInterceptor(t, func(c *Config) { c.Queue = q })
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")
	ti.Close()
	require.NoError(t, q.Close())

	q, err = queue.NewSQLiteQueue(filename)
	require.NoError(t, err)
	defer q.Close()
	restarted := newActiveInterceptor(t, func(c *Config) { c.Queue = q })

	result, err := restarted.Sync(testContext(t), SyncTagSubmitSurveys)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Delivered: 1, Remaining: 0}, result)
	assert.Equal(t, []string{"first"}, restarted.network.Received())
}

func TestSyncLoopDeliversInBackground(t *testing.T) {
	ti := newActiveInterceptor(t, func(c *Config) { c.SyncInterval = 10 * time.Millisecond })
	queueOfflineSubmission(t, ti, "/s/e/anonymous/1", "first")

	assert.Eventually(t, func() bool {
		n, err := ti.queue.Len()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first"}, ti.network.Received())
}
