package offlinecache

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// detachedTasks runs work the request path never waits for, e.g. cache writes.
// Failures are logged and otherwise dropped.
type detachedTasks struct {
	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// Go starts the task unless the runner is closed.
// It reports whether the task was started.
func (d *detachedTasks) Go(name string, fn func() error) bool {
	d.mutex.Lock()
	if d.closed {
		d.mutex.Unlock()
		d.log.Warn().Str("task", name).Msg("Detached task dropped, interceptor is closed")
		return false
	}
	d.wg.Add(1)
	d.mutex.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.WithLevel(zerolog.PanicLevel).Str("task", name).Err(fmt.Errorf("%v", r)).Msg("Panic in detached task")
			}
		}()
		if err := fn(); err != nil {
			d.log.Error().Err(err).Str("task", name).Msg("Detached task failed")
		}
	}()
	return true
}

// Wait blocks until every started task has finished.
// It must not run concurrently with Go; use Close while requests may still arrive.
func (d *detachedTasks) Wait() {
	d.wg.Wait()
}

// Close stops accepting tasks and waits for the running ones.
func (d *detachedTasks) Close() {
	d.mutex.Lock()
	d.closed = true
	d.mutex.Unlock()
	d.wg.Wait()
}
