package license

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultOnlineRevalidateInterval paces validations while the server
	// is reachable.
	DefaultOnlineRevalidateInterval = 6 * time.Hour

	// DefaultOfflineRevalidateInterval paces retries while offline. Much
	// shorter: every hour offline eats into the grace window.
	DefaultOfflineRevalidateInterval = 20 * time.Minute

	// DefaultRestoredRevalidateDelay is the first validation delay after
	// restoring from the offline cache, long enough for the network stack
	// to come up after login.
	DefaultRestoredRevalidateDelay = 10 * time.Second
)

// revalidator drives periodic validation with a self-re-arming one-shot
// timer rather than a ticker: the next delay is chosen after each run from
// how that run ended, and a forced validation replaces whatever was
// pending. Scheduling calls always replace the pending timer, so double
// re-arms are harmless.
type revalidator struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	onlineInterval  time.Duration
	offlineInterval time.Duration

	// runValidation performs one validation pass. Re-arming from the
	// post-run state is that pass's job; tick only recovers panics.
	runValidation func()
}

func newRevalidator(run func(), onlineInterval, offlineInterval time.Duration) *revalidator {
	if onlineInterval <= 0 {
		onlineInterval = DefaultOnlineRevalidateInterval
	}
	if offlineInterval <= 0 {
		offlineInterval = DefaultOfflineRevalidateInterval
	}
	return &revalidator{
		onlineInterval:  onlineInterval,
		offlineInterval: offlineInterval,
		runValidation:   run,
	}
}

// scheduleAfter replaces any pending timer with one firing after delay.
func (r *revalidator) scheduleAfter(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.tick)
}

// scheduleFromState picks the next delay from the post-run online state.
func (r *revalidator) scheduleFromState(online bool) {
	if online {
		r.scheduleAfter(r.interval(true))
	} else {
		r.scheduleAfter(r.interval(false))
	}
}

func (r *revalidator) interval(online bool) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		return r.onlineInterval
	}
	return r.offlineInterval
}

// setIntervals applies new pacing. The pending timer is left alone; the
// new intervals take effect at the next re-arm.
func (r *revalidator) setIntervals(onlineInterval, offlineInterval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if onlineInterval > 0 {
		r.onlineInterval = onlineInterval
	}
	if offlineInterval > 0 {
		r.offlineInterval = offlineInterval
	}
}

// cancelPending stops the pending timer without stopping the revalidator.
// Used when no license remains to validate.
func (r *revalidator) cancelPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// stop halts scheduling permanently. Idempotent.
func (r *revalidator) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// tick runs one validation pass. A panic must not kill the schedule, so
// it is recovered here and paced as if the run ended offline.
func (r *revalidator) tick() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Recovered panic during scheduled revalidation")
			r.scheduleFromState(false)
		}
	}()
	r.runValidation()
}
