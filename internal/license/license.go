// Package license implements the DroidBay entitlement engine: activation
// against the vendor license server, periodic revalidation, a sealed
// offline cache, change notifications, and the free-tier analysis quota.
package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/droidbay/droidbay/pkg/licensing"
)

var (
	// ErrInvalidKeyFormat rejects malformed keys before any network call.
	ErrInvalidKeyFormat = errors.New("invalid license key format")

	// ErrNoLicense means no key is stored, so there is nothing to validate.
	ErrNoLicense = errors.New("no license activated")
)

// Options configures the entitlement service. The zero value of every
// field selects a sensible default except DataDir, which is required.
type Options struct {
	// DataDir holds the sealed cache, quota state, and history log.
	DataDir string

	// ServerURL overrides the hosted license endpoint.
	ServerURL string

	// AppVersion is reported to the server with every request.
	AppVersion string

	// Revalidation pacing; zero selects the defaults.
	OnlineInterval  time.Duration
	OfflineInterval time.Duration
	RestoredDelay   time.Duration

	// DailyAnalysisQuota is the free-tier cloud analysis allowance.
	DailyAnalysisQuota int

	// UsageRecorder, when set, receives every granted quota consumption.
	// Best-effort reporting; it must not block.
	UsageRecorder func(feature string, granted int)
}

// Service is the single entitlement authority for the process. It owns the
// current state, the server client, the sealed cache, the revalidation
// schedule, and the quota counter. Construct one with New and pass it by
// reference; there is no package-level instance.
type Service struct {
	// mu guards state for snapshot reads. opMu additionally serializes
	// the mutating operations end to end, so a network call, the cache
	// write, and the notification of one operation never interleave with
	// another's.
	mu    sync.RWMutex
	opMu  sync.Mutex
	state EntitlementState

	fingerprint   string
	appVersion    string
	restoredDelay time.Duration
	usageRecorder func(feature string, granted int)

	client      *Client
	cache       *Cache
	quota       *QuotaCounter
	notifier    *notifier
	history     *ChangeHistory
	revalidator *revalidator
	metrics     *engineMetrics

	closeOnce sync.Once
}

// New constructs the entitlement service, restores any cached entitlement,
// and arms the revalidation schedule. Callers own the returned service and
// must Close it on shutdown.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.DataDir == "" {
		return nil, errors.New("license service requires a data directory")
	}

	fingerprint, err := licensing.DeviceFingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("derive device fingerprint: %w", err)
	}

	client, err := NewClient(opts.ServerURL, opts.AppVersion)
	if err != nil {
		return nil, err
	}

	restoredDelay := opts.RestoredDelay
	if restoredDelay <= 0 {
		restoredDelay = DefaultRestoredRevalidateDelay
	}

	s := &Service{
		fingerprint:   fingerprint,
		appVersion:    opts.AppVersion,
		restoredDelay: restoredDelay,
		usageRecorder: opts.UsageRecorder,
		client:        client,
		cache:         NewCache(opts.DataDir, fingerprint),
		quota:         NewQuotaCounter(opts.DataDir, opts.DailyAnalysisQuota),
		notifier:      newNotifier(),
		metrics:       getEngineMetrics(),
	}
	s.revalidator = newRevalidator(s.scheduledRun, opts.OnlineInterval, opts.OfflineInterval)

	if history, err := NewChangeHistory(opts.DataDir); err != nil {
		log.Warn().Err(err).Msg("Entitlement history disabled")
	} else {
		s.history = history
	}

	s.restore()
	return s, nil
}

// restore loads the sealed cache. A hit is stale by definition until the
// server confirms it, so the restored state starts offline and the first
// revalidation runs on the short restored-from-cache delay.
func (s *Service) restore() {
	cached, err := s.cache.Load()
	if err != nil {
		if !errors.Is(err, errNoCache) {
			log.Debug().Err(err).Msg("No usable entitlement cache")
		}
		return
	}

	cached.Offline = true
	s.mu.Lock()
	s.state = cached
	s.mu.Unlock()

	log.Info().
		Str("key", cached.MaskedKey()).
		Str("tier", licensing.GetTierDisplayName(cached.Tier)).
		Str("status", string(cached.Status)).
		Msg("Restored entitlement from offline cache")
	s.revalidator.scheduleAfter(s.restoredDelay)
}

// Current returns a snapshot of the entitlement state.
func (s *Service) Current() EntitlementState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsActive reports whether paid features are available right now.
func (s *Service) IsActive() bool {
	return s.Current().IsActive()
}

// EffectiveTier returns the tier feature checks honor right now.
func (s *Service) EffectiveTier() licensing.Tier {
	return s.Current().EffectiveTier()
}

// HasFeature checks a feature against the effective tier. Unknown feature
// ids answer false.
func (s *Service) HasFeature(feature string) bool {
	return s.Current().HasFeature(feature)
}

// RequireFeature returns an error describing the needed upgrade when the
// feature is not available.
func (s *Service) RequireFeature(feature string) error {
	if s.HasFeature(feature) {
		return nil
	}
	required, known := licensing.RequiredTier(feature)
	if !known {
		return fmt.Errorf("unknown feature %q", feature)
	}
	return fmt.Errorf("%s requires the %s tier",
		licensing.GetFeatureDisplayName(feature), licensing.GetTierDisplayName(required))
}

// Subscribe registers an observer for entitlement changes. The returned
// channel is closed on Unsubscribe or when the service shuts down.
func (s *Service) Subscribe() (string, <-chan Change) {
	return s.notifier.subscribe()
}

// Unsubscribe removes an observer. Unknown ids are a no-op.
func (s *Service) Unsubscribe(id string) {
	s.notifier.unsubscribe(id)
}

// History returns up to limit recorded changes, newest first.
func (s *Service) History(limit int) []ChangeHistoryEntry {
	if s.history == nil {
		return nil
	}
	return s.history.Recent(limit)
}

// Activate validates the key locally, binds it to this device server-side,
// and on success persists and announces the new entitlement.
func (s *Service) Activate(ctx context.Context, rawKey string) (EntitlementState, error) {
	key := licensing.NormalizeKey(rawKey)
	if reason := licensing.KeyFormatError(key); reason != "" {
		return EntitlementState{}, fmt.Errorf("%w: %s", ErrInvalidKeyFormat, reason)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	resp, err := s.client.Activate(ctx, key, s.fingerprint)
	if err != nil {
		s.metrics.recordActivation(activationUnreachable)
		log.Warn().Err(err).Str("key", licensing.MaskKey(key)).Msg("License activation failed to reach server")
		return EntitlementState{}, err
	}
	if !resp.Valid {
		s.metrics.recordActivation(activationRejected)
		log.Info().
			Str("key", licensing.MaskKey(key)).
			Str("error", resp.Error).
			Msg("License activation rejected")
		return EntitlementState{}, &RejectionError{Code: resp.Error, Hint: resp.Hint}
	}

	next := s.stateFromResponse(key, resp)
	prev := s.swapState(next)
	if err := s.cache.Save(next); err != nil {
		log.Warn().Err(err).Msg("Failed to cache activated entitlement")
	}
	s.emit(prev, next, ReasonActivation)
	s.metrics.recordActivation(activationAccepted)
	s.revalidator.scheduleFromState(true)

	log.Info().
		Str("key", next.MaskedKey()).
		Str("tier", licensing.GetTierDisplayName(next.Tier)).
		Str("status", string(next.Status)).
		Msg("License activated")
	return next, nil
}

// Deactivate releases this device's activation server-side (best-effort)
// and always wipes the local entitlement and cache.
func (s *Service) Deactivate(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	prev := s.Current()
	if prev.Empty() {
		return ErrNoLicense
	}

	if _, err := s.client.Deactivate(ctx, prev.LicenseKey, s.fingerprint); err != nil {
		// The server reconciles unreleased seats on its own schedule; the
		// local wipe is what the user asked for and always happens.
		log.Warn().Err(err).Str("key", prev.MaskedKey()).Msg("Server deactivation failed, clearing locally anyway")
	}

	s.wipe(prev, ReasonDeactivation)
	log.Info().Str("key", prev.MaskedKey()).Msg("License deactivated")
	return nil
}

// Validate performs one revalidation against the server, classifying the
// outcome into the three-way split: refresh on success, downgrade or wipe
// on an authoritative rejection, and offline retention on anything else.
// It returns the resulting state.
func (s *Service) Validate(ctx context.Context) EntitlementState {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.validateLocked(ctx)
}

// ForceValidate cancels any pending scheduled run, validates now, and
// re-arms the schedule from the outcome. User-triggered.
func (s *Service) ForceValidate(ctx context.Context) EntitlementState {
	s.revalidator.cancelPending()

	s.opMu.Lock()
	state := s.validateLocked(ctx)
	s.opMu.Unlock()

	s.rearm(state)
	return state
}

func (s *Service) validateLocked(ctx context.Context) EntitlementState {
	prev := s.Current()
	if prev.Empty() {
		return prev
	}

	resp, err := s.client.Validate(ctx, prev.LicenseKey, s.fingerprint)
	if err != nil {
		return s.handleUnreachable(prev, err)
	}
	if resp.Valid {
		return s.handleValid(prev, resp)
	}
	return s.handleRejected(prev, resp)
}

// handleUnreachable covers transport failures and stale-timestamp
// responses. Neither says anything about the license, so the entitlement
// is retained and marked offline; the grace window in IsActive degrades it
// by time alone if the server stays out of reach.
func (s *Service) handleUnreachable(prev EntitlementState, err error) EntitlementState {
	if errors.Is(err, ErrStaleResponse) {
		s.metrics.recordValidation(outcomeStaleTimestamp)
	} else {
		s.metrics.recordValidation(outcomeUnreachable)
	}

	next := prev
	next.Offline = true
	next.LastError = err.Error()
	s.swapState(next)

	if !prev.Offline {
		log.Warn().Err(err).
			Str("key", next.MaskedKey()).
			Time("grace_deadline", next.OfflineDeadline()).
			Msg("License server unreachable, entering offline grace")
		s.emit(prev, next, ReasonNetworkChange)
	}
	return next
}

// handleValid refreshes the entitlement from an authoritative success.
func (s *Service) handleValid(prev EntitlementState, resp *licensing.ValidationResponse) EntitlementState {
	next := s.stateFromResponse(prev.LicenseKey, resp)
	s.swapState(next)
	if err := s.cache.Save(next); err != nil {
		log.Warn().Err(err).Msg("Failed to cache validated entitlement")
	}
	s.metrics.recordValidation(outcomeValid)

	reason := ReasonValidation
	if prev.IsActive() && !next.IsActive() {
		// valid=true with an expiry already in the past
		reason = ReasonExpiration
	}
	if prev.Offline {
		log.Info().Str("key", next.MaskedKey()).Msg("License server reachable again")
	}
	s.emit(prev, next, reason)
	return next
}

// handleRejected applies an authoritative valid=false verdict. Terminal
// statuses wipe the key and cache; soft statuses keep both so the UI can
// prompt renewal, with the effective tier already free via IsActive.
func (s *Service) handleRejected(prev EntitlementState, resp *licensing.ValidationResponse) EntitlementState {
	status := licensing.ParseStatus(resp.Status, false)

	if status.IsTerminal() {
		s.metrics.recordValidation(outcomeRejectedTerminal)
		log.Warn().
			Str("key", prev.MaskedKey()).
			Str("status", string(status)).
			Str("error", resp.Error).
			Msg("License revoked by server")
		s.wipe(prev, ReasonRevocation)
		return s.Current()
	}

	next := prev
	next.Status = status
	next.Offline = false
	next.LastValidated = time.Now()
	next.LastError = resp.Error
	if ts, ok := resp.TimestampTime(); ok {
		next.ServerTimestamp = ts
	}
	s.swapState(next)
	if err := s.cache.Save(next); err != nil {
		log.Warn().Err(err).Msg("Failed to cache downgraded entitlement")
	}
	s.metrics.recordValidation(outcomeRejectedSoft)
	log.Info().
		Str("key", next.MaskedKey()).
		Str("status", string(status)).
		Msg("License lapsed, key kept for renewal")
	s.emit(prev, next, ReasonExpiration)
	return next
}

// stateFromResponse builds the entitlement a valid server response grants.
func (s *Service) stateFromResponse(key string, resp *licensing.ValidationResponse) EntitlementState {
	if echo := licensing.NormalizeKey(resp.LicenseKey); echo != "" && licensing.IsValidKeyFormat(echo) {
		key = echo
	}
	next := EntitlementState{
		LicenseKey:    key,
		Tier:          licensing.ParseTier(resp.Tier),
		Status:        licensing.ParseStatus(resp.Status, true),
		LastValidated: time.Now(),
		Signature:     resp.Signature,
	}
	if exp, ok := resp.ExpiresAtTime(); ok {
		next.ExpiresAt = exp
	}
	if ts, ok := resp.TimestampTime(); ok {
		next.ServerTimestamp = ts
	}
	return next
}

// swapState installs the new state and returns the previous one.
func (s *Service) swapState(next EntitlementState) EntitlementState {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	return prev
}

// wipe clears the entitlement and cache. Used for deactivation and
// terminal server verdicts; recovery requires a fresh activation.
func (s *Service) wipe(prev EntitlementState, reason ChangeReason) {
	next := EntitlementState{}
	s.swapState(next)
	if err := s.cache.Clear(); err != nil {
		log.Warn().Err(err).Msg("Failed to delete entitlement cache")
	}
	s.revalidator.cancelPending()
	s.emit(prev, next, reason)
}

// emit publishes a change to subscribers and the history log. Routine
// revalidations that changed nothing visible stay quiet.
func (s *Service) emit(prev, next EntitlementState, reason ChangeReason) {
	if reason == ReasonValidation && prev.visiblyEqual(next) {
		return
	}
	change := Change{
		Previous:  prev,
		Current:   next,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	s.notifier.publish(change)
	if s.history != nil {
		s.history.Record(change)
	}
}

// scheduledRun is the revalidator's periodic entry point. Background runs
// never surface errors; every outcome is already folded into state, and
// the schedule re-arms from that state.
func (s *Service) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout+5*time.Second)
	defer cancel()

	s.opMu.Lock()
	state := s.validateLocked(ctx)
	s.opMu.Unlock()

	s.rearm(state)
}

// rearm schedules the next run from the post-run state. No key means
// nothing to validate until the next activation.
func (s *Service) rearm(state EntitlementState) {
	if state.Empty() {
		s.revalidator.cancelPending()
		return
	}
	s.revalidator.scheduleFromState(!state.Offline)
}

// ApplyIntervals changes revalidation pacing at runtime (config reload).
func (s *Service) ApplyIntervals(online, offline time.Duration) {
	s.revalidator.setIntervals(online, offline)
}

// RemainingAnalysisToday returns the cloud analysis allowance left in the
// current UTC day. Unlimited tiers report -1.
func (s *Service) RemainingAnalysisToday() int {
	if s.analysisUnmetered() {
		return -1
	}
	return s.quota.RemainingToday()
}

// TryConsumeAnalysis consumes one cloud analysis run.
func (s *Service) TryConsumeAnalysis() bool {
	return s.ConsumeAnalysisBatch(1) == 1
}

// ConsumeAnalysisBatch consumes up to n cloud analysis runs and returns
// how many were granted. Callers must use the returned count; a partial
// grant is normal near the daily limit.
func (s *Service) ConsumeAnalysisBatch(n int) int {
	if n <= 0 {
		return 0
	}
	granted := n
	if !s.analysisUnmetered() {
		granted = s.quota.ConsumeBatch(n)
	}
	if granted > 0 {
		s.metrics.recordQuotaConsumed(licensing.FeatureCloudAnalysis, granted)
		if s.usageRecorder != nil {
			s.usageRecorder(licensing.FeatureCloudAnalysis, granted)
		}
	}
	return granted
}

// analysisUnmetered reports whether the current effective tier skips the
// daily counter entirely.
func (s *Service) analysisUnmetered() bool {
	return s.EffectiveTier() != licensing.TierFree
}

// Close shuts the service down: stops the schedule, closes the client,
// flushes the quota, and closes subscriber channels. Idempotent; a
// pending scheduled run observes the stop and exits quietly.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.revalidator.stop()
		s.client.Close()
		if err := s.quota.Flush(); err != nil {
			log.Debug().Err(err).Msg("Failed to flush quota state on shutdown")
		}
		s.notifier.close()
	})
}
