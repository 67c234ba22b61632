package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droidbay/droidbay/pkg/licensing"
)

const testKey = "Z-ABC123-DEFGH012-XYZ1234"

// licenseServer is a scriptable stand-in for the vendor endpoint.
type licenseServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests int
	respond  func(action string, req licensing.ValidationRequest) licensing.ValidationResponse
}

func newLicenseServer(t *testing.T) *licenseServer {
	t.Helper()
	ls := &licenseServer{}
	ls.respond = func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		return proResponse()
	}
	ls.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req licensing.ValidationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		ls.mu.Lock()
		ls.requests++
		respond := ls.respond
		ls.mu.Unlock()

		json.NewEncoder(w).Encode(respond(r.URL.Query().Get("action"), req))
	}))
	t.Cleanup(ls.Close)
	return ls
}

func (ls *licenseServer) setResponse(fn func(action string, req licensing.ValidationRequest) licensing.ValidationResponse) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.respond = fn
}

func (ls *licenseServer) requestCount() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.requests
}

func proResponse() licensing.ValidationResponse {
	return licensing.ValidationResponse{
		Valid:     true,
		Tier:      1,
		Status:    "active",
		ExpiresAt: time.Now().Add(30 * 24 * time.Hour).Unix(),
		Timestamp: time.Now().Unix(),
		Signature: "sig-opaque",
	}
}

func rejection(status, code string) licensing.ValidationResponse {
	return licensing.ValidationResponse{
		Valid:     false,
		Status:    status,
		Timestamp: time.Now().Unix(),
		Error:     code,
	}
}

func newTestService(t *testing.T, dir, serverURL string) *Service {
	t.Helper()
	svc, err := New(context.Background(), Options{
		DataDir:         dir,
		ServerURL:       serverURL,
		AppVersion:      "test",
		OnlineInterval:  time.Hour,
		OfflineInterval: time.Hour,
		RestoredDelay:   time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestActivateRejectsMalformedKeyWithoutNetworkCall(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)

	for _, key := range []string{"", "not-a-key", "Z-AB-CD-EF", "1-ABC123-DEFGH012-XYZ1234"} {
		_, err := svc.Activate(context.Background(), key)
		require.ErrorIs(t, err, ErrInvalidKeyFormat, "key %q", key)
	}
	assert.Zero(t, srv.requestCount(), "format errors must never reach the server")
	assert.True(t, svc.Current().Empty())
}

func TestActivateHappyPath(t *testing.T) {
	srv := newLicenseServer(t)
	dir := t.TempDir()
	svc := newTestService(t, dir, srv.URL)

	state, err := svc.Activate(context.Background(), "z-abc123-defgh012-xyz1234")
	require.NoError(t, err)

	assert.Equal(t, testKey, state.LicenseKey, "key is normalized before the server sees it")
	assert.Equal(t, licensing.TierPro, state.Tier)
	assert.Equal(t, licensing.StatusActive, state.Status)
	assert.False(t, state.Offline)
	assert.Equal(t, licensing.TierPro, svc.EffectiveTier())
	assert.True(t, svc.HasFeature(licensing.FeatureBatchDebloat))

	// The sealed cache was written and a fresh service restores from it,
	// offline until the server confirms.
	svc.Close()
	restored := newTestService(t, dir, srv.URL)
	got := restored.Current()
	assert.Equal(t, testKey, got.LicenseKey)
	assert.True(t, got.Offline)
	assert.Equal(t, licensing.TierPro, restored.EffectiveTier(), "cache restore inside grace keeps pro")
}

func TestValidateNoopWithoutKey(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)

	state := svc.Validate(context.Background())
	assert.True(t, state.Empty())
	assert.Zero(t, srv.requestCount())
}

func TestValidateSoftRejectionKeepsKey(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		return rejection("past_due", "payment_failed")
	})
	state := svc.Validate(context.Background())

	assert.Equal(t, testKey, state.LicenseKey, "soft loss keeps the key for renewal")
	assert.Equal(t, licensing.StatusPastDue, state.Status)
	assert.False(t, state.Offline)
	assert.Equal(t, licensing.TierFree, svc.EffectiveTier())
	assert.False(t, svc.IsActive())
}

func TestValidateTerminalRejectionWipesEverything(t *testing.T) {
	srv := newLicenseServer(t)
	dir := t.TempDir()
	svc := newTestService(t, dir, srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)
	require.True(t, NewCache(dir, svc.fingerprint).Exists())

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		return rejection("refunded", "purchase_refunded")
	})
	state := svc.Validate(context.Background())

	assert.True(t, state.Empty(), "terminal verdict wipes the key")
	assert.Equal(t, licensing.TierFree, svc.EffectiveTier())
	assert.False(t, NewCache(dir, svc.fingerprint).Exists(), "terminal verdict deletes the cache file")
}

func TestValidateUnreachableKeepsEntitlement(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	srv.Close()
	state := svc.Validate(context.Background())

	assert.Equal(t, testKey, state.LicenseKey)
	assert.Equal(t, licensing.TierPro, state.Tier)
	assert.True(t, state.Offline)
	assert.NotEmpty(t, state.LastError)
	assert.Equal(t, licensing.TierPro, svc.EffectiveTier(), "recent validation keeps pro through an outage")
}

func TestValidateStaleTimestampTreatedAsUnreachable(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		resp := proResponse()
		resp.Timestamp = time.Now().Add(-time.Hour).Unix()
		return resp
	})
	state := svc.Validate(context.Background())

	assert.True(t, state.Offline, "a replayed response must not refresh the entitlement")
	assert.Equal(t, licensing.TierPro, state.Tier)
}

func TestValidateRecoversFromOffline(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		resp := proResponse()
		resp.Timestamp = 0
		return resp
	})
	require.True(t, svc.Validate(context.Background()).Offline)

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		return proResponse()
	})
	state := svc.Validate(context.Background())
	assert.False(t, state.Offline)
	assert.Empty(t, state.LastError)
}

func TestDeactivateClearsStateAndCache(t *testing.T) {
	srv := newLicenseServer(t)
	dir := t.TempDir()
	svc := newTestService(t, dir, srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	var sawDeactivate atomic.Bool
	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		if action == licensing.ActionDeactivate {
			sawDeactivate.Store(true)
		}
		return licensing.ValidationResponse{Valid: false, Timestamp: time.Now().Unix()}
	})

	require.NoError(t, svc.Deactivate(context.Background()))
	assert.True(t, sawDeactivate.Load())
	assert.True(t, svc.Current().Empty())
	assert.False(t, NewCache(dir, svc.fingerprint).Exists())

	require.ErrorIs(t, svc.Deactivate(context.Background()), ErrNoLicense)
}

func TestDeactivateSurvivesServerFailure(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	srv.Close()
	require.NoError(t, svc.Deactivate(context.Background()), "local wipe happens even when the server is down")
	assert.True(t, svc.Current().Empty())
}

func TestConcurrentActivationsStayConsistent(t *testing.T) {
	srv := newLicenseServer(t)
	dir := t.TempDir()
	svc := newTestService(t, dir, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Activate(context.Background(), testKey)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state := svc.Current()
	assert.Equal(t, testKey, state.LicenseKey)
	assert.Equal(t, licensing.TierPro, state.Tier)

	// The persisted cache is whole and matches the final state.
	cached, err := NewCache(dir, svc.fingerprint).Load()
	require.NoError(t, err)
	assert.Equal(t, state.LicenseKey, cached.LicenseKey)
	assert.Equal(t, state.Tier, cached.Tier)
}

func TestChangeNotifications(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)

	id, ch := svc.Subscribe()
	defer svc.Unsubscribe(id)

	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	select {
	case change := <-ch:
		assert.Equal(t, ReasonActivation, change.Reason)
		assert.True(t, change.Previous.Empty())
		assert.Equal(t, testKey, change.Current.LicenseKey)
	case <-time.After(time.Second):
		t.Fatal("no activation notification received")
	}

	srv.setResponse(func(action string, req licensing.ValidationRequest) licensing.ValidationResponse {
		return rejection("blocked", "key_blocked")
	})
	svc.Validate(context.Background())

	select {
	case change := <-ch:
		assert.Equal(t, ReasonRevocation, change.Reason)
		assert.True(t, change.Current.Empty())
	case <-time.After(time.Second):
		t.Fatal("no revocation notification received")
	}
}

func TestUnchangedValidationStaysQuiet(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	id, ch := svc.Subscribe()
	defer svc.Unsubscribe(id)

	svc.Validate(context.Background())
	select {
	case change := <-ch:
		t.Fatalf("unexpected notification %s for an unchanged state", change.Reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForceValidateRunsImmediately(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	before := srv.requestCount()
	state := svc.ForceValidate(context.Background())
	assert.Equal(t, before+1, srv.requestCount())
	assert.False(t, state.Offline)
}

func TestHistoryRecordsChanges(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(context.Background()))

	entries := svc.History(10)
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonDeactivation, entries[0].Reason, "newest first")
	assert.Equal(t, ReasonActivation, entries[1].Reason)
	assert.NotContains(t, entries[1].MaskedKey, "DEFGH012", "history must never hold the full key")
}

func TestQuotaBypassedOnPro(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)

	// Free tier: metered.
	assert.Equal(t, DefaultDailyAnalysisQuota, svc.RemainingAnalysisToday())
	assert.Equal(t, 3, svc.ConsumeAnalysisBatch(3))

	_, err := svc.Activate(context.Background(), testKey)
	require.NoError(t, err)

	// Pro: unmetered, counter untouched.
	assert.Equal(t, -1, svc.RemainingAnalysisToday())
	assert.Equal(t, 1000, svc.ConsumeAnalysisBatch(1000))
	assert.Equal(t, DefaultDailyAnalysisQuota-3, svc.quota.RemainingToday())
}

func TestUsageRecorderReceivesGrants(t *testing.T) {
	srv := newLicenseServer(t)

	var mu sync.Mutex
	granted := 0
	svc, err := New(context.Background(), Options{
		DataDir:        t.TempDir(),
		ServerURL:      srv.URL,
		AppVersion:     "test",
		OnlineInterval: time.Hour,
		UsageRecorder: func(feature string, n int) {
			mu.Lock()
			granted += n
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer svc.Close()

	svc.ConsumeAnalysisBatch(4)
	svc.ConsumeAnalysisBatch(0)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, granted)
}

func TestRequireFeature(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)

	require.NoError(t, svc.RequireFeature(licensing.FeatureAppList))
	err := svc.RequireFeature(licensing.FeatureBatchDebloat)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Pro")

	require.Error(t, svc.RequireFeature("no_such_feature"), "unknown features fail closed")
}

func TestCloseIdempotent(t *testing.T) {
	srv := newLicenseServer(t)
	svc := newTestService(t, t.TempDir(), srv.URL)
	id, ch := svc.Subscribe()
	_ = id

	svc.Close()
	svc.Close()

	_, open := <-ch
	assert.False(t, open, "shutdown closes subscriber channels")
}
