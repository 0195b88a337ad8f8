package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/testutil"
	"github.com/paw-chain/custody/types"
)

type staticSites []types.ReplicaSite

func (s staticSites) Sites() []types.ReplicaSite { return s }

type staticReport struct {
	report types.VerificationReport
	ok     bool
}

func (s staticReport) Last() (types.VerificationReport, bool) { return s.report, s.ok }

type haltedLedger struct{ Ledger }

func (haltedLedger) Halted() error { return errors.New("append conflict at 3") }

func newChecker(t testing.TB, sites Sites, reports Verifications) (*Checker, *testutil.Node) {
	t.Helper()
	node := testutil.NewNode(t)
	checker, err := NewChecker(log.NewNopLogger(), DefaultConfig(), node.Ledger, node.Store, sites, reports)
	require.NoError(t, err)
	return checker, node
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 5*time.Second, cfg.MaxResponseTime)
	require.Equal(t, 5*time.Second, cfg.CacheDuration)
}

func TestNewCheckerRequiresLedger(t *testing.T) {
	node := testutil.NewNode(t)
	_, err := NewChecker(log.NewNopLogger(), DefaultConfig(), nil, node.Store, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestCheckComponents(t *testing.T) {
	checker, node := newChecker(t, staticSites{types.NewReplicaSite("site-b", "http://b")},
		staticReport{report: types.VerificationReport{Verified: true}, ok: true})
	node.Grow(t, 2)

	health, err := checker.Check(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, health.Status)
	require.Len(t, health.Components, 4)
	require.Equal(t, uint64(2), health.Components["ledger"].Metrics["chain_length"])
	require.Equal(t, 2, health.Components["evidence_store"].Metrics["blobs"])
	require.Equal(t, map[string]uint64{"site-b": 2}, health.Components["replication"].Metrics["lag"])
}

func TestCheckStatuses(t *testing.T) {
	unreachable := types.NewReplicaSite("site-b", "http://b")
	unreachable.Status = types.SiteUnreachable
	diverged := types.NewReplicaSite("site-c", "http://c")
	diverged.Status = types.SiteDiverged
	tampered := types.VerificationReport{}
	tampered.Record(types.TamperDetected{BlockIndex: 5, Field: types.FieldArtifactDigest})

	tests := []struct {
		name     string
		sites    Sites
		reports  Verifications
		halted   bool
		expected Status
	}{
		{name: "replication disabled", expected: StatusHealthy},
		{name: "unreachable site", sites: staticSites{unreachable}, expected: StatusDegraded},
		{name: "diverged site", sites: staticSites{unreachable, diverged}, expected: StatusUnhealthy},
		{name: "tamper found", reports: staticReport{report: tampered, ok: true}, expected: StatusUnhealthy},
		{name: "no verification yet", reports: staticReport{}, expected: StatusHealthy},
		{name: "ledger halted", halted: true, expected: StatusUnhealthy},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			checker, _ := newChecker(t, tt.sites, tt.reports)
			if tt.halted {
				checker.ledger = haltedLedger{checker.ledger}
			}
			health, err := checker.Check(context.Background(), true)
			require.NoError(t, err)
			require.Equal(t, tt.expected, health.Status)
		})
	}
}

func TestCalculateOverallStatus(t *testing.T) {
	t.Parallel()

	checker, _ := newChecker(t, nil, nil)

	tests := []struct {
		name       string
		components map[string]ComponentHealth
		expected   Status
	}{
		{
			name: "all healthy",
			components: map[string]ComponentHealth{
				"ledger":         {Status: StatusHealthy},
				"evidence_store": {Status: StatusHealthy},
				"replication":    {Status: StatusHealthy},
			},
			expected: StatusHealthy,
		},
		{
			name: "unknown is not degraded",
			components: map[string]ComponentHealth{
				"ledger":       {Status: StatusHealthy},
				"verification": {Status: StatusUnknown},
			},
			expected: StatusHealthy,
		},
		{
			name: "one degraded",
			components: map[string]ComponentHealth{
				"ledger":      {Status: StatusHealthy},
				"replication": {Status: StatusDegraded},
			},
			expected: StatusDegraded,
		},
		{
			name: "unhealthy takes precedence over degraded",
			components: map[string]ComponentHealth{
				"replication":  {Status: StatusDegraded},
				"verification": {Status: StatusUnhealthy},
			},
			expected: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.expected, checker.calculateOverallStatus(tt.components))
		})
	}
}

func TestShouldUseCached(t *testing.T) {
	t.Parallel()

	node := testutil.NewNode(t)
	cfg := DefaultConfig()
	cfg.CacheDuration = 1 * time.Second
	checker, err := NewChecker(log.NewNopLogger(), cfg, node.Ledger, node.Store, nil, nil)
	require.NoError(t, err)

	// No cache initially
	require.False(t, checker.shouldUseCached())

	_, err = checker.Check(context.Background(), false)
	require.NoError(t, err)
	require.True(t, checker.shouldUseCached())

	time.Sleep(1100 * time.Millisecond)
	require.False(t, checker.shouldUseCached())
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	checker, _ := newChecker(t, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	checker.handleHealth(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Equal(t, "ok", response["status"])
	require.NotEmpty(t, response["timestamp"])
}

func TestReadyUnavailableWhenUnhealthy(t *testing.T) {
	diverged := types.NewReplicaSite("site-c", "http://c")
	diverged.Status = types.SiteDiverged
	checker, _ := newChecker(t, staticSites{diverged}, nil)

	w := httptest.NewRecorder()
	checker.handleHealthReady(w, httptest.NewRequest("GET", "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthCheck
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	require.Equal(t, StatusUnhealthy, health.Status)
	require.Contains(t, health.Components["replication"].Message, "site-c")
}

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	checker, _ := newChecker(t, nil, nil)
	router := mux.NewRouter()
	checker.RegisterRoutes(router)

	for _, route := range []string{"/health", "/health/ready", "/health/detailed"} {
		req := httptest.NewRequest("GET", route, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "Route %s should be registered", route)
	}
}

func TestConcurrentHealthChecks(t *testing.T) {
	t.Parallel()

	checker, _ := newChecker(t, nil, nil)

	const numRequests = 10
	results := make(chan error, numRequests)

	for i := 0; i < numRequests; i++ {
		go func() {
			req := httptest.NewRequest("GET", "/health/ready", nil)
			w := httptest.NewRecorder()
			checker.handleHealthReady(w, req)

			if w.Code != http.StatusOK {
				results <- fmt.Errorf("unexpected status %d", w.Code)
				return
			}
			results <- nil
		}()
	}

	for i := 0; i < numRequests; i++ {
		require.NoError(t, <-results, "Concurrent request %d failed", i)
	}
}

func BenchmarkCalculateOverallStatus(b *testing.B) {
	checker, _ := newChecker(b, nil, nil)

	components := map[string]ComponentHealth{
		"ledger":         {Status: StatusHealthy},
		"evidence_store": {Status: StatusHealthy},
		"replication":    {Status: StatusDegraded},
		"verification":   {Status: StatusHealthy},
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = checker.calculateOverallStatus(components)
	}
}
