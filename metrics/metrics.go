// Package metrics holds the Prometheus collectors of the custody service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paw-chain/custody/types"
)

const namespace = "custody"

// CustodyMetrics holds all Prometheus metrics of the service. A nil
// *CustodyMetrics is valid and records nothing.
type CustodyMetrics struct {
	// Capture metrics
	Captures        *prometheus.CounterVec
	CaptureDuration prometheus.Histogram
	CollectorErrors *prometheus.CounterVec
	RateLimited     prometheus.Counter

	// Ledger metrics
	BlocksAppended prometheus.Counter
	BlocksImported prometheus.Counter
	ChainLength    prometheus.Gauge
	LedgerHalted   prometheus.Gauge

	// Verification metrics
	Verifications        *prometheus.CounterVec
	LastVerification     prometheus.Gauge
	VerificationDuration prometheus.Histogram
	TamperFindings       *prometheus.CounterVec

	// Replication metrics
	ReplicationPushes *prometheus.CounterVec
	SiteLag           *prometheus.GaugeVec
	SiteReachable     *prometheus.GaugeVec
	BlobsPruned       prometheus.Counter

	// Recovery metrics
	Recoveries     *prometheus.CounterVec
	BlocksRestored prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewCustodyMetrics creates the collectors and registers them with reg
func NewCustodyMetrics(reg prometheus.Registerer) *CustodyMetrics {
	factory := promauto.With(reg)
	return &CustodyMetrics{
		Captures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "total",
				Help:      "Evidence captures by outcome",
			},
			[]string{"outcome"}, // complete, incomplete, failed
		),
		CaptureDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "duration_seconds",
				Help:      "Time from trigger to committed block",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		CollectorErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "collector_errors_total",
				Help:      "Collector steps that failed or timed out",
			},
			[]string{"collector", "status"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "capture",
				Name:      "rate_limited_total",
				Help:      "Capture triggers rejected by the rate limiter",
			},
		),
		BlocksAppended: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "blocks_appended_total",
				Help:      "Blocks sealed locally",
			},
		),
		BlocksImported: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "blocks_imported_total",
				Help:      "Blocks applied from another site",
			},
		),
		ChainLength: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_length",
				Help:      "Number of committed blocks",
			},
		),
		LedgerHalted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "halted",
				Help:      "1 when the writer stopped after a conflict",
			},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "runs_total",
				Help:      "Verifier passes by result",
			},
			[]string{"result"}, // verified, tampered
		),
		LastVerification: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_verification_status",
				Help:      "1 when the last verifier pass found no tampering",
			},
		),
		VerificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "duration_seconds",
				Help:      "Verifier pass duration",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TamperFindings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "verifier",
				Name:      "findings_total",
				Help:      "Tamper findings by field",
			},
			[]string{"field"},
		),
		ReplicationPushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "pushes_total",
				Help:      "Block pushes to replica sites by result",
			},
			[]string{"site", "result"},
		),
		SiteLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replication_lag",
				Help:      "Blocks committed locally and not yet held by the site",
			},
			[]string{"site"},
		),
		SiteReachable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "site_reachable",
				Help:      "1 when the last exchange with the site succeeded",
			},
			[]string{"site"},
		),
		BlobsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "blobs_pruned_total",
				Help:      "Local blobs pruned after confirmed replication",
			},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Recovery runs by final state",
			},
			[]string{"state"},
		),
		BlocksRestored: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "blocks_restored_total",
				Help:      "Blocks restored from replica sites",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "method", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordCapture counts a finished capture
func (m *CustodyMetrics) RecordCapture(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Captures.WithLabelValues(outcome).Inc()
	m.CaptureDuration.Observe(elapsed.Seconds())
}

// RecordCollectorError counts a collector step that did not succeed
func (m *CustodyMetrics) RecordCollectorError(collector, status string) {
	if m == nil {
		return
	}
	m.CollectorErrors.WithLabelValues(collector, status).Inc()
}

// RecordRateLimited counts a rejected trigger
func (m *CustodyMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RecordAppend counts a sealed block and updates the chain length
func (m *CustodyMetrics) RecordAppend(tip types.Tip) {
	if m == nil {
		return
	}
	m.BlocksAppended.Inc()
	m.ChainLength.Set(float64(tip.Length))
}

// RecordImport counts an applied replicated block
func (m *CustodyMetrics) RecordImport(tip types.Tip) {
	if m == nil {
		return
	}
	m.BlocksImported.Inc()
	m.ChainLength.Set(float64(tip.Length))
}

// SetHalted reflects the writer state
func (m *CustodyMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	m.LedgerHalted.Set(boolGauge(halted))
}

// RecordVerification records a finished verifier pass
func (m *CustodyMetrics) RecordVerification(report types.VerificationReport) {
	if m == nil {
		return
	}
	result := "verified"
	if !report.Verified {
		result = "tampered"
	}
	m.Verifications.WithLabelValues(result).Inc()
	m.LastVerification.Set(boolGauge(report.Verified))
	m.VerificationDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	for _, f := range report.Findings {
		m.TamperFindings.WithLabelValues(string(f.Field)).Inc()
	}
}

// RecordPush counts a block push to a site
func (m *CustodyMetrics) RecordPush(site string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ReplicationPushes.WithLabelValues(site, result).Inc()
}

// RecordSite reflects the replication state of a site
func (m *CustodyMetrics) RecordSite(site types.ReplicaSite, tip types.Tip) {
	if m == nil {
		return
	}
	m.SiteLag.WithLabelValues(site.SiteID).Set(float64(site.Lag(tip)))
	m.SiteReachable.WithLabelValues(site.SiteID).Set(boolGauge(site.Status != types.SiteUnreachable))
}

// RecordPrune counts a pruned local blob
func (m *CustodyMetrics) RecordPrune() {
	if m == nil {
		return
	}
	m.BlobsPruned.Inc()
}

// RecordRecovery counts a finished recovery run
func (m *CustodyMetrics) RecordRecovery(cp types.RecoveryCheckpoint) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(string(cp.State)).Inc()
	m.BlocksRestored.Add(float64(cp.BlocksRestored))
}

// RecordHTTP records one served request
func (m *CustodyMetrics) RecordHTTP(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
