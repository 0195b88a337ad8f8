package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

// IntegrityViolationType is the incident type self-captured when a sweep finds tampering
const IntegrityViolationType = "chain_integrity_violation"

// Capturer runs a capture for a trigger
type Capturer interface {
	Capture(ctx context.Context, trig capture.Trigger) (capture.Result, error)
}

// Sweep re-verifies the whole chain on an interval and remembers the outcome
// for health reporting
type Sweep struct {
	ledger   *ledger.Ledger
	verifier *verifier.Verifier
	capturer Capturer
	metrics  *metrics.CustodyMetrics
	logger   log.Logger
	interval time.Duration

	mu       sync.RWMutex
	last     types.VerificationReport
	hasLast  bool
	reported []uint64
}

// NewSweep creates a sweep. capturer is nil unless tampering should be captured
// as an incident of its own.
func NewSweep(l *ledger.Ledger, v *verifier.Verifier, interval time.Duration, capturer Capturer, m *metrics.CustodyMetrics, logger log.Logger) *Sweep {
	return &Sweep{
		ledger:   l,
		verifier: v,
		capturer: capturer,
		metrics:  m,
		logger:   logger.With("module", "sweep"),
		interval: interval,
	}
}

// Observe records a verifier report. Partial passes only count when they
// found something, so a clean range check never masks an earlier finding.
func (s *Sweep) Observe(report types.VerificationReport) {
	full := report.TipIndex < 0 || (report.FromIndex == 0 && int64(report.ToIndex) == report.TipIndex)
	if !full && report.Verified {
		return
	}
	s.mu.Lock()
	s.last = report
	s.hasLast = true
	s.mu.Unlock()
}

// Last returns the most recent full or failing report
func (s *Sweep) Last() (types.VerificationReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// Run sweeps until ctx is cancelled. A zero interval disables the sweep.
func (s *Sweep) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("verification sweep disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Once(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("verification sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once verifies the chain up to the current tip
func (s *Sweep) Once(ctx context.Context) error {
	s.metrics.SetHalted(s.ledger.Halted() != nil)

	report, err := s.verifier.VerifyAll(ctx)
	if err != nil {
		return err
	}
	if report.Verified {
		s.logger.Debug("chain verified", "blocks", report.BlocksChecked, "tip", report.TipIndex)
		s.setReported(nil)
		return nil
	}

	affected := report.AffectedBlocks()
	s.logger.Error("CHAIN INTEGRITY VIOLATION",
		"findings", len(report.Findings),
		"affected_blocks", fmt.Sprint(affected),
		"tip", report.TipIndex,
	)
	if s.capturer == nil || !s.setReported(affected) {
		return nil
	}

	result, err := s.capturer.Capture(ctx, capture.Trigger{
		IncidentType:  IntegrityViolationType,
		TriggerSource: types.TriggerScheduled,
		Context: map[string]any{
			"affected_blocks": affected,
			"findings":        report.Findings,
			"tip_index":       report.TipIndex,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to capture integrity violation: %w", err)
	}
	s.logger.Info("integrity violation captured", "incident_id", result.Incident.IncidentID, "block_index", result.Block.BlockIndex)
	return nil
}

// setReported stores the affected set and reports whether it changed, so the
// same findings are captured once
func (s *Sweep) setReported(affected []uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Equal(s.reported, affected) {
		return false
	}
	s.reported = affected
	return true
}
