// Package capture turns incident triggers into stored, chained evidence snapshots.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/types"
)

var tracer = otel.Tracer("github.com/paw-chain/custody/capture")

// Config bounds a capture
type Config struct {
	// Deadline for all collectors of one capture
	Deadline time.Duration `mapstructure:"deadline"`
	// RateLimit is the sustained captures per second, zero disables limiting
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	// StoreAttempts bounds evidence store writes per capture
	StoreAttempts  int           `mapstructure:"store_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	NodeID         string        `mapstructure:"node_id"`
}

// DefaultConfig returns the production capture settings
func DefaultConfig() Config {
	return Config{
		Deadline:       30 * time.Second,
		RateLimit:      2,
		Burst:          10,
		StoreAttempts:  3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Trigger is a request to capture evidence
type Trigger struct {
	// IncidentID appends to an existing incident; a fresh id is reserved when empty
	IncidentID    string              `json:"incident_id,omitempty"`
	IncidentType  string              `json:"incident_type"`
	TriggerSource types.TriggerSource `json:"trigger_source,omitempty"`
	Context       map[string]any      `json:"context,omitempty"`
}

// Result is a committed capture
type Result struct {
	Incident   types.Incident      `json:"incident"`
	Block      types.EvidenceBlock `json:"block"`
	BlobRef    types.BlobRef       `json:"blob_ref"`
	Incomplete bool                `json:"incomplete"`
}

// Option configures an Agent
type Option func(*Agent)

// WithMetrics records capture metrics
func WithMetrics(m *metrics.CustodyMetrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Agent runs collectors, stores the snapshot and appends its block
type Agent struct {
	config     Config
	ledger     *ledger.Ledger
	store      evidence.Store
	collectors []Collector
	limiter    *rate.Limiter
	logger     log.Logger
	metrics    *metrics.CustodyMetrics
}

// NewAgent creates a capture agent over an injected ledger and store
func NewAgent(config Config, l *ledger.Ledger, store evidence.Store, collectors []Collector, logger log.Logger, opts ...Option) *Agent {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if config.StoreAttempts <= 0 {
		config.StoreAttempts = 1
	}

	a := &Agent{
		config:     config,
		ledger:     l,
		store:      store,
		collectors: collectors,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.With("module", "capture"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Capture collects a snapshot for trig, stores it and appends its block. A
// collector failure or the deadline marks the snapshot incomplete and is not
// an error; storage exhaustion is, and then no block is appended.
func (a *Agent) Capture(ctx context.Context, trig Trigger) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "capture")
	defer span.End()

	result, err := a.capture(ctx, trig)
	outcome := "complete"
	switch {
	case err != nil:
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Incomplete:
		outcome = "incomplete"
	}
	if !errors.Is(err, types.ErrCaptureRateLimited) {
		a.metrics.RecordCapture(outcome, time.Since(start))
	}
	if err == nil {
		a.metrics.RecordAppend(a.ledger.Tip())
		span.SetAttributes(
			attribute.String("incident_id", result.Incident.IncidentID),
			attribute.Int64("block_index", int64(result.Block.BlockIndex)),
		)
	}
	return result, err
}

func (a *Agent) capture(ctx context.Context, trig Trigger) (Result, error) {
	if err := types.ValidateIncidentType(trig.IncidentType); err != nil {
		return Result{}, err
	}
	if trig.TriggerSource == "" {
		trig.TriggerSource = types.TriggerManual
	}
	if err := trig.TriggerSource.Validate(); err != nil {
		return Result{}, err
	}
	if trig.IncidentID != "" {
		if err := types.ValidateIncidentID(trig.IncidentID); err != nil {
			return Result{}, err
		}
		// only ReserveIncidentID opens incidents; a supplied id must already exist
		if _, err := a.ledger.Incident(ctx, trig.IncidentID); err != nil {
			return Result{}, err
		}
	}
	if err := a.ledger.Halted(); err != nil {
		return Result{}, errorsmod.Wrap(types.ErrLedgerHalted, err.Error())
	}
	if !a.limiter.Allow() {
		a.metrics.RecordRateLimited()
		return Result{}, errorsmod.Wrapf(types.ErrCaptureRateLimited, "type %s", trig.IncidentType)
	}

	incidentID := trig.IncidentID
	if incidentID == "" {
		id, err := a.ledger.ReserveIncidentID(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("failed to reserve incident id: %w", err)
		}
		incidentID = id
	}

	snapshot := Snapshot{
		IncidentID:     incidentID,
		IncidentType:   trig.IncidentType,
		TriggerSource:  trig.TriggerSource,
		Classification: Classify(trig.IncidentType),
		NodeID:         a.config.NodeID,
		CapturedAt:     integrity.FormatTime(a.ledger.Now()),
		Context:        trig.Context,
	}
	a.collect(ctx, &snapshot)

	payload, err := snapshot.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	meta, err := a.storeSnapshot(ctx, payload, evidence.Meta{
		IncidentID:   incidentID,
		IncidentType: trig.IncidentType,
		Incomplete:   snapshot.Incomplete,
		ContentType:  evidence.ContentTypeSnapshot,
	})
	if err != nil {
		a.logger.Error("evidence storage failed, no block appended", "incident_id", incidentID, "error", err)
		return Result{}, err
	}

	block, err := a.ledger.Append(ctx, ledger.AppendRequest{
		Incident: types.Incident{
			IncidentID:    incidentID,
			IncidentType:  trig.IncidentType,
			TriggerSource: trig.TriggerSource,
		},
		ArtifactDigest: meta.Digest,
		Size:           meta.Size,
		Incomplete:     snapshot.Incomplete,
		ContentType:    evidence.ContentTypeSnapshot,
	})
	if err != nil {
		return Result{}, err
	}

	incident, err := a.ledger.Incident(ctx, incidentID)
	if err != nil {
		return Result{}, err
	}
	ref, err := a.ledger.BlobRef(ctx, block.BlockIndex)
	if err != nil {
		return Result{}, err
	}

	a.logger.Info("evidence captured",
		"incident_id", incidentID,
		"type", trig.IncidentType,
		"block_index", block.BlockIndex,
		"digest", meta.Digest,
		"incomplete", snapshot.Incomplete)
	return Result{Incident: incident, Block: block, BlobRef: ref, Incomplete: snapshot.Incomplete}, nil
}

type collected struct {
	name    string
	value   any
	err     error
	elapsed time.Duration
}

// collect runs every collector concurrently under the capture deadline
func (a *Agent) collect(ctx context.Context, snapshot *Snapshot) {
	snapshot.Collected = make(map[string]any, len(a.collectors))
	snapshot.Steps = make([]Step, 0, len(a.collectors))
	if len(a.collectors) == 0 {
		return
	}

	deadline := a.config.Deadline
	if deadline <= 0 {
		deadline = DefaultConfig().Deadline
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(chan collected, len(a.collectors))
	for _, c := range a.collectors {
		go func(c Collector) {
			started := time.Now()
			value, err := c.Collect(cctx)
			results <- collected{name: c.Name(), value: value, err: err, elapsed: time.Since(started)}
		}(c)
	}

	pending := make(map[string]struct{}, len(a.collectors))
	for _, c := range a.collectors {
		pending[c.Name()] = struct{}{}
	}

	timedOut := false
	for len(pending) > 0 && !timedOut {
		select {
		case r := <-results:
			delete(pending, r.name)
			step := Step{Collector: r.name, Status: StepOK, DurationMs: r.elapsed.Milliseconds()}
			switch {
			case r.err != nil && cctx.Err() != nil:
				step.Status = StepTimeout
				step.Error = r.err.Error()
			case r.err != nil:
				step.Status = StepFailed
				step.Error = r.err.Error()
			}
			if r.value != nil {
				snapshot.Collected[r.name] = r.value
			}
			snapshot.Steps = append(snapshot.Steps, step)
		case <-cctx.Done():
			timedOut = true
		}
	}

	if timedOut {
		names := make([]string, 0, len(pending))
		for name := range pending {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			snapshot.Steps = append(snapshot.Steps, Step{
				Collector:  name,
				Status:     StepTimeout,
				Error:      types.ErrCaptureTimeout.Error(),
				DurationMs: deadline.Milliseconds(),
			})
		}
		snapshot.Errors = append(snapshot.Errors, errorsmod.Wrapf(types.ErrCaptureTimeout,
			"%d collectors unfinished after %s", len(names), deadline).Error())
	}

	sort.Slice(snapshot.Steps, func(i, j int) bool { return snapshot.Steps[i].Collector < snapshot.Steps[j].Collector })
	for _, step := range snapshot.Steps {
		if step.Status != StepOK {
			snapshot.Incomplete = true
			a.metrics.RecordCollectorError(step.Collector, step.Status)
			a.logger.Warn("collector did not complete", "collector", step.Collector, "status", step.Status, "error", step.Error)
		}
	}
}

// storeSnapshot writes payload with bounded exponential backoff
func (a *Agent) storeSnapshot(ctx context.Context, payload []byte, meta evidence.Meta) (evidence.Meta, error) {
	expo := backoff.NewExponentialBackOff()
	if a.config.InitialBackoff > 0 {
		expo.InitialInterval = a.config.InitialBackoff
	}
	if a.config.MaxBackoff > 0 {
		expo.MaxInterval = a.config.MaxBackoff
	}
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(a.config.StoreAttempts-1)), ctx)

	var stored evidence.Meta
	attempt := 0
	operation := func() error {
		attempt++
		m, err := a.store.Put(ctx, payload, meta)
		if err != nil {
			if errors.Is(err, types.ErrDigestMismatch) || errors.Is(err, types.ErrInvalidDigest) {
				return backoff.Permanent(err)
			}
			return err
		}
		stored = m
		return nil
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("evidence store write failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return evidence.Meta{}, errorsmod.Wrapf(types.ErrCaptureStorage, "after %d attempts: %s", attempt, err)
	}
	return stored, nil
}
