// Package recovery rebuilds a site's ledger and evidence store from the best
// reachable replica.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/replication"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

var tracer = otel.Tracer("github.com/paw-chain/custody/recovery")

// DefaultPageSize is the number of blocks fetched per request
const DefaultPageSize = 100

// Source is a replica recovery may restore from
type Source struct {
	SiteID    string
	Transport replication.Transport
}

// Options narrows one recovery run
type Options struct {
	// ExcludeSites are never used as source, e.g. after a failed run against them
	ExcludeSites []string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithPageSize sets the block page size
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithMetrics records recovery metrics
func WithMetrics(m *metrics.CustodyMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs the recovery state machine
// Idle -> Assessing -> Restoring -> Verifying -> Complete | Failed.
type Orchestrator struct {
	ledger   *ledger.Ledger
	store    evidence.Store
	verifier *verifier.Verifier
	sources  []Source
	logger   log.Logger
	metrics  *metrics.CustodyMetrics
	pageSize int

	running atomic.Bool
	mu      sync.RWMutex
	state   types.RecoveryState
}

// New creates an orchestrator over the given sources
func New(l *ledger.Ledger, store evidence.Store, v *verifier.Verifier, sources []Source, logger log.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:   l,
		store:    store,
		verifier: v,
		sources:  sources,
		logger:   logger.With("module", "recovery"),
		pageSize: DefaultPageSize,
		state:    types.RecoveryIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns the current state of the machine
func (o *Orchestrator) State() types.RecoveryState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) transition(to types.RecoveryState) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	o.logger.Debug("recovery state", "from", from, "to", to)
}

// candidate is a source whose chain is longer than the local one
type candidate struct {
	source Source
	status types.PeerStatus
}

// Recover restores every block the best source holds beyond the local tip.
// When no source is ahead the run is a no-op: it completes without a
// checkpoint. Every other run records a checkpoint, failed runs included.
func (o *Orchestrator) Recover(ctx context.Context, opts Options) (types.RecoveryCheckpoint, error) {
	if !o.running.CompareAndSwap(false, true) {
		return types.RecoveryCheckpoint{}, types.ErrRecoveryInProgress
	}
	defer o.running.Store(false)

	ctx, span := tracer.Start(ctx, "recovery")
	defer span.End()

	local := o.ledger.Tip()
	cp := types.RecoveryCheckpoint{
		CheckpointID:      uuid.NewString(),
		RestoredFromIndex: local.NextIndex(),
		RestoredUpToIndex: local.Height(),
		StartedAt:         time.Now().UTC(),
	}

	o.transition(types.RecoveryAssessing)
	best, reachable := o.assess(ctx, local, opts)
	if best == nil {
		if reachable == 0 {
			err := errorsmod.Wrapf(types.ErrNoRecoverySource, "none of %d sources reachable", len(o.sources))
			return o.fail(ctx, cp, nil, err)
		}
		o.transition(types.RecoveryComplete)
		o.logger.Info("recovery found nothing newer", "local_tip", local.Height(), "sources", reachable)
		cp.State = types.RecoveryComplete
		cp.FinishedAt = time.Now().UTC()
		return cp, nil
	}

	cp.SourceSiteID = best.source.SiteID
	span.SetAttributes(attribute.String("source", best.source.SiteID), attribute.Int64("target", best.status.Tip.Height()))
	o.logger.Info("recovery source selected",
		"source", best.source.SiteID,
		"source_tip", best.status.Tip.LastIndex,
		"local_tip", local.Height())

	o.transition(types.RecoveryRestoring)
	restored, report, err := o.restore(ctx, best, &cp)
	cp.BlocksRestored = restored
	cp.RestoredUpToIndex = o.ledger.Tip().Height()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, cp, report, err)
	}

	o.transition(types.RecoveryVerifying)
	final, err := o.verifier.Verify(ctx, cp.RestoredFromIndex, uint64(cp.RestoredUpToIndex))
	if err != nil {
		return o.fail(ctx, cp, nil, err)
	}
	if !final.Verified {
		err := errorsmod.Wrapf(types.ErrRecoveryVerification, "%d findings in restored range from %s",
			len(final.Findings), best.source.SiteID)
		span.SetStatus(codes.Error, err.Error())
		return o.fail(ctx, cp, &final, err)
	}

	cp.State = types.RecoveryComplete
	cp.VerificationResult = &final
	cp.FinishedAt = time.Now().UTC()
	if err := o.ledger.RecordCheckpoint(ctx, cp); err != nil {
		return o.fail(ctx, cp, &final, fmt.Errorf("failed to record checkpoint: %w", err))
	}
	o.transition(types.RecoveryComplete)
	o.metrics.RecordRecovery(cp)
	o.logger.Info("recovery complete",
		"checkpoint", cp.CheckpointID,
		"source", cp.SourceSiteID,
		"restored", cp.BlocksRestored,
		"up_to", cp.RestoredUpToIndex)
	return cp, nil
}

// assess picks the reachable source with the highest tip, ties broken by
// the most recent sync. Only sources ahead of local are candidates.
func (o *Orchestrator) assess(ctx context.Context, local types.Tip, opts Options) (*candidate, int) {
	excluded := make(map[string]bool, len(opts.ExcludeSites))
	for _, id := range opts.ExcludeSites {
		excluded[id] = true
	}

	var best *candidate
	reachable := 0
	for _, src := range o.sources {
		if excluded[src.SiteID] {
			continue
		}
		status, err := src.Transport.Status(ctx)
		if err != nil {
			o.logger.Warn("recovery source unreachable", "source", src.SiteID, "error", err)
			continue
		}
		reachable++
		if status.Tip.Height() <= local.Height() {
			continue
		}
		c := &candidate{source: src, status: status}
		if best == nil || better(c.status, best.status) {
			best = c
		}
	}
	return best, reachable
}

func better(a, b types.PeerStatus) bool {
	if a.Tip.Height() != b.Tip.Height() {
		return a.Tip.Height() > b.Tip.Height()
	}
	return a.LastSyncAt.After(b.LastSyncAt)
}

// restore pages blocks from local tip+1 up to the source tip seen while
// assessing. Each page is checked against the local tip before any of it is
// imported.
func (o *Orchestrator) restore(ctx context.Context, c *candidate, cp *types.RecoveryCheckpoint) (uint64, *types.VerificationReport, error) {
	var restored uint64
	target := c.status.Tip.Height()

	for o.ledger.Tip().Height() < target {
		if err := ctx.Err(); err != nil {
			return restored, nil, err
		}
		tip := o.ledger.Tip()
		page, err := c.source.Transport.FetchBlocks(ctx, tip.NextIndex(), o.pageSize)
		if err != nil {
			return restored, nil, err
		}
		if len(page) == 0 {
			return restored, nil, errorsmod.Wrapf(types.ErrNoRecoverySource,
				"source %s returned no blocks after %d, expected up to %d", c.source.SiteID, tip.Height(), target)
		}
		if int64(len(page)) > target-tip.Height() {
			page = page[:target-tip.Height()]
		}

		if findings := verifier.CheckExtension(tip, page); len(findings) > 0 {
			return restored, pageReport(tip, page, findings), errorsmod.Wrapf(types.ErrRecoveryVerification,
				"page from %s at %d: %s", c.source.SiteID, tip.NextIndex(), findings[0])
		}

		for _, rb := range page {
			if err := o.fetchBlob(ctx, c.source, rb); err != nil {
				if errors.Is(err, types.ErrDigestMismatch) {
					finding := types.TamperDetected{
						BlockIndex: rb.Block.BlockIndex,
						Field:      types.FieldBlob,
						Expected:   rb.Block.ArtifactDigest,
						Detail:     "blob served by source does not match artifact_digest",
					}
					return restored, pageReport(tip, page, []types.TamperDetected{finding}),
						errorsmod.Wrapf(types.ErrRecoveryVerification, "block %d: %v", rb.Block.BlockIndex, err)
				}
				return restored, nil, err
			}
			ack, err := o.ledger.Import(ctx, rb)
			if err != nil {
				return restored, nil, err
			}
			if ack.Applied {
				restored++
			}
		}
		o.logger.Info("recovery page restored",
			"source", c.source.SiteID,
			"from", page[0].Block.BlockIndex,
			"to", page[len(page)-1].Block.BlockIndex)
	}
	return restored, nil, nil
}

// fetchBlob downloads the blob of rb into staging, continuing from whatever
// a previous run left staged, and publishes it after the digest check
func (o *Orchestrator) fetchBlob(ctx context.Context, src Source, rb types.ReplicatedBlock) error {
	digest := rb.BlobRef.Digest
	has, err := o.store.Has(ctx, digest)
	if err != nil || has {
		return err
	}

	offset, err := o.store.StagedSize(ctx, digest)
	if err != nil {
		return err
	}
	if offset < rb.BlobRef.Size {
		body, err := src.Transport.FetchBlob(ctx, digest, offset)
		if err != nil {
			return fmt.Errorf("failed to fetch blob %s from %s: %w", digest, src.SiteID, err)
		}
		_, err = o.store.WriteStaged(ctx, digest, offset, body)
		closeErr := body.Close()
		if err != nil {
			return err
		}
		if closeErr != nil && !errors.Is(closeErr, io.EOF) {
			return closeErr
		}
	}

	_, err = o.store.CommitStaged(ctx, evidence.Meta{
		Digest:       digest,
		Size:         rb.BlobRef.Size,
		IncidentID:   rb.Incident.IncidentID,
		IncidentType: rb.Incident.IncidentType,
		CapturedAt:   rb.Block.CreatedAt,
		Incomplete:   rb.BlobRef.Incomplete,
		ContentType:  rb.BlobRef.ContentType,
	})
	if err != nil && offset > 0 {
		o.logger.Warn("resumed blob failed digest check", "digest", digest, "resumed_at", offset, "error", err)
	}
	return err
}

func pageReport(tip types.Tip, page []types.ReplicatedBlock, findings []types.TamperDetected) *types.VerificationReport {
	now := time.Now().UTC()
	return &types.VerificationReport{
		FromIndex:     tip.NextIndex(),
		ToIndex:       page[len(page)-1].Block.BlockIndex,
		TipIndex:      tip.Height(),
		BlocksChecked: len(page),
		Findings:      findings,
		StartedAt:     now,
		FinishedAt:    now,
	}
}

// fail records a failed run and returns err
func (o *Orchestrator) fail(ctx context.Context, cp types.RecoveryCheckpoint, report *types.VerificationReport, err error) (types.RecoveryCheckpoint, error) {
	o.transition(types.RecoveryFailed)
	cp.State = types.RecoveryFailed
	cp.Error = err.Error()
	cp.VerificationResult = report
	cp.FinishedAt = time.Now().UTC()
	if recErr := o.ledger.RecordCheckpoint(context.WithoutCancel(ctx), cp); recErr != nil {
		o.logger.Error("failed to record recovery checkpoint", "checkpoint", cp.CheckpointID, "error", recErr)
	}
	o.metrics.RecordRecovery(cp)
	o.logger.Error("recovery failed", "source", cp.SourceSiteID, "restored", cp.BlocksRestored, "error", err)
	return cp, err
}
