package verifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/types"
)

var tracer = otel.Tracer("github.com/paw-chain/custody/verifier")

// Option configures a Verifier
type Option func(*Verifier)

// WithVerifyKey checks block signatures against a trusted hex public key
func WithVerifyKey(pubKey string) Option {
	return func(v *Verifier) { v.verifyKey = pubKey }
}

// WithObserver is called with every finished report
func WithObserver(fn func(types.VerificationReport)) Option {
	return func(v *Verifier) { v.observers = append(v.observers, fn) }
}

// Verifier recomputes the hash chain and blob digests. It only reads chain
// data, so it runs concurrently with appends; the one thing it writes is the
// verified-mark cache, which it invalidates before and refills after each pass.
type Verifier struct {
	ledger    *ledger.Ledger
	store     evidence.Store
	logger    log.Logger
	verifyKey string
	observers []func(types.VerificationReport)
}

// New creates a verifier over a ledger and its evidence store
func New(l *ledger.Ledger, store evidence.Store, logger log.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		ledger: l,
		store:  store,
		logger: logger.With("module", "verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyAll checks every block up to the tip observed at call time
func (v *Verifier) VerifyAll(ctx context.Context) (types.VerificationReport, error) {
	tip := v.ledger.Tip()
	if tip.Empty() {
		now := time.Now().UTC()
		report := types.VerificationReport{TipIndex: -1, Verified: true, Findings: []types.TamperDetected{}, StartedAt: now, FinishedAt: now}
		v.publish(report)
		return report, nil
	}
	return v.run(ctx, tip, contiguous(0, tip.LastIndex))
}

// Verify checks blocks in [from, to]; to is clipped to the tip observed at call time
func (v *Verifier) Verify(ctx context.Context, from, to uint64) (types.VerificationReport, error) {
	if from > to {
		return types.VerificationReport{}, errorsmod.Wrapf(types.ErrInvalidRange, "from %d > to %d", from, to)
	}
	tip := v.ledger.Tip()
	if tip.Empty() || from > tip.LastIndex {
		return types.VerificationReport{}, errorsmod.Wrapf(types.ErrInvalidRange, "from %d beyond tip %d", from, tip.Height())
	}
	if to > tip.LastIndex {
		to = tip.LastIndex
	}
	return v.run(ctx, tip, contiguous(from, to))
}

// VerifyIncident checks every block of an incident
func (v *Verifier) VerifyIncident(ctx context.Context, incidentID string) (types.VerificationReport, error) {
	if _, err := v.ledger.Incident(ctx, incidentID); err != nil {
		return types.VerificationReport{}, err
	}
	tip := v.ledger.Tip()
	indices, err := v.ledger.IncidentBlocks(ctx, incidentID)
	if err != nil {
		return types.VerificationReport{}, err
	}
	if len(indices) == 0 {
		return types.VerificationReport{}, errorsmod.Wrapf(types.ErrIncidentNotFound, "%s has no committed blocks", incidentID)
	}
	return v.run(ctx, tip, indices)
}

func contiguous(from, to uint64) []uint64 {
	out := make([]uint64, 0, to-from+1)
	for i := from; ; i++ {
		out = append(out, i)
		if i == to {
			break
		}
	}
	return out
}

// loaded is a block read for checking, with everything needed to judge it
type loaded struct {
	index    uint64
	block    types.EvidenceBlock
	blockErr error
	ref      types.BlobRef
	refErr   error
	// consistent reports whether the stored hash is reproducible from the stored fields
	consistent bool
}

func (v *Verifier) load(ctx context.Context, index uint64) loaded {
	l := loaded{index: index}
	l.block, l.blockErr = v.ledger.Backend().Block(ctx, index)
	l.ref, l.refErr = v.ledger.Backend().BlobRef(ctx, index)
	if l.blockErr == nil {
		l.consistent = integrity.BlockHash(l.block) == l.block.BlockHash
	}
	return l
}

// run checks the given ascending indices, all at or below tip
func (v *Verifier) run(ctx context.Context, tip types.Tip, indices []uint64) (types.VerificationReport, error) {
	report := types.VerificationReport{
		FromIndex: indices[0],
		ToIndex:   indices[len(indices)-1],
		TipIndex:  tip.Height(),
		Verified:  true,
		Findings:  []types.TamperDetected{},
		StartedAt: time.Now().UTC(),
	}

	ctx, span := tracer.Start(ctx, "verify")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("from", int64(report.FromIndex)),
		attribute.Int64("to", int64(report.ToIndex)),
		attribute.Int("blocks", len(indices)),
	)

	if err := v.ledger.InvalidateVerified(ctx, report.FromIndex, report.ToIndex); err != nil {
		v.logger.Warn("failed to invalidate verification cache", "error", err)
	}

	var (
		prevIndex     uint64
		prevAuthentic string
		havePrev      bool
		next          *loaded
	)
	marks := make([]types.VerifiedMark, 0, len(indices))

	for _, index := range indices {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var cur loaded
		if next != nil && next.index == index {
			cur = *next
		} else {
			cur = v.load(ctx, index)
		}

		prior := ""
		switch {
		case index == 0:
			prior = types.GenesisHash
		case havePrev && prevIndex == index-1:
			prior = prevAuthentic
		default:
			prior = v.contextHash(ctx, index-1, tip)
		}

		successor := ""
		if index == tip.LastIndex {
			successor = tip.LastHash
		} else {
			nl := v.load(ctx, index+1)
			next = &nl
			if nl.blockErr == nil && nl.consistent {
				successor = nl.block.PreviousHash
			}
		}

		findings, authentic := v.check(ctx, cur, prior, successor, &report)
		for _, f := range findings {
			report.Record(f)
		}
		report.BlocksChecked++

		marks = append(marks, types.VerifiedMark{BlockIndex: index, Verified: len(findings) == 0, CheckedAt: time.Now().UTC()})
		prevIndex, prevAuthentic, havePrev = index, authentic, authentic != ""
	}

	if report.ToIndex == tip.LastIndex {
		if persisted, err := v.ledger.Backend().LoadTip(ctx); err == nil &&
			persisted.Length == tip.Length && persisted.LastHash != tip.LastHash {
			report.Record(types.TamperDetected{
				BlockIndex: tip.LastIndex,
				Field:      types.FieldTip,
				Expected:   tip.LastHash,
				Actual:     persisted.LastHash,
				Detail:     "persisted tip record does not match the committed head",
			})
		}
	}

	report.FinishedAt = time.Now().UTC()

	if err := v.ledger.CacheVerified(ctx, marks); err != nil {
		v.logger.Warn("failed to cache verification marks", "error", err)
	}

	if report.Verified {
		v.logger.Info("chain verified", "from", report.FromIndex, "to", report.ToIndex, "blocks", report.BlocksChecked)
	} else {
		span.SetStatus(codes.Error, "tamper detected")
		span.SetAttributes(attribute.Int("findings", len(report.Findings)))
		v.logger.Error("tamper detected",
			"from", report.FromIndex, "to", report.ToIndex,
			"findings", len(report.Findings), "blocks", fmt.Sprint(report.AffectedBlocks()))
	}
	v.publish(report)
	return report, nil
}

// contextHash returns the authentic hash of a block outside the checked set
func (v *Verifier) contextHash(ctx context.Context, index uint64, tip types.Tip) string {
	cur := v.load(ctx, index)
	if cur.blockErr != nil {
		return ""
	}
	if cur.consistent {
		return cur.block.BlockHash
	}
	successor := ""
	if index == tip.LastIndex {
		successor = tip.LastHash
	} else if nl := v.load(ctx, index+1); nl.blockErr == nil && nl.consistent {
		successor = nl.block.PreviousHash
	}
	if successor == integrity.BlockHash(cur.block) {
		return successor
	}
	return cur.block.BlockHash
}

// check judges one block and returns its findings plus the hash the next
// block is expected to link to. A single altered stored value yields exactly
// one finding on exactly this block.
func (v *Verifier) check(ctx context.Context, cur loaded, prior, successor string, report *types.VerificationReport) ([]types.TamperDetected, string) {
	var findings []types.TamperDetected
	add := func(field types.TamperField, expected, actual, detail string) {
		findings = append(findings, types.TamperDetected{
			BlockIndex: cur.index, Field: field, Expected: expected, Actual: actual, Detail: detail,
		})
	}

	if cur.blockErr != nil {
		detail := cur.blockErr.Error()
		if errors.Is(cur.blockErr, types.ErrBlockNotFound) {
			detail = "block missing from storage"
		}
		add(types.FieldBlock, "", "", detail)
		return findings, ""
	}

	block := cur.block
	refOK := cur.refErr == nil
	authentic := block.BlockHash
	blobDigest := block.ArtifactDigest
	explained := false

	if !cur.consistent {
		recomputed := integrity.BlockHash(block)

		if field, expected, actual, ok := v.attribute(cur, prior); ok {
			add(field, expected, actual, "stored value differs from the value sealed into block_hash")
			if field == types.FieldArtifactDigest {
				blobDigest = cur.ref.Digest
			}
			explained = true
		} else {
			switch {
			case successor != "" && successor == recomputed:
				add(types.FieldBlockHash, recomputed, block.BlockHash, "stored block_hash differs from recomputed hash and successor link")
				authentic = recomputed
			case successor != "" && successor == block.BlockHash:
				add(types.FieldCreatedAt, "", integrity.FormatTime(block.CreatedAt), "hash input changed while block_hash and successor link agree")
			default:
				add(types.FieldBlockHash, recomputed, block.BlockHash, "block_hash is not reproducible from stored fields")
			}
			explained = true
		}
	} else if successor != "" && successor != block.BlockHash {
		add(types.FieldBlockHash, successor, block.BlockHash, "block was resealed; successor links to a different hash")
		authentic = successor
		explained = true
	}

	if !explained && prior != "" && block.PreviousHash != prior {
		add(types.FieldPreviousHash, prior, block.PreviousHash, "previous_hash does not link to the prior block")
		explained = true
	}

	switch {
	case !refOK:
		add(types.FieldBlobRef, block.ArtifactDigest, "", "blob reference missing: "+cur.refErr.Error())
	case !explained && (cur.ref.Digest != block.ArtifactDigest || cur.ref.IncidentID != block.IncidentID):
		add(types.FieldBlobRef, block.ArtifactDigest, cur.ref.Digest, "blob reference does not match the block")
	}

	if f, ok := v.checkBlob(ctx, cur.index, blobDigest, report); ok {
		findings = append(findings, f)
	}

	if block.Signature != "" {
		key := v.verifyKey
		if key == "" {
			key = block.Signer
		}
		switch {
		case v.verifyKey != "" && block.Signer != "" && block.Signer != v.verifyKey:
			add(types.FieldSignature, v.verifyKey, block.Signer, "block signed by an untrusted key")
		case !integrity.VerifySignature(key, authentic, block.Signature):
			add(types.FieldSignature, "", block.Signature, "signature does not verify over block_hash")
		}
	}

	return findings, authentic
}

// attribute finds the single stored field whose restoration reproduces the stored hash
func (v *Verifier) attribute(cur loaded, prior string) (types.TamperField, string, string, bool) {
	block := cur.block
	type candidate struct {
		field            types.TamperField
		expected, actual string
		apply            func(*types.EvidenceBlock)
	}
	var candidates []candidate

	if block.BlockIndex != cur.index {
		candidates = append(candidates, candidate{
			types.FieldBlockIndex, strconv.FormatUint(cur.index, 10), strconv.FormatUint(block.BlockIndex, 10),
			func(b *types.EvidenceBlock) { b.BlockIndex = cur.index },
		})
	}
	if prior != "" && block.PreviousHash != prior {
		candidates = append(candidates, candidate{
			types.FieldPreviousHash, prior, block.PreviousHash,
			func(b *types.EvidenceBlock) { b.PreviousHash = prior },
		})
	}
	if cur.refErr == nil && cur.ref.Digest != block.ArtifactDigest {
		candidates = append(candidates, candidate{
			types.FieldArtifactDigest, cur.ref.Digest, block.ArtifactDigest,
			func(b *types.EvidenceBlock) { b.ArtifactDigest = cur.ref.Digest },
		})
	}
	if cur.refErr == nil && cur.ref.IncidentID != block.IncidentID {
		candidates = append(candidates, candidate{
			types.FieldIncidentID, cur.ref.IncidentID, block.IncidentID,
			func(b *types.EvidenceBlock) { b.IncidentID = cur.ref.IncidentID },
		})
	}

	for _, c := range candidates {
		restored := block
		c.apply(&restored)
		if integrity.BlockHash(restored) == block.BlockHash {
			return c.field, c.expected, c.actual, true
		}
	}
	return "", "", "", false
}

func (v *Verifier) checkBlob(ctx context.Context, index uint64, digest string, report *types.VerificationReport) (types.TamperDetected, bool) {
	finding := types.TamperDetected{BlockIndex: index, Field: types.FieldBlob, Expected: digest}

	rc, err := v.store.Open(ctx, digest)
	switch {
	case errors.Is(err, types.ErrBlobPruned):
		report.BlobsPruned++
		return finding, false
	case errors.Is(err, types.ErrBlobNotFound), errors.Is(err, types.ErrInvalidDigest):
		finding.Detail = "evidence blob missing and not pruned"
		return finding, true
	case err != nil:
		finding.Detail = "evidence blob unreadable: " + err.Error()
		return finding, true
	}
	defer rc.Close()

	actual, _, err := integrity.DigestReader(rc)
	report.BlobsChecked++
	if err != nil {
		finding.Detail = "evidence blob unreadable: " + err.Error()
		return finding, true
	}
	if actual != digest {
		finding.Actual = actual
		finding.Detail = "evidence blob bytes do not match artifact_digest"
		return finding, true
	}
	return finding, false
}

func (v *Verifier) publish(report types.VerificationReport) {
	for _, fn := range v.observers {
		fn(report)
	}
}
