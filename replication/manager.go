package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/metrics"
	"github.com/paw-chain/custody/types"
)

var tracer = otel.Tracer("github.com/paw-chain/custody/replication")

// SiteConfig is a configured remote site
type SiteConfig struct {
	ID       string `mapstructure:"id"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config controls replication to remote sites
type Config struct {
	Sites        []SiteConfig  `mapstructure:"sites"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// FailureThreshold is the number of consecutive failures after which a site is unreachable
	FailureThreshold int           `mapstructure:"failure_threshold"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	// ChunkSize is the blob upload chunk in bytes
	ChunkSize int `mapstructure:"chunk_size"`
	// MinReplicas is the number of sites that must hold a block before it is durable
	MinReplicas           int  `mapstructure:"min_replicas"`
	PruneAfterReplication bool `mapstructure:"prune_after_replication"`
}

// DefaultConfig returns the production replication settings
func DefaultConfig() Config {
	return Config{
		SyncInterval:     10 * time.Second,
		FailureThreshold: 3,
		InitialBackoff:   time.Second,
		MaxBackoff:       2 * time.Minute,
		ChunkSize:        1 << 20,
		MinReplicas:      1,
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithMetrics records replication metrics
func WithMetrics(m *metrics.CustodyMetrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

type siteWorker struct {
	id        string
	transport Transport
	// syncMu serializes pushes to one site
	syncMu  sync.Mutex
	backoff *backoff.ExponentialBackOff
}

// Manager ships the local chain to every configured site. Each site has one
// worker that owns its cursor; appends never wait on replication.
type Manager struct {
	config  Config
	ledger  *ledger.Ledger
	store   evidence.Store
	logger  log.Logger
	metrics *metrics.CustodyMetrics

	workers []*siteWorker

	mu    sync.RWMutex
	sites map[string]types.ReplicaSite

	pruneMu     sync.Mutex
	pruneCursor int64
}

// NewManager merges the configured sites with their persisted cursors
func NewManager(ctx context.Context, config Config, l *ledger.Ledger, store evidence.Store, dial Dialer, logger log.Logger, opts ...Option) (*Manager, error) {
	defaults := DefaultConfig()
	if config.FailureThreshold < 1 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaults.ChunkSize
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.MinReplicas < 1 {
		config.MinReplicas = defaults.MinReplicas
	}

	m := &Manager{
		config:      config,
		ledger:      l,
		store:       store,
		logger:      logger.With("module", "replication"),
		sites:       make(map[string]types.ReplicaSite),
		pruneCursor: -1,
	}
	for _, opt := range opts {
		opt(m)
	}

	persisted, err := l.Sites(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load replica sites: %w", err)
	}
	known := make(map[string]types.ReplicaSite, len(persisted))
	for _, s := range persisted {
		known[s.SiteID] = s
	}

	tip := l.Tip()
	for _, sc := range config.Sites {
		if _, dup := m.sites[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate replica site %q", sc.ID)
		}
		site, ok := known[sc.ID]
		if !ok {
			site = types.NewReplicaSite(sc.ID, sc.Endpoint)
		}
		site.Endpoint = sc.Endpoint
		if site.LastSyncedIndex > tip.Height() && site.Status != types.SiteDiverged {
			// a cursor past the local tip means the local chain was rolled back
			site.LastSyncedIndex = tip.Height()
			site.Status = types.SiteSyncing
		}
		transport, err := dial(site)
		if err != nil {
			return nil, fmt.Errorf("failed to dial site %s: %w", sc.ID, err)
		}
		if err := l.SaveSite(ctx, site); err != nil {
			return nil, fmt.Errorf("failed to save replica site %s: %w", sc.ID, err)
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = config.InitialBackoff
		b.MaxInterval = config.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()

		m.sites[sc.ID] = site
		m.workers = append(m.workers, &siteWorker{id: sc.ID, transport: transport, backoff: b})
		m.metrics.RecordSite(site, tip)
	}
	return m, nil
}

// Run starts one worker per site and blocks until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	if len(m.workers) == 0 {
		m.logger.Info("no replica sites configured")
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		w := w
		g.Go(func() error {
			m.work(ctx, w)
			return nil
		})
	}
	m.logger.Info("replication started", "sites", len(m.workers), "min_replicas", m.config.MinReplicas)
	return g.Wait()
}

func (m *Manager) work(ctx context.Context, w *siteWorker) {
	appended, unsubscribe := m.ledger.Subscribe()
	defer unsubscribe()

	timer := time.NewTimer(0)
	defer timer.Stop()
	failing := false

	for {
		// while backing off, appends do not shorten the wait
		wake := appended
		if failing {
			wake = nil
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		err := m.SyncOnce(ctx, w.id)
		if ctx.Err() != nil {
			return
		}
		next := m.config.SyncInterval
		failing = err != nil && !errors.Is(err, types.ErrReplicaDiverged)
		if failing {
			next = w.backoff.NextBackOff()
		} else {
			w.backoff.Reset()
		}
		timer.Reset(next)
	}
}

// Sites returns the replica site states ordered by id
func (m *Manager) Sites() []types.ReplicaSite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ReplicaSite, 0, len(m.sites))
	for _, s := range m.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteID < out[j].SiteID })
	return out
}

// Site returns the state of one site
func (m *Manager) Site(siteID string) (types.ReplicaSite, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sites[siteID]
	return s, ok
}

// SyncAll pushes pending blocks to every site once and returns the first error
func (m *Manager) SyncAll(ctx context.Context) error {
	var first error
	for _, w := range m.workers {
		if err := m.SyncOnce(ctx, w.id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SyncOnce pushes every block the site has not confirmed yet
func (m *Manager) SyncOnce(ctx context.Context, siteID string) error {
	w := m.worker(siteID)
	if w == nil {
		return errorsmod.Wrap(types.ErrUnknownSite, siteID)
	}
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	site, _ := m.Site(siteID)
	if site.Status == types.SiteDiverged {
		return errorsmod.Wrapf(types.ErrReplicaDiverged, "site %s: %s", siteID, site.LastError)
	}

	ctx, span := tracer.Start(ctx, "replication.sync")
	span.SetAttributes(attribute.String("site", siteID), attribute.Int64("cursor", site.LastSyncedIndex))
	defer span.End()

	err := m.push(ctx, w, &site)
	if err != nil && IsRejection(err) {
		m.logger.Warn("site rejected block, resyncing", "site", siteID, "cursor", site.LastSyncedIndex, "error", err)
		if err = m.resync(ctx, w, &site); err == nil {
			err = m.push(ctx, w, &site)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.finish(ctx, &site, err)

	if err == nil && m.config.PruneAfterReplication {
		m.prune(ctx)
	}
	return err
}

func (m *Manager) worker(siteID string) *siteWorker {
	for _, w := range m.workers {
		if w.id == siteID {
			return w
		}
	}
	return nil
}

// push sends blocks cursor+1..tip in order, advancing the cursor per ack
func (m *Manager) push(ctx context.Context, w *siteWorker, site *types.ReplicaSite) error {
	tip := m.ledger.Tip()
	if tip.Empty() {
		return nil
	}
	for next := uint64(site.LastSyncedIndex + 1); next <= tip.LastIndex; next++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rb, err := m.replicated(ctx, next)
		if err != nil {
			return err
		}
		if err := m.pushBlob(ctx, w.transport, site.SiteID, rb.BlobRef); err != nil {
			return err
		}
		ack, err := w.transport.PushBlock(ctx, rb)
		m.metrics.RecordPush(site.SiteID, err == nil)
		if err != nil {
			return err
		}
		if ack.BlockHash != rb.Block.BlockHash {
			return errorsmod.Wrapf(types.ErrReplicationTransport,
				"site %s acknowledged block %d as %s, local hash %s", site.SiteID, next, ack.BlockHash, rb.Block.BlockHash)
		}

		site.LastSyncedIndex = int64(next)
		site.LastSyncAt = time.Now().UTC()
		if next < tip.LastIndex {
			site.Status = types.SiteSyncing
		}
		if err := m.save(ctx, *site); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) replicated(ctx context.Context, index uint64) (types.ReplicatedBlock, error) {
	block, err := m.ledger.Block(ctx, index)
	if err != nil {
		return types.ReplicatedBlock{}, err
	}
	ref, err := m.ledger.BlobRef(ctx, index)
	if err != nil {
		return types.ReplicatedBlock{}, err
	}
	incident, err := m.ledger.Incident(ctx, block.IncidentID)
	if err != nil {
		return types.ReplicatedBlock{}, err
	}
	return types.ReplicatedBlock{Block: block, Incident: incident, BlobRef: ref}, nil
}

// pushBlob resumes an upload from the receiver's staged offset. A blob pruned
// locally is relayed from a site that confirmed it; the block is never sent
// to a site that does not hold its blob.
func (m *Manager) pushBlob(ctx context.Context, t Transport, siteID string, ref types.BlobRef) error {
	offset, err := t.BlobOffset(ctx, ref.Digest)
	if err != nil {
		return err
	}
	if offset.Complete {
		return nil
	}

	source := "local"
	rc, err := evidence.ReadAt(ctx, m.store, ref.Digest, offset.Offset)
	if errors.Is(err, types.ErrBlobPruned) {
		rc, source, err = m.relaySource(ctx, siteID, ref, offset.Offset)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, m.config.ChunkSize)
	pos := offset.Offset
	for {
		n, rerr := io.ReadFull(rc, buf)
		if n > 0 {
			staged, err := t.PushBlobChunk(ctx, ref.Digest, pos, buf[:n])
			if err != nil {
				return err
			}
			pos = staged
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read blob %s from %s: %w", ref.Digest, source, rerr)
		}
	}

	meta, err := m.store.Stat(ctx, ref.Digest)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrBlobPruned) || errors.Is(err, types.ErrBlobNotFound):
		meta = evidence.Meta{
			Digest:      ref.Digest,
			Size:        ref.Size,
			IncidentID:  ref.IncidentID,
			Incomplete:  ref.Incomplete,
			ContentType: ref.ContentType,
		}
	default:
		return err
	}
	if err := t.CommitBlob(ctx, meta); err != nil {
		return err
	}
	m.logger.Debug("blob replicated", "site", siteID, "digest", ref.Digest, "source", source, "resumed_at", offset.Offset, "size", pos)
	return nil
}

// relaySource opens a pruned blob on one of the sites that confirmed it
func (m *Manager) relaySource(ctx context.Context, siteID string, ref types.BlobRef, offset int64) (io.ReadCloser, string, error) {
	for _, id := range m.confirmedBy(ref.BlockIndex) {
		if id == siteID {
			continue
		}
		w := m.worker(id)
		if w == nil {
			continue
		}
		rc, err := w.transport.FetchBlob(ctx, ref.Digest, offset)
		if err != nil {
			m.logger.Warn("confirming site cannot relay pruned blob", "site", siteID, "source", id, "digest", ref.Digest, "error", err)
			continue
		}
		m.logger.Info("relaying pruned blob", "site", siteID, "source", id, "digest", ref.Digest)
		return rc, id, nil
	}
	return nil, "", errorsmod.Wrapf(types.ErrBlobPruned,
		"blob %s of block %d is pruned locally and no confirming site could relay it", ref.Digest, ref.BlockIndex)
}

// resync realigns the cursor with what the site actually holds. A site whose
// tip is not a prefix of the local chain is diverged and never overwritten.
func (m *Manager) resync(ctx context.Context, w *siteWorker, site *types.ReplicaSite) error {
	status, err := w.transport.Status(ctx)
	if err != nil {
		return err
	}
	peer := status.Tip
	if peer.Empty() {
		site.LastSyncedIndex = -1
		site.Status = types.SiteSyncing
		return m.save(ctx, *site)
	}

	local := m.ledger.Tip()
	if local.Empty() || peer.LastIndex > local.LastIndex {
		return errorsmod.Wrapf(types.ErrReplicaDiverged,
			"site %s tip %d is ahead of local tip %d", site.SiteID, peer.LastIndex, local.Height())
	}
	block, err := m.ledger.Block(ctx, peer.LastIndex)
	if err != nil {
		return err
	}
	if block.BlockHash != peer.LastHash {
		return errorsmod.Wrapf(types.ErrReplicaDiverged,
			"site %s block %d is %s, local %s", site.SiteID, peer.LastIndex, peer.LastHash, block.BlockHash)
	}

	m.logger.Info("site cursor reset", "site", site.SiteID, "from", site.LastSyncedIndex, "to", peer.LastIndex)
	site.LastSyncedIndex = int64(peer.LastIndex)
	site.Status = types.SiteSyncing
	return m.save(ctx, *site)
}

// finish records the outcome of a sync on the site record
func (m *Manager) finish(ctx context.Context, site *types.ReplicaSite, err error) {
	switch {
	case err == nil:
		if site.Status == types.SiteUnreachable {
			m.logger.Info("site reachable again", "site", site.SiteID)
		}
		site.Status = types.SiteReachable
		site.ConsecutiveFailures = 0
		site.LastError = ""
	case errors.Is(err, types.ErrReplicaDiverged):
		site.Status = types.SiteDiverged
		site.LastError = err.Error()
		m.logger.Error("replica site diverged", "site", site.SiteID, "error", err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return
	default:
		site.ConsecutiveFailures++
		site.LastError = err.Error()
		if site.ConsecutiveFailures >= m.config.FailureThreshold && site.Status != types.SiteUnreachable {
			site.Status = types.SiteUnreachable
			m.logger.Error("replica site unreachable", "site", site.SiteID, "failures", site.ConsecutiveFailures, "error", err)
		} else {
			m.logger.Warn("replication failed", "site", site.SiteID, "failures", site.ConsecutiveFailures, "error", err)
		}
	}
	if saveErr := m.save(ctx, *site); saveErr != nil {
		m.logger.Error("failed to save replica site", "site", site.SiteID, "error", saveErr)
	}
}

func (m *Manager) save(ctx context.Context, site types.ReplicaSite) error {
	m.mu.Lock()
	m.sites[site.SiteID] = site
	m.mu.Unlock()
	m.metrics.RecordSite(site, m.ledger.Tip())
	return m.ledger.SaveSite(ctx, site)
}

// Durable reports whether at least min_replicas sites hold the block at index
func (m *Manager) Durable(index uint64) bool {
	return len(m.confirmedBy(index)) >= m.config.MinReplicas
}

func (m *Manager) confirmedBy(index uint64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, s := range m.sites {
		if s.Holds(index) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// prune drops local blobs of durable blocks, in index order
func (m *Manager) prune(ctx context.Context) {
	m.pruneMu.Lock()
	defer m.pruneMu.Unlock()

	tip := m.ledger.Tip()
	for next := uint64(m.pruneCursor + 1); !tip.Empty() && next <= tip.LastIndex; next++ {
		confirmed := m.confirmedBy(next)
		if len(confirmed) < m.config.MinReplicas {
			return
		}
		ref, err := m.ledger.BlobRef(ctx, next)
		if err != nil {
			m.logger.Error("failed to read blob reference for pruning", "index", next, "error", err)
			return
		}
		err = m.store.Prune(ctx, ref.Digest, confirmed)
		switch {
		case err == nil:
			m.metrics.RecordPrune()
			m.logger.Debug("local blob pruned", "index", next, "digest", ref.Digest, "confirmed_by", confirmed)
		case errors.Is(err, types.ErrBlobPruned):
		default:
			m.logger.Error("failed to prune blob", "index", next, "digest", ref.Digest, "error", err)
			return
		}
		m.pruneCursor = int64(next)
	}
}
