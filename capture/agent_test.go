package capture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/testutil"
	"github.com/paw-chain/custody/types"
)

type staticCollector struct {
	name  string
	value any
	err   error
}

func (c staticCollector) Name() string { return c.name }

func (c staticCollector) Collect(ctx context.Context) (any, error) { return c.value, c.err }

type stuckCollector struct{ release chan struct{} }

func (stuckCollector) Name() string { return "stuck" }

func (c stuckCollector) Collect(ctx context.Context) (any, error) {
	<-c.release
	return "late", nil
}

// flakyStore fails the first failures Puts
type flakyStore struct {
	evidence.Store
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, data []byte, meta evidence.Meta) (evidence.Meta, error) {
	if s.calls.Add(1) <= s.failures {
		return evidence.Meta{}, errors.New("disk unavailable")
	}
	return s.Store.Put(ctx, data, meta)
}

func testConfig() capture.Config {
	cfg := capture.DefaultConfig()
	cfg.RateLimit = 0
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Deadline = time.Second
	cfg.NodeID = "site-a"
	return cfg
}

func newAgent(node *testutil.Node, cfg capture.Config, collectors ...capture.Collector) *capture.Agent {
	return capture.NewAgent(cfg, node.Ledger, node.Store, collectors, log.NewNopLogger())
}

func loadSnapshot(t *testing.T, node *testutil.Node, digest string) capture.Snapshot {
	t.Helper()
	bz, err := node.Store.Get(context.Background(), digest)
	require.NoError(t, err)
	snapshot, err := capture.DecodeSnapshot(bz)
	require.NoError(t, err)
	return snapshot
}

func TestCaptureFirstIncident(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig(), staticCollector{name: "host", value: map[string]any{"hostname": "lab-01"}})

	result, err := agent.Capture(context.Background(), capture.Trigger{
		IncidentType: "lims",
		Context:      map[string]any{"ticket": "CHG-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "INC-20240101-0001", result.Incident.IncidentID)
	assert.Equal(t, types.TriggerManual, result.Incident.TriggerSource)
	assert.Equal(t, uint64(0), result.Block.BlockIndex)
	assert.Equal(t, types.GenesisHash, result.Block.PreviousHash)
	assert.False(t, result.Incomplete)
	assert.Equal(t, result.Block.ArtifactDigest, result.BlobRef.Digest)
	assert.Equal(t, evidence.ContentTypeSnapshot, result.BlobRef.ContentType)

	snapshot := loadSnapshot(t, node, result.Block.ArtifactDigest)
	assert.Equal(t, "INC-20240101-0001", snapshot.IncidentID)
	assert.Equal(t, "FDA_COMPLIANCE_VIOLATION", snapshot.Classification.Category)
	assert.Equal(t, "site-a", snapshot.NodeID)
	assert.Equal(t, "CHG-1", snapshot.Context["ticket"])
	require.Len(t, snapshot.Steps, 1)
	assert.Equal(t, capture.StepOK, snapshot.Steps[0].Status)
	assert.Contains(t, snapshot.Collected, "host")

	second, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "finance"})
	require.NoError(t, err)
	assert.Equal(t, "INC-20240101-0002", second.Incident.IncidentID)
	assert.Equal(t, uint64(1), second.Block.BlockIndex)
	assert.Equal(t, result.Block.BlockHash, second.Block.PreviousHash)
}

func TestFailedCollectorMarksIncomplete(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig(),
		staticCollector{name: "host", value: "ok"},
		staticCollector{name: "logs", err: errors.New("permission denied")},
	)

	result, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "pharma"})
	require.NoError(t, err)
	assert.True(t, result.Incomplete)
	assert.True(t, result.BlobRef.Incomplete)
	assert.Equal(t, uint64(1), node.Ledger.Tip().Length)

	snapshot := loadSnapshot(t, node, result.Block.ArtifactDigest)
	require.Len(t, snapshot.Steps, 2)
	assert.Equal(t, "host", snapshot.Steps[0].Collector)
	assert.Equal(t, "logs", snapshot.Steps[1].Collector)
	assert.Equal(t, capture.StepFailed, snapshot.Steps[1].Status)
	assert.Contains(t, snapshot.Steps[1].Error, "permission denied")
}

func TestDeadlineRecordsTimeout(t *testing.T) {
	node := testutil.NewNode(t)
	release := make(chan struct{})
	defer close(release)

	cfg := testConfig()
	cfg.Deadline = 50 * time.Millisecond
	agent := newAgent(node, cfg, staticCollector{name: "host", value: "ok"}, stuckCollector{release: release})

	start := time.Now()
	result, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "jenkins"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, result.Incomplete)

	snapshot := loadSnapshot(t, node, result.Block.ArtifactDigest)
	require.Len(t, snapshot.Steps, 2)
	assert.Equal(t, "stuck", snapshot.Steps[1].Collector)
	assert.Equal(t, capture.StepTimeout, snapshot.Steps[1].Status)
	require.Len(t, snapshot.Errors, 1)
	assert.Contains(t, snapshot.Errors[0], types.ErrCaptureTimeout.Error())
}

func TestRateLimited(t *testing.T) {
	node := testutil.NewNode(t)
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.Burst = 1
	agent := newAgent(node, cfg)

	_, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "lims"})
	require.NoError(t, err)
	_, err = agent.Capture(context.Background(), capture.Trigger{IncidentType: "lims"})
	require.ErrorIs(t, err, types.ErrCaptureRateLimited)
	assert.Equal(t, uint64(1), node.Ledger.Tip().Length)
}

func TestStorageRetry(t *testing.T) {
	t.Run("recovers within budget", func(t *testing.T) {
		node := testutil.NewNode(t)
		store := &flakyStore{Store: node.Store, failures: 2}
		agent := capture.NewAgent(testConfig(), node.Ledger, store, nil, log.NewNopLogger())

		_, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "lims"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), store.calls.Load())
		assert.Equal(t, uint64(1), node.Ledger.Tip().Length)
	})

	t.Run("exhausted budget appends nothing", func(t *testing.T) {
		node := testutil.NewNode(t)
		store := &flakyStore{Store: node.Store, failures: 100}
		agent := capture.NewAgent(testConfig(), node.Ledger, store, nil, log.NewNopLogger())

		_, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "lims"})
		require.ErrorIs(t, err, types.ErrCaptureStorage)
		assert.Equal(t, int32(3), store.calls.Load())
		assert.True(t, node.Ledger.Tip().Empty())
	})
}

func TestCaptureIntoExistingIncident(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig())
	ctx := context.Background()

	first, err := agent.Capture(ctx, capture.Trigger{IncidentType: "argocd", TriggerSource: types.TriggerWebhook})
	require.NoError(t, err)
	second, err := agent.Capture(ctx, capture.Trigger{IncidentID: first.Incident.IncidentID, IncidentType: "argocd"})
	require.NoError(t, err)

	assert.Equal(t, first.Incident.IncidentID, second.Incident.IncidentID)
	assert.Equal(t, types.TriggerWebhook, second.Incident.TriggerSource)
	assert.Equal(t, uint64(0), second.Incident.FirstBlockIndex)

	blocks, err := node.Ledger.IncidentBlocks(ctx, first.Incident.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, blocks)
}

func TestCaptureRejectsUnknownIncident(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig())
	ctx := context.Background()

	_, err := agent.Capture(ctx, capture.Trigger{IncidentID: "INC-20240101-0001", IncidentType: "lims"})
	require.ErrorIs(t, err, types.ErrIncidentNotFound)
	assert.True(t, node.Ledger.Tip().Empty())

	// the rejected id was never opened, so a fresh trigger gets it as a new incident
	res, err := agent.Capture(ctx, capture.Trigger{IncidentType: "argocd"})
	require.NoError(t, err)
	assert.Equal(t, "INC-20240101-0001", res.Incident.IncidentID)
	assert.Equal(t, "argocd", res.Incident.IncidentType)
	assert.Equal(t, uint64(0), res.Incident.FirstBlockIndex)
}

func TestInvalidTrigger(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig())
	ctx := context.Background()

	for name, trig := range map[string]capture.Trigger{
		"empty type":   {},
		"path type":    {IncidentType: "../etc"},
		"bad source":   {IncidentType: "lims", TriggerSource: "cron"},
		"bad incident": {IncidentType: "lims", IncidentID: "incident-1"},
	} {
		_, err := agent.Capture(ctx, trig)
		require.ErrorIs(t, err, types.ErrInvalidTrigger, name)
	}
	assert.True(t, node.Ledger.Tip().Empty())
}

func TestSnapshotEncodingIsDeterministic(t *testing.T) {
	s := capture.Snapshot{
		IncidentID: "INC-20240101-0001",
		Collected:  map[string]any{"zeta": 1, "alpha": map[string]any{"b": 2, "a": 1}},
		Steps:      []capture.Step{{Collector: "alpha", Status: capture.StepOK}},
	}
	a, err := s.Encode()
	require.NoError(t, err)
	b, err := s.Encode()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Less(t, strings.Index(string(a), `"alpha"`), strings.Index(string(a), `"zeta"`))
	assert.Contains(t, string(a), `{"a":1,"b":2}`)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "SOX_VIOLATION", capture.Classify("finance").Category)
	assert.Equal(t, "CD_FAILURE", capture.Classify("ArgoCD").Category)
	assert.Equal(t, "GENERAL_INCIDENT", capture.Classify("backup").Category)
}

func TestAlertTriggers(t *testing.T) {
	triggers := capture.AlertTriggers(capture.AlertmanagerPayload{
		Alerts: []capture.Alert{
			{Status: "firing", Labels: map[string]any{"alertname": "AuditGap", "app": "LIMS", "severity": "critical"}},
			{Status: "firing", Labels: map[string]any{"alertname": "DiskFull", "replicas": 3}},
		},
	})
	require.Len(t, triggers, 2)

	assert.Equal(t, "lims", triggers[0].IncidentType)
	assert.Equal(t, types.TriggerAlert, triggers[0].TriggerSource)
	assert.Equal(t, "ALERT_CRITICAL", triggers[0].Context["category"])

	assert.Equal(t, "alert", triggers[1].IncidentType)
	assert.Equal(t, "ALERT_UNKNOWN", triggers[1].Context["category"])
	assert.Equal(t, "3", triggers[1].Context["labels"].(map[string]string)["replicas"])
}

func TestWriteReport(t *testing.T) {
	node := testutil.NewNode(t)
	agent := newAgent(node, testConfig(), staticCollector{name: "logs", err: errors.New("no files")})
	result, err := agent.Capture(context.Background(), capture.Trigger{IncidentType: "lims"})
	require.NoError(t, err)

	record, err := node.Ledger.Get(context.Background(), result.Incident.IncidentID)
	require.NoError(t, err)
	snapshot := loadSnapshot(t, node, result.Block.ArtifactDigest)

	var out strings.Builder
	require.NoError(t, capture.WriteReport(&out, record, map[string]capture.Snapshot{result.Block.ArtifactDigest: snapshot}))
	report := out.String()
	assert.Contains(t, report, "INCIDENT INC-20240101-0001")
	assert.Contains(t, report, "FDA_COMPLIANCE_VIOLATION")
	assert.Contains(t, report, "no files")

	out.Reset()
	require.NoError(t, capture.WriteReport(&out, record, nil))
	assert.Contains(t, out.String(), "unavailable")
}

func TestFileCollectors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	logPath := filepath.Join(dir, "app.log")
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, "line "+string(rune('0'+i)))
	}
	require.NoError(t, os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	t.Run("log tail", func(t *testing.T) {
		value, err := capture.LogTailCollector{Paths: []string{logPath}, Lines: 3}.Collect(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"line 7", "line 8", "line 9"}, value.(map[string]any)[logPath])

		_, err = capture.LogTailCollector{Paths: []string{filepath.Join(dir, "missing.log")}}.Collect(ctx)
		require.Error(t, err)
	})

	t.Run("config fingerprint", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("a: 1\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("b: 2\n"), 0o600))
		collector := capture.ConfigCollector{Patterns: []string{filepath.Join(dir, "*.yaml")}}

		first, err := collector.Collect(ctx)
		require.NoError(t, err)
		files := first.(map[string]any)["files"].(map[string]string)
		assert.Len(t, files, 2)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("b: 3\n"), 0o600))
		second, err := collector.Collect(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, first.(map[string]any)["fingerprint"], second.(map[string]any)["fingerprint"])
	})

	t.Run("procfs", func(t *testing.T) {
		proc := filepath.Join(dir, "proc")
		for pid, rss := range map[string]string{"1": "100 10 0", "42": "100 30 0", "7": "100 20 0"} {
			require.NoError(t, os.MkdirAll(filepath.Join(proc, pid), 0o750))
			require.NoError(t, os.WriteFile(filepath.Join(proc, pid, "statm"), []byte(rss), 0o600))
			require.NoError(t, os.WriteFile(filepath.Join(proc, pid, "comm"), []byte("proc"+pid+"\n"), 0o600))
		}
		require.NoError(t, os.WriteFile(filepath.Join(proc, "loadavg"), []byte("0.10 0.20 0.30 1/100 42\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(proc, "uptime"), []byte("3600.55 100.00\n"), 0o600))

		value, err := capture.ProcessCollector{ProcRoot: proc, Limit: 2}.Collect(ctx)
		require.NoError(t, err)
		top := value.(map[string]any)["top"]
		require.Len(t, top, 2)

		host, err := capture.HostCollector{ProcRoot: proc}.Collect(ctx)
		require.NoError(t, err)
		info := host.(map[string]any)
		assert.Equal(t, []string{"0.10", "0.20", "0.30"}, info["load_average"])
		assert.Equal(t, int64(3600), info["uptime_seconds"])
	})

	t.Run("command", func(t *testing.T) {
		value, err := capture.CommandCollector{Label: "echo", Args: []string{"sh", "-c", "printf 0123456789"}, MaxOutput: 4}.Collect(ctx)
		require.NoError(t, err)
		out := value.(map[string]any)
		assert.Equal(t, "0123", out["output"])
		assert.Equal(t, true, out["truncated"])

		_, err = capture.CommandCollector{Label: "fail", Args: []string{"sh", "-c", "exit 3"}}.Collect(ctx)
		require.Error(t, err)
	})
}
