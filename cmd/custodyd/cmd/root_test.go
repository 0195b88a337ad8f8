package cmd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/custody/cmd/custodyd/cmd"
	"github.com/paw-chain/custody/types"
)

const testConfig = `
node:
  id: site-a
log:
  level: error
capture:
  rate_limit: 0
  collectors:
    host: false
    processes: 0
verify:
  interval: 0
`

type cli struct {
	args []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	path := filepath.Join(dir, "custody.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return &cli{args: []string{"--config", path, "--data-dir", filepath.Join(dir, "data")}}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cmd.NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, c.args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCaptureListShowVerify(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, "capture", "lims", "--context", "sample=A-17")
	require.NoError(t, err)
	var first struct {
		Incident types.Incident      `json:"incident"`
		Block    types.EvidenceBlock `json:"block"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Regexp(t, `^INC-\d{8}-0001$`, first.Incident.IncidentID)
	require.Equal(t, types.TriggerManual, first.Incident.TriggerSource)
	require.Equal(t, uint64(0), first.Block.BlockIndex)

	// the ledger survives between invocations
	out, err = c.run(t, "capture", "lims", "--incident-id", first.Incident.IncidentID)
	require.NoError(t, err)
	var second struct {
		Block types.EvidenceBlock `json:"block"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	require.Equal(t, uint64(1), second.Block.BlockIndex)
	require.Equal(t, first.Block.BlockHash, second.Block.PreviousHash)

	out, err = c.run(t, "list")
	require.NoError(t, err)
	require.Contains(t, out, "INCIDENT")
	require.Contains(t, out, first.Incident.IncidentID)

	out, err = c.run(t, "list", "--json", "--type", "other")
	require.NoError(t, err)
	require.JSONEq(t, "[]", out)

	out, err = c.run(t, "show", first.Incident.IncidentID)
	require.NoError(t, err)
	var record struct {
		Blocks []types.EvidenceBlock `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	require.Len(t, record.Blocks, 2)

	out, err = c.run(t, "verify")
	require.NoError(t, err)
	var report types.VerificationReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.True(t, report.Verified)
	require.Equal(t, 2, report.BlocksChecked)

	out, err = c.run(t, "verify", "--incident-id", first.Incident.IncidentID)
	require.NoError(t, err)
	require.Contains(t, out, `"verified": true`)

	out, err = c.run(t, "report", first.Incident.IncidentID)
	require.NoError(t, err)
	require.Contains(t, out, first.Incident.IncidentID)
	require.Contains(t, out, "sample")
}

func TestShowUnknownIncident(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "show", "INC-20240101-0099")
	require.ErrorIs(t, err, types.ErrIncidentNotFound)
}

func TestCaptureRejectsMalformedContext(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "capture", "lims", "--context", "novalue")
	require.ErrorContains(t, err, "key=value")
}

func TestRecoverWithoutSites(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "recover")
	require.ErrorContains(t, err, "no replica sites")
}

func TestStats(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "capture", "pharma")
	require.NoError(t, err)

	out, err := c.run(t, "stats")
	require.NoError(t, err)
	var stats struct {
		Tip      types.Tip `json:"tip"`
		Evidence struct {
			Blobs int `json:"blobs"`
		} `json:"evidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, uint64(1), stats.Tip.Length)
	require.Equal(t, 1, stats.Evidence.Blobs)
}
