package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/types"
)

// LoadSnapshots reads and decodes the snapshots of an incident's blocks.
// Pruned or missing blobs are left out; other store errors are returned.
func LoadSnapshots(ctx context.Context, store evidence.Store, record ledger.IncidentRecord) (map[string]Snapshot, error) {
	snapshots := make(map[string]Snapshot, len(record.Blocks))
	for i, block := range record.Blocks {
		if i < len(record.BlobRefs) && record.BlobRefs[i].ContentType != "" &&
			record.BlobRefs[i].ContentType != evidence.ContentTypeSnapshot {
			continue
		}
		bz, err := store.Get(ctx, block.ArtifactDigest)
		if errors.Is(err, types.ErrBlobPruned) || errors.Is(err, types.ErrBlobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snapshot, err := DecodeSnapshot(bz)
		if err != nil {
			continue
		}
		snapshots[block.ArtifactDigest] = snapshot
	}
	return snapshots, nil
}

// WriteReport renders a human-readable incident report. snapshots holds the
// decoded snapshot of each block by digest; blocks without one are listed as
// unavailable (pruned or not yet restored).
func WriteReport(w io.Writer, record ledger.IncidentRecord, snapshots map[string]Snapshot) error {
	classification := Classify(record.Incident.IncidentType)

	var b strings.Builder
	fmt.Fprintf(&b, "INCIDENT %s\n", record.Incident.IncidentID)
	fmt.Fprintf(&b, "%s\n\n", strings.Repeat("=", 9+len(record.Incident.IncidentID)))
	fmt.Fprintf(&b, "Type:        %s\n", record.Incident.IncidentType)
	fmt.Fprintf(&b, "Category:    %s\n", classification.Category)
	fmt.Fprintf(&b, "Description: %s\n", classification.Description)
	fmt.Fprintf(&b, "Trigger:     %s\n", record.Incident.TriggerSource)
	fmt.Fprintf(&b, "Opened:      %s\n", integrity.FormatTime(record.Incident.OpenedAt))
	fmt.Fprintf(&b, "Blocks:      %d\n\n", len(record.Blocks))

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tCREATED\tDIGEST\tHASH\tINCOMPLETE")
	for i, block := range record.Blocks {
		incomplete := false
		if i < len(record.BlobRefs) {
			incomplete = record.BlobRefs[i].Incomplete
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n",
			block.BlockIndex, integrity.FormatTime(block.CreatedAt),
			short(block.ArtifactDigest), short(block.BlockHash), incomplete)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, block := range record.Blocks {
		fmt.Fprintf(&b, "\nBlock %d snapshot\n", block.BlockIndex)
		snapshot, ok := snapshots[block.ArtifactDigest]
		if !ok {
			b.WriteString("  unavailable\n")
			continue
		}
		fmt.Fprintf(&b, "  captured at %s", snapshot.CapturedAt)
		if snapshot.NodeID != "" {
			fmt.Fprintf(&b, " on %s", snapshot.NodeID)
		}
		b.WriteString("\n")
		for _, step := range snapshot.Steps {
			line := fmt.Sprintf("  %-20s %-8s %6dms", step.Collector, step.Status, step.DurationMs)
			if step.Error != "" {
				line += "  " + step.Error
			}
			b.WriteString(line + "\n")
		}
		if len(snapshot.Context) > 0 {
			keys := make([]string, 0, len(snapshot.Context))
			for k := range snapshot.Context {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("  context:\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "    %s: %v\n", k, snapshot.Context[k])
			}
		}
		for _, e := range snapshot.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
