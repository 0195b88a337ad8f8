package capture

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paw-chain/custody/integrity"
	"github.com/paw-chain/custody/types"
)

// Step statuses
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepTimeout = "timeout"
)

// Classification is the compliance category of an incident type
type Classification struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

var catalogue = map[string]Classification{
	"lims":    {Category: "FDA_COMPLIANCE_VIOLATION", Description: "LIMS audit trail gap detected"},
	"finance": {Category: "SOX_VIOLATION", Description: "Finance app unauthorized access attempt"},
	"pharma":  {Category: "GMP_VIOLATION", Description: "Pharma batch record modification"},
	"jenkins": {Category: "CI_FAILURE", Description: "Jenkins build failed with security scan errors"},
	"argocd":  {Category: "CD_FAILURE", Description: "ArgoCD sync failed - configuration drift detected"},
	"chain_integrity_violation": {
		Category:    "CHAIN_INTEGRITY_VIOLATION",
		Description: "Evidence chain verification reported tampering",
	},
}

// Classify returns the catalogue entry for an incident type
func Classify(incidentType string) Classification {
	if c, ok := catalogue[strings.ToLower(incidentType)]; ok {
		return c
	}
	return Classification{
		Category:    "GENERAL_INCIDENT",
		Description: fmt.Sprintf("%s incident", incidentType),
	}
}

// Step records the outcome of one collector
type Step struct {
	Collector  string `json:"collector"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Snapshot is the evidence document stored for a capture
type Snapshot struct {
	IncidentID     string              `json:"incident_id"`
	IncidentType   string              `json:"incident_type"`
	TriggerSource  types.TriggerSource `json:"trigger_source"`
	Classification Classification      `json:"classification"`
	NodeID         string              `json:"node_id,omitempty"`
	CapturedAt     string              `json:"captured_at"`
	Context        map[string]any      `json:"context,omitempty"`
	Collected      map[string]any      `json:"collected"`
	Steps          []Step              `json:"steps"`
	Incomplete     bool                `json:"incomplete"`
	Errors         []string            `json:"errors,omitempty"`
}

// Encode returns the deterministic JSON form; map keys are emitted sorted
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot
func DecodeSnapshot(bz []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(bz, &s); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s, nil
}

// CapturedTime parses CapturedAt
func (s Snapshot) CapturedTime() (time.Time, error) {
	return integrity.ParseTime(s.CapturedAt)
}
