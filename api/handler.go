// Package api serves the custody HTTP interface: capture ingress, the
// read-only incident queries and on-demand verification.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/gorilla/mux"

	"github.com/paw-chain/custody/capture"
	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/ledger"
	"github.com/paw-chain/custody/types"
	"github.com/paw-chain/custody/verifier"
)

// maxTriggerBytes bounds a trigger or webhook body
const maxTriggerBytes = 1 << 20

// Capturer runs a capture for a trigger
type Capturer interface {
	Capture(ctx context.Context, trig capture.Trigger) (capture.Result, error)
}

// SiteLister reports replica site states
type SiteLister interface {
	Sites() []types.ReplicaSite
}

// Handler handles custody API requests
type Handler struct {
	capturer Capturer
	ledger   *ledger.Ledger
	store    evidence.Store
	verifier *verifier.Verifier
	sites    SiteLister
	logger   log.Logger
}

// NewHandler creates the API handler. sites may be nil when replication is off.
func NewHandler(capturer Capturer, l *ledger.Ledger, store evidence.Store, v *verifier.Verifier, sites SiteLister, logger log.Logger) *Handler {
	return &Handler{
		capturer: capturer,
		ledger:   l,
		store:    store,
		verifier: v,
		sites:    sites,
		logger:   logger.With("module", "api"),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/incidents", h.ListIncidents).Methods("GET")
	r.HandleFunc("/incidents/{type}", h.TriggerCapture).Methods("POST")
	r.HandleFunc("/incidents/{incident_id}", h.GetIncident).Methods("GET")
	r.HandleFunc("/incidents/{incident_id}/report", h.GetReport).Methods("GET")

	r.HandleFunc("/verify", h.VerifyRange).Methods("GET")
	r.HandleFunc("/verify/{incident_id}", h.VerifyIncident).Methods("GET")

	r.HandleFunc("/sites", h.ListSites).Methods("GET")
	r.HandleFunc("/checkpoints", h.ListCheckpoints).Methods("GET")

	r.HandleFunc("/webhooks/alertmanager", h.AlertmanagerWebhook).Methods("POST")
}

// TriggerRequest is the optional body of a capture trigger
type TriggerRequest struct {
	Context       map[string]any      `json:"context,omitempty"`
	TriggerSource types.TriggerSource `json:"trigger_source,omitempty"`
	IncidentID    string              `json:"incident_id,omitempty"`
}

// CaptureResponse describes the block a capture appended
type CaptureResponse struct {
	IncidentID     string `json:"incident_id"`
	BlockIndex     uint64 `json:"block_index"`
	BlockHash      string `json:"block_hash"`
	ArtifactDigest string `json:"artifact_digest"`
	Incomplete     bool   `json:"incomplete"`
}

func newCaptureResponse(result capture.Result) CaptureResponse {
	return CaptureResponse{
		IncidentID:     result.Incident.IncidentID,
		BlockIndex:     result.Block.BlockIndex,
		BlockHash:      result.Block.BlockHash,
		ArtifactDigest: result.Block.ArtifactDigest,
		Incomplete:     result.Incomplete,
	}
}

// TriggerCapture handles POST /incidents/{type}
func (h *Handler) TriggerCapture(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.TriggerSource == "" {
		req.TriggerSource = types.TriggerWebhook
	}

	result, err := h.capturer.Capture(r.Context(), capture.Trigger{
		IncidentID:    req.IncidentID,
		IncidentType:  mux.Vars(r)["type"],
		TriggerSource: req.TriggerSource,
		Context:       req.Context,
	})
	if err != nil {
		h.logCaptureError(err)
		respondServiceError(w, "Capture failed", err)
		return
	}

	respondJSON(w, http.StatusCreated, newCaptureResponse(result))
}

// ListIncidents handles GET /incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	summaries, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, "Failed to list incidents", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"blocks": summaries,
		"count":  len(summaries),
	})
}

// GetIncident handles GET /incidents/{incident_id}
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.Get(r.Context(), mux.Vars(r)["incident_id"])
	if err != nil {
		respondServiceError(w, "Incident not found", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// GetReport handles GET /incidents/{incident_id}/report
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	record, err := h.ledger.Get(ctx, mux.Vars(r)["incident_id"])
	if err != nil {
		respondServiceError(w, "Incident not found", err)
		return
	}
	snapshots, err := capture.LoadSnapshots(ctx, h.store, record)
	if err != nil {
		respondServiceError(w, "Failed to read evidence", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := capture.WriteReport(w, record, snapshots); err != nil {
		h.logger.Error("failed to write incident report", "incident_id", record.Incident.IncidentID, "error", err)
	}
}

// VerifyRange handles GET /verify?from=&to=. Without bounds the whole chain
// is verified. A report with findings is still a 200.
func (h *Handler) VerifyRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		report types.VerificationReport
		err    error
	)
	if q.Get("from") == "" && q.Get("to") == "" {
		report, err = h.verifier.VerifyAll(r.Context())
	} else {
		var from, to uint64
		from, to, err = parseRange(q.Get("from"), q.Get("to"), h.ledger.Tip())
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid range", err)
			return
		}
		report, err = h.verifier.Verify(r.Context(), from, to)
	}
	if err != nil {
		respondServiceError(w, "Verification failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// VerifyIncident handles GET /verify/{incident_id}
func (h *Handler) VerifyIncident(w http.ResponseWriter, r *http.Request) {
	report, err := h.verifier.VerifyIncident(r.Context(), mux.Vars(r)["incident_id"])
	if err != nil {
		respondServiceError(w, "Verification failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// ListSites handles GET /sites
func (h *Handler) ListSites(w http.ResponseWriter, r *http.Request) {
	var sites []types.ReplicaSite
	if h.sites != nil {
		sites = h.sites.Sites()
	} else {
		var err error
		if sites, err = h.ledger.Sites(r.Context()); err != nil {
			respondServiceError(w, "Failed to list sites", err)
			return
		}
	}
	if sites == nil {
		sites = []types.ReplicaSite{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sites": sites,
		"tip":   h.ledger.Tip(),
	})
}

// ListCheckpoints handles GET /checkpoints
func (h *Handler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.ledger.Checkpoints(r.Context())
	if err != nil {
		respondServiceError(w, "Failed to list checkpoints", err)
		return
	}
	if checkpoints == nil {
		checkpoints = []types.RecoveryCheckpoint{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
	})
}

// AlertmanagerWebhook handles POST /webhooks/alertmanager; one capture per alert
func (h *Handler) AlertmanagerWebhook(w http.ResponseWriter, r *http.Request) {
	var payload capture.AlertmanagerPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBytes)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid alertmanager payload", err)
		return
	}

	triggers := capture.AlertTriggers(payload)
	captured := make([]CaptureResponse, 0, len(triggers))
	failures := make([]ErrorResponse, 0)
	for _, trig := range triggers {
		result, err := h.capturer.Capture(r.Context(), trig)
		if err != nil {
			h.logCaptureError(err)
			failures = append(failures, ErrorResponse{
				Error:   trig.IncidentType,
				Status:  statusFor(err),
				Code:    types.ErrorCode(err),
				Details: err.Error(),
			})
			continue
		}
		captured = append(captured, newCaptureResponse(result))
	}

	status := http.StatusCreated
	if len(captured) == 0 && len(failures) > 0 {
		status = failures[0].Status
	}
	respondJSON(w, status, map[string]interface{}{
		"receiver": payload.Receiver,
		"captured": captured,
		"failed":   failures,
	})
}

func (h *Handler) logCaptureError(err error) {
	switch {
	case errors.Is(err, types.ErrCaptureRateLimited), errors.Is(err, types.ErrInvalidTrigger):
		h.logger.Debug("capture rejected", "error", err)
	case errors.Is(err, types.ErrLedgerHalted), errors.Is(err, types.ErrAppendConflict):
		h.logger.Error("capture failed on halted ledger", "error", err)
	default:
		h.logger.Warn("capture failed", "error", err)
	}
}

// parseFilter parses query parameters into a ledger filter
func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	filter := ledger.Filter{
		IncidentID:   q.Get("incident_id"),
		IncidentType: q.Get("type"),
		Limit:        100,
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errorsmod.Wrapf(types.ErrInvalidRange, "from %q", v)
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errorsmod.Wrapf(types.ErrInvalidRange, "to %q", v)
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return filter, errorsmod.Wrapf(types.ErrInvalidRange, "limit %q", v)
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, errorsmod.Wrapf(types.ErrInvalidRange, "offset %q", v)
		}
		filter.Offset = offset
	}
	return filter, nil
}

// parseRange parses block index bounds; a missing bound defaults to the
// chain start or the tip
func parseRange(fromRaw, toRaw string, tip types.Tip) (uint64, uint64, error) {
	var from, to uint64
	if tip.Empty() && toRaw == "" {
		return 0, 0, errorsmod.Wrap(types.ErrInvalidRange, "chain is empty")
	}
	to = tip.LastIndex
	if fromRaw != "" {
		v, err := strconv.ParseUint(fromRaw, 10, 64)
		if err != nil {
			return 0, 0, errorsmod.Wrapf(types.ErrInvalidRange, "from %q", fromRaw)
		}
		from = v
	}
	if toRaw != "" {
		v, err := strconv.ParseUint(toRaw, 10, 64)
		if err != nil {
			return 0, 0, errorsmod.Wrapf(types.ErrInvalidRange, "to %q", toRaw)
		}
		to = v
	}
	return from, to, nil
}
