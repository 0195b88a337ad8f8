package replication

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	errorsmod "cosmossdk.io/errors"
	"github.com/gorilla/mux"

	"github.com/paw-chain/custody/evidence"
	"github.com/paw-chain/custody/types"
)

// RoutePrefix is where the replication endpoints are mounted
const RoutePrefix = "/replication/v1"

// maxChunkBytes bounds one blob chunk upload
const maxChunkBytes = 8 << 20

// maxBlockBytes bounds one pushed block document
const maxBlockBytes = 1 << 20

// Handler serves the replication endpoints of a site
type Handler struct {
	recv *Receiver
	auth *Authenticator
}

// NewHandler creates the replication HTTP handler
func NewHandler(recv *Receiver, auth *Authenticator) *Handler {
	return &Handler{recv: recv, auth: auth}
}

// RegisterRoutes mounts the replication endpoints behind bearer authentication
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix(RoutePrefix).Subrouter()
	api.Use(h.auth.Middleware)

	api.HandleFunc("/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/blobs/{digest}/offset", h.GetBlobOffset).Methods("GET")
	api.HandleFunc("/blobs/{digest}/commit", h.CommitBlob).Methods("POST")
	api.HandleFunc("/blobs/{digest}", h.PutBlobChunk).Methods("PUT")
	api.HandleFunc("/blobs/{digest}", h.GetBlob).Methods("GET")
	api.HandleFunc("/blocks", h.PostBlock).Methods("POST")
	api.HandleFunc("/blocks", h.GetBlocks).Methods("GET")
}

// GetStatus handles GET /replication/v1/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.recv.Status(r.Context()))
}

// GetBlobOffset handles GET /replication/v1/blobs/{digest}/offset
func (h *Handler) GetBlobOffset(w http.ResponseWriter, r *http.Request) {
	offset, err := h.recv.BlobOffset(r.Context(), mux.Vars(r)["digest"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offset)
}

// PutBlobChunk handles PUT /replication/v1/blobs/{digest}?offset=
func (h *Handler) PutBlobChunk(w http.ResponseWriter, r *http.Request) {
	offset, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		writeError(w, errorsmod.Wrapf(types.ErrInvalidOffset, "offset %q", r.URL.Query().Get("offset")))
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxChunkBytes)
	staged, err := h.recv.WriteBlob(r.Context(), mux.Vars(r)["digest"], offset, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlobOffset{Offset: staged})
}

// CommitBlob handles POST /replication/v1/blobs/{digest}/commit
func (h *Handler) CommitBlob(w http.ResponseWriter, r *http.Request) {
	var meta evidence.Meta
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBlockBytes)).Decode(&meta); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	meta.Digest = mux.Vars(r)["digest"]
	stored, err := h.recv.CommitBlob(r.Context(), meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// GetBlob handles GET /replication/v1/blobs/{digest}?offset=
func (h *Handler) GetBlob(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if raw := r.URL.Query().Get("offset"); raw != "" {
		var err error
		if offset, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, errorsmod.Wrapf(types.ErrInvalidOffset, "offset %q", raw))
			return
		}
	}
	rc, err := h.recv.OpenBlob(r.Context(), mux.Vars(r)["digest"], offset)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// PostBlock handles POST /replication/v1/blocks
func (h *Handler) PostBlock(w http.ResponseWriter, r *http.Request) {
	var rb types.ReplicatedBlock
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBlockBytes)).Decode(&rb); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	ack, err := h.recv.ApplyBlock(r.Context(), rb)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// GetBlocks handles GET /replication/v1/blocks?from=&limit=
func (h *Handler) GetBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeError(w, errorsmod.Wrapf(types.ErrInvalidRange, "from %q", q.Get("from")))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	blocks, err := h.recv.Blocks(r.Context(), from, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// errorBody is the wire form of a failed replication call. Code carries the
// registered error so the caller can classify it with errors.Is.
type errorBody struct {
	Error  string `json:"error"`
	Code   uint32 `json:"code,omitempty"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeStatus(w http.ResponseWriter, status int, message string, err error) {
	body := errorBody{Error: message, Status: status}
	if err != nil {
		body.Error = message + ": " + err.Error()
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	writeJSON(w, status, errorBody{Error: err.Error(), Code: types.ErrorCode(err), Status: status})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrBlobNotFound), errors.Is(err, types.ErrBlockNotFound),
		errors.Is(err, types.ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrBlobPruned):
		return http.StatusGone
	case errors.Is(err, types.ErrOutOfOrder), errors.Is(err, types.ErrChainMismatch),
		errors.Is(err, types.ErrInvalidOffset), errors.Is(err, types.ErrLedgerHalted):
		return http.StatusConflict
	case errors.Is(err, types.ErrDigestMismatch), errors.Is(err, types.ErrInvalidDigest),
		errors.Is(err, types.ErrInvalidRange):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
