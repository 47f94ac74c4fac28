package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/engine"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
)

const defaultScanLimit = 100

var _ Engine = (*engine.Engine)(nil)

type APIHandler struct {
	Engine Engine
	Logger src.Logger
}

type tableResponse struct {
	ID      common.FileID    `json:"id"`
	Name    string           `json:"name"`
	Path    string           `json:"path"`
	Columns []storage.Column `json:"columns"`
}

type createTableRequest struct {
	Name    string           `json:"name"`
	Columns []storage.Column `json:"columns"`
}

type insertRequest struct {
	Values []string `json:"values"`
}

type rowResponse struct {
	RecordID string   `json:"record_id"`
	Values   []string `json:"values"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *APIHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/tables", h.ListTables).Methods(http.MethodGet)
	router.HandleFunc("/tables", h.CreateTable).Methods(http.MethodPost)
	router.HandleFunc("/tables/{name}/rows", h.Scan).Methods(http.MethodGet)
	router.HandleFunc("/tables/{name}/rows", h.Insert).Methods(http.MethodPost)
}

func (h *APIHandler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.Engine.Stats())
}

func (h *APIHandler) ListTables(w http.ResponseWriter, _ *http.Request) {
	tables := h.Engine.Tables()

	res := make([]tableResponse, 0, len(tables))
	for _, t := range tables {
		res = append(res, toTableResponse(t))
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) CreateTable(w http.ResponseWriter, r *http.Request) {
	var req createTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}

	desc, err := storage.NewTupleDesc(req.Columns...)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_SCHEMA", err.Error())
		return
	}

	if _, err := h.Engine.CreateTable(req.Name, desc); err != nil {
		h.writeEngineError(w, err)
		return
	}

	t, err := h.Engine.Table(req.Name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toTableResponse(t))
}

func (h *APIHandler) Insert(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	t, err := h.Engine.Table(name)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON: "+err.Error())
		return
	}

	values, err := engine.ParseRow(t.Schema, req.Values)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_ROW", err.Error())
		return
	}

	var row rowResponse
	err = h.Engine.Execute(r.Context(), func(ctx context.Context, txnID common.TxnID) error {
		tup, err := h.Engine.Insert(ctx, txnID, name, values...)
		if err != nil {
			return err
		}
		row = toRowResponse(tup)
		return nil
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, row)
}

// Scan returns up to ?limit= rows of a table read in one transaction.
func (h *APIHandler) Scan(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	limit := defaultScanLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows := []rowResponse{}
	err := h.Engine.Execute(r.Context(), func(ctx context.Context, txnID common.TxnID) error {
		for tup, err := range h.Engine.Scan(ctx, txnID, name) {
			if err != nil {
				return err
			}
			rows = append(rows, toRowResponse(tup))
			if len(rows) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

func (h *APIHandler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrEntityNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, catalog.ErrEntityExists):
		h.writeError(w, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case errors.Is(err, bufferpool.ErrTxnAborted):
		h.writeError(w, http.StatusConflict, "TXN_ABORTED", err.Error())
	case errors.Is(err, bufferpool.ErrNoSpaceLeft):
		h.writeError(w, http.StatusServiceUnavailable, "POOL_FULL", err.Error())
	case errors.Is(err, storage.ErrSchemaMismatch):
		h.writeError(w, http.StatusBadRequest, "BAD_ROW", err.Error())
	default:
		h.Logger.Errorw("internal server error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error")
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.Errorw("failed to encode response", "error", err)
	}
}

func toTableResponse(t catalog.Table) tableResponse {
	return tableResponse{
		ID:      t.ID,
		Name:    t.Name,
		Path:    t.PathToFile,
		Columns: t.Schema.Columns(),
	}
}

func toRowResponse(t *storage.Tuple) rowResponse {
	var row rowResponse
	if rid, ok := t.RecordID(); ok {
		row.RecordID = rid.String()
	}
	for _, v := range t.Values() {
		row.Values = append(row.Values, v.String())
	}
	return row
}
