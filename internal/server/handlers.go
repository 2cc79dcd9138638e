package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/logging"
	"github.com/opsdesk/kbsearch/internal/pipeline"
	"github.com/opsdesk/kbsearch/internal/reranker"
	"github.com/opsdesk/kbsearch/internal/syncer"
)

// handleRecordCreate handles POST /api/records. A new record returns 201;
// replacing an existing record with the same normalized question returns
// 200 with replaced=true. Indexing happens asynchronously after the
// response — a storage-side success never hinges on the vector provider.
func (s *Server) handleRecordCreate(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, replaced, err := s.store.Create(r.Context(), req.Question, req.Answer, req.Language)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.engine.Trigger(rec)

	status := http.StatusCreated
	if replaced {
		status = http.StatusOK
	}
	writeJSON(w, status, createRecordResponse{Record: rec, Replaced: replaced})
}

// handleRecordUpdate handles PUT /api/records/{id}.
func (s *Server) handleRecordUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.store.Update(r.Context(), id, req.Question, req.Answer, req.Language)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.engine.Trigger(rec)

	writeJSON(w, http.StatusOK, rec)
}

// handleRecordDelete handles DELETE /api/records/{id}. The vector is
// removed first; a vector-side failure is logged but never blocks the
// canonical delete, since a dangling vector is dropped at query time by
// reconciliation anyway.
func (s *Server) handleRecordDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := logging.FromContext(r.Context())

	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	removal := s.engine.RemoveVector(r.Context(), rec)
	if removal.Err != nil {
		log.Warn("vector removal failed, deleting canonical record anyway",
			slog.String("record_id", id),
			slog.Any("error", removal.Err),
		)
	}

	if _, err := s.store.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRecordList handles GET /api/records with page, page_size, and q
// query parameters.
func (s *Server) handleRecordList(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)
	search := r.URL.Query().Get("q")

	recs, total, err := s.store.List(r.Context(), page, pageSize, search)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*knowledge.Record{}
	}

	writeJSON(w, http.StatusOK, listRecordsResponse{
		Records:  recs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleSearch handles POST /api/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.searcher == nil {
		s.writeError(w, r, pipeline.ErrUnavailable)
		return
	}

	res, err := s.searcher.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// handleResync handles POST /api/admin/resync: a full namespace rebuild.
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ResyncAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handlePurge handles POST /api/admin/purge: delete every record and its
// vector. The report carries any vector ids that could not be removed.
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.DeleteAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleRerankUsage handles GET /api/rerank/usage.
func (s *Server) handleRerankUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeJSON(w, http.StatusOK, reranker.UsageSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.usage.Snapshot())
}

// writeError maps domain errors to HTTP statuses: validation failures are
// 400, missing records 404, an unconfigured vector index 503, everything
// else 500 with the detail kept out of the response body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *knowledge.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, knowledge.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, pipeline.ErrUnavailable), errors.Is(err, syncer.ErrNoIndex):
		writeJSONError(w, http.StatusServiceUnavailable, "vector index not configured")
	default:
		logging.FromContext(r.Context()).Error("request failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error body with the given status code.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
