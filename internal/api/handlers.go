package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/audit"
	"github.com/dealer-analytics/recon-cli/internal/model"
	"github.com/dealer-analytics/recon-cli/internal/report"
	"github.com/dealer-analytics/recon-cli/internal/session"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDivergences(w http.ResponseWriter, r *http.Request) {
	filter, err := divergenceFilterFromQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.query.ListDivergences(r.Context(), filter)
	if err != nil {
		s.log.Error("list divergences", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list divergences")
		return
	}
	if records == nil {
		records = []model.DivergenceRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"divergences": records,
		"count":       len(records),
	})
}

func divergenceFilterFromQuery(r *http.Request) (audit.DivergenceFilter, error) {
	q := r.URL.Query()
	filter := audit.DivergenceFilter{
		Status:    model.DivergenceStatus(q.Get("status")),
		Kind:      model.Kind(q.Get("kind")),
		InvoiceID: q.Get("invoice_id"),
		Limit:     100,
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			return filter, eris.Errorf("invalid limit %q", v)
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, eris.Errorf("invalid offset %q", v)
		}
		filter.Offset = offset
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, eris.Errorf("invalid from date %q", v)
		}
		filter.Since = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, eris.Errorf("invalid to date %q", v)
		}
		filter.Until = t.AddDate(0, 0, 1)
	}
	return filter, nil
}

func (s *Server) handleGetDivergence(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid divergence id")
		return
	}

	rec, err := s.query.GetDivergence(r.Context(), id)
	if err != nil {
		if eris.Is(err, audit.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "divergence not found")
			return
		}
		s.log.Error("get divergence", zap.Int64("id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to load divergence")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

type processRequest struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Mode  string `json:"mode"`
	Actor string `json:"actor"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, "actor is required")
		return
	}

	mode := apply.Mode(req.Mode)
	if mode != apply.ModeAuto && mode != apply.ModeManual {
		s.respondError(w, http.StatusBadRequest, "mode must be auto or manual")
		return
	}

	opts := session.RunOpts{
		Mode:       mode,
		Actor:      req.Actor,
		Source:     model.SourceAPI,
		Kind:       model.SessionManualRun,
		DetectKind: model.Kind(req.Kind),
	}
	for _, p := range []struct {
		raw  string
		dest **time.Time
	}{{req.Start, &opts.Start}, {req.End, &opts.End}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", p.raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
		*p.dest = &t
	}

	result, err := s.runner.Run(r.Context(), opts)
	if err != nil {
		s.log.Error("process run failed", zap.Error(err))
		status := http.StatusInternalServerError
		body := map[string]any{"error": "processing failed"}
		if result != nil {
			body["session_id"] = result.SessionID
			body["status"] = result.Status
		}
		s.respondJSON(w, status, body)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type approveRequest struct {
	IDs         []int64  `json:"ids"`
	Actor       string   `json:"actor"`
	CustomValue *float64 `json:"custom_value,omitempty"`
}

type approveDetail struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" || len(req.IDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "actor and ids are required")
		return
	}
	if req.CustomValue != nil && len(req.IDs) > 1 {
		s.respondError(w, http.StatusBadRequest, "custom_value only applies to a single id")
		return
	}

	details := make([]approveDetail, 0, len(req.IDs))
	approved := 0
	for _, id := range req.IDs {
		detail := approveDetail{ID: id}

		rec, err := s.query.GetDivergence(r.Context(), id)
		if err == nil {
			err = s.applier.Approve(r.Context(), *rec, req.Actor, req.CustomValue, model.SourceAPI)
		}
		if err != nil {
			detail.Status = "ERROR"
			detail.Error = err.Error()
		} else {
			detail.Status = string(model.StatusApproved)
			approved++
		}
		details = append(details, detail)
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"approved": approved,
		"errors":   len(req.IDs) - approved,
		"details":  details,
	})
}

type rejectRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid divergence id")
		return
	}

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" || req.Reason == "" {
		s.respondError(w, http.StatusBadRequest, "actor and reason are required")
		return
	}

	if err := s.applier.Reject(r.Context(), id, req.Actor, req.Reason); err != nil {
		if eris.Is(err, audit.ErrTerminalStatus) {
			s.respondError(w, http.StatusConflict, "divergence already processed")
			return
		}
		s.log.Error("reject divergence", zap.Int64("id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to reject divergence")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.StatusRejected})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.OperationFilter{
		Status: model.OperationStatus(q.Get("status")),
		Kind:   q.Get("kind"),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 1000 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	ops, err := s.query.ListOperations(r.Context(), filter)
	if err != nil {
		s.log.Error("list operations", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := s.query.ListSessions(r.Context(), limit)
	if err != nil {
		s.log.Error("list sessions", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	sum, err := s.query.Metrics(r.Context())
	if err != nil {
		s.log.Error("metrics summary", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := report.ParseFormat(valueOr(r.URL.Query().Get("format"), "csv"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter, err := divergenceFilterFromQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = 0 // exports are unbounded

	records, err := s.query.ListDivergences(r.Context(), filter)
	if err != nil {
		s.log.Error("export divergences", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to export divergences")
		return
	}

	path, err := s.writer.ExportRows(records, format, "")
	if err != nil {
		s.log.Error("write export", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to write export")
		return
	}
	defer os.Remove(path)

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	if format == report.FormatCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	}
	http.ServeFile(w, r, path)
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
