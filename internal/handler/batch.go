package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/HusnaQayyum/Master-Checker/internal/batch"
	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/i18n"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
)

type batchResponse struct {
	Statuses []model.ProcessStatus `json:"statuses"`
	Results  []model.StudentResult `json:"results"`
	Message  string                `json:"message"`
	Done     bool                  `json:"done,omitempty"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.LoadAnswerKey()
	if err != nil {
		h.internalError(w, r, "load answer key", err)
		return
	}
	if key == nil {
		writeError(w, r, http.StatusConflict, "NoAnswerKey", nil)
		return
	}
	if key.TotalQuestions == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "EmptyAnswerKey", nil)
		return
	}

	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest", nil)
		return
	}
	var uploads []batch.Upload
	for _, fh := range r.MultipartForm.File["sheets"] {
		u, err := readUpload(fh)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "InvalidRequest", nil)
			return
		}
		uploads = append(uploads, u)
	}
	if len(uploads) == 0 {
		writeError(w, r, http.StatusBadRequest, "BatchEmpty", nil)
		return
	}

	if r.URL.Query().Get("stream") == "1" || acceptsNDJSON(r) {
		h.streamBatch(w, r, key, uploads)
		return
	}

	report, err := h.batch.RunBatch(r.Context(), key, uploads, nil)
	if err != nil && (report == nil || errors.Is(err, batch.ErrSaveResults)) {
		h.batchError(w, r, err)
		return
	}
	if err != nil {
		slog.Warn("batch ended early", "error", err)
	}
	writeJSON(w, http.StatusOK, h.reportResponse(r.Context(), report))
}

// streamBatch writes one NDJSON line per item transition and the final
// report as the last line.
func (h *Handler) streamBatch(w http.ResponseWriter, r *http.Request, key *model.AnswerKey, uploads []batch.Upload) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	observe := func(p batch.Progress) {
		p.Statuses = localizeStatuses(r.Context(), p.Statuses)
		if err := enc.Encode(p); err != nil {
			slog.Debug("stream write failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	report, err := h.batch.RunBatch(r.Context(), key, uploads, observe)
	if err != nil {
		slog.Warn("streamed batch ended early", "error", err)
	}
	if report == nil || errors.Is(err, batch.ErrSaveResults) {
		_ = enc.Encode(map[string]string{"error": i18n.T(r.Context(), batchErrorID(err))})
		return
	}
	resp := h.reportResponse(r.Context(), report)
	resp.Done = true
	_ = enc.Encode(resp)
}

func (h *Handler) reportResponse(ctx context.Context, report *batch.Report) batchResponse {
	results := report.Results
	if results == nil {
		results = []model.StudentResult{}
	}
	msg := i18n.Tp(ctx, "SheetsGraded", len(results))
	if failed := report.Failed(); failed > 0 {
		msg += " " + i18n.Tp(ctx, "SheetsFailed", failed)
	}
	return batchResponse{
		Statuses: localizeStatuses(ctx, report.Statuses),
		Results:  results,
		Message:  msg,
	}
}

// localizeStatuses replaces each item's diagnostic with the translation of
// its error code.
func localizeStatuses(ctx context.Context, in []model.ProcessStatus) []model.ProcessStatus {
	out := make([]model.ProcessStatus, len(in))
	copy(out, in)
	for i := range out {
		if out[i].ErrorCode != "" {
			out[i].Error = i18n.T(ctx, out[i].ErrorCode)
		}
	}
	return out
}

func batchErrorID(err error) string {
	switch {
	case errors.Is(err, batch.ErrNoAnswerKey):
		return "NoAnswerKey"
	case errors.Is(err, grading.ErrEmptyAnswerKey):
		return "EmptyAnswerKey"
	case errors.Is(err, batch.ErrBatchEmpty):
		return "BatchEmpty"
	}
	return "InternalError"
}

func (h *Handler) batchError(w http.ResponseWriter, r *http.Request, err error) {
	id := batchErrorID(err)
	status := http.StatusInternalServerError
	switch id {
	case "NoAnswerKey":
		status = http.StatusConflict
	case "EmptyAnswerKey":
		status = http.StatusUnprocessableEntity
	case "BatchEmpty":
		status = http.StatusBadRequest
	default:
		slog.Error("batch failed", "error", err)
	}
	writeError(w, r, status, id, nil)
}

// acceptsNDJSON reports whether the client asked for a streamed response.
func acceptsNDJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}
