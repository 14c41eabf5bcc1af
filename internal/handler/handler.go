package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/HusnaQayyum/Master-Checker/internal/batch"
	"github.com/HusnaQayyum/Master-Checker/internal/grading"
	"github.com/HusnaQayyum/Master-Checker/internal/i18n"
	"github.com/HusnaQayyum/Master-Checker/internal/model"
	"github.com/HusnaQayyum/Master-Checker/internal/store"
)

const defaultMaxUpload = 32 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	batch    *batch.Controller
	config   model.AppConfig
	validate *validator.Validate
	now      func() time.Time
}

// New creates a new Handler.
func New(s *store.Store, c *batch.Controller, cfg model.AppConfig) (*Handler, error) {
	if s == nil || c == nil {
		return nil, errors.New("handler needs a store and a batch controller")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}
	return &Handler{store: s, batch: c, config: cfg, validate: validator.New(), now: time.Now}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/key", h.handleGetKey)
		r.Put("/key", h.handlePutKey)
		r.Post("/key/extract", h.handleExtractKey)
		r.Post("/key/questions", h.handleAddQuestion)
		r.Post("/batch", h.handleBatch)
		r.Get("/results", h.handleResults)
		r.Get("/summary", h.handleSummary)
		r.Delete("/data", h.handleReset)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.LoadAnswerKey()
	if err != nil {
		h.internalError(w, r, "load answer key", err)
		return
	}
	if key == nil {
		writeError(w, r, http.StatusNotFound, "NoAnswerKey", nil)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type keyRequest struct {
	Name    string            `json:"name" validate:"required,max=200"`
	Answers map[string]string `json:"answers" validate:"required,min=1,dive,keys,numeric,endkeys,required,max=8"`
}

func (h *Handler) handlePutKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "InvalidKey", map[string]any{"Reason": validationReason(err)})
		return
	}

	existing, err := h.store.LoadAnswerKey()
	if err != nil {
		h.internalError(w, r, "load answer key", err)
		return
	}

	now := h.now()
	answers := make([]model.Answer, 0, len(req.Answers))
	for qs, token := range req.Answers {
		q, err := strconv.Atoi(qs)
		if err != nil || q <= 0 {
			writeError(w, r, http.StatusUnprocessableEntity, "InvalidKey", map[string]any{"Reason": "invalid question number " + strconv.Quote(qs)})
			return
		}
		answers = append(answers, model.Answer{QuestionNumber: q, Answer: token})
	}
	key := model.NewAnswerKey(req.Name, answers, now)
	if existing != nil {
		key.ID = existing.ID
	}
	if err := key.Validate(); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "InvalidKey", map[string]any{"Reason": err.Error()})
		return
	}

	if err := h.store.SaveAnswerKey(key); err != nil {
		h.internalError(w, r, "save answer key", err)
		return
	}
	slog.Info("answer key saved", "name", key.Name, "questions", key.TotalQuestions)
	writeJSON(w, http.StatusOK, key)
}

func (h *Handler) handleExtractKey(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest", nil)
		return
	}
	files := r.MultipartForm.File["image"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, "ImageRequired", nil)
		return
	}
	upload, err := readUpload(files[0])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "ImageRequired", nil)
		return
	}

	key, err := h.batch.ExtractMasterKey(r.Context(), upload)
	if err != nil {
		slog.Error("master key extraction failed", "file", upload.FileName, "error", err)
		writeError(w, r, http.StatusBadGateway, "KeyExtractFailed", nil)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *Handler) handleAddQuestion(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.LoadAnswerKey()
	if err != nil {
		h.internalError(w, r, "load answer key", err)
		return
	}
	if key == nil {
		writeError(w, r, http.StatusNotFound, "NoAnswerKey", nil)
		return
	}
	q := key.AddQuestion(h.now())
	if err := h.store.SaveAnswerKey(key); err != nil {
		h.internalError(w, r, "save answer key", err)
		return
	}
	slog.Info("question added", "question", q, "total", key.TotalQuestions)
	writeJSON(w, http.StatusOK, key)
}

type summaryResponse struct {
	model.Summary
	LastRun *model.BatchRun `json:"lastRun,omitempty"`
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.store.ListResults()
	if err != nil {
		h.internalError(w, r, "list results", err)
		return
	}
	if results == nil {
		results = []model.StudentResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.LoadAnswerKey()
	if err != nil {
		h.internalError(w, r, "load answer key", err)
		return
	}
	results, err := h.store.ListResults()
	if err != nil {
		h.internalError(w, r, "list results", err)
		return
	}
	run, err := h.store.LastBatchRun()
	if err != nil {
		h.internalError(w, r, "last batch run", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Summary: grading.Summarize(key, results), LastRun: run})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(); err != nil {
		h.internalError(w, r, "clear data", err)
		return
	}
	slog.Info("all data cleared")
	writeJSON(w, http.StatusOK, map[string]string{"message": i18n.T(r.Context(), "DataCleared")})
}

func readUpload(fh *multipart.FileHeader) (batch.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return batch.Upload{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return batch.Upload{}, err
	}
	return batch.Upload{FileName: fh.Filename, Data: data}, nil
}

func validationReason(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return fe.Namespace() + " failed " + fe.Tag()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string, data map[string]any) {
	msg := i18n.Td(r.Context(), msgID, data)
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	slog.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, "InternalError", nil)
}
