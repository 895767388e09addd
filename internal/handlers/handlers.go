package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/labels"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/pipeline"
)

const (
	StatusRecognized    = "recognized"
	StatusNotRecognized = "not_recognized"
)

type classifier interface {
	Classify(ctx context.Context, r io.Reader) (*pipeline.Result, error)
	ClassifyTensor(ctx context.Context, input []float32) (*pipeline.Result, error)
	InputSize() int
	Ready() error
	Reload() error
	Labels() labels.Set
}

type PredictionResponse struct {
	ID          string             `json:"id"`
	Status      string             `json:"status"`
	Label       string             `json:"label,omitempty"`
	Confidence  float64            `json:"confidence"`
	Message     string             `json:"message"`
	Predictions map[string]float32 `json:"predictions,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Handler struct {
	pipeline       classifier
	logger         *zap.Logger
	maxUploadBytes int64
}

func NewHandler(p classifier, logger *zap.Logger, maxUploadBytes int64) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipeline:       p,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes mounts the API on r. Extra middleware applies to the routes that
// run the classifier.
func (h *Handler) Routes(r chi.Router, predict ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/labels", h.Labels)
	r.Group(func(r chi.Router) {
		r.Use(predict...)
		r.Post("/predict", h.Predict)
		r.Post("/predict/image", h.PredictFromImage)
		r.Post("/model/reload", h.Reload)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) Labels(w http.ResponseWriter, r *http.Request) {
	set := h.pipeline.Labels()
	if set == nil {
		set = labels.Set{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"labels": set})
}

// Predict classifies an already preprocessed tensor sent as JSON.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeBodyError(w, err, "Failed to read request body")
		return
	}

	var req model.PredictionRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "Invalid JSON"})
		return
	}

	if err := h.pipeline.Ready(); err != nil {
		h.writeError(w, r, err)
		return
	}
	if expectedSize := h.pipeline.InputSize(); len(req.Image) != expectedSize {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: fmt.Sprintf("Expected %d values, got %d", expectedSize, len(req.Image)),
		})
		return
	}

	result, err := h.pipeline.ClassifyTensor(r.Context(), req.Image)
	h.respond(w, r, result, err)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeBodyError(w, err, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "No image file provided. Use 'image' as the form field name",
		})
		return
	}
	defer file.Close()

	h.logger.Info("received file",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size))

	result, err := h.pipeline.Classify(r.Context(), file)
	h.respond(w, r, result, err)
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.pipeline.Reload(); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, result *pipeline.Result, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := PredictionResponse{
		ID:          uuid.NewString(),
		Status:      StatusNotRecognized,
		Label:       result.Label,
		Confidence:  result.Confidence,
		Message:     result.String(),
		Predictions: result.Probabilities,
	}
	if result.Recognized {
		resp.Status = StatusRecognized
	}

	if wantsText(r) {
		writeText(w, http.StatusOK, resp.Message)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	if wantsText(r) {
		writeText(w, status, resp.Message)
		return
	}
	writeJSON(w, status, resp)
}

func (h *Handler) writeBodyError(w http.ResponseWriter, err error, message string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "too_large",
			Message: fmt.Sprintf("Upload exceeds %d bytes", maxErr.Limit),
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: message})
}

func errorResponse(err error) (int, ErrorResponse) {
	kind := pipeline.KindOf(err)
	switch kind {
	case pipeline.KindInputDecode:
		return http.StatusBadRequest, ErrorResponse{
			Error:   string(kind),
			Message: "Invalid image. Supported: JPEG, PNG",
		}
	case pipeline.KindArtifactLoad:
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   string(kind),
			Message: "Model is not loaded: " + err.Error(),
		}
	case pipeline.KindLabelMismatch:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   string(kind),
			Message: "Model output does not match the configured labels",
		}
	case pipeline.KindInference:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   string(kind),
			Message: "Prediction failed",
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "internal", Message: "Internal error"}
}

func wantsText(r *http.Request) bool {
	return r.URL.Query().Get("format") == "text"
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}
