package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/Shaance/image-converter/internal/config"
	"github.com/Shaance/image-converter/internal/entities"
	use_case "github.com/Shaance/image-converter/internal/use-case"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type UseCase interface {
	CreateBatch(ctx context.Context, nbFiles int, targetMime string) (entities.Batch, error)
	Presign(ctx context.Context, batchID, fileName string) (use_case.PresignedUpload, error)
	ConfirmUpload(ctx context.Context, batchID, key string) (use_case.AcceptedUpload, error)
	UploadImage(ctx context.Context, batchID, fileName, contentType string, payload []byte) (use_case.AcceptedUpload, error)
	Status(ctx context.Context, batchID string) (entities.Status, error)
}

type Handler struct {
	useCase   UseCase
	cfg       *config.Config
	validator *validator.Validate
	logger    *zap.Logger
}

func New(useCase UseCase, cfg *config.Config, logger *zap.Logger) *Handler {
	return &Handler{
		useCase:   useCase,
		cfg:       cfg,
		validator: validator.New(),
		logger:    logger,
	}
}

func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.useCase.CreateBatch(r.Context(), req.NbFiles, req.TargetMime)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateBatchResponse{BatchID: b.ID})
}

func (h *Handler) Presign(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	var req PresignRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.useCase.Presign(r.Context(), batchID, req.FileName)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}
	var req ConfirmUploadRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.useCase.ConfirmUpload(r.Context(), batchID, req.ObjectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, fh, err := r.FormFile("image")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSONError(w, `missing image file: form field key should be "image"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mime := mimetype.Detect(payload)
	fileType := mime.String()
	if err := validateMimeType(fileType); err != nil {
		writeJSONError(w, fmt.Sprintf("unsupported file type: %s", fileType), http.StatusBadRequest)
		return
	}

	fileName := fh.Filename
	if ext := path.Ext(fileName); !strings.EqualFold(ext, mime.Extension()) {
		fileName = strings.TrimSuffix(fileName, ext) + mime.Extension()
	}

	res, err := h.useCase.UploadImage(r.Context(), batchID, fileName, fileType, payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	batchID, ok := h.batchID(w, r)
	if !ok {
		return
	}

	st, err := h.useCase.Status(r.Context(), batchID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := h.validator.Var(id, "required,uuid"); err != nil {
		writeJSONError(w, "invalid batch id", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// decode reads a JSON body into v and validates it. It writes the error response
// itself and reports whether the handler should continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSONError(w, err.Error(), code)
}
