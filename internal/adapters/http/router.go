package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/clinical-batch-intake/internal/config"
	"github.com/kirillkom/clinical-batch-intake/internal/core/domain"
	"github.com/kirillkom/clinical-batch-intake/internal/core/ports"
)

const (
	defaultMaxUploadBodyBytes = 512 << 20
	multipartMemoryBytes      = 32 << 20
	maxJSONBodyBytes          = 1 << 20
)

// HealthChecker reports dependency health for /healthz.
type HealthChecker interface {
	Health(ctx context.Context) (map[string]string, bool)
}

// Recorder receives business counters; optional.
type Recorder interface {
	RecordUpload(service string, files int)
	RecordAssignment(service, result string)
}

type Services struct {
	Submitter ports.BatchSubmitter
	Canceller ports.BatchCanceller
	Reader    ports.BatchReader
	Reviewer  ports.ReviewAssigner
	Health    HealthChecker
	Recorder  Recorder
}

type Router struct {
	svc Services

	serviceName        string
	maxUploadBodyBytes int64
	rateLimitRPS       float64
	rateLimitBurst     int
	maxInFlight        int
	backpressureWait   time.Duration
}

func NewRouter(cfg config.Config, svc Services) *Router {
	maxBody := cfg.APIMaxUploadBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxUploadBodyBytes
	}
	return &Router{
		svc:                svc,
		serviceName:        "intake-api",
		maxUploadBodyBytes: maxBody,
		rateLimitRPS:       cfg.APIRateLimitRPS,
		rateLimitBurst:     cfg.APIRateLimitBurst,
		maxInFlight:        cfg.APIMaxInFlight,
		backpressureWait:   cfg.APIBackpressureWait,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)

	mux.HandleFunc("POST /v1/batches", rt.withOwner(rt.submitBatch))
	mux.HandleFunc("GET /v1/batches", rt.withOwner(rt.listBatches))
	mux.HandleFunc("GET /v1/batches/{id}", rt.withOwner(rt.getBatch))
	mux.HandleFunc("GET /v1/batches/{id}/files", rt.withOwner(rt.listBatchFiles))
	mux.HandleFunc("POST /v1/batches/{id}/cancel", rt.withOwner(rt.cancelBatch))

	mux.HandleFunc("GET /v1/files/{id}", rt.withOwner(rt.getFile))
	mux.HandleFunc("PATCH /v1/files/{id}", rt.withOwner(rt.patchFile))
	mux.HandleFunc("POST /v1/files/{id}/assignment", rt.withOwner(rt.assignFile))

	mux.HandleFunc("GET /v1/review-queue", rt.withOwner(rt.reviewQueue))

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.maxInFlight, rt.backpressureWait)
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	handler = recoverMiddleware(handler)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

// withOwner resolves the caller from X-Owner-Id; authentication itself
// happens upstream.
func (rt *Router) withOwner(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := strings.TrimSpace(r.Header.Get(ownerIDHeader))
		if ownerID == "" {
			writeError(w, r, domain.WrapError(domain.ErrUnauthorized, "resolve owner", errors.New("missing "+ownerIDHeader+" header")))
			return
		}
		next(w, r, ownerID)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	checks, ok := rt.svc.Health.Health(r.Context())
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

type submitBatchResponse struct {
	BatchID       string        `json:"batch_id"`
	AcceptedFiles int           `json:"accepted_files"`
	Batch         *domain.Batch `json:"batch"`
}

func (rt *Router) submitBatch(w http.ResponseWriter, r *http.Request, ownerID string) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBodyBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, err)
			return
		}
		writeError(w, r, domain.ValidationError("submit batch", "multipart form with 'name' and 'files' is required"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	uploads := make([]domain.Upload, 0, len(headers))
	for _, header := range headers {
		data, err := readFormFile(header)
		if err != nil {
			writeError(w, r, err)
			return
		}
		uploads = append(uploads, domain.Upload{Filename: header.Filename, Data: data})
	}

	batch, err := rt.svc.Submitter.SubmitBatch(r.Context(), ownerID, r.FormValue("name"), uploads)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rt.svc.Recorder != nil {
		rt.svc.Recorder.RecordUpload(rt.serviceName, batch.TotalFiles)
	}
	writeJSON(w, http.StatusAccepted, submitBatchResponse{
		BatchID:       batch.ID,
		AcceptedFiles: batch.TotalFiles,
		Batch:         batch,
	})
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %q: %w", header.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read upload %q: %w", header.Filename, err)
	}
	return data, nil
}

func (rt *Router) listBatches(w http.ResponseWriter, r *http.Request, ownerID string) {
	batches, err := rt.svc.Reader.ListBatches(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if batches == nil {
		batches = []domain.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (rt *Router) getBatch(w http.ResponseWriter, r *http.Request, ownerID string) {
	batch, err := rt.svc.Reader.GetBatch(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (rt *Router) listBatchFiles(w http.ResponseWriter, r *http.Request, ownerID string) {
	files, err := rt.svc.Reader.ListFiles(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": nonNilFiles(files)})
}

func (rt *Router) cancelBatch(w http.ResponseWriter, r *http.Request, ownerID string) {
	batchID := r.PathValue("id")
	if err := rt.svc.Canceller.RequestCancel(r.Context(), ownerID, batchID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"batch_id": batchID, "status": "cancel_requested"})
}

func (rt *Router) getFile(w http.ResponseWriter, r *http.Request, ownerID string) {
	file, err := rt.svc.Reader.GetFile(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (rt *Router) patchFile(w http.ResponseWriter, r *http.Request, ownerID string) {
	var raw map[string]json.RawMessage
	if err := decodeJSONBody(w, r, &raw); err != nil {
		writeError(w, r, err)
		return
	}
	update, err := domain.ParseFilePatch(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	file, err := rt.svc.Reviewer.UpdateFile(r.Context(), ownerID, r.PathValue("id"), update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

type assignmentRequest struct {
	ClientID    string `json:"client_id"`
	SessionDate string `json:"session_date"`
	SessionType string `json:"session_type"`
}

func (rt *Router) assignFile(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req assignmentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	assignment := domain.Assignment{
		ClientID:    req.ClientID,
		SessionType: req.SessionType,
	}
	if strings.TrimSpace(req.SessionDate) != "" {
		date, err := domain.ParseSessionDate(req.SessionDate)
		if err != nil {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "assign file", err))
			return
		}
		assignment.SessionDate = &date
	}

	file, note, err := rt.svc.Reviewer.AssignFileToClient(r.Context(), ownerID, r.PathValue("id"), assignment)
	if rt.svc.Recorder != nil {
		rt.svc.Recorder.RecordAssignment(rt.serviceName, assignmentResult(err))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": file, "note": note})
}

func assignmentResult(err error) string {
	switch {
	case err == nil:
		return "assigned"
	case domain.IsKind(err, domain.ErrConflict):
		return "conflict"
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrNotFound):
		return "rejected"
	default:
		return "error"
	}
}

func (rt *Router) reviewQueue(w http.ResponseWriter, r *http.Request, ownerID string) {
	files, err := rt.svc.Reader.ListReviewQueue(r.Context(), ownerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": nonNilFiles(files)})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return err
		}
		return domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("invalid json"))
	}
	return nil
}

func nonNilFiles(files []domain.File) []domain.File {
	if files == nil {
		return []domain.File{}
	}
	return files
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
