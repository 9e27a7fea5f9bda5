package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/highlog/orchestrator/internal/blob"
	"github.com/highlog/orchestrator/internal/checkpoint"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/interview"
	"github.com/highlog/orchestrator/internal/qgen"
	"github.com/highlog/orchestrator/internal/registry"
	"github.com/highlog/orchestrator/internal/streaming"
)

// maxUploadBytes caps record PDF and answer audio uploads.
const maxUploadBytes = 50 << 20

type recordStore interface {
	CreateRecord(ctx context.Context, rec *db.Record) error
	GetRecord(ctx context.Context, id uuid.UUID) (*db.Record, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	ListQuestions(ctx context.Context, recordID uuid.UUID, category, difficulty string) ([]db.Question, error)
}

type blobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
}

type ingestRunner interface {
	Run(ctx context.Context, recordID uuid.UUID)
}

type questionGenerator interface {
	Precheck(ctx context.Context, recordID uuid.UUID) error
	Run(ctx context.Context, recordID uuid.UUID, params qgen.Params)
}

type interviewEngine interface {
	Initialize(ctx context.Context, recordID uuid.UUID, userID, difficulty, firstAnswer string, responseTimeS float64) (*interview.TurnResult, error)
	ChatTurn(ctx context.Context, threadID, answer string, responseTimeS float64) (*interview.TurnResult, error)
	ChatTurnAudio(ctx context.Context, threadID string, audio []byte, mime string, responseTimeS float64) (*interview.TurnResult, error)
}

type sessionReader interface {
	ListByUser(ctx context.Context, userID string) ([]db.Session, error)
	GetLogs(ctx context.Context, threadID string) (*registry.Logs, error)
}

// Handler serves the public REST and streaming API.
type Handler struct {
	records   recordStore
	blobs     blobStore
	ingest    ingestRunner
	questions questionGenerator
	engine    interviewEngine
	sessions  sessionReader
	streams   *streaming.Manager
	logger    *zap.Logger
}

func NewHandler(
	records recordStore,
	blobs blobStore,
	ingest ingestRunner,
	questions questionGenerator,
	engine interviewEngine,
	sessions sessionReader,
	streams *streaming.Manager,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		records:   records,
		blobs:     blobs,
		ingest:    ingest,
		questions: questions,
		engine:    engine,
		sessions:  sessions,
		streams:   streams,
		logger:    logger,
	}
}

// RegisterRoutes wires all endpoints onto the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/records", h.handleUploadRecord)
	mux.HandleFunc("GET /api/v1/records/{id}/status", h.handleRecordStatus)
	mux.HandleFunc("DELETE /api/v1/records/{id}", h.handleDeleteRecord)
	mux.HandleFunc("POST /api/v1/records/{id}/ingest", h.handleIngest)
	mux.HandleFunc("POST /api/v1/records/{id}/questions/generate", h.handleGenerateQuestions)
	mux.HandleFunc("GET /api/v1/records/{id}/questions", h.handleListQuestions)
	mux.HandleFunc("POST /api/v1/interview/initialize", h.handleInitialize)
	mux.HandleFunc("POST /api/v1/interview/chat/text/{thread_id}", h.handleChatText)
	mux.HandleFunc("POST /api/v1/interview/chat/audio/{thread_id}", h.handleChatAudio)
	mux.HandleFunc("GET /api/v1/interview/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/v1/interview/sessions/{thread_id}/logs", h.handleSessionLogs)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *Handler) handleUploadRecord(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	userID := r.FormValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty file")
		return
	}

	recordID := uuid.New()
	key := blob.RecordKey(userID, recordID, header.Filename)
	if err := h.blobs.Put(r.Context(), key, data, "application/pdf"); err != nil {
		h.logger.Error("Record upload failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store file")
		return
	}

	rec := &db.Record{
		ID:       recordID,
		UserID:   userID,
		FileName: header.Filename,
		S3Key:    key,
		Status:   db.RecordStatusPending,
	}
	if err := h.records.CreateRecord(r.Context(), rec); err != nil {
		h.logger.Error("Record insert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create record")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"record_id": recordID.String(),
		"s3_key":    key,
		"status":    rec.Status,
	})
}

func (h *Handler) handleRecordStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.records.GetRecord(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"record_id":  rec.ID.String(),
		"status":     rec.Status,
		"page_count": rec.PageCount,
		"file_name":  rec.FileName,
	})
}

func (h *Handler) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.records.GetRecord(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.records.DeleteRecord(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if err := h.blobs.Delete(r.Context(), rec.S3Key); err != nil {
		h.logger.Warn("Failed to delete record object",
			zap.String("key", rec.S3Key),
			zap.Error(err),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIngest starts (or restarts) ingest for a record and streams its
// progress as SSE until the terminal event.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.records.GetRecord(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	// The run is detached from the request: a dropped SSE client does not
	// abort the pipeline.
	h.serveSSE(w, r, id.String(), func() {
		go h.ingest.Run(context.Background(), id)
	})
}

func (h *Handler) handleGenerateQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	// The admission target is optional; a bodiless request generates an
	// untargeted set.
	var params qgen.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.questions.Precheck(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}

	h.serveSSE(w, r, qgen.StreamID(id), func() {
		go h.questions.Run(context.Background(), id, params)
	})
}

func (h *Handler) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	category := r.URL.Query().Get("category")
	difficulty := r.URL.Query().Get("difficulty")
	if difficulty != "" && difficulty != "BASIC" && difficulty != "DEEP" {
		writeError(w, http.StatusBadRequest, "difficulty must be BASIC or DEEP")
		return
	}

	questions, err := h.records.ListQuestions(r.Context(), id, category, difficulty)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"questions": questions})
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecordID      string  `json:"record_id"`
		UserID        string  `json:"user_id"`
		Difficulty    string  `json:"difficulty"`
		FirstAnswer   string  `json:"first_answer"`
		ResponseTimeS float64 `json:"response_time_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	recordID, err := uuid.Parse(req.RecordID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record_id")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	res, err := h.engine.Initialize(r.Context(), recordID, req.UserID, req.Difficulty, req.FirstAnswer, req.ResponseTimeS)
	if err != nil {
		if errors.Is(err, interview.ErrInvalidDifficulty) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleChatText(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	var req struct {
		Answer        string  `json:"answer"`
		ResponseTimeS float64 `json:"response_time_s"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer required")
		return
	}

	res, err := h.engine.ChatTurn(r.Context(), threadID, req.Answer, req.ResponseTimeS)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleChatAudio(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil || len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio")
		return
	}
	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/webm"
	}
	var responseTime float64
	fmt.Sscanf(r.FormValue("response_time_s"), "%f", &responseTime)

	res, err := h.engine.ChatTurnAudio(r.Context(), threadID, audio, mime, responseTime)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	sessions, err := h.sessions.ListByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (h *Handler) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")
	logs, err := h.sessions.GetLogs(r.Context(), threadID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, checkpoint.ErrNotFound),
		errors.Is(err, interview.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, qgen.ErrRecordNotReady),
		errors.Is(err, interview.ErrRecordNotReady),
		errors.Is(err, interview.ErrTurnInFlight),
		errors.Is(err, interview.ErrSessionCompleted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
