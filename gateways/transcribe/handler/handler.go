package handler

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xilidan/transcriber/pkg/json"
	"github.com/xilidan/transcriber/pkg/logger"
	"github.com/xilidan/transcriber/services/session/consts"
	"github.com/xilidan/transcriber/services/session/entity"
	"github.com/xilidan/transcriber/services/session/usecase"
)

const (
	msgAudioProcessed = "Audio file processed and converted successfully."
	msgImagesUploaded = "Image files uploaded successfully."
	msgGenericError   = "An error occurred."
	multipartMemory   = 32 << 20
)

type HealthChecker interface {
	Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error)
}

type IngestionLister interface {
	ListIngestions(ctx context.Context, sessionID string) ([]*entity.IngestionResult, error)
}

type Handler struct {
	usecase      usecase.Usecase
	health       HealthChecker
	ingestions   IngestionLister
	log          *slog.Logger
	maxUpload    int64
	imagesRoot   string
	uploadsGuard func(http.Handler) http.Handler
}

type Options struct {
	MaxUploadBytes int64
	ImagesRoot     string
	// Ingestions backs GET /sessions/{sessionID}/ingestions when set.
	Ingestions IngestionLister
	// UploadsGuard wraps the /upload routes, e.g. with bearer auth.
	UploadsGuard func(http.Handler) http.Handler
}

type UploadImagesResponse struct {
	Message   string   `json:"message"`
	ImageURLs []string `json:"imageUrls"`
}

func New(uc usecase.Usecase, health HealthChecker, log *slog.Logger, opts Options) *Handler {
	log.Debug("creating new handler")
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = consts.DefaultMaxUploadSize
	}
	if opts.UploadsGuard == nil {
		opts.UploadsGuard = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		usecase:      uc,
		health:       health,
		ingestions:   opts.Ingestions,
		log:          log,
		maxUpload:    opts.MaxUploadBytes,
		imagesRoot:   opts.ImagesRoot,
		uploadsGuard: opts.UploadsGuard,
	}
}

func (h *Handler) RegisterRoutes(router chi.Router) {
	h.log.Debug("registering HTTP routes")
	router.Get("/test", h.Test)
	router.Get("/health", h.HealthCheck)
	router.Route("/upload", func(uploadRouter chi.Router) {
		uploadRouter.Use(h.uploadsGuard)
		uploadRouter.Post("/audio", h.UploadAudio)
		uploadRouter.Post("/image", h.UploadImage)
	})
	router.Get("/sessions/{sessionID}/images", h.ListImages)
	if h.ingestions != nil {
		router.Get("/sessions/{sessionID}/ingestions", h.ListIngestions)
	}
	if h.imagesRoot != "" {
		files := http.StripPrefix(consts.ImagesRoute+"/", http.FileServer(http.Dir(h.imagesRoot)))
		router.Handle(consts.ImagesRoute+"/*", files)
	}
	h.log.Info("all routes registered successfully")
}

func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hello World"))
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp, err := h.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil {
		h.log.Error("health check failed", slog.String("error", err.Error()))
		json.WriteError(w, http.StatusServiceUnavailable, err)
		return
	}
	status := http.StatusOK
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}
	json.WriteProtoJSON(w, status, resp)
}

func (h *Handler) UploadAudio(w http.ResponseWriter, r *http.Request) {
	h.log.Info("upload audio request received",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", requestID(r)))

	if !h.parseUpload(w, r, "No file uploaded") {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		h.log.Warn("no audio file in request")
		http.Error(w, "No file uploaded", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	botID := r.FormValue("bot_id")
	rawSpeakers := r.FormValue("max_speakers")
	h.log.Debug("form fields received",
		slog.String("session_id", sessionID),
		slog.String("max_speakers", rawSpeakers),
		slog.String("bot_id", botID))

	if sessionID == "" || rawSpeakers == "" || botID == "" {
		http.Error(w, "Missing required fields: session_id, max_speakers, bot_id", http.StatusBadRequest)
		return
	}
	maxSpeakers, err := strconv.Atoi(strings.TrimSpace(rawSpeakers))
	if err != nil || maxSpeakers < 1 {
		http.Error(w, "max_speakers must be a positive integer", http.StatusBadRequest)
		return
	}

	file, err := headers[0].Open()
	if err != nil {
		h.log.Error("failed to open uploaded file", slog.String("error", err.Error()))
		http.Error(w, msgGenericError, http.StatusInternalServerError)
		return
	}
	defer file.Close()

	ctx := logger.WithContext(r.Context(), h.log.With(slog.String("request_id", requestID(r))))
	result, err := h.usecase.ProcessAudio(ctx, &entity.ProcessAudioRequest{
		SessionID:   sessionID,
		BotID:       botID,
		MaxSpeakers: maxSpeakers,
		AudioExt:    audioExt(headers[0]),
	}, file)
	if err != nil {
		if errors.Is(err, entity.ErrValidation) {
			http.Error(w, reason(err), http.StatusBadRequest)
			return
		}
		stage, _ := entity.FailedStage(err)
		h.log.Error("audio pipeline failed",
			slog.String("session_id", sessionID),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()))
		http.Error(w, msgGenericError, http.StatusInternalServerError)
		return
	}

	h.log.Info("audio pipeline completed",
		slog.String("session_id", sessionID),
		slog.String("job_id", result.JobID),
		slog.Int("ingested", len(result.Ingested)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(msgAudioProcessed))
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	h.log.Info("upload image request received",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", requestID(r)))

	if !h.parseUpload(w, r, "No files uploaded") {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := append(r.MultipartForm.File["file"], r.MultipartForm.File["file[]"]...)
	if len(headers) == 0 {
		http.Error(w, "No files uploaded", http.StatusBadRequest)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	images := make([]usecase.ImageFile, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			h.log.Error("failed to open uploaded image", slog.String("error", err.Error()))
			http.Error(w, "Error saving image URLs.", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		images = append(images, usecase.ImageFile{Name: fh.Filename, Content: f})
	}

	ctx := logger.WithContext(r.Context(), h.log.With(slog.String("request_id", requestID(r))))
	uploaded, err := h.usecase.UploadImages(ctx, sessionID, images)
	if err != nil {
		if errors.Is(err, entity.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("failed to store images",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		http.Error(w, "Error saving image URLs.", http.StatusInternalServerError)
		return
	}

	urls := make([]string, 0, len(uploaded))
	for _, img := range uploaded {
		urls = append(urls, img.URL)
	}
	h.log.Info("images stored", slog.String("session_id", sessionID), slog.Int("count", len(urls)))
	json.WriteJSON(w, http.StatusOK, UploadImagesResponse{
		Message:   msgImagesUploaded,
		ImageURLs: urls,
	})
}

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	entries, err := h.usecase.ListImages(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, entity.ErrValidation) {
			json.WriteError(w, http.StatusBadRequest, err)
			return
		}
		h.log.Error("failed to read image ledger",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New(msgGenericError))
		return
	}
	json.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListIngestions(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	results, err := h.ingestions.ListIngestions(r.Context(), sessionID)
	if err != nil {
		h.log.Error("failed to list ingestions",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		json.WriteError(w, http.StatusInternalServerError, errors.New(msgGenericError))
		return
	}
	if results == nil {
		results = []*entity.IngestionResult{}
	}
	json.WriteJSON(w, http.StatusOK, results)
}

func audioExt(fh *multipart.FileHeader) string {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" || len(ext) > 8 || strings.ContainsAny(ext, `/\`) {
		return consts.DefaultAudioExt
	}
	return ext
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

// reason strips the stage wrapper so validation messages read cleanly.
func reason(err error) string {
	var se *entity.StageError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}

// parseUpload reads the multipart body within the upload limit and writes the
// error response itself when it cannot.
func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request, missing string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	err := r.ParseMultipartForm(multipartMemory)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.log.Warn("upload exceeds size limit", slog.Int64("limit", tooLarge.Limit))
		http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
		return false
	}
	h.log.Warn("failed to parse multipart form", slog.String("error", err.Error()))
	http.Error(w, missing, http.StatusBadRequest)
	return false
}
