package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"device-control/internal/firmware"
	"device-control/internal/models"
	"device-control/internal/options"
	"device-control/internal/ratelimit"
	"device-control/internal/telemetry"
)

// Builds is the firmware build workflow as seen by the API.
type Builds interface {
	Trigger(ctx context.Context, req models.BuildRequest) (models.JobID, error)
	QueryStatus(ctx context.Context, id models.JobID) (models.JobStatus, error)
	Describe(ctx context.Context, id models.JobID) (firmware.JobView, error)
	Abort(ctx context.Context, id models.JobID) error
}

// DeviceStore holds the device's model settings and conversation history.
type DeviceStore interface {
	GetModelSettings(ctx context.Context) (models.ModelSettings, error)
	SaveModelSettings(ctx context.Context, settings models.ModelSettings) error
	ListConversationLogs(ctx context.Context, page, perPage int) ([]models.ConversationLog, error)
}

// Limiter throttles build triggers per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Reloader asks the device runtime to pick up new settings.
type Reloader interface {
	Reload(ctx context.Context) (int64, error)
}

// Server wires HTTP handlers for the device control API.
type Server struct {
	builds   Builds
	device   DeviceStore
	catalog  options.Catalog
	limiter  Limiter
	reloader Reloader
	log      logrus.FieldLogger
}

// New constructs the API server. limiter and reloader may be nil.
func New(builds Builds, device DeviceStore, catalog options.Catalog, limiter Limiter, reloader Reloader, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		builds:   builds,
		device:   device,
		catalog:  catalog,
		limiter:  limiter,
		reloader: reloader,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(allowCORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/logs", s.handleLogs)
		r.Get("/llmModelOptions", s.handleOptions(func(c options.Catalog) []options.Option { return c.LLM }))
		r.Get("/sttModelOptions", s.handleOptions(func(c options.Catalog) []options.Option { return c.STT }))
		r.Get("/ttsModelOptions", s.handleOptions(func(c options.Catalog) []options.Option { return c.TTS }))
		r.Get("/modelData", s.handleGetModelData)
		r.Post("/modelData", s.handleSetModelData)

		r.Post("/asr", s.handleTriggerBuild)
		r.Get("/asr/status", s.handleBuildStatus)
		r.Get("/asr/jobs/{id}", s.handleDescribeBuild)
		r.Delete("/asr/jobs/{id}", s.handleAbortBuild)
	})
	return r
}

// envelope is the response shape every /api/v1 endpoint uses.
type envelope struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func respond(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, envelope{Status: code, Message: message, Data: data})
}

func ok(w http.ResponseWriter, data any) {
	respond(w, http.StatusOK, "success", data)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	ok(w, "pong")
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		respond(w, http.StatusBadRequest, "page must be a positive integer", nil)
		return
	}
	perPage, err := queryInt(r, "perPage", 10)
	if err != nil || perPage < 1 || perPage > 100 {
		respond(w, http.StatusBadRequest, "perPage must be between 1 and 100", nil)
		return
	}
	list, err := s.device.ListConversationLogs(r.Context(), page, perPage)
	if err != nil {
		s.log.WithError(err).Error("list conversation logs")
		respond(w, http.StatusInternalServerError, "failed to list logs", nil)
		return
	}
	ok(w, map[string]any{"page": page, "perPage": perPage, "list": list})
}

func (s *Server) handleOptions(pick func(options.Catalog) []options.Option) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ok(w, pick(s.catalog))
	}
}

func (s *Server) handleGetModelData(w http.ResponseWriter, r *http.Request) {
	settings, err := s.device.GetModelSettings(r.Context())
	if err != nil {
		s.log.WithError(err).Error("load model settings")
		respond(w, http.StatusInternalServerError, "failed to load model settings", nil)
		return
	}
	ok(w, settings)
}

func (s *Server) handleSetModelData(w http.ResponseWriter, r *http.Request) {
	var settings models.ModelSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respond(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if err := s.device.SaveModelSettings(r.Context(), settings); err != nil {
		s.log.WithError(err).Error("save model settings")
		respond(w, http.StatusInternalServerError, "failed to save model settings", nil)
		return
	}
	if s.reloader != nil {
		if _, err := s.reloader.Reload(r.Context()); err != nil {
			s.log.WithError(err).Warn("notify device reload")
		}
	}
	ok(w, nil)
}

type buildRequest struct {
	WakeKeyword *string `json:"wakeKeyword"`
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, "invalid json", nil)
		return
	}
	if req.WakeKeyword == nil || strings.TrimSpace(*req.WakeKeyword) == "" {
		respond(w, http.StatusBadRequest, "wakeKeyword is required", nil)
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), "asr:"+clientIP(r))
		if err != nil {
			s.log.WithError(err).Error("rate limit")
			respond(w, http.StatusInternalServerError, "rate limit error", nil)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			respond(w, http.StatusTooManyRequests, "rate limited", nil)
			return
		}
	}

	id, err := s.builds.Trigger(r.Context(), models.BuildRequest{WakeKeyword: *req.WakeKeyword})
	if err != nil {
		respond(w, http.StatusBadGateway, "firmware build could not be started", map[string]any{"id": nil})
		return
	}
	ok(w, map[string]any{"id": id})
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("prj_name")
	if id == "" {
		respond(w, http.StatusBadRequest, "prj_name is required", nil)
		return
	}
	status, err := s.builds.QueryStatus(r.Context(), models.JobID(id))
	if err != nil {
		s.log.WithError(err).WithField("job_id", id).Warn("query firmware status")
		respond(w, http.StatusBadGateway, "firmware status unavailable", nil)
		return
	}
	ok(w, int(status))
}

func (s *Server) handleDescribeBuild(w http.ResponseWriter, r *http.Request) {
	id := models.JobID(chi.URLParam(r, "id"))
	view, err := s.builds.Describe(r.Context(), id)
	if errors.Is(err, models.ErrJobNotFound) {
		respond(w, http.StatusNotFound, "firmware job not found", nil)
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("job_id", id).Error("describe firmware job")
		respond(w, http.StatusInternalServerError, "failed to load firmware job", nil)
		return
	}
	ok(w, view)
}

func (s *Server) handleAbortBuild(w http.ResponseWriter, r *http.Request) {
	id := models.JobID(chi.URLParam(r, "id"))
	err := s.builds.Abort(r.Context(), id)
	switch {
	case err == nil:
		ok(w, map[string]any{"id": id, "state": models.StateAborted})
	case errors.Is(err, models.ErrJobNotFound):
		respond(w, http.StatusNotFound, "firmware job not found", nil)
	case errors.Is(err, firmware.ErrNotAbortable):
		respond(w, http.StatusConflict, err.Error(), nil)
	default:
		s.log.WithError(err).WithField("job_id", id).Error("abort firmware job")
		respond(w, http.StatusInternalServerError, "failed to abort firmware job", nil)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
		}).Debug("request")
	})
}

// allowCORS lets the device's web UI call the API from any origin.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
