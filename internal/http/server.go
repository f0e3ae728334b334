package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/ignatij/campaignflow/internal/log"
	"github.com/ignatij/campaignflow/internal/metrics"
	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

// Server exposes the control API over HTTP.
type Server struct {
	control *service.ControlService
	hub     *service.EventHub
	metrics *metrics.Recorder
	health  func(ctx context.Context) error
}

type Option func(*Server)

// WithEventHub enables the per-run websocket event stream.
func WithEventHub(hub *service.EventHub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics counts requests and serves /metrics.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = rec }
}

// WithHealthCheck makes /health report the result of check.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

func NewServer(control *service.ControlService, opts ...Option) *Server {
	s := &Server{control: control}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, errors.Wrapf(service.ErrNotFound, "no route for %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		err := errors.Wrapf(service.ErrBadRequest, "method %s not allowed on %s", r.Method, r.URL.Path)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": err.Error(), "kind": service.Kind(err)})
	})
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/health", s.handleHealth)

	r.Get("/runs", s.handleListRuns)
	r.Post("/runs", s.handleCreateRun)
	r.Route("/runs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/history", s.handleHistory)
		r.Post("/pause", s.handleRunAction(s.control.PauseRun))
		r.Post("/resume", s.handleRunAction(s.control.ResumeRun))
		r.Post("/cancel", s.handleRunAction(s.control.CancelRun))
		if s.hub != nil {
			r.Get("/events", s.handleRunEventsWS)
		}
	})
	r.Post("/jobs/{id}/retry", s.handleRetryJob)
	r.Post("/jobs/{id}/transition", s.handleReportJob)
	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting CampaignFlow server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Info("Shutting down CampaignFlow server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var status *models.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.RunStatus(raw)
		status = &st
	}
	runs, err := s.control.ListRuns(r.Context(), status)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var spec service.RunSpec
	if err := decodeBody(r, &spec); err != nil {
		writeJSONError(w, err)
		return
	}
	run, err := s.control.CreateRun(r.Context(), spec)
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.control.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.control.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRunAction(action func(ctx context.Context, runID string) (models.WorkflowRun, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run.Summary())
	}
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.control.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type reportRequest struct {
	Status       models.JobStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Result       models.Payload   `json:"result,omitempty"`
}

func (s *Server) handleReportJob(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, err)
		return
	}
	if req.Status == "" {
		writeJSONError(w, errors.Wrap(service.ErrBadRequest, "status is required"))
		return
	}
	job, err := s.control.ReportJob(r.Context(), chi.URLParam(r, "id"), req.Status,
		service.JobOutcome{ErrorMessage: req.ErrorMessage, Result: req.Result})
	if err != nil {
		writeJSONError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRunEventsWS(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.control.GetRun(r.Context(), runID); err != nil {
		writeJSONError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(runID)
	defer cancel()

	// Read pump only detects disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				log.GetLogger().Debugf("Websocket write for run %s failed: %v", runID, err)
				return
			}
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(service.ErrBadRequest, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind string) int {
	switch kind {
	case service.KindInvalidTransition, service.KindInvalidState:
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case service.KindBadRequest:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSONError(w http.ResponseWriter, err error) {
	kind := service.Kind(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("Request failed (%s): %v", kind, err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}
