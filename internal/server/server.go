package server

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/constants"
	"github.com/SkylerRankin/speedtest_gui/internal/database"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxHistoryLimit   = 500
)

type Server interface {
	// Listen serves until Shutdown is called.
	Listen() error
	Shutdown(context.Context) error
	Handler() http.Handler
}

// Measurements is the subset of the runner the HTTP surface drives.
type Measurements interface {
	Start() (runID string, started bool)
	Cancel()
	State() types.RunState
}

type History interface {
	GetRecentResults(context.Context, int) ([]types.MeasurementResult, error)
}

type Websocket interface {
	HandleConnection(w http.ResponseWriter, r *http.Request) error
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var _ Server = &server{}

type server struct {
	log          *slog.Logger
	assetsPath   string
	server       *http.Server
	measurements Measurements
	history      History
	websocket    Websocket
}

func NewServer(log *slog.Logger, addr, assetsPath string, measurements Measurements, history History, websocket Websocket) Server {
	s := &server{
		log:          log,
		assetsPath:   assetsPath,
		measurements: measurements,
		history:      history,
		websocket:    websocket,
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *server) Listen() error {
	s.log.Info("http server listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server exited")
	}
	s.log.Info("http server exited")
	return nil
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *server) Handler() http.Handler {
	return s.server.Handler
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))

	r.Get("/", s.handleRoot)
	// Only the static subdirectory is exposed; the assets root may hold the database.
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(filepath.Join(s.assetsPath, "static")))))
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebsocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/cancel", s.handleCancel)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
	})

	return r
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	t, err := template.ParseFiles(filepath.Join(s.assetsPath, "templates", "index.html"))
	if err != nil {
		s.log.Error("failed to parse index template", "err", err)
		http.Error(w, "failed to load page", http.StatusInternalServerError)
		return
	}

	data := types.IndexTemplateData{Commit: constants.Commit}
	if err := t.Execute(w, data); err != nil {
		s.log.Error("failed to render index template", "err", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	runID, started := s.measurements.Start()
	if !started {
		writeJSON(w, http.StatusConflict, ErrorResponse{Code: "already_running", Message: "a measurement is already in progress"})
		return
	}
	writeJSON(w, http.StatusAccepted, types.StartResponse{RunID: runID})
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.measurements.State() != types.StateRunning {
		writeJSON(w, http.StatusConflict, ErrorResponse{Code: "not_running", Message: "no measurement is in progress"})
		return
	}
	s.measurements.Cancel()
	writeJSON(w, http.StatusAccepted, types.StatusResponse{State: s.measurements.State()})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.StatusResponse{State: s.measurements.State()})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := database.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "invalid_limit", Message: "limit must be between 1 and " + strconv.Itoa(maxHistoryLimit)})
			return
		}
		limit = n
	}

	results, err := s.history.GetRecentResults(r.Context(), limit)
	if err != nil {
		s.log.Error("failed to get results from database", "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "history_failed", Message: "failed to load history"})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// The upgrader has already replied when the handshake fails.
	if err := s.websocket.HandleConnection(w, r); err != nil {
		s.log.Error("failed to handle websocket connection", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
