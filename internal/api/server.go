package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"distressguard/internal/alerts"
	"distressguard/internal/config"
	"distressguard/internal/contacts"
	"distressguard/internal/location"
	"distressguard/internal/metrics"
	"distressguard/internal/model"
	"distressguard/internal/monitor"
	"distressguard/internal/notify"
	"distressguard/internal/transcribe"
)

// Monitor is the part of monitor.Service the API drives.
type Monitor interface {
	Status() monitor.Status
	Panic(ctx context.Context) bool
	StartMonitoring() error
	StopMonitoring()
	Transcript() string
	RefreshLocation(ctx context.Context) (model.LocationFix, error)
	Latest() *model.LocationFix
	SendTest(ctx context.Context, contactID string) (model.Alert, error)
	SubscribeLocation(fn func(model.LocationFix)) func()
}

type ContactBook interface {
	List(ctx context.Context) ([]model.Contact, error)
	Add(ctx context.Context, c model.Contact) (model.Contact, error)
	Remove(ctx context.Context, id string) error
}

// AlertLister is a durable alert history.
type AlertLister interface {
	ListAlerts(ctx context.Context, limit int, since time.Time) ([]model.Alert, error)
}

type Options struct {
	Monitor  Monitor
	Contacts ContactBook
	History  *alerts.Store
	Storage  AlertLister
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	monitor  Monitor
	contacts ContactBook
	history  *alerts.Store
	storage  AlertLister
	metrics  *metrics.Metrics
	logger   *slog.Logger
	version  string
	hub      *Hub
	router   chi.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		monitor:  opts.Monitor,
		contacts: opts.Contacts,
		history:  opts.History,
		storage:  opts.Storage,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		version:  opts.Version,
		hub:      NewHub(opts.Logger),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/panic", s.handlePanic)
		r.Post("/monitor/start", s.handleMonitorStart)
		r.Post("/monitor/stop", s.handleMonitorStop)
		r.Get("/transcript", s.handleTranscript)
		r.Get("/location", s.handleLocation)
		r.Post("/location/refresh", s.handleLocationRefresh)
		r.Get("/location/ws", s.hub.ServeWS(s.monitor.Latest))
		r.Get("/alerts", s.handleAlerts)
		r.Get("/contacts", s.handleListContacts)
		r.Post("/contacts", s.handleAddContact)
		r.Delete("/contacts/{id}", s.handleRemoveContact)
		r.Post("/contacts/{id}/test", s.handleTestContact)
	})
	r.Handle("/metrics", s.metrics.Handler())

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves the API until ctx is done. It returns nil when the API is
// disabled.
func Start(ctx context.Context, cfg config.APIConfig, opts Options) *http.Server {
	logger := opts.Logger
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", cfg.Addr)
	}
	server := NewServer(opts)
	unsubscribe := server.monitor.SubscribeLocation(server.hub.Broadcast)
	go server.hub.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type statusResponse struct {
	Status  string         `json:"status"`
	Time    string         `json:"time"`
	Version string         `json:"version"`
	Monitor monitor.Status `json:"monitor"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "ok",
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Version: s.version,
		Monitor: s.monitor.Status(),
	})
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request) {
	triggered := s.monitor.Panic(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": triggered})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.StartMonitoring(); err != nil {
		if errors.Is(err, transcribe.ErrUnsupportedCapability) {
			writeError(w, http.StatusNotImplemented, "speech recognition unsupported")
			return
		}
		s.logError("start monitoring failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listening": true})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	s.monitor.StopMonitoring()
	writeJSON(w, http.StatusOK, map[string]any{"listening": false})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"transcript": s.monitor.Transcript()})
}

type locationResponse struct {
	Location  *model.LocationFix `json:"location"`
	MapsURL   string             `json:"maps_url,omitempty"`
	ShareText string             `json:"share_text,omitempty"`
	Display   string             `json:"display,omitempty"`
}

func newLocationResponse(fix *model.LocationFix) locationResponse {
	if fix == nil {
		return locationResponse{}
	}
	return locationResponse{
		Location:  fix,
		MapsURL:   location.MapsURL(*fix),
		ShareText: location.ShareText(*fix),
		Display:   location.Describe(*fix),
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	fix := s.monitor.Latest()
	if fix == nil {
		writeError(w, http.StatusNotFound, "no location acquired")
		return
	}
	writeJSON(w, http.StatusOK, newLocationResponse(fix))
}

func (s *Server) handleLocationRefresh(w http.ResponseWriter, r *http.Request) {
	fix, err := s.monitor.RefreshLocation(r.Context())
	if err != nil {
		writeError(w, locationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newLocationResponse(&fix))
}

func locationStatus(err error) int {
	switch {
	case errors.Is(err, location.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, location.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, location.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, location.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = ts
	}

	var list []model.Alert
	switch {
	case s.storage != nil:
		var err error
		list, err = s.storage.ListAlerts(r.Context(), limit, since)
		if err != nil {
			s.logError("list alerts failed", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	case s.history != nil:
		if since.IsZero() {
			list = s.history.List(limit)
		} else {
			list = s.history.Since(since)
			if limit > 0 && len(list) > limit {
				list = list[len(list)-limit:]
			}
		}
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.contacts.List(r.Context())
	if err != nil {
		s.logError("list contacts failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []model.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": list,
		"count":    len(list),
	})
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var c model.Contact
	if err := json.Unmarshal(body, &c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	saved, err := s.contacts.Add(r.Context(), c)
	if err != nil {
		if errors.Is(err, contacts.ErrInvalidContact) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logError("add contact failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.contacts.Remove(r.Context(), id); err != nil {
		if errors.Is(err, contacts.ErrNotFound) {
			writeError(w, http.StatusNotFound, "contact not found")
			return
		}
		s.logError("remove contact failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, err := s.monitor.SendTest(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, contacts.ErrNotFound):
			writeError(w, http.StatusNotFound, "contact not found")
		case errors.Is(err, notify.ErrDispatchFailure):
			s.logError("test alert failed", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "alert": alert})
		default:
			s.logError("test alert failed", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alert":   alert,
		"message": notify.Render(alert),
	})
}

func (s *Server) logError(msg string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
