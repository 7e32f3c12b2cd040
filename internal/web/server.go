package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/auth"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/logging"
	"github.com/example/appt-scheduler/internal/machine"
	"github.com/example/appt-scheduler/internal/metrics"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	App    *app.App
	Auth   *auth.Store
	Logger *zap.Logger

	// Heartbeat is the idle interval between comment lines on event streams.
	Heartbeat time.Duration
}

func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.Logger))
	r.Use(metrics.Handler)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)
		r.Post("/classify", s.handleClassify)
		r.Post("/profiles", s.handleProfileCreate)
		r.Get("/profiles/{id}", s.handleProfileGet)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleJobCreate)
			r.Get("/", s.handleJobList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleJobGet)
				r.Post("/stop", s.handleJobStop)
				r.Post("/code", s.handleJobCode)
				r.Get("/events", s.handleJobEvents)
				r.Get("/bookings", s.handleJobBookings)
				r.Get("/stream", s.handleJobStream)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.App.Ping(ctx); err != nil {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, errorReply{Error: "database unavailable"})
		return
	}
	_ = render.Render(w, r, healthReply{Status: "ok"})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := decode(r, &c); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.Auth.Authenticate(r.Context(), c.Username, c.Password)
	if err != nil {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, errorReply{Error: "invalid username or password"})
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

type errorReply struct {
	Error string `json:"error"`
}

type healthReply struct {
	Status string `json:"status"`
}

func (h healthReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(app.ErrInvalid, err)
	}
	return nil
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, profile.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrConflict), errors.Is(err, auth.ErrUserExists):
		status = http.StatusConflict
	case errors.Is(err, machine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	render.Status(r, status)
	render.JSON(w, r, errorReply{Error: msg})
}

// Start serves h on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		// streams end with ctx instead of holding up shutdown
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
