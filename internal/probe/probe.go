package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/ledgerbox/lbx"
	"github.com/3rs4lg4d0/ledgerbox/logger"
	"github.com/gorilla/mux"
)

const (
	_defaultReadTimeout     = 5 * time.Second
	_defaultWriteTimeout    = 5 * time.Second
	_defaultShutdownTimeout = 3 * time.Second
	_checkTimeout           = 2 * time.Second
)

// Checker reports the readiness of the service dependencies.
type Checker interface {
	Check(ctx context.Context) lbx.HealthReport
}

// NewRouter builds the probe routes. The metrics handler is optional.
func NewRouter(c Checker, metrics http.Handler, l logger.Logger) *mux.Router {
	if l == nil {
		l = &logger.NopLogger{}
	}
	// routes live on the root router so that a method mismatch answers 405
	r := mux.NewRouter()
	r.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), _checkTimeout)
		defer cancel()
		report := c.Check(ctx)
		status := http.StatusOK
		if !report.Ready() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			l.Error("could not write the readiness report", err)
		}
	}).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return r
}

// Server serves the probe routes until its context is cancelled.
type Server struct {
	srv    *http.Server
	logger logger.Logger
}

var _ logger.Loggable = (*Server)(nil)

func NewServer(addr string, h http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      h,
			ReadTimeout:  _defaultReadTimeout,
			WriteTimeout: _defaultWriteTimeout,
		},
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (s *Server) SetLogger(l logger.Logger) {
	s.logger = l
}

// Run listens until ctx is done and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(fmt.Sprintf("probe server listening on %s", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("probe server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), _defaultShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
