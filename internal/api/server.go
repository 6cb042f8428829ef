package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"taskvisor/internal/domain"
	"taskvisor/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// WorkerControl is the slice of the process supervisor exposed over HTTP.
type WorkerControl interface {
	Start(interval time.Duration) error
	Stop()
	Status() domain.ProcessStatus
	RestartCount() int
	Results() []domain.Item
}

type startReq struct {
	IntervalMs int64 `json:"interval_ms"`
}

type workerResp struct {
	Status   domain.ProcessStatus `json:"status"`
	Restarts int                  `json:"restarts"`
	Results  []domain.Item        `json:"results"`
}

type Server struct {
	router *chi.Mux
}

// NewServer exposes the status board and, when worker is non-nil, worker
// control. defaultInterval is used when a start request omits it.
func NewServer(board *usecase.Board, worker WorkerControl, defaultInterval time.Duration) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, loggerHandler, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, board.Snapshot())
	})

	if worker != nil {
		r.Route("/worker", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, workerState(worker))
			})
			r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
				interval := defaultInterval
				var req startReq
				if r.ContentLength != 0 {
					if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
						http.Error(w, err.Error(), http.StatusBadRequest)
						return
					}
				}
				if req.IntervalMs > 0 {
					interval = time.Duration(req.IntervalMs) * time.Millisecond
				}
				if err := worker.Start(interval); err != nil {
					http.Error(w, err.Error(), http.StatusConflict)
					return
				}
				writeJSON(w, http.StatusAccepted, workerState(worker))
			})
			r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
				worker.Stop()
				writeJSON(w, http.StatusOK, workerState(worker))
			})
		})
	}

	return &Server{router: r}
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("status server serving on port %d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("status server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func workerState(w WorkerControl) workerResp {
	return workerResp{Status: w.Status(), Restarts: w.RestartCount(), Results: w.Results()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func loggerHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" {
			return
		}
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
