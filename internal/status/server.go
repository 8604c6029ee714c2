// Package status serves the operator HTTP surface of the daemon.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/feed"
	"github.com/pders01/feedkeeper/internal/search"
	"github.com/pders01/feedkeeper/internal/storage"
)

const defaultSearchLimit = 20

// Server exposes health, the last poll report, search and manual refresh.
type Server struct {
	manager  *feed.Manager
	searcher search.Searcher
	router   chi.Router
}

func New(manager *feed.Manager, searcher search.Searcher) *Server {
	s := &Server{
		manager:  manager,
		searcher: searcher,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/report", s.handleReport)
	r.Get("/search", s.handleSearch)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/items", s.handleItems)
		r.Post("/refresh", s.handleRefresh)
	})

	s.router = r
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		debuglog.Infof("status server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// handleHealth reports liveness and, for index-backed search, the number of
// indexed documents.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if stats, ok := s.searcher.(search.DebugStatser); ok {
		count, err := stats.DocCount()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "search index unavailable: "+err.Error())
			return
		}
		body["indexed_docs"] = count
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.manager.Poller().LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no poll cycle has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":  report.String(),
		"failures": report.FailuresByReason(),
		"report":   report,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	query := r.URL.Query().Get("q")
	if userID == "" || query == "" {
		writeError(w, http.StatusBadRequest, "user and q are required")
		return
	}
	limit := queryInt(r, "limit", defaultSearchLimit)

	results, err := s.searcher.Search(r.Context(), userID, query, limit)
	if err != nil {
		debuglog.Errorf("search for user %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	opts := feed.ListOptions{
		ChannelID: r.URL.Query().Get("channel"),
		Limit:     queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("hide_read"); v != "" {
		hide, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hide_read must be a boolean")
			return
		}
		opts.HideRead = &hide
	}

	items, err := s.manager.ListItems(r.Context(), userID, opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	report, err := s.manager.RefreshUser(r.Context(), userID)
	switch {
	case errors.Is(err, feed.ErrPollInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	debuglog.Errorf("status request failed: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		debuglog.WithFields(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debugf("served in %s", time.Since(start))
	})
}
