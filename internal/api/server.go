package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/khawaidev/pantharaaiAPI/api/schemas"
	"github.com/khawaidev/pantharaaiAPI/internal/browser"
	"github.com/khawaidev/pantharaaiAPI/internal/chat"
	"github.com/khawaidev/pantharaaiAPI/internal/config"
	"github.com/khawaidev/pantharaaiAPI/internal/session"
)

// Server exposes the conversation engine over HTTP. One browser, one
// conversation at a time: chatMu serializes every exchange end to end so
// concurrent requests queue instead of interleaving keystrokes.
type Server struct {
	log       *zap.Logger
	cfg       config.ServerConfig
	lifecycle *browser.Lifecycle
	driver    *chat.Driver
	store     *session.Store

	chatMu sync.Mutex
	srv    *http.Server
}

func NewServer(cfg config.ServerConfig, lifecycle *browser.Lifecycle, driver *chat.Driver, store *session.Store, logger *zap.Logger) *Server {
	return &Server{
		log:       logger.Named("api"),
		cfg:       cfg,
		lifecycle: lifecycle,
		driver:    driver,
		store:     store,
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/session/export", s.handleSessionExport).Methods(http.MethodPost)
	r.HandleFunc("/session/save", s.handleSessionSave).Methods(http.MethodPost)
	r.HandleFunc("/session/load", s.handleSessionLoad).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Use(s.logRequests)
	return r
}

// ListenAndServe blocks until the context is cancelled, then drains within
// the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req schemas.ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	log := s.log.With(zap.String("request_id", uuid.NewString()))

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	handle, err := s.lifecycle.Acquire(r.Context())
	if err != nil {
		log.Error("Browser unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "browser unavailable: "+err.Error())
		return
	}

	result, err := s.driver.Run(handle.Ctx, req)
	if err != nil {
		log.Error("Conversation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	// Cookies rotate during normal traffic; keep the session file fresh.
	if _, err := s.store.Export(handle.Ctx); err != nil {
		log.Warn("Post-chat session export failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	handle, err := s.lifecycle.Acquire(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	stats, err := s.store.Export(handle.Ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemas.SessionFileResult{
		Success:      true,
		FileName:     stats.FileName,
		FilePath:     stats.FilePath,
		CookieCount:  stats.CookieCount,
		StorageCount: stats.StorageCount,
	})
}

func (s *Server) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	handle, err := s.lifecycle.Acquire(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	stats, err := s.store.Backup(handle.Ctx, body.Name)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemas.SessionFileResult{
		Success:      true,
		FileName:     stats.FileName,
		FilePath:     stats.FilePath,
		CookieCount:  stats.CookieCount,
		StorageCount: stats.StorageCount,
	})
}

// handleSessionLoad replays the on-disk session file into the live browser.
func (s *Server) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.Load()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	if snap == nil || snap.Empty() {
		writeJSON(w, http.StatusNotFound, schemas.SessionFileResult{Error: "no session file present"})
		return
	}

	handle, err := s.lifecycle.Acquire(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	if err := s.store.Apply(handle.Ctx, snap); err != nil {
		writeJSON(w, http.StatusInternalServerError, schemas.SessionFileResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, schemas.SessionFileResult{
		Success:      true,
		CookieCount:  len(snap.Cookies),
		StorageCount: len(snap.LocalStorage),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
