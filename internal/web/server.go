// Package web serves the browser chat page and a small JSON API.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"CourseChat/internal/chatbot"
	"CourseChat/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// ContextCookie holds the uuid identifying one browser's UI context
const ContextCookie = "coursechat_ctx"

//go:embed templates/*.html
var templateFS embed.FS

// Options configures a Server
type Options struct {
	Bot      *chatbot.ChatBot
	Contexts int
	Logger   *slog.Logger
}

// Server routes browser and API requests to the chat bot
type Server struct {
	bot      *chatbot.ChatBot
	contexts *session.Registry
	router   *chi.Mux
	page     *template.Template
	logger   *slog.Logger
}

// NewServer builds the router
func NewServer(opts Options) (*Server, error) {
	if opts.Bot == nil {
		return nil, errors.New("web: chat bot is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	contexts, err := session.NewRegistry(opts.Bot.IDs(), opts.Contexts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context registry: %w", err)
	}
	page, err := template.New("index.html").Funcs(template.FuncMap{
		"clock":    func(t time.Time) string { return t.Local().Format("15:04") },
		"markdown": renderMarkdown,
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		bot:      opts.Bot,
		contexts: contexts,
		router:   chi.NewRouter(),
		page:     page,
		logger:   opts.Logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.health)
	s.router.Get("/", s.index)
	s.router.Group(func(r chi.Router) {
		r.Use(sameOrigin(s.logger))
		r.Post("/chat", s.chat)
		r.Post("/sessions/new", s.newSession)
		r.Post("/sessions/{id}/switch", s.switchSession)
	})
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(sameOrigin(s.logger))
		r.Get("/schema", s.schema)
		r.Post("/reset", s.reset)
	})
	s.router.Get("/ws", s.socket)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.apiSessions)
		r.Get("/sessions/{id}/turns", s.apiTurns)
		r.With(sameOrigin(s.logger)).Post("/chat", s.apiChat)
	})

	return s, nil
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		s.logger.Info("web server stopped")
		return nil
	}
}

// manager resolves the caller's UI context, issuing a cookie on first visit.
func (s *Server) manager(w http.ResponseWriter, r *http.Request) *session.Manager {
	if c, err := r.Cookie(ContextCookie); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return s.contexts.Get(id.String())
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ContextCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s.contexts.Get(id)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
