package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"CourseChat/internal/chatbot"
	"CourseChat/internal/session"
	"CourseChat/internal/store"

	"github.com/go-chi/chi/v5"
)

type pageData struct {
	Current   string
	Turns     []session.Turn
	Summaries []session.Summary
	Warnings  []string
	Error     string
	Notice    string
	Tables    []store.Table
	Schema    bool

	// Pending is the exchange just sent from this page. Its turns are
	// shown even when the store did not keep them.
	Pending *chatbot.Exchange
	Unsaved []session.Turn
}

// unsavedTurns returns the turns of ex that are missing from the tail of stored.
func unsavedTurns(stored []session.Turn, ex *chatbot.Exchange) []session.Turn {
	if ex == nil {
		return nil
	}
	candidates := []session.Turn{ex.User}
	if ex.Reply != "" {
		candidates = append(candidates, session.Turn{
			SessionID: ex.SessionID,
			Role:      session.RoleAssistant,
			Content:   ex.Reply,
			Timestamp: time.Now(),
		})
	}

	tail := stored[max(0, len(stored)-len(candidates)):]
	var missing []session.Turn
	for _, c := range candidates {
		if !slices.ContainsFunc(tail, func(t session.Turn) bool {
			return t.Role == c.Role && t.Content == c.Content
		}) {
			missing = append(missing, c)
		}
	}
	return missing
}

// render fills in the session sidebar and conversation for mgr and writes the page.
func (s *Server) render(w http.ResponseWriter, r *http.Request, mgr *session.Manager, status int, data pageData) {
	ctx := r.Context()
	data.Current = mgr.Current()

	summaries, warnings := s.bot.Summaries(ctx)
	data.Summaries = summaries
	data.Warnings = append(data.Warnings, warnings...)

	turns, err := s.bot.Turns(ctx, data.Current)
	if err != nil {
		s.logger.Warn("failed to load conversation", "session_id", data.Current, "error", err)
		data.Warnings = append(data.Warnings, fmt.Sprintf("Could not load conversation: %v", err))
	}
	data.Turns = turns
	data.Unsaved = unsavedTurns(turns, data.Pending)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.page.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", "error", err)
	}
}

func (s *Server) redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, s.manager(w, r), http.StatusOK, pageData{})
}

// chat handles POST /chat
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)
	if err := r.ParseForm(); err != nil {
		s.render(w, r, mgr, http.StatusBadRequest, pageData{Error: fmt.Sprintf("Error: invalid form: %v", err)})
		return
	}

	ex, err := s.bot.Send(r.Context(), mgr, r.PostFormValue("message"))
	if errors.Is(err, chatbot.ErrEmptyInput) {
		s.redirectHome(w, r)
		return
	}
	if err != nil {
		s.render(w, r, mgr, http.StatusInternalServerError, pageData{Error: "Error: " + err.Error()})
		return
	}
	if !ex.Failed() && len(ex.Warnings) == 0 {
		s.redirectHome(w, r)
		return
	}
	s.render(w, r, mgr, http.StatusOK, pageData{Error: ex.ErrorMessage(), Warnings: ex.Warnings, Pending: ex})
}

func (s *Server) newSession(w http.ResponseWriter, r *http.Request) {
	s.manager(w, r).NewSession()
	s.redirectHome(w, r)
}

func (s *Server) switchSession(w http.ResponseWriter, r *http.Request) {
	s.manager(w, r).SwitchTo(chi.URLParam(r, "id"))
	s.redirectHome(w, r)
}

// schema handles GET /admin/schema
func (s *Server) schema(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)
	tables, err := s.bot.Schema(r.Context())
	if err != nil {
		s.render(w, r, mgr, http.StatusInternalServerError, pageData{Error: fmt.Sprintf("Error inspecting database: %v", err)})
		return
	}
	s.render(w, r, mgr, http.StatusOK, pageData{Schema: true, Tables: tables})
}

// reset handles POST /admin/reset. The form must carry confirm=yes.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)
	if r.PostFormValue("confirm") != "yes" {
		s.render(w, r, mgr, http.StatusBadRequest, pageData{Error: "Reset not confirmed. Tick the confirmation box to delete all conversations."})
		return
	}
	if err := s.bot.Reset(r.Context()); err != nil {
		s.render(w, r, mgr, http.StatusInternalServerError, pageData{Error: fmt.Sprintf("Error resetting database: %v", err)})
		return
	}
	mgr.NewSession()
	s.render(w, r, mgr, http.StatusOK, pageData{Notice: "Database reset successfully!"})
}

type sessionsResponse struct {
	Current  string            `json:"current"`
	Sessions []session.Summary `json:"sessions"`
	Warnings []string          `json:"warnings,omitempty"`
}

func (s *Server) apiSessions(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)
	summaries, warnings := s.bot.Summaries(r.Context())
	writeJSON(w, http.StatusOK, sessionsResponse{Current: mgr.Current(), Sessions: summaries, Warnings: warnings})
}

func (s *Server) apiTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.bot.Turns(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, session.Session{ID: id, Turns: turns})
}

// ChatRequest is the body of POST /api/chat
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse reports one exchange; Error is set when no reply was produced.
type ChatResponse struct {
	*chatbot.Exchange
	Error string `json:"error,omitempty"`
}

func (s *Server) apiChat(w http.ResponseWriter, r *http.Request) {
	mgr := s.manager(w, r)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.SessionID != "" {
		mgr.SwitchTo(req.SessionID)
	}

	ex, err := s.bot.Send(r.Context(), mgr, req.Message)
	if errors.Is(err, chatbot.ErrEmptyInput) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if ex.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ChatResponse{Exchange: ex, Error: ex.ErrorMessage()})
}
