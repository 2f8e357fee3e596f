// Package server exposes the orchestrator's command API over HTTP.
// The interaction front-end (the bot) identifies the acting user with
// the X-User-Id header; the server upserts the user and forwards every
// command to the app layer.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"postflow/internal/app"
	"postflow/internal/util"
	"postflow/pkg/domain"
	"postflow/pkg/psm"
	"postflow/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
}

// Server exposes HTTP endpoints for the orchestrator.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{app: cfg.App, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/channels", s.withUser(s.handleChannels))
	s.mux.Handle("/channels/", s.withUser(s.handleChannelByID))
	s.mux.Handle("/posts", s.withUser(s.handlePosts))
	s.mux.Handle("/posts/", s.withUser(s.handlePostByID))
	s.mux.Handle("/bindings", s.withUser(s.handleBindings))
	s.mux.Handle("/bindings/", s.withUser(s.handleBindingByID))
	s.mux.Handle("/series", s.withUser(s.handleSeries))
	s.mux.Handle("/generate", s.withUser(s.handleGenerate))
	s.mux.Handle("/generate/", s.withUser(s.handleGenerateByID))
	s.mux.Handle("/users/", s.withUser(s.handleUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.Identify(r.Context(), userID, r.Header.Get("X-User-Name"), r.Header.Get("X-User-Full-Name"))
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		next(w, r, user)
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			ID       string                 `json:"id"`
			Title    string                 `json:"title"`
			Settings domain.ChannelSettings `json:"settings"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		channel, err := s.app.RegisterChannel(r.Context(), user, req.ID, req.Title, req.Settings)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, channel)
	case http.MethodGet:
		channels, err := s.app.ListChannels(r.Context(), user)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channels)
	default:
		methodNotAllowed(w)
	}
}

// /channels/{id} plus /channels/{id}/deactivate|select|queue
func (s *Server) handleChannelByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action := splitPath(r.URL.Path, "/channels/")
	if id == "" {
		notFound(w)
		return
	}
	switch {
	case action == "deactivate" && r.Method == http.MethodPost:
		if err := s.app.DeactivateChannel(r.Context(), user, id); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	case action == "select" && r.Method == http.MethodPost:
		if err := s.app.SetCurrentChannel(r.Context(), user, id); err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "selected"})
	case action == "queue" && r.Method == http.MethodGet:
		posts, err := s.app.QueueView(r.Context(), user, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, posts)
	default:
		notFound(w)
	}
}

type postRequest struct {
	ChannelID         string     `json:"channelId"`
	Body              string     `json:"body"`
	MediaRef          string     `json:"mediaRef,omitempty"`
	PublishAt         *time.Time `json:"publishAt,omitempty"`
	RequireModeration bool       `json:"requireModeration"`
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req postRequest
	if !decodeBody(w, r, &req) {
		return
	}
	post, err := s.app.CreatePost(r.Context(), user, psm.CreateSpec{
		ChannelID:         req.ChannelID,
		Body:              req.Body,
		MediaRef:          req.MediaRef,
		PublishAt:         req.PublishAt,
		RequireModeration: req.RequireModeration,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

// /posts/{id} plus lifecycle actions
func (s *Server) handlePostByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action := splitPath(r.URL.Path, "/posts/")
	if id == "" {
		notFound(w)
		return
	}
	ctx := r.Context()
	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		post, err := s.app.GetPost(ctx, user, id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, post)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var post domain.Post
	var err error
	switch action {
	case "edit":
		var req struct {
			Body     *string `json:"body,omitempty"`
			MediaRef *string `json:"mediaRef,omitempty"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		post, err = s.app.EditPost(ctx, user, id, psm.EditPatch{Body: req.Body, MediaRef: req.MediaRef})
	case "submit":
		post, err = s.app.SubmitPost(ctx, user, id)
	case "approve":
		post, err = s.app.ApprovePost(ctx, user, id)
	case "reject":
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		post, err = s.app.RejectPost(ctx, user, id, req.Reason)
	case "discard":
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		post, err = s.app.DiscardPost(ctx, user, id, req.Reason)
	case "reschedule":
		var req struct {
			PublishAt time.Time `json:"publishAt"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		post, err = s.app.ReschedulePost(ctx, user, id, req.PublishAt)
	case "unschedule":
		post, err = s.app.UnschedulePost(ctx, user, id)
	case "requeue":
		post, err = s.app.RequeuePost(ctx, user, id)
	default:
		notFound(w)
		return
	}
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ChannelID           string `json:"channelId"`
		SpreadsheetID       string `json:"spreadsheetId"`
		Worksheet           string `json:"worksheet,omitempty"`
		SyncIntervalMinutes int    `json:"syncIntervalMinutes,omitempty"`
		RequireModeration   bool   `json:"requireModeration"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	binding, err := s.app.BindSpreadsheet(r.Context(), user, req.ChannelID, req.SpreadsheetID, req.Worksheet, req.SyncIntervalMinutes, req.RequireModeration)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

// /bindings/{id}/unbind
func (s *Server) handleBindingByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action := splitPath(r.URL.Path, "/bindings/")
	if id == "" || action != "unbind" || r.Method != http.MethodPost {
		notFound(w)
		return
	}
	if err := s.app.UnbindSpreadsheet(r.Context(), user, id); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbound"})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ChannelID         string    `json:"channelId"`
		Prompt            string    `json:"prompt"`
		Cadence           string    `json:"cadence"`
		NextRunAt         time.Time `json:"nextRunAt,omitempty"`
		PerRunLimit       int       `json:"perRunLimit,omitempty"`
		RequireModeration bool      `json:"requireModeration"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	series, err := s.app.CreateSeries(r.Context(), user, domain.Series{
		ChannelID:         req.ChannelID,
		Prompt:            req.Prompt,
		Cadence:           domain.Cadence(req.Cadence),
		NextRunAt:         req.NextRunAt,
		PerRunLimit:       req.PerRunLimit,
		RequireModeration: req.RequireModeration,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, series)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		ChannelID         string    `json:"channelId"`
		Prompt            string    `json:"prompt"`
		Count             int       `json:"count,omitempty"`
		PublishAtBase     time.Time `json:"publishAtBase,omitempty"`
		RequireModeration bool      `json:"requireModeration"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	jobs, err := s.app.RequestGeneration(r.Context(), user, req.ChannelID, req.Prompt, req.Count, req.PublishAtBase, req.RequireModeration)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobs)
}

// /generate/{id}
func (s *Server) handleGenerateByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action := splitPath(r.URL.Path, "/generate/")
	if id == "" || action != "" || r.Method != http.MethodGet {
		notFound(w)
		return
	}
	job, err := s.app.GenerationStatus(r.Context(), user, id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// /users/{id}/deactivate
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id, action := splitPath(r.URL.Path, "/users/")
	if id == "" || action != "deactivate" || r.Method != http.MethodPost {
		notFound(w)
		return
	}
	if err := s.app.DeactivateUser(r.Context(), user, id); err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, psm.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, psm.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, psm.ErrAlreadyApproved),
		errors.Is(err, psm.ErrInvalidTransition),
		errors.Is(err, psm.ErrTerminal),
		errors.Is(err, psm.ErrRescheduleTooLate),
		errors.Is(err, psm.ErrChannelInactive),
		errors.Is(err, psm.ErrConflict),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrStale):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "backend unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func splitPath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = strings.TrimSuffix(parts[1], "/")
	}
	return id, action
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
