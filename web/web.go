// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package web implements the HTTP surface of the feedback service.
//
// The surface exposes the task queue and configuration to the locally
// served UI. Every request passes, in order, through security headers,
// CORS, the network ACL, and a per-client rate limiter for its endpoint
// class before reaching its handler. Handlers never hold queue state
// across I/O: they operate on copies returned by the queue.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/XIADENGMA/ai-intervention-agent/metrics"
	"github.com/XIADENGMA/ai-intervention-agent/notify"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// A Server handles the REST endpoints of the feedback UI. Construct one
// with NewServer and install Handler on an http.Server.
type Server struct {
	queue   *queue.Queue
	store   *config.Store
	bark    *notify.Bark
	log     func(string, ...any)
	metrics *metrics.M

	acl     aclCache
	limiter *limiter
}

// Options control the construction of a Server. Queue and Config are
// required; the other fields are optional.
type Options struct {
	Queue  *queue.Queue  // required
	Config *config.Store // required

	// Bark transport used by the test-notification endpoint. If nil, a
	// default transport is constructed.
	Bark *notify.Bark

	// Rate limits per endpoint class. If nil, DefaultLimits is used.
	Limits *Limits

	// If not nil, send debug logs to this function.
	Logger func(string, ...any)

	// If not nil, record request metrics to this collector.
	Metrics *metrics.M
}

func (o *Options) bark() *notify.Bark {
	if o == nil || o.Bark == nil {
		return notify.NewBark(nil)
	}
	return o.Bark
}

func (o *Options) limits() Limits {
	if o == nil || o.Limits == nil {
		return DefaultLimits()
	}
	return *o.Limits
}

func (o *Options) logger() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger
}

func (o *Options) metrics() *metrics.M {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// NewServer constructs a Server over the given queue and config store.
// It panics if either is nil.
func NewServer(opts *Options) *Server {
	if opts == nil || opts.Queue == nil || opts.Config == nil {
		panic("web: nil queue or config store")
	}
	return &Server{
		queue:   opts.Queue,
		store:   opts.Config,
		bark:    opts.bark(),
		log:     opts.logger(),
		metrics: opts.metrics(),
		limiter: newLimiter(opts.limits()),
	}
}

// Handler returns the root handler of the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.requireAccess)

	r.Get("/", s.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limit(ClassRead))
			r.Get("/config", s.handleActiveConfig)
			r.Get("/tasks", s.handleListTasks)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Get("/get-notification-config", s.handleGetNotification)
			r.Get("/get-feedback-prompts", s.handleGetPrompts)
			r.Get("/health", s.handleHealth)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limit(ClassWrite))
			r.Post("/submit", s.handleSubmitActive)
			r.Post("/tasks/{id}/submit", s.handleSubmitTask)
			r.Post("/tasks/{id}/activate", s.handleActivate)
			r.Post("/close", s.handleClose)
			r.Post("/update-notification-config", s.handleUpdateNotification)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.limit(ClassProbe))
			r.Post("/test-bark", s.handleTestBark)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msgf string, args ...any) {
	msg := fmt.Sprintf(msgf, args...)
	s.metrics.Count("http_errors", 1)
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}

// queueError maps a queue operation error to its HTTP status class.
func queueErrorStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// A taskView is the wire form of one task. Times are Unix seconds;
// remaining_time is computed server-side so clients can render
// countdowns without local clock accumulation.
type taskView struct {
	TaskID              string       `json:"task_id"`
	Prompt              string       `json:"prompt"`
	PredefinedOptions   []string     `json:"predefined_options"`
	Status              queue.Status `json:"status"`
	CreatedAt           int64        `json:"created_at"`
	AutoResubmitTimeout int          `json:"auto_resubmit_timeout"`
	Deadline            int64        `json:"deadline,omitempty"`
	RemainingTime       int64        `json:"remaining_time,omitempty"`
	HasResult           bool         `json:"has_result"`
}

func viewTask(t queue.Task, now time.Time) taskView {
	v := taskView{
		TaskID:              t.ID,
		Prompt:              t.Prompt,
		PredefinedOptions:   t.Options,
		Status:              t.Status,
		CreatedAt:           t.CreatedAt.Unix(),
		AutoResubmitTimeout: int(t.AutoResubmit / time.Second),
		HasResult:           t.Result != nil,
	}
	if !t.Deadline.IsZero() {
		v.Deadline = t.Deadline.Unix()
		if rem := t.Deadline.Sub(now); rem > 0 {
			v.RemainingTime = int64(rem / time.Second)
		}
	}
	return v
}

func (s *Server) handleActiveConfig(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	t, ok := s.queue.Active()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"has_content": false, "server_time": now.Unix()})
		return
	}
	v := viewTask(t, now)
	writeJSON(w, http.StatusOK, map[string]any{
		"has_content":           true,
		"task_id":               v.TaskID,
		"prompt":                v.Prompt,
		"predefined_options":    v.PredefinedOptions,
		"project":               s.queue.Project(),
		"auto_resubmit_timeout": v.AutoResubmitTimeout,
		"server_time":           now.Unix(),
		"deadline":              v.Deadline,
		"remaining_time":        v.RemainingTime,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	tasks := s.queue.List()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewTask(t, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"tasks":       views,
		"stats":       s.queue.Stats(),
		"server_time": now.Unix(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.queue.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown task %q", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": viewTask(t, time.Now())})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Activate(id); err != nil {
		s.writeError(w, queueErrorStatus(err), "activating %q: %v", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"config": s.store.Current().Notification,
	})
}

func (s *Server) handleUpdateNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "reading request body: %v", err)
		return
	}
	// The body is decoded over the current section inside the store's
	// write lock, so a partial body updates only the keys it names and
	// concurrent updates cannot drop each other's changes.
	err = s.store.UpdateNotification(func(n *config.Notification) error {
		return json.Unmarshal(body, n)
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, config.ErrWrite) {
			status = http.StatusInternalServerError
		}
		s.writeError(w, status, "updating notification config: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "notification config updated",
	})
}

func (s *Server) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	fb := s.store.Current().Feedback
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"config": map[string]string{
			"resubmit_prompt": fb.ResubmitPrompt,
			"prompt_suffix":   fb.PromptSuffix,
		},
	})
}

func (s *Server) handleTestBark(w http.ResponseWriter, r *http.Request) {
	var params struct {
		URL       string `json:"bark_url"`
		DeviceKey string `json:"bark_device_key"`
		Icon      string `json:"bark_icon"`
		Action    string `json:"bark_action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, http.StatusBadRequest, "decoding bark parameters: %v", err)
		return
	}
	if params.URL == "" || params.DeviceKey == "" {
		s.writeError(w, http.StatusBadRequest, "bark_url and bark_device_key are required")
		return
	}
	err := s.bark.Push(r.Context(), notify.BarkMessage{
		URL:       params.URL,
		DeviceKey: params.DeviceKey,
		Icon:      params.Icon,
		Action:    params.Action,
		Title:     "AI Intervention Agent",
		Body:      "Test notification",
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "bark test failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "bark notification sent"})
}
