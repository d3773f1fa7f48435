// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package web

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/XIADENGMA/ai-intervention-agent/media"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/go-chi/chi/v5"
)

// maxSubmitBytes bounds a whole submit request body. Individual images
// are further capped by media.MaxBytes.
const maxSubmitBytes = 64 << 20

// handleSubmitActive submits for the currently active task. It exists
// as a convenience for the UI; the task-addressed variant below is the
// race-free form.
func (s *Server) handleSubmitActive(w http.ResponseWriter, r *http.Request) {
	t, ok := s.queue.Active()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no active task")
		return
	}
	s.submit(w, r, t.ID)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, chi.URLParam(r, "id"))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, id string) {
	res, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}
	if err := s.queue.Submit(id, res); err != nil {
		s.writeError(w, queueErrorStatus(err), "submitting to %q: %v", id, err)
		return
	}
	s.metrics.Count("submissions", 1)
	s.log("Feedback submitted for %s (%d images)", id, len(res.Images))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "feedback received"})
}

// parseSubmission decodes a multipart submit body. On failure it writes
// the error response and reports ok=false.
func (s *Server) parseSubmission(w http.ResponseWriter, r *http.Request) (*queue.Result, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "parsing form: %v", err)
		return nil, false
	}

	res := &queue.Result{Text: r.FormValue("feedback_text")}
	if v := r.FormValue("selected_options"); v != "" {
		if err := json.Unmarshal([]byte(v), &res.Options); err != nil {
			s.writeError(w, http.StatusBadRequest, "selected_options is not a JSON array: %v", err)
			return nil, false
		}
	}

	// Image parts arrive as image_0, image_1, ... in an unordered map;
	// restore the client's ordering by key.
	var keys []string
	for name := range r.MultipartForm.File {
		if strings.HasPrefix(name, "image") {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)

	for _, name := range keys {
		for _, fh := range r.MultipartForm.File[name] {
			img, err := s.readImage(fh)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "image %q rejected: %v", fh.Filename, err)
				return nil, false
			}
			res.Images = append(res.Images, img)
		}
	}

	if res.Text == "" && len(res.Options) == 0 && len(res.Images) == 0 {
		s.writeError(w, http.StatusBadRequest, "empty submission")
		return nil, false
	}
	return res, true
}

func (s *Server) readImage(fh *multipart.FileHeader) (media.Image, error) {
	f, err := fh.Open()
	if err != nil {
		return media.Image{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, media.MaxBytes+1))
	if err != nil {
		return media.Image{}, err
	}
	return media.Validate(data, fh.Filename)
}

// handleClose completes the active task with a cancel-as-submission
// carrying the canned resubmit text, so the waiting RPC caller receives
// a well-formed reply sequence rather than an error.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	t, ok := s.queue.Active()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no active task")
		return
	}
	res := &queue.Result{
		Text:     s.store.Current().Feedback.ResubmitPrompt,
		Canceled: true,
	}
	if err := s.queue.Submit(t.ID, res); err != nil {
		s.writeError(w, queueErrorStatus(err), "closing %q: %v", t.ID, err)
		return
	}
	s.log("Task %s closed by user", t.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
