// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package intervene

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/media"
	"github.com/XIADENGMA/ai-intervention-agent/notify"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/XIADENGMA/ai-intervention-agent/rendezvous"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
)

// Ingress caps on caller-supplied text, in runes. Oversized values are
// truncated with a marker rather than rejected.
const (
	maxPromptRunes = 10000
	maxOptionRunes = 500
)

// FeedbackParams are the parameters of the interactive_feedback method.
type FeedbackParams struct {
	Prompt            string   `json:"prompt"`
	PredefinedOptions []string `json:"predefined_options,omitempty"`

	// AutoResubmitTimeout is the per-task deadline in seconds. Absent
	// means use the configured default; zero disables auto-resubmit for
	// this task.
	AutoResubmitTimeout *int `json:"auto_resubmit_timeout,omitempty"`
}

// A Content is one block of the reply sequence. Type is "text" or
// "image"; an image block carries base64 data and its MIME type. This
// is the only place image bytes are base64-encoded.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
}

func textContent(s string) Content { return Content{Type: "text", Text: s} }

func imageContent(img media.Image) Content {
	return Content{
		Type:     "image",
		Data:     base64.StdEncoding.EncodeToString(img.Data),
		MIMEType: img.MIME,
	}
}

// Methods returns the assigner exposing the service's RPC methods.
func (s *Service) Methods() handler.Map {
	return handler.Map{
		"interactive_feedback": handler.New(s.InteractiveFeedback),
	}
}

// InteractiveFeedback queues the prompt for human review and blocks
// until feedback is submitted, the auto-resubmit deadline fires, or the
// configured overall timeout elapses. The reply is always a sequence of
// content blocks, never a bare object.
func (s *Service) InteractiveFeedback(ctx context.Context, params FeedbackParams) ([]Content, error) {
	rpcCallsCount.Add(1)

	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return nil, jrpc2.Errorf(jrpc2.InvalidParams, "prompt must not be empty")
	}
	prompt = truncateRunes(prompt, maxPromptRunes)

	var options []string
	for _, o := range params.PredefinedOptions {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		options = append(options, truncateRunes(o, maxOptionRunes))
	}

	cfg := s.store.Current()
	auto := cfg.Feedback.AutoResubmitTimeout
	if params.AutoResubmitTimeout != nil {
		auto = *params.AutoResubmitTimeout
		if auto < 0 {
			return nil, jrpc2.Errorf(jrpc2.InvalidParams, "auto_resubmit_timeout must not be negative")
		}
	}

	task, err := s.queue.Add(prompt, options, time.Duration(auto)*time.Second)
	if err != nil {
		return nil, jrpc2.Errorf(jrpc2.InternalError, "queueing task: %v", err)
	}
	slot := s.reg.Register(task.ID)
	defer s.reg.Release(task.ID)
	if auto > 0 {
		s.sched.Arm(task.ID, task.Deadline)
	}

	s.dispatch.Send(notify.Event{
		TaskID:  task.ID,
		Project: s.queue.Project(),
		Title:   "New task: " + s.queue.Project(),
		Body:    truncateRunes(prompt, 100),
	})
	s.log("Task %s waiting for feedback", task.ID)

	overall := time.Duration(cfg.Feedback.Timeout) * time.Second
	if s.timeout > 0 {
		overall = s.timeout
	}
	wctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	res, err := slot.Wait(wctx)
	switch {
	case err == nil:
		// Result delivered by submission, auto-resubmit, or close.
	case errors.Is(err, context.DeadlineExceeded):
		// The overall bound elapsed; answer with the canned reply the
		// scheduler would have synthesized.
		rpcTimeoutsCount.Add(1)
		res = &queue.Result{Text: cfg.Feedback.ResubmitPrompt, Synthesized: true}
	case errors.Is(err, rendezvous.ErrCanceled):
		rpcCancelsCount.Add(1)
		s.finish(task.ID)
		return nil, jrpc2.Errorf(jrpc2.Cancelled, "service shutting down")
	default:
		s.finish(task.ID)
		return nil, err
	}

	s.finish(task.ID)
	return normalize(res), nil
}

// finish releases a task's timer and queue entry after its RPC caller
// has consumed (or abandoned) it.
func (s *Service) finish(id string) {
	s.sched.Disarm(id)
	s.queue.Evict(id)
}

// normalize translates a submitted result into the wire reply. Human
// submissions are rendered with labeled sections; synthesized and
// canceled results pass their canned text through untouched.
func normalize(r *queue.Result) []Content {
	if r.Synthesized || r.Canceled {
		return []Content{textContent(r.Text)}
	}
	var parts []string
	if len(r.Options) > 0 {
		parts = append(parts, "Selected options: "+strings.Join(r.Options, ", "))
	}
	if text := strings.TrimSpace(r.Text); text != "" {
		parts = append(parts, "User input: "+text)
	}
	var out []Content
	if len(parts) > 0 {
		out = append(out, textContent(strings.Join(parts, "\n\n")))
	}
	for _, img := range r.Images {
		out = append(out, imageContent(img))
	}
	if len(out) == 0 {
		out = append(out, textContent("No feedback provided."))
	}
	return out
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
