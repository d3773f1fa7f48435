// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package scheduler implements per-task wall-clock deadline timers.
//
// A Scheduler owns one logical timer per armed identifier. When a timer
// fires, the scheduler invokes the fire callback with the identifier; the
// callback is expected to synthesize a default submission on the task's
// behalf. Timers are driven by wall-clock deadlines, not by any caller
// activity.
package scheduler

import (
	"sync"
	"time"
)

// A Scheduler tracks armed deadline timers by identifier. The methods of
// a *Scheduler are safe for concurrent use by multiple goroutines.
type Scheduler struct {
	fire func(id string)
	log  func(string, ...any)

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Options control the behaviour of a scheduler constructed by New.
// A nil *Options is ready for use and provides no logging.
type Options struct {
	// If not nil, send debug logs to this function.
	Logger func(string, ...any)
}

func (o *Options) logger() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger
}

// New constructs a scheduler that calls fire with the identifier of each
// timer that expires. The callback runs on the timer's own goroutine and
// must not call back into the scheduler for the same identifier.
func New(fire func(id string), opts *Options) *Scheduler {
	if fire == nil {
		panic("scheduler: nil fire callback")
	}
	return &Scheduler{
		fire:   fire,
		log:    opts.logger(),
		timers: make(map[string]*time.Timer),
	}
}

// Arm schedules the identifier to fire at deadline. Arming an identifier
// that is already armed replaces the previous deadline. A deadline in the
// past fires immediately. Arming after Stop is a no-op.
func (s *Scheduler) Arm(id string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	s.log("Armed auto-resubmit for %s in %v", id, d)
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			s.log("Auto-resubmit deadline reached for %s", id)
			s.fire(id)
		}
	})
}

// Disarm cancels the timer for id, if any. A timer whose callback has
// already begun executing is not interrupted; the race is resolved by
// whatever the fire callback submits to.
func (s *Scheduler) Disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		s.log("Disarmed auto-resubmit for %s", id)
	}
}

// Armed reports whether id currently has a live timer.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Stop cancels all armed timers and marks the scheduler closed. Further
// calls to Arm are no-ops. Stop is intended for process shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
