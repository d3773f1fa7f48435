// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package intervene implements a feedback middleman for autonomous
// coding agents.
//
// An agent calls the interactive_feedback method over a local JSON-RPC
// channel. The call blocks while a human reviews the prompt in a web UI
// served by the web subpackage; it returns when the human submits
// feedback, when the task's auto-resubmit deadline elapses, or when the
// overall timeout runs out. A Service owns the task queue, the
// rendezvous registry that wakes blocked calls, the auto-resubmit
// scheduler, and the notification dispatcher.
package intervene

import (
	"context"
	"errors"
	"expvar"
	"sync"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/XIADENGMA/ai-intervention-agent/metrics"
	"github.com/XIADENGMA/ai-intervention-agent/notify"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/XIADENGMA/ai-intervention-agent/rendezvous"
	"github.com/XIADENGMA/ai-intervention-agent/scheduler"
)

var (
	serviceMetrics = new(expvar.Map)

	rpcCallsCount    = new(expvar.Int)
	rpcTimeoutsCount = new(expvar.Int)
	rpcCancelsCount  = new(expvar.Int)
)

func init() {
	serviceMetrics.Set("rpc_calls", rpcCallsCount)
	serviceMetrics.Set("rpc_timeouts", rpcTimeoutsCount)
	serviceMetrics.Set("rpc_cancels", rpcCancelsCount)
}

// ServiceMetrics returns a map of exported service metrics for use with
// the expvar package. The map is shared among all service instances.
// The caller is responsible for publishing it to the exporter via
// expvar.Publish or similar.
func ServiceMetrics() *expvar.Map { return serviceMetrics }

// ComponentMetricsVar returns an expvar.Func rendering a snapshot of
// the service's component collector (queue, web, and notify counters,
// maximum values, and gauges).
func (s *Service) ComponentMetricsVar() expvar.Func {
	return expvar.Func(func() any {
		counter := make(map[string]int64)
		maxValue := make(map[string]int64)
		gauge := make(map[string]int64)
		s.metrics.Snapshot(counter, maxValue, gauge)
		return map[string]map[string]int64{
			"counter":   counter,
			"max_value": maxValue,
			"gauge":     gauge,
		}
	})
}

// Janitor cadence for completed tasks whose results were never
// consumed by their RPC caller.
const (
	sweepInterval  = 5 * time.Second
	sweepRetention = 10 * time.Second
)

// A Service coordinates one feedback cycle per RPC call: queue the
// task, notify the human, block on the rendezvous, translate the
// result. Construct with New, then Start background upkeep; Stop
// cancels every outstanding wait.
type Service struct {
	store    *config.Store
	queue    *queue.Queue
	reg      *rendezvous.Registry[*queue.Result]
	sched    *scheduler.Scheduler
	dispatch *notify.Dispatcher
	timeout  time.Duration // overrides the configured bound when > 0
	log      func(string, ...any)
	metrics  *metrics.M

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Options control the construction of a Service. Config is required;
// the remaining fields are optional.
type Options struct {
	Config *config.Store // required

	// Project slug used as the task-identifier prefix. If empty, it is
	// derived from the working directory name.
	Project string

	// If positive, bound every feedback call by this duration instead of
	// the configured feedback timeout.
	Timeout time.Duration

	// If not nil, use this dispatcher instead of the default system and
	// Bark transports.
	Dispatcher *notify.Dispatcher

	// If not nil, send debug logs to this function.
	Logger func(string, ...any)

	// If not nil, record component metrics to this collector.
	Metrics *metrics.M
}

func (o *Options) project() string {
	if o == nil {
		return ""
	}
	return o.Project
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout < 0 {
		return 0
	}
	return o.Timeout
}

func (o *Options) logger() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger
}

func (o *Options) metricsOrNew() *metrics.M {
	if o == nil || o.Metrics == nil {
		return metrics.New()
	}
	return o.Metrics
}

// New constructs a Service over the given configuration store. It
// panics if opts or opts.Config is nil.
func New(opts *Options) *Service {
	if opts == nil || opts.Config == nil {
		panic("intervene: nil config store")
	}
	s := &Service{
		store:   opts.Config,
		timeout: opts.timeout(),
		log:     opts.logger(),
		metrics: opts.metricsOrNew(),
	}
	s.reg = rendezvous.New[*queue.Result]()
	s.queue = queue.New(&queue.Options{
		Project:    opts.project(),
		Logger:     s.log,
		Metrics:    s.metrics,
		OnComplete: s.taskCompleted,
	})
	s.sched = scheduler.New(s.autoResubmit, &scheduler.Options{Logger: s.log})
	if opts.Dispatcher != nil {
		s.dispatch = opts.Dispatcher
	} else {
		s.dispatch = notify.New(&notify.Options{
			Source:  s.store.Current,
			Logger:  s.log,
			Metrics: s.metrics,
		})
	}
	serviceMetrics.Set("components", s.ComponentMetricsVar())
	return s
}

// Queue returns the service's task queue, for use by the HTTP surface.
func (s *Service) Queue() *queue.Queue { return s.queue }

// Metrics returns the component metrics collector shared by the queue,
// scheduler, and dispatcher, so the HTTP surface can record into it too.
func (s *Service) Metrics() *metrics.M { return s.metrics }

// Store returns the service's configuration store.
func (s *Service) Store() *config.Store { return s.store }

// Start launches background upkeep: the config file watcher and the
// janitor that sweeps unconsumed completed tasks. It returns
// immediately; call Stop to shut the service down.
func (s *Service) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.store.Watch(ctx); err != nil {
			s.log("Config watch unavailable: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.queue.Janitor(ctx, sweepInterval, sweepRetention)
	}()
}

// Stop cancels all outstanding waits, disarms every timer, and waits
// for background upkeep and in-flight notifications to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.sched.Stop()
	s.reg.CancelAll()
	s.wg.Wait()
	s.dispatch.Wait()
}

// taskCompleted runs under the queue lock whenever a task transitions
// to completed, making the disarm and wake-up atomic with the status
// change that observers see.
func (s *Service) taskCompleted(id string, r *queue.Result) {
	s.sched.Disarm(id)
	s.reg.Deliver(id, r)
}

// autoResubmit is the scheduler's fire callback: it completes the task
// with the canned resubmit text. Losing the race against a concurrent
// human submission is expected and silent.
func (s *Service) autoResubmit(id string) {
	text := s.store.Current().Feedback.ResubmitPrompt
	err := s.queue.Submit(id, &queue.Result{Text: text, Synthesized: true})
	if err != nil && !errors.Is(err, queue.ErrCompleted) && !errors.Is(err, queue.ErrNotFound) {
		s.log("Auto-resubmit for %s failed: %v", id, err)
	}
}
