// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package notify fans task events out to notification transports.
//
// A Dispatcher owns a set of independent transports. Sending never
// blocks the caller and never fails it: each transport runs on its own
// goroutine with a bounded time budget, and a transport error is logged
// and suppressed. The dispatcher consults the current configuration
// snapshot on every send, so toggling a transport takes effect on the
// next event.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/XIADENGMA/ai-intervention-agent/metrics"
	"golang.org/x/sync/errgroup"
)

// An Event describes one task becoming visible to the human.
type Event struct {
	TaskID  string
	Project string
	Title   string
	Body    string
}

// A Transport delivers events over one channel (desktop, push, ...).
// Implementations must honour ctx and return promptly when it ends.
type Transport interface {
	// Name identifies the transport in logs and metrics.
	Name() string

	// Enabled reports whether cfg turns this transport on.
	Enabled(cfg *config.Config) bool

	// Send delivers ev using the settings in cfg.
	Send(ctx context.Context, cfg *config.Config, ev Event) error
}

// Options control the construction of a Dispatcher. A nil *Options is
// not valid: Source is required.
type Options struct {
	// Source returns the current configuration snapshot. Required.
	Source func() *config.Config

	// Transports to dispatch to. If empty, the system and Bark
	// transports are used.
	Transports []Transport

	// Per-transport time budget. Values ≤ 0 use 10 seconds.
	Budget time.Duration

	// If not nil, send debug logs to this function.
	Logger func(string, ...any)

	// If not nil, record dispatch metrics to this collector.
	Metrics *metrics.M
}

func (o *Options) transports() []Transport {
	if o == nil || len(o.Transports) == 0 {
		return []Transport{NewSystem(), NewBark(nil)}
	}
	return o.Transports
}

func (o *Options) budget() time.Duration {
	if o == nil || o.Budget <= 0 {
		return 10 * time.Second
	}
	return o.Budget
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

// A Dispatcher fans events out to its transports. The methods of a
// *Dispatcher are safe for concurrent use by multiple goroutines.
type Dispatcher struct {
	source     func() *config.Config
	transports []Transport
	budget     time.Duration
	log        func(string, ...any)
	metrics    *metrics.M

	wg sync.WaitGroup
}

// New constructs a dispatcher. It panics if opts or opts.Source is nil.
func New(opts *Options) *Dispatcher {
	if opts == nil || opts.Source == nil {
		panic("notify: nil config source")
	}
	return &Dispatcher{
		source:     opts.Source,
		transports: opts.transports(),
		budget:     opts.budget(),
		log:        opts.logger(),
		metrics:    opts.metrics(),
	}
}

// Send dispatches ev to every enabled transport and returns immediately.
// Delivery runs in the background; failures are logged, never reported.
func (d *Dispatcher) Send(ev Event) {
	cfg := d.source()
	if !cfg.Notification.Enabled {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(cfg, ev)
	}()
}

func (d *Dispatcher) dispatch(cfg *config.Config, ev Event) {
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, t := range d.transports {
		if !t.Enabled(cfg) {
			continue
		}
		t := t
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), d.budget)
			defer cancel()
			if err := t.Send(ctx, cfg, ev); err != nil {
				d.metrics.Count("notify_errors_"+t.Name(), 1)
				d.log("Notification transport %s failed for %s: %v", t.Name(), ev.TaskID, err)
				return nil // one transport failing must not affect the rest
			}
			d.metrics.Count("notify_sent_"+t.Name(), 1)
			return nil
		})
	}
	g.Wait()
}

// Wait blocks until all in-flight dispatches have finished. It is
// intended for orderly shutdown and tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }
