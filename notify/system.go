// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package notify

import (
	"context"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/gen2brain/beeep"
)

// A System transport shows a native desktop notification on the machine
// running the service.
type System struct{}

// NewSystem constructs a System transport.
func NewSystem() *System { return &System{} }

// Name implements part of the Transport interface.
func (*System) Name() string { return "system" }

// Enabled implements part of the Transport interface. The desktop
// transport has no dedicated toggle; it follows the master switch.
func (*System) Enabled(cfg *config.Config) bool { return cfg.Notification.Enabled }

// Send implements part of the Transport interface. The underlying
// library call is synchronous and does not take a context, so it runs
// on its own goroutine and Send returns when the call finishes or ctx
// ends, whichever comes first.
func (*System) Send(ctx context.Context, _ *config.Config, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- beeep.Notify(ev.Title, ev.Body, "") }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
