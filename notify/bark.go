// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/XIADENGMA/ai-intervention-agent/config"
)

// A Bark transport POSTs events to a user-operated Bark push endpoint.
type Bark struct {
	client *http.Client
}

// BarkOptions control the construction of a Bark transport. A nil
// *BarkOptions provides a default HTTP client with a 10-second timeout.
type BarkOptions struct {
	// If not nil, use this client for outbound requests.
	Client *http.Client
}

func (o *BarkOptions) httpClient() *http.Client {
	if o == nil || o.Client == nil {
		return &http.Client{Timeout: 10 * time.Second}
	}
	return o.Client
}

// NewBark constructs a Bark transport.
func NewBark(opts *BarkOptions) *Bark { return &Bark{client: opts.httpClient()} }

// Name implements part of the Transport interface.
func (b *Bark) Name() string { return "bark" }

// Enabled implements part of the Transport interface. Bark requires an
// endpoint URL and a device key in addition to its toggle.
func (b *Bark) Enabled(cfg *config.Config) bool {
	n := cfg.Notification
	return n.BarkEnabled && n.BarkURL != "" && n.BarkDeviceKey != ""
}

// Send implements part of the Transport interface.
func (b *Bark) Send(ctx context.Context, cfg *config.Config, ev Event) error {
	n := cfg.Notification
	return b.Push(ctx, BarkMessage{
		URL:       n.BarkURL,
		DeviceKey: n.BarkDeviceKey,
		Title:     ev.Title,
		Body:      ev.Body,
		Icon:      n.BarkIcon,
		Action:    n.BarkAction,
	})
}

// A BarkMessage is one fully-specified push. It is used directly by the
// test-notification endpoint, which supplies caller-chosen parameters
// instead of the configured ones.
type BarkMessage struct {
	URL       string `json:"-"`
	DeviceKey string `json:"device_key"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Push delivers msg to its endpoint, retrying once on failure.
func (b *Bark) Push(ctx context.Context, msg BarkMessage) error {
	if msg.URL == "" || msg.DeviceKey == "" {
		return fmt.Errorf("bark: missing url or device key")
	}
	if msg.Action == "none" {
		msg.Action = ""
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	var last error
	for attempt := 0; attempt < 2; attempt++ {
		if err := b.post(ctx, msg.URL, body); err == nil {
			return nil
		} else {
			last = err
		}
		select {
		case <-ctx.Done():
			return last
		case <-time.After(500 * time.Millisecond):
		}
	}
	return last
}

func (b *Bark) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ai-intervention-agent")

	rsp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("bark: endpoint reported %s", rsp.Status)
	}
	return nil
}
