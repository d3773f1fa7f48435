// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package config manages the service configuration document.
//
// The document is JSON with line and block comments (JSONC). A Store
// locates the document, parses it with defaults applied, validates it,
// and publishes immutable snapshots that are swapped atomically on
// reload. Write-back from the UI preserves the comments and unknown
// keys of the underlying file by patching only the changed values.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-playground/validator/v10"
)

// A Config is one immutable snapshot of the whole document. Snapshots
// published by a Store are never mutated in place; treat them as
// read-only.
type Config struct {
	Notification    Notification    `json:"notification"`
	WebUI           WebUI           `json:"web_ui"`
	NetworkSecurity NetworkSecurity `json:"network_security"`
	Feedback        Feedback        `json:"feedback"`
}

// Notification holds the settings of the notification fan-out.
type Notification struct {
	Enabled       bool   `json:"enabled"`
	WebEnabled    bool   `json:"web_enabled"`
	SoundEnabled  bool   `json:"sound_enabled"`
	SoundVolume   int    `json:"sound_volume" validate:"min=0,max=100"`
	SoundMute     bool   `json:"sound_mute"`
	BarkEnabled   bool   `json:"bark_enabled"`
	BarkURL       string `json:"bark_url" validate:"omitempty,url"`
	BarkDeviceKey string `json:"bark_device_key"`
	BarkIcon      string `json:"bark_icon" validate:"omitempty,url"`
	BarkAction    string `json:"bark_action" validate:"oneof=none url copy"`
}

// WebUI holds the bind endpoint of the HTTP surface and client retry
// hints.
type WebUI struct {
	Host       string  `json:"host"`
	Port       int     `json:"port" validate:"min=1,max=65535"`
	MaxRetries int     `json:"max_retries" validate:"min=0"`
	RetryDelay float64 `json:"retry_delay" validate:"min=0"`
}

// NetworkSecurity holds the access-control policy applied to every HTTP
// request.
type NetworkSecurity struct {
	BindInterface       string   `json:"bind_interface"`
	AllowedNetworks     []string `json:"allowed_networks" validate:"dive,cidr"`
	BlockedIPs          []string `json:"blocked_ips" validate:"dive,cidr"`
	EnableAccessControl bool     `json:"enable_access_control"`
}

// Feedback holds the RPC-side timing knobs and canned texts.
type Feedback struct {
	// Timeout is the upper bound, in seconds, on how long one RPC call
	// may block overall.
	Timeout int `json:"timeout" validate:"gt=0"`

	// AutoResubmitTimeout is the default auto-resubmit deadline, in
	// seconds, applied when a call does not choose its own.
	AutoResubmitTimeout int `json:"auto_resubmit_timeout" validate:"min=0"`

	// Canned texts. The server treats both as opaque strings.
	ResubmitPrompt string `json:"resubmit_prompt"`
	PromptSuffix   string `json:"prompt_suffix"`
}

// Default returns the configuration used when no document exists.
func Default() *Config {
	return &Config{
		Notification: Notification{
			Enabled:      true,
			WebEnabled:   true,
			SoundEnabled: true,
			SoundVolume:  80,
			BarkURL:      "https://api.day.app/push",
			BarkAction:   "none",
		},
		WebUI: WebUI{
			Host:       "127.0.0.1",
			Port:       8080,
			MaxRetries: 5,
			RetryDelay: 2.0,
		},
		NetworkSecurity: NetworkSecurity{
			BindInterface: "127.0.0.1",
			AllowedNetworks: []string{
				"127.0.0.0/8",
				"::1/128",
				"192.168.0.0/16",
				"10.0.0.0/8",
				"172.16.0.0/12",
			},
			BlockedIPs:          []string{},
			EnableAccessControl: true,
		},
		Feedback: Feedback{
			Timeout:             600,
			AutoResubmitTimeout: 290,
			ResubmitPrompt:      "Please continue working on the current task according to your best judgment.",
			PromptSuffix:        "\n\nIf anything is unclear, call interactive_feedback again before proceeding.",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize clamps and canonicalizes c in place, then validates it.
// Out-of-range sound volume is clamped rather than rejected; bare IP
// addresses in the network lists are widened to single-address CIDRs.
func (c *Config) Normalize() error {
	n := &c.Notification
	if n.SoundVolume < 0 {
		n.SoundVolume = 0
	} else if n.SoundVolume > 100 {
		n.SoundVolume = 100
	}
	if n.BarkAction == "" {
		n.BarkAction = "none"
	}
	ns := &c.NetworkSecurity
	ns.AllowedNetworks = widenAddrs(ns.AllowedNetworks)
	ns.BlockedIPs = widenAddrs(ns.BlockedIPs)

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// widenAddrs maps bare addresses to single-address prefixes, leaving
// everything else (including invalid entries) for validation to judge.
func widenAddrs(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e
		if strings.Contains(e, "/") {
			continue
		}
		if addr, err := netip.ParseAddr(e); err == nil {
			out[i] = netip.PrefixFrom(addr, addr.BitLen()).String()
		}
	}
	return out
}

// defaultDocument is written on first run. Its values must match
// Default; its comments are preserved by write-back.
const defaultDocument = `{
  // Out-of-band alerts fired when a new task arrives.
  "notification": {
    "enabled": true,
    "web_enabled": true,
    "sound_enabled": true,
    "sound_volume": 80,
    "sound_mute": false,
    // Bark push transport: https://bark.day.app
    "bark_enabled": false,
    "bark_url": "https://api.day.app/push",
    "bark_device_key": "",
    "bark_icon": "",
    "bark_action": "none" // none, url, or copy
  },
  // Bind endpoint of the feedback web UI.
  "web_ui": {
    "host": "127.0.0.1",
    "port": 8080,
    "max_retries": 5,
    "retry_delay": 2.0
  },
  /* Requests from outside these networks are refused when access
     control is enabled. */
  "network_security": {
    "bind_interface": "127.0.0.1",
    "allowed_networks": [
      "127.0.0.0/8",
      "::1/128",
      "192.168.0.0/16",
      "10.0.0.0/8",
      "172.16.0.0/12"
    ],
    "blocked_ips": [],
    "enable_access_control": true
  },
  "feedback": {
    // Longest time, in seconds, one tool call may wait for a reply.
    "timeout": 600,
    // Default deadline for server-side auto-resubmit; 0 disables.
    "auto_resubmit_timeout": 290,
    "resubmit_prompt": "Please continue working on the current task according to your best judgment.",
    "prompt_suffix": "\n\nIf anything is unclear, call interactive_feedback again before proceeding."
  }
}
`
