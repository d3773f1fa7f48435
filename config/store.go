// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tailscale/hujson"
)

// appDir is the name of the per-user configuration directory.
const appDir = "ai-intervention-agent"

// fileName is the name of the configuration document.
const fileName = "config.jsonc"

// A Store owns the configuration document and its published snapshot.
// The methods of a *Store are safe for concurrent use by multiple
// goroutines.
type Store struct {
	path string
	log  func(string, ...any)

	cur atomic.Pointer[Config]

	wmu sync.Mutex // serializes write-back to the file

	smu  sync.Mutex
	subs []func(*Config)
}

// StoreOptions control the construction of a Store. A nil *StoreOptions
// is valid and provides sensible defaults.
type StoreOptions struct {
	// If set, use this document path instead of the discovery order.
	Path string

	// If not nil, send debug logs to this function.
	Logger func(string, ...any)
}

func (o *StoreOptions) path() string {
	if o == nil {
		return ""
	}
	return o.Path
}

func (o *StoreOptions) logger() func(string, ...any) {
	if o == nil || o.Logger == nil {
		return func(string, ...any) {}
	}
	return o.Logger
}

// NewStore locates (or creates) the configuration document and returns a
// store with a published snapshot. Discovery order: an explicit path
// from opts, a config.jsonc in the working directory, the per-user
// config directory. If no document exists, the default document is
// written to the per-user directory; failure to create that directory
// is a fatal initialization error.
//
// A document that exists but does not parse or validate is a warning,
// not an error: the store starts from the defaults and keeps watching.
func NewStore(opts *StoreOptions) (*Store, error) {
	s := &Store{log: opts.logger()}

	path, err := discover(opts.path())
	if err != nil {
		return nil, err
	}
	s.path = path

	cfg, err := loadFile(path)
	if err != nil {
		s.log("Config %s unusable, falling back to defaults: %v", path, err)
		cfg = Default()
	}
	s.cur.Store(cfg)
	return s, nil
}

func discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); errors.Is(err, fs.ErrNotExist) {
			if err := writeDefault(explicit); err != nil {
				return "", err
			}
		}
		return explicit, nil
	}
	if wd, err := os.Getwd(); err == nil {
		p := filepath.Join(wd, fileName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config directory: %w", err)
	}
	p := filepath.Join(base, appDir, fileName)
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		if err := writeDefault(p); err != nil {
			return "", err
		}
	}
	return p, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultDocument), 0o644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(raw)
}

// parse decodes a JSONC document over the defaults, so absent keys keep
// their default values and unknown keys are ignored.
func parse(raw []byte) (*Config, error) {
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path reports the location of the configuration document.
func (s *Store) Path() string { return s.path }

// Current returns the published snapshot. The result is never nil and
// must be treated as read-only.
func (s *Store) Current() *Config { return s.cur.Load() }

// Subscribe registers f to be called with each newly published snapshot.
// Subscribers run synchronously on the publishing goroutine and must not
// block.
func (s *Store) Subscribe(f func(*Config)) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.subs = append(s.subs, f)
}

func (s *Store) publish(cfg *Config) {
	s.cur.Store(cfg)
	s.smu.Lock()
	subs := append(([]func(*Config))(nil), s.subs...)
	s.smu.Unlock()
	for _, f := range subs {
		f(cfg)
	}
}

// Reload re-reads the document and publishes a new snapshot if it parses
// and validates. On error the previous snapshot stays in effect.
func (s *Store) Reload() error {
	cfg, err := loadFile(s.path)
	if err != nil {
		return err
	}
	s.publish(cfg)
	s.log("Config reloaded from %s", s.path)
	return nil
}

// Watch observes the document for changes until ctx ends, reloading on
// each modification. Parse and read failures are logged and suppressed;
// Watch only reports errors establishing the watch itself.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory, not the file: editors often replace the file
	// wholesale, which would drop an inode-based watch.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(s.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events per save; coalesce them.
			if debounce == nil {
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(100 * time.Millisecond)
			}
		case <-reload:
			if err := s.Reload(); err != nil {
				s.log("Config reload failed, keeping previous snapshot: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log("Config watch error: %v", err)
		}
	}
}

// ErrWrite reports a failure to read or rewrite the configuration
// document, as distinct from an invalid value in the update itself.
var ErrWrite = errors.New("config write failed")

// UpdateNotification applies edit to a copy of the current notification
// section under the store's write lock, rewrites the document, and
// publishes the result. Only the notification keys are rewritten in the
// file, so comments and unknown keys survive. Concurrent updates are
// serialized; each edit sees the section as the previous one left it.
func (s *Store) UpdateNotification(edit func(*Notification) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	next := *s.Current()
	if err := edit(&next.Notification); err != nil {
		return err
	}
	if err := next.Normalize(); err != nil {
		return err
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: reading document: %v", ErrWrite, err)
	}
	out, err := patchNotification(raw, next.Notification)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}

	s.publish(&next)
	s.log("Notification config updated")
	return nil
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// patchNotification rewrites the notification section of a JSONC
// document by RFC 6902 patch, which keeps the document's comments and
// all other content intact.
func patchNotification(raw []byte, n Notification) ([]byte, error) {
	v, err := hujson.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Discover which keys the document already has, to choose between
	// add and replace per key.
	std, err := hujson.Standardize(append([]byte(nil), raw...))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(std, &doc); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	blob, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(blob, &fields); err != nil {
		return nil, err
	}

	var ops []patchOp
	sectRaw, ok := doc["notification"]
	if !ok {
		ops = append(ops, patchOp{Op: "add", Path: "/notification", Value: fields})
	} else {
		var sect map[string]json.RawMessage
		if err := json.Unmarshal(sectRaw, &sect); err != nil {
			return nil, fmt.Errorf("decoding notification section: %w", err)
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			op := "replace"
			if _, ok := sect[k]; !ok {
				op = "add"
			}
			ops = append(ops, patchOp{Op: op, Path: "/notification/" + k, Value: fields[k]})
		}
	}

	patch, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	if err := v.Patch(patch); err != nil {
		return nil, fmt.Errorf("patching config: %w", err)
	}
	v.Format()
	return v.Pack(), nil
}
