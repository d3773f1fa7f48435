// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package web_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/XIADENGMA/ai-intervention-agent/queue"
	"github.com/XIADENGMA/ai-intervention-agent/web"
)

// newPolicyEnv builds a server whose config file carries the given
// network_security document. Test requests arrive from 127.0.0.1, so
// the policy decides their fate.
func newPolicyEnv(t *testing.T, netSecurity string) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	doc := `{"network_security": ` + netSecurity + `}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := config.NewStore(&config.StoreOptions{Path: path})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	q := queue.New(&queue.Options{Project: "proj"})
	s := web.NewServer(&web.Options{Queue: q, Config: store, Logger: t.Logf})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, queue: q, store: store}
}

func mustStatus(t *testing.T, e *testEnv, want int) {
	t.Helper()
	rsp, err := http.Get(e.srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	rsp.Body.Close()
	if rsp.StatusCode != want {
		t.Errorf("Status: got %d, want %d", rsp.StatusCode, want)
	}
}

func TestLoopbackAllowedOnLoopbackBind(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "127.0.0.1",
		"allowed_networks": ["203.0.113.0/24"],
		"enable_access_control": true
	}`)
	// Loopback clients pass even though no allowed network matches.
	mustStatus(t, e, http.StatusOK)
}

func TestClientOutsideAllowedNetworks(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["203.0.113.0/24"],
		"enable_access_control": true
	}`)
	mustStatus(t, e, http.StatusForbidden)
}

func TestAllowedNetworkMatch(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["127.0.0.0/8"],
		"enable_access_control": true
	}`)
	mustStatus(t, e, http.StatusOK)
}

func TestBlockedIPOverridesAllow(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["127.0.0.0/8"],
		"blocked_ips": ["127.0.0.1"],
		"enable_access_control": true
	}`)
	mustStatus(t, e, http.StatusForbidden)
}

func TestAccessControlDisabled(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["203.0.113.0/24"],
		"enable_access_control": false
	}`)
	mustStatus(t, e, http.StatusOK)
}

func TestPolicyFollowsSnapshot(t *testing.T) {
	e := newPolicyEnv(t, `{
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["203.0.113.0/24"],
		"enable_access_control": true
	}`)
	mustStatus(t, e, http.StatusForbidden)

	// Widening the allow list in a new snapshot opens access.
	doc := `{"network_security": {
		"bind_interface": "0.0.0.0",
		"allowed_networks": ["127.0.0.0/8"],
		"enable_access_control": true
	}}`
	if err := os.WriteFile(e.store.Path(), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := e.store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	mustStatus(t, e, http.StatusOK)
}
