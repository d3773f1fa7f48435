// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package web

import (
	"net"
	"net/http"
	"net/netip"
	"sync"

	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/creachadair/mds/mapset"
)

// A policy is the compiled form of one snapshot's network-security
// section. Single-address block entries go into a set for O(1) lookup;
// wider prefixes are scanned.
type policy struct {
	src *config.Config // the snapshot this policy was compiled from

	enabled      bool
	bindLoopback bool
	allowed      []netip.Prefix
	blockedAddrs mapset.Set[netip.Addr]
	blockedNets  []netip.Prefix
}

// An aclCache memoizes the compiled policy per snapshot, so the hot
// request path does not re-parse CIDR lists. Snapshots are immutable,
// making pointer identity a sound cache key.
type aclCache struct {
	mu  sync.Mutex
	cur *policy
}

func (c *aclCache) policyFor(cfg *config.Config) *policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.src == cfg {
		return c.cur
	}
	c.cur = compilePolicy(cfg)
	return c.cur
}

func compilePolicy(cfg *config.Config) *policy {
	ns := cfg.NetworkSecurity
	p := &policy{
		src:          cfg,
		enabled:      ns.EnableAccessControl,
		blockedAddrs: mapset.New[netip.Addr](),
	}
	if addr, err := netip.ParseAddr(ns.BindInterface); err == nil {
		p.bindLoopback = addr.IsLoopback()
	} else {
		p.bindLoopback = ns.BindInterface == "localhost"
	}
	for _, e := range ns.AllowedNetworks {
		if pfx, err := netip.ParsePrefix(e); err == nil {
			p.allowed = append(p.allowed, pfx)
		}
	}
	for _, e := range ns.BlockedIPs {
		pfx, err := netip.ParsePrefix(e)
		if err != nil {
			continue
		}
		if pfx.IsSingleIP() {
			p.blockedAddrs.Add(pfx.Addr())
		} else {
			p.blockedNets = append(p.blockedNets, pfx)
		}
	}
	return p
}

func (p *policy) allows(addr netip.Addr) bool {
	addr = addr.Unmap()
	if p.blockedAddrs.Has(addr) {
		return false
	}
	for _, pfx := range p.blockedNets {
		if pfx.Contains(addr) {
			return false
		}
	}
	if addr.IsLoopback() && p.bindLoopback {
		return true
	}
	for _, pfx := range p.allowed {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// requireAccess filters every request against the current snapshot's
// access policy before routing.
func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := s.acl.policyFor(s.store.Current())
		if !p.enabled {
			next.ServeHTTP(w, r)
			return
		}
		addr, err := clientAddr(r)
		if err != nil {
			s.writeError(w, http.StatusForbidden, "unidentifiable client address")
			return
		}
		if !p.allows(addr) {
			s.metrics.Count("acl_denied", 1)
			s.log("Request from %s denied by access policy", addr)
			s.writeError(w, http.StatusForbidden, "access denied")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr extracts the peer address of r. Forwarding headers are
// deliberately ignored: this is a local service and the peer address is
// the only value the client cannot choose.
func clientAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}
