// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Program ai-intervention-agent serves the interactive_feedback JSON-RPC
// method on stdin/stdout and the human review web UI over HTTP.
//
// Usage:
//
//	ai-intervention-agent [options]
//
// The agent process spawns this program and speaks line-framed JSON-RPC
// over the pipe. The web address defaults to the configured web_ui
// host and port; flags override the configuration file.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	intervene "github.com/XIADENGMA/ai-intervention-agent"
	"github.com/XIADENGMA/ai-intervention-agent/config"
	"github.com/XIADENGMA/ai-intervention-agent/web"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  = flag.String("config", "", "Path to the configuration file (default: discovery order)")
	bindHost    = flag.String("host", "", "Web UI host (overrides the configuration file)")
	bindPort    = flag.Int("port", 0, "Web UI port (overrides the configuration file)")
	callTimeout = flag.Int("timeout", 0, "Overall bound in seconds on one feedback call (overrides the configuration file)")
	project     = flag.String("project", "", "Project slug for task identifiers (default: working directory name)")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

func main() {
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	if *verbose {
		zcfg = zap.NewDevelopmentConfig()
	}
	logger, err := zcfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	debugf := func(msg string, args ...any) { sugar.Debugf(msg, args...) }

	store, err := config.NewStore(&config.StoreOptions{
		Path:   *configPath,
		Logger: debugf,
	})
	if err != nil {
		sugar.Fatalf("Loading configuration: %v", err)
	}
	cfg := store.Current()

	host := cfg.WebUI.Host
	if *bindHost != "" {
		host = *bindHost
	}
	port := cfg.WebUI.Port
	if *bindPort != 0 {
		port = *bindPort
	}
	addr := net.JoinHostPort(host, fmt.Sprint(port))

	svc := intervene.New(&intervene.Options{
		Config:  store,
		Project: *project,
		Timeout: time.Duration(*callTimeout) * time.Second,
		Logger:  debugf,
	})
	svc.Start()
	expvar.Publish("intervention", intervene.ServiceMetrics())
	store.Subscribe(func(*config.Config) {
		sugar.Infof("Configuration snapshot updated from %s", store.Path())
	})

	ws := web.NewServer(&web.Options{
		Queue:   svc.Queue(),
		Config:  store,
		Logger:  debugf,
		Metrics: svc.Metrics(),
	})
	lst, err := net.Listen("tcp", addr)
	if err != nil {
		sugar.Fatalf("Binding %s: %v", addr, err)
	}
	sugar.Infof("Web UI listening at http://%s", lst.Addr())
	hsrv := &http.Server{Handler: ws.Handler()}

	rsrv := jrpc2.NewServer(svc.Methods(), &jrpc2.ServerOptions{
		Concurrency: 8,
	}).Start(channel.Line(os.Stdin, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hsrv.Serve(lst); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Wait returns when the agent closes the pipe or the server is
		// stopped; either way the rest of the process should wind down.
		err := rsrv.Wait()
		stop()
		if err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rsrv.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hsrv.Shutdown(sctx)
	})

	err = g.Wait()
	svc.Stop()
	if err != nil {
		sugar.Fatalf("Shutdown: %v", err)
	}
	sugar.Infof("Shutdown complete")
}
