// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command trafficctld is the privileged Windows Filtering Platform control
// plane service (spec.md §1, §4). It owns the one open engine session for
// its lifetime, serves the IPC protocol on the named pipe endpoint, and
// optionally exposes Prometheus metrics on a loopback-only listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grimm.is/trafficctl/internal/audit"
	"grimm.is/trafficctl/internal/config"
	"grimm.is/trafficctl/internal/constants"
	"grimm.is/trafficctl/internal/history"
	"grimm.is/trafficctl/internal/ipc"
	"grimm.is/trafficctl/internal/lkg"
	"grimm.is/trafficctl/internal/logging"
	"grimm.is/trafficctl/internal/metrics"
	"grimm.is/trafficctl/internal/orchestrator"
	"grimm.is/trafficctl/internal/pff"
	"grimm.is/trafficctl/internal/policy"
	"grimm.is/trafficctl/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fatal("failed to load config: %v", err)
		}
		cfg = loaded
	}

	log := logging.New(os.Stderr, cfg.LogLevel)

	if err := os.MkdirAll(constants.DataDir(), 0o700); err != nil {
		fatal("failed to create data directory: %v", err)
	}

	m := metrics.New()

	engine, err := pff.Open()
	if err != nil {
		fatal("failed to open PFF engine session: %v", err)
	}
	defer engine.Close()

	orch := orchestrator.New(engine, log, m)

	if _, err := orch.Bootstrap(); err != nil {
		fatal("failed to bootstrap provider/sublayer: %v", err)
	}

	auditWriter, err := audit.NewWriter(constants.AuditLogPath(), log)
	if err != nil {
		fatal("failed to open audit log: %v", err)
	}
	defer auditWriter.Close()
	auditReader := audit.NewReader(constants.AuditLogPath())

	lkgStore := lkg.New(constants.DataDir())
	histStore := history.New(constants.HistoryDir())

	srv := ipc.New(orch, lkgStore, histStore, nil, auditWriter, auditReader, m, log)

	applyFromPath := func(path string) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		v, verrs := policy.Validate(raw)
		if verrs.HasErrors() {
			return verrs
		}
		if _, err := orch.Apply(v); err != nil {
			return err
		}
		if err := lkgStore.Save(raw, path); err != nil {
			log.Warn("watcher apply: failed to save LKG", "error", err)
		}
		return nil
	}
	fileWatcher := watcher.New(applyFromPath, cfg.FileWatch.DebounceMs, log)
	srv.Watcher = fileWatcher

	if cfg.AutoApplyLKGOnStartup {
		res := lkgStore.Load()
		switch res.Status {
		case lkg.StatusOK:
			v, verrs := policy.Validate([]byte(res.Record.PolicyJSON))
			if verrs.HasErrors() {
				auditWriter.Write(audit.Entry{Event: audit.EventLKGLoad, Source: audit.SourceStartup,
					Status: audit.StatusFailure, ErrorMessage: verrs.Error()})
				log.Error("startup: stored LKG failed validation, starting with no policy applied", "error", verrs.Error())
			} else if _, err := orch.Apply(v); err != nil {
				auditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventLKGLoad, Source: audit.SourceStartup}, err))
				log.Error("startup: failed to apply LKG policy", "error", err)
			} else {
				auditWriter.Write(audit.FromError(audit.Entry{Event: audit.EventLKGLoad, Source: audit.SourceStartup}, nil))
				log.Info("startup: applied last-known-good policy", "version", v.Policy.Version)
			}
		case lkg.StatusNotFound:
			log.Info("startup: no last-known-good policy stored, starting with no policy applied")
		case lkg.StatusCorrupt:
			auditWriter.Write(audit.Entry{Event: audit.EventLKGLoad, Source: audit.SourceStartup,
				Status: audit.StatusFailure, ErrorMessage: res.Reason})
			log.Error("startup: stored LKG is corrupt, starting with no policy applied", "reason", res.Reason)
		}
	}

	listener, err := ipc.Listen()
	if err != nil {
		fatal("failed to open IPC endpoint: %v", err)
	}

	var metricsCtx context.Context
	var metricsCancel context.CancelFunc
	if cfg.MetricsListenAddr != "" {
		metricsCtx, metricsCancel = context.WithCancel(context.Background())
		go func() {
			if err := m.Serve(metricsCtx, cfg.MetricsListenAddr); err != nil {
				log.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Info("trafficctld started", "pipe", constants.PipeName)

	select {
	case <-sigCh:
		log.Info("received shutdown signal, draining")
	case err := <-serveErr:
		if err != nil {
			log.Error("IPC server exited unexpectedly", "error", err)
		}
	}

	srv.Stop()
	_ = listener.Close()
	if metricsCancel != nil {
		metricsCancel()
	}

	drain := time.NewTimer(5 * time.Second)
	defer drain.Stop()
	select {
	case <-serveErr:
	case <-drain.C:
		log.Warn("IPC server did not stop within the drain timeout")
	}

	log.Info("trafficctld stopped")
}

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
	os.Exit(1)
}
