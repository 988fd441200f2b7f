// Package app wires the control plane together: configuration, logging,
// the core registry, the worker listener, the scheduler bridge and the ops
// HTTP server, all run under one lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/gridschedgo/internal/bridge"
	"github.com/vk/gridschedgo/internal/config"
	"github.com/vk/gridschedgo/internal/core"
	"github.com/vk/gridschedgo/internal/ctxlog"
	"github.com/vk/gridschedgo/internal/httpapi"
	"github.com/vk/gridschedgo/internal/protocol"
	"github.com/vk/gridschedgo/internal/workerconn"
)

// schedulerName identifies this process in the bridge registration
// handshake.
const schedulerName = "gridschedgo"

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	logger  *slog.Logger
	model   *config.Model
	core    *core.Core
	bridge  *bridge.Bridge
	workers *workerconn.Server
	ops     *httpapi.Server
}

// New loads the cluster configuration, applies CLI overrides and builds a
// fully wired App instance with its own isolated logger.
func New(outW io.Writer, cfg *Config) (*App, error) {
	model, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(model, cfg)
	if err := model.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(model.LogLevel, model.LogFormat, outW)
	logger.Debug("Configuration loaded.", "listen", model.ListenAddress, "scheduler", model.SchedulerAddress)

	c := core.New()
	b := bridge.New(model.SchedulerAddress, schedulerName)
	return &App{
		logger:  logger,
		model:   model,
		core:    c,
		bridge:  b,
		workers: workerconn.NewServer(c, model.HeartbeatInterval, b.Outgoing),
		ops:     httpapi.NewServer(c, b.Outgoing),
	}, nil
}

// applyOverrides copies non-zero CLI flag values over the file model.
func applyOverrides(model *config.Model, cfg *Config) {
	if cfg.ListenAddress != "" {
		model.ListenAddress = cfg.ListenAddress
	}
	if cfg.SchedulerAddress != "" {
		model.SchedulerAddress = cfg.SchedulerAddress
	}
	if cfg.HTTPPort >= 0 {
		model.HTTPPort = cfg.HTTPPort
	}
	if cfg.HeartbeatInterval > 0 {
		model.HeartbeatInterval = cfg.HeartbeatInterval
	}
	if cfg.LogLevel != "" {
		model.LogLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" {
		model.LogFormat = cfg.LogFormat
	}
}

// Core returns the application's registry. This is primarily for testing.
func (a *App) Core() *core.Core {
	return a.core
}

// Run starts every component and blocks until the context is cancelled or
// a component fails fatally.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("Control plane starting.",
		"listen", a.model.ListenAddress,
		"scheduler", a.model.SchedulerAddress,
		"http_port", a.model.HTTPPort,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.workers.ListenAndServe(gctx, a.model.ListenAddress)
	})
	g.Go(func() error {
		return a.runBridge(gctx)
	})
	g.Go(func() error {
		return a.consumeAssignments(gctx)
	})
	if a.model.HTTPPort > 0 {
		g.Go(func() error {
			return a.ops.Run(gctx, fmt.Sprintf(":%d", a.model.HTTPPort))
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("Control plane stopped.")
		return nil
	}
	return err
}

// runBridge keeps the scheduler bridge alive: the bridge itself ends on the
// first transport error and the caller owns the retry policy.
func (a *App) runBridge(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	const maxBackoff = 30 * time.Second
	backoff := time.Second
	for {
		start := time.Now()
		err := a.bridge.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("Scheduler bridge disconnected, reconnecting.", "error", err, "backoff", backoff)
		if time.Since(start) > maxBackoff {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consumeAssignments applies placement decisions from the scheduling
// authority and dispatches tasks that are runnable at placement time.
func (a *App) consumeAssignments(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-a.bridge.Incoming:
			if msg.Type != protocol.BridgeTaskAssignments {
				logger.Warn("Ignoring unexpected scheduler message.", "type", msg.Type)
				continue
			}
			var runnable []string
			for _, as := range msg.Assignments {
				ok, err := a.core.AssignTask(as.Task, core.WorkerID(as.Worker))
				if err != nil {
					// Stale decision: the task moved on or the worker left.
					logger.Warn("Dropping stale assignment.", "task", as.Task, "worker", as.Worker, "error", err)
					continue
				}
				if ok {
					runnable = append(runnable, as.Task)
				}
			}
			if len(runnable) > 0 {
				a.workers.Dispatch(ctx, runnable)
			}
		}
	}
}
