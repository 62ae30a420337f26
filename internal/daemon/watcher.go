// Package daemon implements the watch-mode loop that keeps the firewall
// converged with the persisted blocked set.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

// WatcherConfig holds watch-mode configuration.
type WatcherConfig struct {
	RefreshInterval  time.Duration // How often to re-apply the blocked set
	AutoBlockNewApps bool          // Block network apps first seen after startup
}

// DefaultWatcherConfig returns the configuration used when settings carry no
// overrides.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		RefreshInterval:  time.Minute,
		AutoBlockNewApps: false,
	}
}

// ConfigFromSettings maps persisted settings to a watcher configuration.
func ConfigFromSettings(settings domain.Settings) WatcherConfig {
	return WatcherConfig{
		RefreshInterval:  settings.RefreshPeriod(),
		AutoBlockNewApps: settings.AutoBlockNewApps,
	}
}

// Watcher periodically re-applies the blocked set so new processes of
// blocked paths get covered (the chain driver binds rules to pids, so
// convergence requires re-invocation). With auto-block enabled it also
// blocks network-capable applications first seen after startup; the first
// pass only seeds the seen set so already-running applications are never
// blocked by surprise.
type Watcher struct {
	config     WatcherConfig
	reconciler domain.Reconciler
	logger     *zap.Logger
	seen       map[string]struct{}
}

// NewWatcher creates a watch-mode loop.
func NewWatcher(config WatcherConfig, reconciler domain.Reconciler, logger *zap.Logger) *Watcher {
	return &Watcher{
		config:     config,
		reconciler: reconciler,
		logger:     logger,
		seen:       make(map[string]struct{}),
	}
}

// Run starts the watch loop. This blocks until context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("watch mode started",
		zap.Duration("refresh_interval", w.config.RefreshInterval),
		zap.Bool("auto_block_new_apps", w.config.AutoBlockNewApps))

	// Seed the seen set before any auto-blocking happens.
	if w.config.AutoBlockNewApps {
		if records, err := w.reconciler.ListNetworkApplications(ctx); err != nil {
			w.logger.Warn("failed to seed seen applications", zap.Error(err))
		} else {
			for _, rec := range records {
				w.seen[rec.Path] = struct{}{}
			}
		}
	}

	// Converge immediately on startup, then on every tick.
	w.refresh(ctx)

	ticker := time.NewTicker(w.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch mode stopping")
			return ctx.Err()

		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// refresh runs one convergence pass.
func (w *Watcher) refresh(ctx context.Context) {
	if err := w.reconciler.ReapplyBlockedSet(ctx); err != nil {
		w.logger.Warn("failed to re-apply blocked set", zap.Error(err))
	}

	if w.config.AutoBlockNewApps {
		w.blockNewApplications(ctx)
	}
}

// blockNewApplications blocks network-capable applications not seen before.
func (w *Watcher) blockNewApplications(ctx context.Context) {
	records, err := w.reconciler.ListNetworkApplications(ctx)
	if err != nil {
		w.logger.Warn("failed to list network applications", zap.Error(err))
		return
	}

	for _, rec := range records {
		if _, ok := w.seen[rec.Path]; ok {
			continue
		}
		w.seen[rec.Path] = struct{}{}

		if rec.Blocked {
			continue
		}
		if err := w.reconciler.SetBlocked(ctx, rec.Path, true); err != nil {
			w.logger.Warn("failed to auto-block new application",
				zap.String("path", rec.Path),
				zap.Error(err))
			continue
		}
		w.logger.Info("auto-blocked new application",
			zap.String("app", rec.Name),
			zap.String("path", rec.Path))
	}
}
