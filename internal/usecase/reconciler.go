// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

// ReconcilerImpl implements domain.Reconciler. It bridges the filesystem
// path, the live process table, and the platform firewall's rule set,
// converging actual rules to the user's desired blocked state.
type ReconcilerImpl struct {
	inventory domain.ProcessInventory
	driver    domain.FirewallDriver
	registry  domain.BlockedSetRegistry
	journal   domain.MutationJournal // May be nil
	logger    *zap.Logger
}

// NewReconciler creates a rule reconciler.
func NewReconciler(
	inventory domain.ProcessInventory,
	driver domain.FirewallDriver,
	registry domain.BlockedSetRegistry,
	journal domain.MutationJournal,
	logger *zap.Logger,
) domain.Reconciler {
	return &ReconcilerImpl{
		inventory: inventory,
		driver:    driver,
		registry:  registry,
		journal:   journal,
		logger:    logger,
	}
}

// EnsureInitialized prepares the selected firewall driver.
func (r *ReconcilerImpl) EnsureInitialized(ctx context.Context) error {
	return r.driver.EnsureInitialized(ctx)
}

// SetBlocked resolves path to a target, drives the firewall toward desired,
// and updates the blocked-set registry on success. A registry write failure
// is logged, never rolled back: the firewall state is authoritative.
func (r *ReconcilerImpl) SetBlocked(ctx context.Context, path string, desired bool) error {
	target, err := domain.ResolveTarget(path)
	if err != nil {
		return err
	}

	live, err := r.inventory.FindByPath(ctx, target.Path)
	if err != nil {
		return err
	}

	if desired {
		if len(live) == 0 && r.driver.RequiresLiveProcess() {
			return &domain.TargetNotFoundError{
				Path:   target.Path,
				Reason: "no running process to bind the rule to",
			}
		}
		err = r.driver.AddBlockRule(ctx, target, live)
	} else {
		// Unblocking must succeed with zero live processes too.
		err = r.driver.RemoveBlockRule(ctx, target, live)
	}

	action := "block"
	if !desired {
		action = "unblock"
	}
	if err != nil {
		r.record(action, target.Path, "error", err.Error())
		return err
	}

	r.updateRegistry(target.Path, desired)
	r.record(action, target.Path, "ok", "")

	r.logger.Info("converged firewall state",
		zap.String("app", target.Name),
		zap.Bool("blocked", desired),
		zap.Int("live_processes", len(live)))
	return nil
}

// updateRegistry persists the new blocked-set membership, best-effort. The
// read-modify-write runs under the registry's cross-process lock so a
// concurrent CLI and watcher cannot drop each other's entries.
func (r *ReconcilerImpl) updateRegistry(path string, desired bool) {
	err := r.registry.Update(func(set *domain.BlockedSet) bool {
		if desired {
			return set.Add(path)
		}
		return set.Remove(path)
	})
	if err != nil {
		r.logger.Warn("failed to persist blocked set", zap.Error(err))
	}
}

// record appends a journal entry when a journal is attached, best-effort.
func (r *ReconcilerImpl) record(action, path, outcome, detail string) {
	if r.journal == nil {
		return
	}
	err := r.journal.Record(domain.JournalEntry{
		At:      time.Now(),
		Action:  action,
		Path:    path,
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		r.logger.Warn("failed to record journal entry", zap.Error(err))
	}
}

// ListNetworkApplications enumerates running processes holding inet sockets.
// The Blocked flag is computed from the driver's actual rule state, never
// from the persisted blocked set, so the result reflects enforcement, not
// intent. IsBlocked results are deduplicated per path within one call.
func (r *ReconcilerImpl) ListNetworkApplications(ctx context.Context) ([]domain.ApplicationRecord, error) {
	handles, err := r.inventory.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]domain.ApplicationRecord, 0)
	blockedByPath := make(map[string]bool)

	for _, h := range handles {
		if !r.inventory.HasNetworkActivity(ctx, h) {
			continue
		}

		blocked, seen := blockedByPath[h.Exe]
		if !seen {
			target := domain.ApplicationTarget{Path: h.Exe, Name: filepath.Base(h.Exe)}
			blocked, err = r.driver.IsBlocked(ctx, target)
			if err != nil {
				return nil, err
			}
			blockedByPath[h.Exe] = blocked
		}

		records = append(records, domain.ApplicationRecord{
			Name:    filepath.Base(h.Exe),
			Path:    h.Exe,
			PID:     h.PID,
			Blocked: blocked,
		})
	}

	return records, nil
}

// ReapplyBlockedSet re-issues block rules for every persisted path. New
// processes of a blocked path get covered this way on drivers that bind
// rules to process ids. Best-effort: a target with no live process or a
// vanished binary is skipped quietly, other failures are logged and the
// walk continues.
func (r *ReconcilerImpl) ReapplyBlockedSet(ctx context.Context) error {
	set, err := r.registry.Load()
	if err != nil {
		return err
	}

	for _, path := range set.Paths() {
		if err := r.SetBlocked(ctx, path, true); err != nil {
			var notFound *domain.TargetNotFoundError
			if errors.As(err, &notFound) {
				r.logger.Debug("skipping blocked path with no target",
					zap.String("path", path),
					zap.String("reason", notFound.Reason))
				continue
			}
			r.logger.Warn("failed to re-apply block",
				zap.String("path", path),
				zap.Error(err))
		}
	}

	return nil
}

// Ensure ReconcilerImpl implements domain.Reconciler.
var _ domain.Reconciler = (*ReconcilerImpl)(nil)
