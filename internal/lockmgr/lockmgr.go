// Package lockmgr implements C8: pessimistic per-(plan, task) locking with
// lazy TTL expiry (spec §4.8). There is no background sweeper — a lock is
// only ever evaluated for staleness the moment something tries to read,
// acquire, or release it, exactly as the contract requires.
package lockmgr

import (
	"context"
	"log/slog"
	"time"

	"github.com/congressops/planloom/internal/model"
	"github.com/congressops/planloom/internal/perr"
	"github.com/congressops/planloom/internal/repo"
)

// Manager is the lock table's single access point. The repository is the
// only shared mutable state in the system (spec §5); Manager adds no
// in-process cache on top of it, so every call is safe across instances.
type Manager struct {
	repo       repo.Repository
	defaultTTL time.Duration
	logger     *slog.Logger
}

// New builds a Manager. defaultTTL backs acquire calls that don't specify
// one (spec default: 15 minutes, from config.Locks.DefaultTTL).
func New(r repo.Repository, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: r, defaultTTL: defaultTTL, logger: logger}
}

// Get returns the active lock for (planID, taskID), lazily deleting and
// reporting "no lock" when the stored row has expired.
func (m *Manager) Get(ctx context.Context, planID, taskID string, now time.Time) (model.TaskLock, bool, error) {
	lock, ok, err := m.repo.GetLock(ctx, planID, taskID)
	if err != nil {
		return model.TaskLock{}, false, err
	}
	if !ok {
		return model.TaskLock{}, false, nil
	}
	if lock.Expired(now) {
		if err := m.repo.DeleteLock(ctx, planID, taskID); err != nil {
			return model.TaskLock{}, false, err
		}
		m.logger.Info("lock expired", "plan_id", planID, "task_id", taskID, "holder", lock.Holder)
		return model.TaskLock{}, false, nil
	}
	return lock, true, nil
}

// Acquire transitions Unlocked -> Locked(holder, now, ttl), or renews the
// lease when holder already holds it. ttl <= 0 uses the manager's default.
func (m *Manager) Acquire(ctx context.Context, planID, taskID, holder string, ttl time.Duration, now time.Time) (model.TaskLock, error) {
	existing, held, err := m.Get(ctx, planID, taskID, now)
	if err != nil {
		return model.TaskLock{}, err
	}
	if held && existing.Holder != holder {
		return model.TaskLock{}, perr.NewLockedByOther(existing.Holder, existing.AcquiredAt.Format(time.RFC3339))
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	lock := model.TaskLock{PlanID: planID, TaskID: taskID, Holder: holder, AcquiredAt: now, TTL: ttl}
	if err := m.repo.PutLock(ctx, lock); err != nil {
		return model.TaskLock{}, err
	}
	verb := "lock acquired"
	if held {
		verb = "lock renewed"
	}
	m.logger.Info(verb, "plan_id", planID, "task_id", taskID, "holder", holder, "ttl", ttl)
	m.audit(ctx, planID, holder, "AcquireLock", taskID, now)
	return lock, nil
}

// Release transitions Locked(holder, ...) -> Unlocked. Any other state
// (unlocked, or locked by someone else) fails with NotHolder.
func (m *Manager) Release(ctx context.Context, planID, taskID, holder string, now time.Time) error {
	existing, held, err := m.Get(ctx, planID, taskID, now)
	if err != nil {
		return err
	}
	if !held || existing.Holder != holder {
		return perr.NewConflict(perr.ConflictNotHolder, "no lock held by "+holder)
	}
	if err := m.repo.DeleteLock(ctx, planID, taskID); err != nil {
		return err
	}
	m.logger.Info("lock released", "plan_id", planID, "task_id", taskID, "holder", holder)
	m.audit(ctx, planID, holder, "ReleaseLock", taskID, now)
	return nil
}

// audit best-effort records a lock decision to the audit trail (SPEC_FULL.md
// §11). A failure here never fails the caller's lock operation — the lock
// state change already committed — but is logged so it isn't silent.
func (m *Manager) audit(ctx context.Context, planID, actor, action, targetID string, now time.Time) {
	entry := model.AuditEntry{PlanID: planID, Actor: actor, Action: action, TargetID: targetID, CreatedAt: now}
	if err := m.repo.AppendAudit(ctx, entry); err != nil {
		m.logger.Warn("audit append failed", "action", action, "plan_id", planID, "error", err)
	}
}

// CheckMutationAllowed implements C11's lock contract (spec §4.8): a
// mutation may proceed with no existing lock, or a lock held by actor;
// anything else fails with LockedByOther.
func (m *Manager) CheckMutationAllowed(ctx context.Context, planID, taskID, actor string, now time.Time) error {
	lock, held, err := m.Get(ctx, planID, taskID, now)
	if err != nil {
		return err
	}
	if !held || lock.Holder == actor {
		return nil
	}
	return perr.NewLockedByOther(lock.Holder, lock.AcquiredAt.Format(time.RFC3339))
}
