package syncer

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/errs"
	"github.com/and161185/dirsync/internal/metrics"
)

// Report summarises one reconciliation pass.
type Report struct {
	ID       uuid.UUID
	Mode     string
	Started  time.Time
	Finished time.Time

	UsersCreated     int
	UsersMoved       int
	UsersModified    int
	UsersDeleted     int
	UsersDeactivated int
	UsersUnmanaged   int
	GroupsWritten    int
	GroupsDeleted    int

	AccountsUpdated     int
	AccountsDeactivated int

	Failures []errs.SyncFailure
}

func newReport(mode string, now time.Time) *Report {
	return &Report{ID: uuid.Must(uuid.NewV4()), Mode: mode, Started: now}
}

// Err is nil for a clean pass and a *errs.PartialSyncError otherwise.
func (r *Report) Err() error { return errs.NewPartialSyncError(r.Failures) }

// Outcome labels the pass for metrics.
func (r *Report) Outcome(err error) string {
	switch {
	case errors.Is(err, errs.ErrDirectoryUnavailable):
		return "skipped"
	case err != nil && !errors.Is(err, errs.ErrPartialSync):
		return "failed"
	case len(r.Failures) > 0:
		return "partial"
	}
	return "ok"
}

// recorder appends failures to a report and logs them.
type recorder struct {
	rep     *Report
	log     *zap.Logger
	metrics *metrics.Metrics
}

func (rc recorder) fail(entity, id, op, dn string, err error) {
	rc.rep.Failures = append(rc.rep.Failures, errs.SyncFailure{Entity: entity, ID: id, Op: op, Err: err})
	rc.metrics.EntityFailed(entity, op)
	rc.log.Warn("sync entity failed",
		zap.String("entity", entity),
		zap.String("id", id),
		zap.String("op", op),
		zap.String("dn", dn),
		zap.Error(err))
}

func (r *Report) fields() []zap.Field {
	return []zap.Field{
		zap.String("pass", r.ID.String()),
		zap.String("mode", r.Mode),
		zap.Int("users_created", r.UsersCreated),
		zap.Int("users_moved", r.UsersMoved),
		zap.Int("users_modified", r.UsersModified),
		zap.Int("users_deleted", r.UsersDeleted),
		zap.Int("users_deactivated", r.UsersDeactivated),
		zap.Int("groups_written", r.GroupsWritten),
		zap.Int("groups_deleted", r.GroupsDeleted),
		zap.Int("accounts_updated", r.AccountsUpdated),
		zap.Int("failures", len(r.Failures)),
		zap.Duration("duration", r.Finished.Sub(r.Started)),
	}
}
