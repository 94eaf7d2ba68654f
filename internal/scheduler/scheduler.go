// Package scheduler turns stored jobs into cron triggers and one-shot timers
// that hand each firing to the job executor.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/promptcron/internal/executor"
	"github.com/t77yq/promptcron/internal/model"
)

// JobExecutor runs one firing of a job
type JobExecutor interface {
	Execute(ctx context.Context, jobID string, opts executor.Options) (*model.Run, error)
}

// Store is the job persistence the scheduler reads from
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListEnabledJobs(ctx context.Context) ([]*model.Job, error)
	SetNextRun(ctx context.Context, id string, next *time.Time) error
}

// handle is an armed trigger for one job
type handle interface {
	stop()
}

type cronHandle struct {
	cron  *cron.Cron
	entry cron.EntryID
}

func (h cronHandle) stop() { h.cron.Remove(h.entry) }

type timerHandle struct {
	timer *time.Timer
}

func (h *timerHandle) stop() { h.timer.Stop() }

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
