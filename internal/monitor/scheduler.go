package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
)

const DefaultSchedule = "@every 5m"

// PassRunner runs one monitoring pass.
type PassRunner interface {
	Run(ctx context.Context) (Summary, error)
}

// Scheduler triggers passes on a cron schedule. A tick that fires while a
// pass is still running is skipped.
type Scheduler struct {
	cron   *cron.Cron
	runner PassRunner
	logger logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler parses spec (a standard five-field cron expression or a
// descriptor such as "@every 5m") in the given timezone.
func NewScheduler(spec, timezone string, runner PassRunner, log logger.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, errors.NewConfigInvalidError("monitor.timezone", err.Error())
		}
		loc = l
	}

	log = log.WithFields(map[string]interface{}{"component": "scheduler"})
	cl := cronLogger{log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		logger: log,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, errors.NewConfigInvalidError("monitor.schedule", fmt.Sprintf("invalid schedule %q: %v", spec, err))
	}
	return s, nil
}

// Start begins scheduling. Passes run under ctx; cancelling it or calling
// Stop interrupts the pass in flight.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", map[string]interface{}{"next": s.Next().Format(time.RFC3339)})
}

// Next is the time of the next scheduled pass.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop stops new passes and waits for the running one to drain, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	summary, err := s.runner.Run(ctx)
	switch {
	case errors.HasCode(err, errors.ErrCodePassInProgress):
		s.logger.Info("scheduled pass skipped", map[string]interface{}{"error": err})
	case err != nil:
		s.logger.Error("scheduled pass aborted", map[string]interface{}{
			"passId":    summary.PassID,
			"errorCode": string(errors.CodeOf(err)),
			"error":     err,
		})
	}
}

// cronLogger routes cron's own logging into the structured logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kv(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	f := kv(keysAndValues)
	f["error"] = err
	c.l.Error(msg, f)
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	f := make(map[string]interface{}, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
