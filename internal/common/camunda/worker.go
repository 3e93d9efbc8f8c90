// internal/common/camunda/worker.go
package camunda

import (
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"

	"notification-monitor/internal/common/logger"
)

// JobHandler completes, fails or throws on every job it receives.
type JobHandler interface {
	Handle(client worker.JobClient, job entities.Job)
}

// WorkerConfig sizes a job worker.
type WorkerConfig struct {
	JobType       string
	MaxJobsActive int
	Timeout       time.Duration
}

type CamundaWorker struct {
	worker worker.JobWorker
	logger logger.Logger
	cfg    WorkerConfig
}

// NewWorker opens a job worker for cfg.JobType. Jobs start arriving as soon
// as it returns.
func NewWorker(client zbc.Client, cfg WorkerConfig, handler JobHandler, log logger.Logger) *CamundaWorker {
	if cfg.MaxJobsActive < 1 {
		cfg.MaxJobsActive = 1
	}
	step := client.NewJobWorker().
		JobType(cfg.JobType).
		Handler(handler.Handle).
		MaxJobsActive(cfg.MaxJobsActive)
	if cfg.Timeout > 0 {
		step = step.Timeout(cfg.Timeout)
	}

	w := &CamundaWorker{
		worker: step.Open(),
		logger: log.WithFields(map[string]interface{}{"taskType": cfg.JobType}),
		cfg:    cfg,
	}
	w.logger.Info("worker started", map[string]interface{}{
		"maxJobsActive": cfg.MaxJobsActive,
		"timeout":       cfg.Timeout.String(),
	})
	return w
}

// Stop closes the worker and waits for jobs in flight.
func (w *CamundaWorker) Stop() {
	w.logger.Info("stopping worker", nil)
	w.worker.Close()
	w.worker.AwaitClose()
}
