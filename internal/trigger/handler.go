// Package trigger runs a monitoring pass when a BPMN process asks for one.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/monitor"
)

const DefaultJobType = "notification.monitor.run"

// Input is the optional job payload.
type Input struct {
	RequestID string `json:"requestId"`
	// FailOnAbort throws when the pass was interrupted, not only when it
	// failed on infrastructure.
	FailOnAbort bool `json:"failOnAbort"`
}

// Output is written back to the process as the job result.
type Output struct {
	RequestID string          `json:"requestId,omitempty"`
	Summary   monitor.Summary `json:"passSummary"`
}

type Handler struct {
	base    context.Context
	runner  monitor.PassRunner
	errors  *errors.ErrorHandler
	logger  logger.Logger
	timeout time.Duration
}

// NewHandler builds the job handler. Passes run under base, so cancelling it
// interrupts them the way a shutdown interrupts scheduled passes. timeout
// bounds the whole job and should cover the pass deadline plus its shutdown
// grace.
func NewHandler(base context.Context, runner monitor.PassRunner, timeout time.Duration, log logger.Logger) *Handler {
	log = log.WithFields(map[string]interface{}{"taskType": DefaultJobType})
	return &Handler{
		base:    base,
		runner:  runner,
		errors:  errors.NewErrorHandler(log),
		logger:  log,
		timeout: timeout,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":             job.Key,
		"processInstanceKey": job.ProcessInstanceKey,
	})

	input, err := ParseInput(job.Variables)
	if err != nil {
		h.errors.HandleJobError(context.Background(), client, job, err)
		return
	}

	ctx, cancel := h.jobContext()
	defer cancel()

	output, err := h.Execute(ctx, input)
	if err != nil {
		// The job context may already be cancelled; the failure must still
		// reach the broker.
		h.errors.HandleJobError(context.WithoutCancel(ctx), client, job, err)
		return
	}
	h.completeJob(client, job, output)
}

func (h *Handler) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.base, h.timeout)
}

// Execute runs one pass for the job.
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	summary, err := h.runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	if input.FailOnAbort && summary.Aborted {
		return nil, errors.NewPassInterruptedError(summary.PassID, summary.Error)
	}
	return &Output{RequestID: input.RequestID, Summary: summary}, nil
}

// ParseInput decodes job variables. Empty variables are valid.
func ParseInput(variables string) (*Input, error) {
	input := &Input{}
	if variables == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(variables), input); err != nil {
		return nil, errors.NewInvalidJobInputError(fmt.Sprintf("parse job variables: %v", err))
	}
	return input, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err})
		return
	}
	if _, err := cmd.Send(context.Background()); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err})
	}
}
