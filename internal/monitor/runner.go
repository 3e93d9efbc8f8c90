// Package monitor runs monitoring passes: detect, gate, render and dispatch,
// one pass at a time, on a schedule or on demand.
package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/common/metrics"
	"notification-monitor/internal/common/observability"
	"notification-monitor/internal/detector"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/notification"
)

const (
	defaultWorkers       = 4
	defaultPassDeadline  = 2 * time.Minute
	defaultShutdownGrace = 20 * time.Second

	ledgerWriteTimeout = 10 * time.Second
	releaseRetries     = 3
	releaseRetryDelay  = 200 * time.Millisecond
)

// Phase is where the runner is in the pass state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDetecting   Phase = "detecting"
	PhaseGating      Phase = "gating"
	PhaseDispatching Phase = "dispatching"
)

// Summary is the result of one pass.
type Summary struct {
	PassID                   string    `json:"passId"`
	StartedAt                time.Time `json:"startedAt"`
	FinishedAt               time.Time `json:"finishedAt"`
	EventsDetected           int       `json:"eventsDetected"`
	EventsSent               int       `json:"eventsSent"`
	EventsFailed             int       `json:"eventsFailed"`
	EventsSkippedAsDuplicate int       `json:"eventsSkippedAsDuplicate"`
	EventsRetried            int       `json:"eventsRetried"`
	EventsAborted            int       `json:"eventsAborted"`
	EventsFinalized          int       `json:"eventsFinalized"`
	Aborted                  bool      `json:"aborted"`
	Error                    string    `json:"error,omitempty"`
}

// Fields flattens the summary for a log line.
func (s Summary) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"passId":                   s.PassID,
		"eventsDetected":           s.EventsDetected,
		"eventsSent":               s.EventsSent,
		"eventsFailed":             s.EventsFailed,
		"eventsSkippedAsDuplicate": s.EventsSkippedAsDuplicate,
		"eventsRetried":            s.EventsRetried,
		"eventsAborted":            s.EventsAborted,
		"eventsFinalized":          s.EventsFinalized,
		"aborted":                  s.Aborted,
		"durationMs":               s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
	}
	if s.Error != "" {
		f["error"] = s.Error
	}
	return f
}

func (s Summary) result() string {
	if s.Aborted {
		return "aborted"
	}
	return "completed"
}

type EventSource interface {
	Detect(ctx context.Context, asOf time.Time) *detector.Scan
}

type Renderer interface {
	Render(ev notification.Event) (notification.RenderedMessage, error)
}

type Sender interface {
	Send(ctx context.Context, msg notification.RenderedMessage) notification.Outcome
}

// Reporter receives every finished pass together with the entries that
// became failed_final during it.
type Reporter interface {
	Report(ctx context.Context, summary Summary, finalFailures []ledger.Entry) error
}

type Config struct {
	Workers       int
	PassDeadline  time.Duration
	ShutdownGrace time.Duration
}

// Deps are the collaborators of a Runner. Lock, Reporters and Observability
// are optional.
type Deps struct {
	Detector      EventSource
	Gate          *ledger.Gate
	Watermarks    ledger.WatermarkStore
	Renderer      Renderer
	Sender        Sender
	Lock          Locker
	Reporters     []Reporter
	Observability *observability.Observability
	Logger        logger.Logger
}

// Runner executes monitoring passes.
type Runner struct {
	cfg   Config
	deps  Deps
	log   logger.Logger
	now   func() time.Time
	phase atomic.Value

	retryDelay time.Duration
}

func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	if deps.Detector == nil || deps.Gate == nil || deps.Renderer == nil || deps.Sender == nil {
		return nil, fmt.Errorf("runner requires a detector, gate, renderer and sender")
	}
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PassDeadline <= 0 {
		cfg.PassDeadline = defaultPassDeadline
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNoOpLogger()
	}
	if deps.Lock == nil {
		deps.Lock = NewPassLock(nil, "", 0, deps.Logger)
	}

	r := &Runner{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.WithFields(map[string]interface{}{"component": "runner"}),
		now:  func() time.Time { return time.Now().UTC() },

		retryDelay: releaseRetryDelay,
	}
	r.phase.Store(PhaseIdle)
	return r, nil
}

// WithClock replaces the runner's time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) Phase() Phase {
	return r.phase.Load().(Phase)
}

// Run executes one pass. It returns PASS_IN_PROGRESS without touching the
// ledger when another pass holds the lock, and a LEDGER_UNAVAILABLE or
// SOURCE_UNAVAILABLE error when shared infrastructure aborted the pass. A
// pass cut short by ctx or by the pass deadline returns a nil error and an
// aborted summary.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	release, err := r.deps.Lock.Acquire(ctx)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodePassInProgress) {
			metrics.PassesTotal.WithLabelValues("skipped").Inc()
			r.log.Info("pass skipped, another pass is in progress", map[string]interface{}{"error": err})
		}
		return Summary{}, err
	}
	defer release()

	return r.run(ctx)
}

// pass holds the mutable state of one run.
type pass struct {
	log  logger.Logger
	asOf time.Time

	mu            sync.Mutex
	summary       Summary
	finalFailures []ledger.Entry
}

func (p *pass) update(fn func(s *Summary)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.summary)
}

func (p *pass) finalFailure(e ledger.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalFailures = append(p.finalFailures, e)
}

// job is a claimed event waiting for render and dispatch.
type job struct {
	event   notification.Event
	attempt int
}

func (r *Runner) run(ctx context.Context) (Summary, error) {
	started := r.now()
	p := &pass{
		asOf:    started,
		summary: Summary{PassID: uuid.NewString(), StartedAt: started},
	}
	p.log = r.log.WithFields(map[string]interface{}{"passId": p.summary.PassID})
	defer r.phase.Store(PhaseIdle)

	ctx, span := r.deps.Observability.StartSpan(ctx, "notification.pass",
		attribute.String("pass.id", p.summary.PassID))
	defer span.End()

	// soft ends the pass: no new claims or sends start once it is done.
	soft, cancelSoft := context.WithTimeout(ctx, r.cfg.PassDeadline)
	defer cancelSoft()
	// hard carries in-flight sends and is cancelled a grace period after soft.
	hard, cancelHard := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHard()
	go r.abortAfterGrace(soft, hard, cancelHard)

	p.log.Info("pass started", map[string]interface{}{"asOf": p.asOf.Format(time.RFC3339)})

	interrupted, passErr := r.execute(soft, hard, p)

	s := p.summary
	s.FinishedAt = r.now()
	switch {
	case passErr != nil:
		s.Aborted = true
		s.Error = passErr.Error()
	case interrupted:
		s.Aborted = true
		s.Error = fmt.Sprintf("pass interrupted: %v", context.Cause(soft))
	}

	r.report(ctx, p, s)
	r.record(ctx, span, s, passErr)

	if passErr != nil {
		p.log.Error("pass aborted", merge(s.Fields(), map[string]interface{}{"errorCode": string(errors.CodeOf(passErr))}))
	} else {
		p.log.Info("pass finished", s.Fields())
	}
	return s, passErr
}

func (r *Runner) abortAfterGrace(soft, hard context.Context, cancelHard context.CancelFunc) {
	select {
	case <-soft.Done():
	case <-hard.Done():
		return
	}
	t := time.NewTimer(r.cfg.ShutdownGrace)
	defer t.Stop()
	select {
	case <-t.C:
		cancelHard()
	case <-hard.Done():
	}
}

// execute runs the pass phases. It returns the infrastructure error that
// aborted the pass, or interrupted when the pass deadline or shutdown cut it
// short.
func (r *Runner) execute(soft, hard context.Context, p *pass) (interrupted bool, err error) {
	scan, events, retries, err := r.detect(soft, p)
	if err != nil {
		return r.interruption(soft, err)
	}

	jobs, err := r.claim(soft, p, events, retries)
	if err != nil {
		for _, j := range jobs {
			metrics.EventsTotal.WithLabelValues(string(j.event.Type), "aborted").Inc()
		}
		p.update(func(s *Summary) { s.EventsAborted += len(jobs) })
		return r.interruption(soft, err)
	}

	if err := r.dispatch(soft, hard, p, jobs); err != nil {
		return false, err
	}
	if soft.Err() != nil && p.summary.EventsAborted > 0 {
		return true, nil
	}

	r.advanceWatermark(hard, p, scan)
	return false, nil
}

// interruption separates errors caused by the pass deadline or shutdown
// from infrastructure failures.
func (r *Runner) interruption(ctx context.Context, err error) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	return false, err
}

func (r *Runner) detect(ctx context.Context, p *pass) (*detector.Scan, []notification.Event, []ledger.Entry, error) {
	r.phase.Store(PhaseDetecting)
	ctx, span := r.deps.Observability.StartSpan(ctx, "notification.detect")
	defer span.End()

	finalized, err := r.deps.Gate.FinalizeExhausted(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, e := range finalized {
		metrics.FailedFinalTotal.WithLabelValues(string(e.Event.Type)).Inc()
		p.finalFailure(e)
		p.log.Warn("event exhausted its attempts", eventFields(e.Event, e.AttemptCount, map[string]interface{}{
			"errorCode": string(errors.ErrCodeTransientFailure),
			"lastError": e.LastError,
		}))
	}
	p.update(func(s *Summary) { s.EventsFinalized = len(finalized) })

	retries, err := r.deps.Gate.RetryCandidates(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	retrying := make(map[string]bool, len(retries))
	for _, e := range retries {
		retrying[e.Event.ID] = true
	}

	scan := r.deps.Detector.Detect(ctx, p.asOf)
	var events []notification.Event
	for ev, err := range scan.All() {
		if err != nil {
			return nil, nil, nil, err
		}
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "detected").Inc()
		p.update(func(s *Summary) { s.EventsDetected++ })
		if retrying[ev.ID] {
			continue
		}
		events = append(events, ev)
	}
	span.SetAttributes(attribute.Int("events.detected", len(events)), attribute.Int("events.retry_candidates", len(retries)))
	return scan, events, retries, nil
}

// claim reserves every detected event and every retry candidate. Claims on
// different events run concurrently; the ledger settles races on one event.
func (r *Runner) claim(ctx context.Context, p *pass, events []notification.Event, retries []ledger.Entry) ([]job, error) {
	r.phase.Store(PhaseGating)
	ctx, span := r.deps.Observability.StartSpan(ctx, "notification.gate")
	defer span.End()

	var (
		mu   sync.Mutex
		jobs []job
	)
	add := func(j job) {
		mu.Lock()
		jobs = append(jobs, j)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

	for _, ev := range events {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := r.deps.Gate.Claim(gctx, ev)
			if err != nil {
				return err
			}
			if !ok {
				metrics.EventsTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
				p.update(func(s *Summary) { s.EventsSkippedAsDuplicate++ })
				p.log.Debug("event already handled", eventFields(ev, 0, nil))
				return nil
			}
			add(job{event: ev, attempt: 1})
			return nil
		})
	}

	for _, entry := range retries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ok, err := r.deps.Gate.Reclaim(gctx, entry)
			if err != nil {
				return err
			}
			if !ok {
				p.log.Debug("retry candidate changed before reclaim", eventFields(entry.Event, entry.AttemptCount, nil))
				return nil
			}
			metrics.EventsTotal.WithLabelValues(string(entry.Event.Type), "retried").Inc()
			p.update(func(s *Summary) { s.EventsRetried++ })
			add(job{event: entry.Event, attempt: entry.AttemptCount + 1})
			return nil
		})
	}

	err := g.Wait()
	sort.Slice(jobs, func(i, j int) bool { return notification.Less(jobs[i].event, jobs[j].event) })
	span.SetAttributes(attribute.Int("events.claimed", len(jobs)))
	return jobs, err
}

// dispatch renders and sends claimed events on a bounded pool. Once ctx is
// done no new send starts; the remaining events stay claimed.
func (r *Runner) dispatch(ctx, hard context.Context, p *pass, jobs []job) error {
	r.phase.Store(PhaseDispatching)
	ctx, span := r.deps.Observability.StartSpan(ctx, "notification.dispatch")
	defer span.End()

	aborted := func(j job) {
		metrics.EventsTotal.WithLabelValues(string(j.event.Type), "aborted").Inc()
		p.update(func(s *Summary) { s.EventsAborted++ })
		p.log.Warn("event left claimed for the next pass", eventFields(j.event, j.attempt, nil))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, j := range jobs {
		if gctx.Err() != nil {
			aborted(j)
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				aborted(j)
				return nil
			}
			return r.process(hard, p, j, aborted)
		})
	}
	return g.Wait()
}

func (r *Runner) process(ctx context.Context, p *pass, j job, aborted func(job)) error {
	ev := j.event

	msg, renderErr := r.deps.Renderer.Render(ev)
	if renderErr != nil {
		p.log.Error("failed to render notification", eventFields(ev, j.attempt, map[string]interface{}{
			"errorCode": string(errors.CodeOf(renderErr)),
			"error":     renderErr,
		}))
		if err := r.withLedgerRetry(ctx, func(ctx context.Context) error {
			return r.deps.Gate.Finalize(ctx, ev.ID, renderErr.Error())
		}); err != nil {
			return r.releaseFailed(p, ev, j.attempt, err)
		}
		r.failed(p, ev, j.attempt, renderErr.Error(), ledger.StatusFailedFinal)
		return nil
	}

	outcome := r.deps.Sender.Send(ctx, msg)
	if outcome.Kind != notification.Sent && ctx.Err() != nil {
		aborted(j)
		return nil
	}

	var status ledger.Status
	if err := r.withLedgerRetry(ctx, func(ctx context.Context) error {
		var err error
		status, err = r.deps.Gate.Release(ctx, ev.ID, j.attempt, outcome)
		return err
	}); err != nil {
		return r.releaseFailed(p, ev, j.attempt, err)
	}

	if outcome.Kind == notification.Sent {
		metrics.EventsTotal.WithLabelValues(string(ev.Type), "sent").Inc()
		p.update(func(s *Summary) { s.EventsSent++ })
		p.log.Info("notification sent", eventFields(ev, j.attempt, nil))
		return nil
	}

	p.log.Warn("notification failed", eventFields(ev, j.attempt, map[string]interface{}{
		"errorCode": string(outcomeCode(outcome)),
		"outcome":   string(outcome.Kind),
		"status":    string(status),
		"reason":    outcome.Reason,
	}))
	r.failed(p, ev, j.attempt, outcome.Reason, status)
	return nil
}

func (r *Runner) failed(p *pass, ev notification.Event, attempt int, reason string, status ledger.Status) {
	metrics.EventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
	p.update(func(s *Summary) { s.EventsFailed++ })
	if status != ledger.StatusFailedFinal {
		return
	}
	metrics.FailedFinalTotal.WithLabelValues(string(ev.Type)).Inc()
	p.finalFailure(ledger.Entry{
		Event:         ev,
		Status:        ledger.StatusFailedFinal,
		AttemptCount:  attempt,
		LastError:     reason,
		LastAttemptAt: r.now(),
	})
}

// releaseFailed handles a ledger write that failed after an attempt. A lost
// claim is logged and the pass continues; an unavailable ledger aborts it.
func (r *Runner) releaseFailed(p *pass, ev notification.Event, attempt int, err error) error {
	fields := eventFields(ev, attempt, map[string]interface{}{
		"errorCode": string(errors.CodeOf(err)),
		"error":     err,
	})
	if stderrors.Is(err, ledger.ErrNotClaimed) {
		p.log.Error("ledger entry was no longer claimed", fields)
		return nil
	}
	p.log.Error("failed to record dispatch outcome", fields)
	return err
}

// withLedgerRetry runs a ledger write on a context detached from the pass,
// retrying briefly while the ledger reports itself unavailable.
func (r *Runner) withLedgerRetry(ctx context.Context, fn func(context.Context) error) error {
	var err error
	delay := r.retryDelay
	for i := 0; i < releaseRetries; i++ {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
		err = fn(wctx)
		cancel()
		if err == nil || !errors.HasCode(err, errors.ErrCodeLedgerUnavailable) {
			return err
		}
		if i < releaseRetries-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func (r *Runner) advanceWatermark(ctx context.Context, p *pass, scan *detector.Scan) {
	pos, ok := scan.Watermark()
	if !ok || r.deps.Watermarks == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := r.deps.Watermarks.AdvanceWatermark(wctx, detector.ContactWatermark, pos, r.now()); err != nil {
		p.log.Warn("failed to advance contact changelog watermark", map[string]interface{}{
			"position":  pos,
			"errorCode": string(errors.CodeOf(err)),
			"error":     err,
		})
		return
	}
	p.log.Debug("contact changelog watermark advanced", map[string]interface{}{"position": pos})
}

func (r *Runner) report(ctx context.Context, p *pass, s Summary) {
	if len(r.deps.Reporters) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	for _, rep := range r.deps.Reporters {
		if err := rep.Report(rctx, s, p.finalFailures); err != nil {
			p.log.Warn("failed to report pass", map[string]interface{}{"error": err})
		}
	}
}

func (r *Runner) record(ctx context.Context, span trace.Span, s Summary, err error) {
	result := s.result()
	duration := s.FinishedAt.Sub(s.StartedAt)
	metrics.PassesTotal.WithLabelValues(result).Inc()
	metrics.PassDuration.WithLabelValues(result).Observe(duration.Seconds())
	r.deps.Observability.RecordPass(ctx, duration, result)

	span.SetAttributes(
		attribute.Int("events.detected", s.EventsDetected),
		attribute.Int("events.sent", s.EventsSent),
		attribute.Int("events.failed", s.EventsFailed),
		attribute.Int("events.duplicate", s.EventsSkippedAsDuplicate),
		attribute.Bool("pass.aborted", s.Aborted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func eventFields(ev notification.Event, attempt int, extra map[string]interface{}) map[string]interface{} {
	f := map[string]interface{}{
		"eventId":         ev.ID,
		"eventType":       string(ev.Type),
		"subjectEntityId": ev.SubjectEntityID,
	}
	if attempt > 0 {
		f["attempt"] = attempt
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	for k, v := range b {
		a[k] = v
	}
	return a
}

func outcomeCode(o notification.Outcome) errors.ErrorCode {
	if o.Kind == notification.PermanentFailure {
		return errors.ErrCodePermanentFailure
	}
	return errors.ErrCodeTransientFailure
}
