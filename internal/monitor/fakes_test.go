package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"notification-monitor/internal/detector"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/notification"
)

type fakeStudies struct {
	mu      sync.Mutex
	studies []detector.Study
	err     error
}

func (f *fakeStudies) DueStudies(_ context.Context, from, to time.Time) ([]detector.Study, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []detector.Study
	for _, st := range f.studies {
		if st.DueAt.After(from) && !st.DueAt.After(to) {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakeChanges struct {
	mu      sync.Mutex
	changes []detector.ContactChange
}

func (f *fakeChanges) ContactChanges(_ context.Context, after int64, limit int) ([]detector.ContactChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []detector.ContactChange
	for _, ch := range f.changes {
		if ch.ID > after && len(out) < limit {
			out = append(out, ch)
		}
	}
	return out, nil
}

type fakeRecipients map[string][]notification.Recipient

func (f fakeRecipients) Recipients(_ context.Context, orgIDs []string) (map[string][]notification.Recipient, error) {
	out := make(map[string][]notification.Recipient, len(orgIDs))
	for _, id := range orgIDs {
		out[id] = f[id]
	}
	return out, nil
}

// fakeSender returns scripted outcomes per recipient email, then Sent.
type fakeSender struct {
	mu       sync.Mutex
	outcomes map[string][]notification.Outcome
	sent     []notification.RenderedMessage
	calls    int
	// block, when set, runs inside Send before the outcome is chosen.
	block func(ctx context.Context) notification.Outcome
}

func newFakeSender() *fakeSender {
	return &fakeSender{outcomes: make(map[string][]notification.Outcome)}
}

func (f *fakeSender) script(email string, outcomes ...notification.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[strings.ToLower(email)] = append(f.outcomes[strings.ToLower(email)], outcomes...)
}

func (f *fakeSender) Send(ctx context.Context, msg notification.RenderedMessage) notification.Outcome {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		if out := block(ctx); out.Kind != notification.Sent {
			return out
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(msg.Recipient.Email)
	out := notification.Outcome{Kind: notification.Sent}
	if queue := f.outcomes[key]; len(queue) > 0 {
		out, f.outcomes[key] = queue[0], queue[1:]
	}
	if out.Kind == notification.Sent {
		f.sent = append(f.sent, msg)
	}
	return out
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) Sent() []notification.RenderedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification.RenderedMessage(nil), f.sent...)
}

type fakeReporter struct {
	mu        sync.Mutex
	summaries []Summary
	final     []ledger.Entry
	err       error
}

func (f *fakeReporter) Report(_ context.Context, s Summary, final []ledger.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	f.final = append(f.final, final...)
	return f.err
}

type rendererFunc func(ev notification.Event) (notification.RenderedMessage, error)

func (f rendererFunc) Render(ev notification.Event) (notification.RenderedMessage, error) {
	return f(ev)
}

// clock is a settable time source shared by the runner and the gate.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
