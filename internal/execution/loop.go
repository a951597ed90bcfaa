// Package execution implements the Execution Loop: the per-call state
// machine that drives a Session's Worker to completion, enforcing a wall
// clock timeout and translating Worker Messages into client-facing
// OutputEvents in strict emission order. This is spec §4.6 — the
// cooperative multiplexer the rest of the server (Gateway, MCP tools)
// drives one submission through.
package execution

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/domain"
	"github.com/helloimcx/sandbox-mcp/internal/pool"
	"github.com/helloimcx/sandbox-mcp/internal/sandboxerr"
	"github.com/helloimcx/sandbox-mcp/internal/session"
)

// pollInterval is the 1s wait spec §4.6 step 4 polls the worker's
// message stream with.
const pollInterval = 1 * time.Second

// interruptDrainBudget bounds how long the loop waits, after sending an
// interrupt, for the worker to settle back to status(idle) before
// returning. Without this, the error+idle pair the worker emits in
// response to the interrupt would still be sitting in Iopub's buffer the
// next time this session executes, misattributed to that later call.
const interruptDrainBudget = 3 * time.Second

// Loop drives Sessions acquired from a pool.Manager through one
// submission at a time.
type Loop struct {
	pool           *pool.Manager
	defaultTimeout time.Duration
	logger         *log.Logger
}

// NewLoop constructs a Loop. defaultTimeout is used whenever a caller's
// Execute request omits its own timeout (spec §6's MAX_EXECUTION_TIME).
func NewLoop(p *pool.Manager, defaultTimeout time.Duration, logger *log.Logger) *Loop {
	return &Loop{pool: p, defaultTimeout: defaultTimeout, logger: logger}
}

// Execute acquires (or reuses) the session named by sessionID — spawning
// a fresh one with a generated id if sessionID is empty — marks it busy,
// and returns the resolved session id together with a channel of
// OutputEvents the caller must drain to exhaustion. The channel is
// always closed exactly once, when the loop terminates, regardless of
// outcome. A non-nil error means no execution was started at all (the
// channel is nil in that case): acquisition failure, capacity exhaustion,
// or the session already being busy with another execution (Open
// Question #4).
func (l *Loop) Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (resolvedID string, events <-chan domain.OutputEvent, err error) {
	s, _, _, aerr := l.pool.Acquire(ctx, sessionID, nil, nil, 0)
	if aerr != nil {
		return "", nil, aerr
	}
	if !s.TryBeginExecution() {
		return "", nil, sandboxerr.Newf(sandboxerr.BadRequest, "session %s is already busy with another execution", s.ID)
	}

	if timeout <= 0 {
		timeout = l.defaultTimeout
	}

	ch := make(chan domain.OutputEvent, 16)
	go l.run(ctx, s, code, timeout, ch)
	return s.ID, ch, nil
}

func (l *Loop) run(ctx context.Context, s *session.Session, code string, timeout time.Duration, ch chan<- domain.OutputEvent) {
	defer close(ch)
	defer func() {
		s.EndExecution()
		s.Touch()
	}()

	deadline := time.Now().Add(timeout)

	if err := s.Worker().Submit(code, false); err != nil {
		emit(ctx, ch, domain.ErrorEvent(err.Error(), nil))
		if relErr := l.pool.Release(s.ID); relErr != nil {
			l.logger.Printf("execution: release %s after submit failure: %v", s.ID, relErr)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnected or the caller cancelled the stream:
			// interrupt best-effort and let the epilogue run. The
			// session survives; it is not discarded or released.
			l.cancelOut(s)
			return

		case msg, ok := <-s.Worker().Iopub():
			if !ok {
				cause := s.Worker().LastError()
				emit(ctx, ch, domain.ErrorEvent(fmt.Sprintf("worker unavailable: %v", cause), nil))
				if discardErr := l.pool.Discard(s.ID); discardErr != nil {
					l.logger.Printf("execution: discard %s after worker failure: %v", s.ID, discardErr)
				}
				return
			}

			if ev := translate(msg); !ev.IsEmpty() {
				if !emit(ctx, ch, ev) {
					// The client vanished mid-send: the worker is still
					// running this cell with nobody draining its
					// output. Route through the same interrupt+drain
					// path as an explicit cancellation so the next
					// execution on this session never inherits a
					// straggling message from this one.
					l.cancelOut(s)
					return
				}
			}
			if isIdle(msg) {
				return
			}
			if time.Now().After(deadline) {
				l.timeoutOut(ctx, s, ch)
				return
			}

		case <-time.After(pollInterval):
			if time.Now().After(deadline) {
				l.timeoutOut(ctx, s, ch)
				return
			}
		}
	}
}

// cancelOut interrupts the worker and drains it back to idle in response
// to the client going away mid-execution (context cancellation or an
// abandoned, full output channel), mirroring timeoutOut's cleanup
// without yielding an event nobody is left to read.
func (l *Loop) cancelOut(s *session.Session) {
	if err := s.Worker().Interrupt(); err != nil {
		l.logger.Printf("execution: interrupt %s after cancellation: %v", s.ID, err)
	}
	l.drainUntilIdle(s)
}

// timeoutOut implements the timeout branch of spec §4.6 step 4: signal
// interrupt, yield the Execution timeout error, and drain the worker's
// resulting error+idle pair so it doesn't bleed into the session's next
// execution.
func (l *Loop) timeoutOut(ctx context.Context, s *session.Session, ch chan<- domain.OutputEvent) {
	if err := s.Worker().Interrupt(); err != nil {
		l.logger.Printf("execution: interrupt %s after timeout: %v", s.ID, err)
	}
	emit(ctx, ch, domain.ErrorEvent("Execution timeout", nil))
	l.drainUntilIdle(s)
}

func (l *Loop) drainUntilIdle(s *session.Session) {
	deadline := time.After(interruptDrainBudget)
	for {
		select {
		case msg, ok := <-s.Worker().Iopub():
			if !ok {
				return
			}
			if isIdle(msg) {
				return
			}
		case <-deadline:
			return
		}
	}
}

func isIdle(msg domain.WorkerMessage) bool {
	return msg.Kind == domain.KindStatus && msg.Status != nil && msg.Status.State == "idle"
}

// emit sends ev on ch, respecting ctx cancellation so a vanished client
// never leaves this goroutine blocked forever on a full, undrained
// channel. Returns false if the send was abandoned because ctx is done.
func emit(ctx context.Context, ch chan<- domain.OutputEvent, ev domain.OutputEvent) bool {
	if ev.IsEmpty() {
		return true
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// translate implements spec §4.6.1's message -> event table. status and
// execute_input are suppressed (their state is used internally only) by
// returning the zero OutputEvent, which IsEmpty reports as nothing to
// yield.
func translate(msg domain.WorkerMessage) domain.OutputEvent {
	switch msg.Kind {
	case domain.KindStream:
		if msg.Stream != nil {
			return domain.TextEvent(msg.Stream.Text)
		}
	case domain.KindDisplayData, domain.KindExecuteResult:
		if msg.Data != nil {
			if msg.Data.ImagePNG != "" {
				return domain.ImageEvent(msg.Data.ImagePNG)
			}
			if msg.Data.TextPlain != "" {
				return domain.TextEvent(msg.Data.TextPlain)
			}
		}
	case domain.KindError:
		if msg.Error != nil {
			text := msg.Error.EValue
			if len(msg.Error.Traceback) > 0 {
				text = strings.Join(msg.Error.Traceback, "\n")
			}
			return domain.ErrorEvent(text, msg.Error.Traceback)
		}
	}
	return domain.OutputEvent{}
}

// Aggregate drains events to exhaustion and folds them into the single
// JSON envelope spec §4.7's /execute_sync route returns.
func Aggregate(events <-chan domain.OutputEvent) domain.AggregatedResult {
	out := domain.AggregatedResult{
		Texts:  []string{},
		Images: []string{},
		Errors: []domain.AggregatedError{},
	}
	for ev := range events {
		switch {
		case ev.Error != "" || ev.Traceback != nil:
			out.Errors = append(out.Errors, domain.AggregatedError{Error: ev.Error, Traceback: ev.Traceback})
		case ev.Image != "":
			out.Images = append(out.Images, ev.Image)
		case ev.Text != "":
			out.Texts = append(out.Texts, ev.Text)
		}
	}
	return out
}
