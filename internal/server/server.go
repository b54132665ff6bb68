package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/proto"
)

var (
	// ErrCrashThreshold stops the session loop after too many
	// consecutive crashed sessions.
	ErrCrashThreshold = errors.New("too many consecutive session crashes")

	// ErrProtocol marks a peer that broke the message sequence.
	ErrProtocol = errors.New("protocol violation")

	errDisconnected = errors.New("peer disconnected")
)

// refusal ends a session with a FailedTransfer carrying reason. It is an
// expected outcome, not a crash.
type refusal struct {
	err    error
	reason proto.Reason
}

func (r *refusal) Error() string {
	if r.err == nil {
		return r.reason.String()
	}
	return fmt.Sprintf("%s: %v", r.reason, r.err)
}

func (r *refusal) Unwrap() error { return r.err }

func refuse(reason proto.Reason, err error) error {
	return &refusal{reason: reason, err: err}
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeExpired
	outcomeDisconnected
	outcomeViolation
	outcomeRefused
	outcomeCrash
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeExpired:
		return "expired"
	case outcomeDisconnected:
		return "disconnected"
	case outcomeViolation:
		return "protocol violation"
	case outcomeRefused:
		return "refused"
	default:
		return "crash"
	}
}

func classify(err error) outcome {
	var (
		ref    *refusal
		remote *proto.RemoteError
	)
	switch {
	case err == nil:
		return outcomeOK
	case errors.As(err, &ref):
		return outcomeRefused
	case errors.Is(err, proto.ErrExpired):
		return outcomeExpired
	case errors.Is(err, errDisconnected), errors.Is(err, proto.ErrConnClosed),
		errors.Is(err, io.EOF), errors.Is(err, context.Canceled),
		errors.As(err, &remote):
		return outcomeDisconnected
	case errors.Is(err, ErrProtocol), errors.Is(err, proto.ErrUnexpectedMessage),
		errors.Is(err, proto.ErrUnknownMessage), errors.Is(err, proto.ErrMalformedMessage),
		errors.Is(err, proto.ErrBadSegment):
		return outcomeViolation
	default:
		return outcomeCrash
	}
}

// serveSessions is the single-flight session loop.
func (c *Coordinator) serveSessions(ctx context.Context) error {
	for {
		s, err := c.queue.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := c.runSession(ctx, s); err != nil {
			return err
		}
	}
}

// runSession serves s and accounts for the outcome. It returns an error
// only when the crash threshold is exceeded.
func (c *Coordinator) runSession(ctx context.Context, s *Session) error {
	log := slog.With("session", s.ID, "remote", s.Conn.RemoteAddr().String())

	// The in-flight session outlives shutdown; its waits are bounded by
	// the message timeout.
	h := newSessionHandler(c, s, log)
	err := h.safeServe(context.WithoutCancel(ctx))
	o := classify(err)
	h.finish(o, err)

	ev := event.Event{Session: s.ID, Worker: h.worker.String(), Error: err}
	switch o {
	case outcomeOK:
		c.stats.AddSessionsServed(1)
		c.stats.ResetCrashes()
		ev.Type = event.SessionCompleted
		log.Debug("session completed", "worker", h.worker)
	case outcomeExpired:
		c.stats.AddSessionsExpired(1)
		ev.Type = event.SessionExpired
		log.Info("session expired", "worker", h.worker, "discarded", h.discarded)
	case outcomeCrash:
		c.stats.AddSessionsFailed(1)
		ev.Type = event.SessionFailed
		n := c.stats.RecordCrash()
		log.Error("session crashed", "worker", h.worker, "error", err, "consecutive", n)
		c.emit(ev)
		if n > int64(c.cfg.CrashThreshold) {
			return fmt.Errorf("%w: %d in a row, last: %w", ErrCrashThreshold, n, err)
		}
		return nil
	case outcomeDisconnected:
		c.stats.AddSessionsFailed(1)
		ev.Type = event.SessionFailed
		log.Info("peer disconnected", "worker", h.worker, "error", err)
	default:
		c.stats.AddSessionsFailed(1)
		ev.Type = event.SessionFailed
		log.Warn("session failed", "worker", h.worker, "outcome", o, "error", err)
	}
	c.emit(ev)
	return nil
}

// safeServe runs the session, turning a panic into an error.
func (h *sessionHandler) safeServe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("session panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("session panic: %v", r)
		}
	}()

	h.c.opMu.Lock()
	defer h.c.opMu.Unlock()
	return h.serve(ctx)
}
