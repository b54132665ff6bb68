package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/proto"
)

// accept takes connections until ctx is cancelled. Each connection gets a
// session id, a WelcomeWait, its own reader goroutine, and a place in the
// queue.
func (c *Coordinator) accept(ctx context.Context) {
	for {
		nc, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "error", err)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}
		c.admit(nc)
	}
}

func (c *Coordinator) admit(nc net.Conn) {
	s := &Session{
		ID:       uuid.NewString(),
		Conn:     proto.NewConn(nc, c.cfg.InboxDepth, c.cfg.MessageTimeout),
		Accepted: c.now(),
	}
	log := slog.With("session", s.ID, "remote", nc.RemoteAddr().String())

	c.conns.Go(func() {
		if err := s.Conn.Run(); err != nil {
			log.Debug("connection reader stopped", "error", err)
		}
	})

	if err := s.Conn.SendMsg(&proto.WelcomeWait{}); err != nil {
		log.Debug("welcome failed", "error", err)
		s.Conn.Close() //nolint:errcheck // peer already gone
		return
	}
	if !c.queue.Push(s) {
		s.Conn.Close() //nolint:errcheck // shutting down
		return
	}

	log.Debug("session queued", "waiting", c.queue.Len())
	event.Emit(c.cfg.Events, event.Event{Type: event.SessionStarted, Session: s.ID})
}
