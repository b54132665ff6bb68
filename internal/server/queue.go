package server

import (
	"context"
	"sync"
	"time"

	"github.com/bamsammich/grid/internal/proto"
)

// Session is an accepted connection waiting for, or receiving, service.
type Session struct {
	Accepted time.Time
	Conn     *proto.Conn
	ID       string
}

// sessionQueue is the FIFO of accepted sessions. Push never blocks; Pop
// waits for a session or for ctx to end.
type sessionQueue struct {
	notify chan struct{}
	items  []*Session
	mu     sync.Mutex
	closed bool
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{notify: make(chan struct{}, 1)}
}

// Push appends s. It reports false once the queue is closed.
func (q *sessionQueue) Push(s *Session) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest session, waiting until one arrives.
func (q *sessionQueue) Pop(ctx context.Context) (*Session, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			s := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return s, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of waiting sessions.
func (q *sessionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close refuses further pushes and returns the sessions still waiting.
func (q *sessionQueue) Close() []*Session {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
