package proto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// DefaultInboxDepth is the number of undelivered frames a Conn buffers
// before its reader stops pulling from the socket.
const DefaultInboxDepth = 64

var (
	// ErrExpired is returned when a bounded wait for a message times out.
	ErrExpired = errors.New("timed out waiting for message")

	// ErrConnClosed is returned once the peer or the local side has closed
	// the connection and no queued frames remain.
	ErrConnClosed = errors.New("connection closed")

	// ErrUnexpectedMessage is returned when a message arrives that the
	// current protocol state does not allow.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Conn is one protocol connection. A single reader goroutine (Run) pulls
// frames off the socket into a bounded inbox; Recv takes them out with a
// deadline. Writes are serialized by a mutex and flushed per message,
// since the protocol is strictly request/response.
type Conn struct {
	conn    net.Conn
	bw      *bufio.Writer
	err     error
	inbox   chan Frame
	done    chan struct{}
	timeout time.Duration
	wmu     sync.Mutex
	once    sync.Once
}

// NewConn wraps c. depth bounds the inbox; timeout bounds every Recv
// (zero waits until the context ends). Call Run to start reading.
func NewConn(c net.Conn, depth int, timeout time.Duration) *Conn {
	//nolint:errcheck // best-effort; non-TCP connections may not support this
	if tc, ok := c.(interface{ SetNoDelay(bool) error }); ok {
		tc.SetNoDelay(true)
	}
	if depth <= 0 {
		depth = DefaultInboxDepth
	}
	return &Conn{
		conn:    c,
		bw:      bufio.NewWriterSize(c, 64*1024),
		inbox:   make(chan Frame, depth),
		done:    make(chan struct{}),
		timeout: timeout,
	}
}

// Run reads frames into the inbox until the connection fails or is
// closed. The inbox is closed when Run returns, so queued frames can
// still be received afterwards.
func (c *Conn) Run() error {
	defer close(c.inbox)
	for {
		f, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		select {
		case c.inbox <- f:
		case <-c.done:
			return nil
		}
	}
}

// SendMsg encodes m and writes it to the peer.
func (c *Conn) SendMsg(m Message) error {
	f, err := Encode(m)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Send writes one frame and flushes it.
func (c *Conn) Send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if err := WriteFrame(c.bw, f); err != nil {
		return err
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Recv returns the next message, waiting at most the Conn's timeout.
// It returns ErrExpired on timeout, ErrConnClosed once the inbox is
// drained after the peer went away, and ErrUnknownMessage for frames
// outside the protocol.
//
//nolint:ireturn // closed message set
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	var timer <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTimer(c.timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case f, ok := <-c.inbox:
		if !ok {
			return nil, ErrConnClosed
		}
		return Decode(f)
	case <-timer:
		return nil, ErrExpired
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Expect receives the next message and checks it is of type T.
func Expect[T Message](ctx context.Context, c Receiver) (T, error) {
	var zero T
	m, err := c.Recv(ctx)
	if err != nil {
		return zero, err
	}
	if fail, ok := m.(*FailedTransfer); ok {
		if _, want := any(zero).(*FailedTransfer); !want {
			return zero, &RemoteError{Reason: fail.Reason, Message: fail.Message}
		}
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, zero.Type(), m.Type())
	}
	return t, nil
}

// Drain discards every queued frame and returns how many were dropped.
func (c *Conn) Drain() int {
	var n int
	for {
		select {
		case _, ok := <-c.inbox:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	return nil
}

// Err returns the error that ended the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Done returns a channel that is closed when the connection has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) shutdown(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

// RemoteError is a FailedTransfer received from the peer.
type RemoteError struct {
	Message string
	Reason  Reason
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer reported failure: %s", e.Reason)
	}
	return fmt.Sprintf("peer reported failure: %s: %s", e.Reason, e.Message)
}
