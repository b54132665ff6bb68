// Package worker is the client side of the coordinator protocol: it
// requests batches, returns results and keeps a local queue that mirrors
// the coordinator's view of what this worker holds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/proto"
)

var (
	// ErrNoAvailableBatches is returned when the coordinator has no ready
	// batches.
	ErrNoAvailableBatches = errors.New("no batches available")

	// ErrLimitReached is returned when this worker already holds its
	// maximum number of batches.
	ErrLimitReached = errors.New("batch limit reached")

	// ErrCorruptTransfer is returned when a received blob does not match
	// its announced size or digest.
	ErrCorruptTransfer = errors.New("corrupt transfer")
)

// ReturnStatus is the outcome of ReturnBatches.
type ReturnStatus int

const (
	ReturnUnspecified ReturnStatus = iota
	ReturnSuccess
	ReturnBatchNotAssigned
	ReturnInvalidWorkerID
	ReturnCouldNotDetermineBatchNumber
)

func (s ReturnStatus) String() string {
	switch s {
	case ReturnSuccess:
		return "Success"
	case ReturnBatchNotAssigned:
		return "BatchNotAssigned"
	case ReturnInvalidWorkerID:
		return "InvalidWorkerID"
	case ReturnCouldNotDetermineBatchNumber:
		return "CouldNotDetermineBatchNumber"
	default:
		return "Unspecified"
	}
}

// ReturnResult reports what the coordinator did with each returned batch.
type ReturnResult struct {
	Accepted []uint32
	Rejected []uint32
	Lost     []uint32
	Status   ReturnStatus
}

// ResyncStatus is the outcome of ResyncAllAssignments.
type ResyncStatus int

const (
	ResyncUnspecified ResyncStatus = iota
	ResyncSuccess
	ResyncNoBatchesAssigned
	ResyncInvalidWorkerID
)

func (s ResyncStatus) String() string {
	switch s {
	case ResyncSuccess:
		return "Success"
	case ResyncNoBatchesAssigned:
		return "NoBatchesAssigned"
	case ResyncInvalidWorkerID:
		return "InvalidWorkerID"
	default:
		return "Unspecified"
	}
}

// ResyncResult lists the batches the coordinator says this worker holds.
type ResyncResult struct {
	Batches []uint32
	Status  ResyncStatus
}

// Options configures a Client.
type Options struct {
	Archiver archive.Archiver
	Server   string
	Dir      string
	// MessageTimeout bounds each wait once the session is being served.
	MessageTimeout time.Duration
	// QueueTimeout bounds the wait for the coordinator to start serving.
	QueueTimeout time.Duration
	BWLimit      int64
	BlockSize    int
	MaxTransfer  int64
}

// Client talks to one coordinator on behalf of the worker whose state
// lives in Options.Dir.
type Client struct {
	queue   *Queue
	limiter *rate.Limiter
	opts    Options
}

// New prepares the worker directory.
func New(opts Options) (*Client, error) {
	if opts.Archiver == nil {
		return nil, errors.New("worker client needs an archiver")
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 30 * time.Second
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 10 * time.Minute
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = proto.DefaultBlockSize
	}
	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = archive.DefaultMaxUnpacked
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	return &Client{
		queue:   NewQueue(opts.Dir),
		limiter: proto.NewBWLimiter(opts.BWLimit, opts.BlockSize),
		opts:    opts,
	}, nil
}

// ID returns the locally stored worker id.
func (c *Client) ID() grid.WorkerID {
	return LoadID(c.opts.Dir)
}

// Queue returns the local batch queue.
func (c *Client) Queue() *Queue {
	return c.queue
}

// IsReachable reports whether the coordinator accepts connections and
// greets them.
func (c *Client) IsReachable(ctx context.Context) bool {
	conn, err := c.connect(ctx)
	if err != nil {
		return false
	}
	conn.Close() //nolint:errcheck // probe only
	return true
}

// RequestBatches asks for up to n batches and stores them in the local
// queue before acknowledging.
func (c *Client) RequestBatches(ctx context.Context, n int) ([]uint32, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer s.close(ctx)

	//nolint:gosec // G115: request counts are small
	if err := s.conn.SendMsg(&proto.ClientRequest{Kind: proto.RequestNewBatch, Count: int32(n)}); err != nil {
		return nil, err
	}

	m, err := s.Recv(ctx)
	if err != nil {
		return nil, err
	}
	switch m := m.(type) {
	case *proto.BatchNotAvailable:
		return nil, notAvailableError(m.Reason)
	case *proto.BatchSend:
		if err := c.receiveBatches(ctx, s, m, false); err != nil {
			return nil, err
		}
		return m.Batches, nil
	default:
		return nil, unexpected(m)
	}
}

// ReturnBatches uploads the result directories at paths. Each directory
// must be named by its batch number. Accepted batches are removed from
// the local queue.
//
//nolint:revive // cyclomatic: one case per coordinator reply
func (c *Client) ReturnBatches(ctx context.Context, paths []string) (ReturnResult, error) {
	entries := make([]archive.Entry, len(paths))
	for i, p := range paths {
		entries[i] = archive.Entry{Name: filepath.Base(p), Path: p}
	}
	blob, err := c.opts.Archiver.Pack(ctx, entries)
	if err != nil {
		return ReturnResult{}, fmt.Errorf("pack results: %w", err)
	}

	s, err := c.open(ctx)
	if err != nil {
		return ReturnResult{}, err
	}
	defer s.close(ctx)

	//nolint:gosec // G115: path counts are small
	if err := s.conn.SendMsg(&proto.ClientRequest{Kind: proto.RequestReturnBatch, Count: int32(len(paths))}); err != nil {
		return ReturnResult{}, err
	}

	m, err := s.Recv(ctx)
	if err != nil {
		return ReturnResult{}, err
	}
	switch m := m.(type) {
	case *proto.BatchReturnListening:
	case *proto.FailedTransfer:
		return ReturnResult{Status: returnStatus(m.Reason)}, nil
	default:
		return ReturnResult{}, unexpected(m)
	}

	//nolint:gosec // G115: bounded by MaxFrameSize-sized blocks
	hdr := &proto.ClientBatchSend{
		Count:  int32(len(paths)),
		Size:   int64(len(blob)),
		Digest: archive.Digest(blob),
		Blocks: int32(proto.BlockCount(len(blob), c.opts.BlockSize)),
	}
	if err := s.conn.SendMsg(hdr); err != nil {
		return ReturnResult{}, err
	}
	if err := proto.SendSegments(ctx, s.conn, blob, c.opts.BlockSize, c.limiter); err != nil {
		return ReturnResult{}, err
	}

	m, err = s.Recv(ctx)
	if err != nil {
		return ReturnResult{}, err
	}
	switch m := m.(type) {
	case *proto.ServerBatchReceived:
		for _, n := range m.Accepted {
			if err := c.queue.Remove(n); err != nil {
				slog.Warn("drop returned batch from queue", "batch", n, "error", err)
			}
		}
		return ReturnResult{
			Status:   ReturnSuccess,
			Accepted: m.Accepted,
			Rejected: m.Rejected,
			Lost:     m.Lost,
		}, nil
	case *proto.FailedTransfer:
		return ReturnResult{Status: returnStatus(m.Reason)}, nil
	default:
		return ReturnResult{}, unexpected(m)
	}
}

// ResyncAllAssignments replaces the local queue with the batches the
// coordinator says this worker holds.
func (c *Client) ResyncAllAssignments(ctx context.Context) (ResyncResult, error) {
	s, err := c.open(ctx)
	if err != nil {
		return ResyncResult{}, err
	}
	defer s.close(ctx)

	if err := s.conn.SendMsg(&proto.ClientRequest{Kind: proto.RequestResyncBatches}); err != nil {
		return ResyncResult{}, err
	}

	m, err := s.Recv(ctx)
	if err != nil {
		return ResyncResult{}, err
	}
	switch m := m.(type) {
	case *proto.BatchNotAvailable:
		if m.Reason != proto.ReasonNoBatchesAssigned {
			return ResyncResult{}, notAvailableError(m.Reason)
		}
		if err := c.queue.Clear(); err != nil {
			return ResyncResult{}, err
		}
		return ResyncResult{Status: ResyncNoBatchesAssigned}, nil
	case *proto.FailedTransfer:
		if m.Reason == proto.ReasonInvalidWorkerID {
			return ResyncResult{Status: ResyncInvalidWorkerID}, nil
		}
		return ResyncResult{Status: ResyncUnspecified}, &proto.RemoteError{Reason: m.Reason, Message: m.Message}
	case *proto.BatchSend:
		if err := c.receiveBatches(ctx, s, m, true); err != nil {
			return ResyncResult{}, err
		}
		return ResyncResult{Status: ResyncSuccess, Batches: m.Batches}, nil
	default:
		return ResyncResult{}, unexpected(m)
	}
}

// receiveBatches collects the blob announced by hdr, stores it in the
// local queue and acknowledges it.
func (c *Client) receiveBatches(ctx context.Context, s *clientSession, hdr *proto.BatchSend, replace bool) error {
	if hdr.Size < 0 || hdr.Size > c.opts.MaxTransfer {
		return fmt.Errorf("%w: announced %d bytes", ErrCorruptTransfer, hdr.Size)
	}
	blob, err := proto.ReceiveSegments(ctx, s, c.opts.MaxTransfer, c.limiter)
	if err != nil {
		return fmt.Errorf("receive batches: %w", err)
	}
	if int64(len(blob)) != hdr.Size || archive.Digest(blob) != hdr.Digest {
		s.fail(proto.ReasonCorruptPayload, "digest mismatch")
		return fmt.Errorf("%w: batches %v", ErrCorruptTransfer, hdr.Batches)
	}
	if err := c.queue.Store(ctx, c.opts.Archiver, blob, hdr.Batches, replace); err != nil {
		s.fail(proto.ReasonArchiveFailed, err.Error())
		return fmt.Errorf("store batches: %w", err)
	}
	return s.conn.SendMsg(&proto.BatchReceived{})
}

// clientSession is one connection that has been identified.
type clientSession struct {
	conn    *proto.Conn
	timeout time.Duration
}

func (c *Client) connect(ctx context.Context) (*proto.Conn, error) {
	d := net.Dialer{Timeout: c.opts.MessageTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.Server, err)
	}
	conn := proto.NewConn(nc, 0, 0)
	go conn.Run() //nolint:errcheck // errors surface through Recv

	wctx, cancel := context.WithTimeout(ctx, c.opts.MessageTimeout)
	defer cancel()
	if _, err := proto.Expect[*proto.WelcomeWait](wctx, conn); err != nil {
		conn.Close() //nolint:errcheck // handshake failed
		return nil, fmt.Errorf("await welcome: %w", err)
	}
	return conn, nil
}

// open connects, waits in the coordinator's queue and identifies. When
// the coordinator issues a different id than the one stored locally, the
// local queue no longer matches its tables and is discarded.
func (c *Client) open(ctx context.Context) (*clientSession, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	s := &clientSession{conn: conn, timeout: c.opts.MessageTimeout}

	qctx, cancel := context.WithTimeout(ctx, c.opts.QueueTimeout)
	defer cancel()
	if _, err := proto.Expect[*proto.RequestWorkerID](qctx, conn); err != nil {
		conn.Close() //nolint:errcheck // giving up
		return nil, fmt.Errorf("await service: %w", err)
	}

	local := LoadID(c.opts.Dir)
	if err := conn.SendMsg(&proto.WorkerID{ID: local.String()}); err != nil {
		conn.Close() //nolint:errcheck // giving up
		return nil, err
	}
	m, err := s.Recv(ctx)
	if err != nil {
		conn.Close() //nolint:errcheck // giving up
		return nil, err
	}
	st, ok := m.(*proto.StateRequest)
	if !ok {
		conn.Close() //nolint:errcheck // giving up
		return nil, unexpected(m)
	}

	resolved, err := grid.ParseWorkerID(st.ID)
	if err != nil || resolved.IsBlank() {
		conn.Close() //nolint:errcheck // giving up
		return nil, fmt.Errorf("coordinator issued id %q: %w", st.ID, grid.ErrInvalidID)
	}
	if resolved != local {
		if n := c.queue.Len(); n > 0 {
			slog.Warn("coordinator issued a new worker id, discarding local queue",
				"old", local, "new", resolved, "queued", n)
			if err := c.queue.Clear(); err != nil {
				conn.Close() //nolint:errcheck // giving up
				return nil, err
			}
		}
		if err := SaveID(c.opts.Dir, resolved); err != nil {
			conn.Close() //nolint:errcheck // giving up
			return nil, err
		}
	}
	return s, nil
}

// Recv implements proto.Receiver, bounding each wait by the message
// timeout. A FailedTransfer is returned as a message, not an error.
//
//nolint:ireturn // closed message set
func (s *clientSession) Recv(ctx context.Context) (proto.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	m, err := s.conn.Recv(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, proto.ErrExpired
	}
	return m, err
}

func (s *clientSession) fail(reason proto.Reason, msg string) {
	s.conn.SendMsg(&proto.FailedTransfer{Reason: reason, Message: msg}) //nolint:errcheck // best effort
}

// close waits briefly for the coordinator's CloseConnection and drops the
// connection.
func (s *clientSession) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for {
		m, err := s.conn.Recv(ctx)
		if err != nil {
			break
		}
		if _, ok := m.(*proto.CloseConnection); ok {
			break
		}
	}
	s.conn.Close() //nolint:errcheck // session over
}

func notAvailableError(r proto.Reason) error {
	switch r {
	case proto.ReasonNoAvailableBatches:
		return ErrNoAvailableBatches
	case proto.ReasonBatchLimitReached:
		return ErrLimitReached
	default:
		return &proto.RemoteError{Reason: r}
	}
}

func returnStatus(r proto.Reason) ReturnStatus {
	switch r {
	case proto.ReasonBatchNotAssigned:
		return ReturnBatchNotAssigned
	case proto.ReasonInvalidWorkerID:
		return ReturnInvalidWorkerID
	case proto.ReasonCouldNotDetermineBatchNumber:
		return ReturnCouldNotDetermineBatchNumber
	default:
		return ReturnUnspecified
	}
}

func unexpected(m proto.Message) error {
	if f, ok := m.(*proto.FailedTransfer); ok {
		return &proto.RemoteError{Reason: f.Reason, Message: f.Message}
	}
	return fmt.Errorf("%w: %s", proto.ErrUnexpectedMessage, m.Type())
}
