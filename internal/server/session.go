package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bamsammich/grid/internal/archive"
	"github.com/bamsammich/grid/internal/event"
	"github.com/bamsammich/grid/internal/grid"
	"github.com/bamsammich/grid/internal/proto"
	"github.com/bamsammich/grid/internal/spool"
	"github.com/bamsammich/grid/internal/store"
)

// sessionHandler walks one session through the protocol:
// identify, read the request, serve it, close.
type sessionHandler struct {
	c         *Coordinator
	s         *Session
	log       *slog.Logger
	discarded int
	worker    grid.WorkerID
	fresh     bool
}

func newSessionHandler(c *Coordinator, s *Session, log *slog.Logger) *sessionHandler {
	return &sessionHandler{c: c, s: s, log: log, worker: grid.BlankID}
}

// SendMsg implements proto.Sender. Write failures mean the peer is gone.
func (h *sessionHandler) SendMsg(m proto.Message) error {
	if err := h.s.Conn.SendMsg(m); err != nil {
		return fmt.Errorf("%w: send %s: %w", errDisconnected, m.Type(), err)
	}
	return nil
}

func (h *sessionHandler) serve(ctx context.Context) error {
	select {
	case <-h.s.Conn.Done():
		return fmt.Errorf("%w while queued", errDisconnected)
	default:
	}

	if err := h.identify(ctx); err != nil {
		return err
	}

	req, err := proto.Expect[*proto.ClientRequest](ctx, h.s.Conn)
	if err != nil {
		return fmt.Errorf("await request: %w", err)
	}
	h.log.Debug("request", "worker", h.worker, "kind", req.Kind, "count", req.Count)

	switch req.Kind {
	case proto.RequestNewBatch:
		return h.serveNewBatch(ctx, int(req.Count))
	case proto.RequestReturnBatch:
		return h.serveReturn(ctx)
	case proto.RequestResyncBatches:
		return h.serveResync(ctx)
	default:
		return fmt.Errorf("%w: unknown request kind %d", ErrProtocol, req.Kind)
	}
}

// identify resolves the client's claimed id, registering a fresh one for
// blank, malformed or unknown claims, and announces it.
func (h *sessionHandler) identify(ctx context.Context) error {
	if err := h.SendMsg(&proto.RequestWorkerID{}); err != nil {
		return err
	}
	m, err := proto.Expect[*proto.WorkerID](ctx, h.s.Conn)
	if err != nil {
		return fmt.Errorf("await worker id: %w", err)
	}

	claimed, err := grid.ParseWorkerID(m.ID)
	if err != nil {
		h.log.Warn("malformed worker id", "claimed", m.ID)
		claimed = grid.BlankID
	}

	id, fresh, err := h.c.cfg.Store.ResolveWorker(claimed, h.c.now())
	if err != nil {
		return fmt.Errorf("resolve worker: %w", err)
	}
	h.worker, h.fresh = id, fresh
	h.log = h.log.With("worker", id.String())

	if fresh {
		h.c.stats.AddWorkersRegistered(1)
		h.c.emit(event.Event{Type: event.WorkerRegistered, Session: h.s.ID, Worker: id.String()})
		h.log.Info("worker registered", "claimed", m.ID)
	}
	return h.SendMsg(&proto.StateRequest{ID: id.String()})
}

func (h *sessionHandler) serveNewBatch(ctx context.Context, requested int) error {
	requested = max(requested, 1)
	capacity := h.c.cfg.MaxBatchesPerWorker - h.c.cfg.Store.AssignedCount(h.worker)
	if capacity <= 0 {
		h.log.Info("batch limit reached", "limit", h.c.cfg.MaxBatchesPerWorker)
		return h.SendMsg(&proto.BatchNotAvailable{Reason: proto.ReasonBatchLimitReached})
	}

	batches := h.c.cfg.Store.SelectReady(min(requested, capacity))
	if len(batches) == 0 {
		h.log.Info("no batches available")
		return h.SendMsg(&proto.BatchNotAvailable{Reason: proto.ReasonNoAvailableBatches})
	}

	if err := h.sendBatches(ctx, spool.Pending, batches); err != nil {
		return err
	}

	// The worker holds the batches now; only at this point does the
	// table change.
	if err := h.c.cfg.Store.CommitSent(h.worker, batches, h.c.now()); err != nil {
		return fmt.Errorf("commit sent: %w", err)
	}
	for _, n := range batches {
		if err := h.c.move(n, spool.Pending, spool.Sent); err != nil {
			return fmt.Errorf("move batch %d to sent: %w", n, err)
		}
	}

	h.c.stats.AddBatchesSent(int64(len(batches)))
	h.c.emit(event.Event{Type: event.BatchesSent, Session: h.s.ID, Worker: h.worker.String(), Batches: batches})
	h.log.Info("batches sent", "batches", batches)
	return nil
}

func (h *sessionHandler) serveResync(ctx context.Context) error {
	if h.fresh {
		return refuse(proto.ReasonInvalidWorkerID, errors.New("resync from unregistered worker"))
	}

	batches := h.c.cfg.Store.AssignedTo(h.worker)
	if len(batches) == 0 {
		return h.SendMsg(&proto.BatchNotAvailable{Reason: proto.ReasonNoBatchesAssigned})
	}

	if err := h.sendBatches(ctx, spool.Sent, batches); err != nil {
		return err
	}
	if err := h.c.cfg.Store.RenewSent(h.worker, batches, h.c.now()); err != nil {
		return fmt.Errorf("renew sent: %w", err)
	}

	h.log.Info("batches resynced", "batches", batches)
	return nil
}

// sendBatches packs the batches found in area, streams them and waits
// for the worker's acknowledgement.
//
//nolint:gosec // G115: counts bounded by max_batches_per_worker and MaxFrameSize
func (h *sessionHandler) sendBatches(ctx context.Context, area spool.Area, batches []uint32) error {
	blob, err := h.c.cfg.Archiver.Pack(ctx, h.c.cfg.Spool.Entries(area, batches))
	if err != nil {
		return refuse(proto.ReasonArchiveFailed, fmt.Errorf("pack batches %v: %w", batches, err))
	}

	hdr := &proto.BatchSend{
		Count:   int32(len(batches)),
		Batches: batches,
		Size:    int64(len(blob)),
		Digest:  archive.Digest(blob),
		Blocks:  int32(proto.BlockCount(len(blob), h.c.cfg.BlockSize)),
	}
	if err := h.SendMsg(hdr); err != nil {
		return err
	}
	if err := proto.SendSegments(ctx, h, blob, h.c.cfg.BlockSize, h.c.limiter); err != nil {
		return err
	}
	h.c.stats.AddBytesSent(int64(len(blob)))

	if _, err := proto.Expect[*proto.BatchReceived](ctx, h.s.Conn); err != nil {
		return fmt.Errorf("await batch receipt: %w", err)
	}
	return nil
}

//nolint:revive,funlen // cognitive-complexity: linear return pipeline with per-batch isolation
func (h *sessionHandler) serveReturn(ctx context.Context) error {
	if h.fresh {
		return refuse(proto.ReasonInvalidWorkerID, errors.New("return from unregistered worker"))
	}
	if err := h.SendMsg(&proto.BatchReturnListening{}); err != nil {
		return err
	}

	hdr, err := proto.Expect[*proto.ClientBatchSend](ctx, h.s.Conn)
	if err != nil {
		return fmt.Errorf("await return header: %w", err)
	}
	if hdr.Size < 0 || hdr.Size > h.c.cfg.MaxTransfer {
		return fmt.Errorf("%w: return of %d bytes", ErrProtocol, hdr.Size)
	}

	blob, err := proto.ReceiveSegments(ctx, h.s.Conn, h.c.cfg.MaxTransfer, h.c.limiter)
	if err != nil {
		return fmt.Errorf("receive return: %w", err)
	}
	h.c.stats.AddBytesReceived(int64(len(blob)))
	if int64(len(blob)) != hdr.Size || archive.Digest(blob) != hdr.Digest {
		return refuse(proto.ReasonCorruptPayload,
			fmt.Errorf("got %d bytes, header said %d", len(blob), hdr.Size))
	}

	sp := h.c.cfg.Spool
	if err := sp.Clear(spool.Cache); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := h.c.cfg.Archiver.Unpack(ctx, blob, sp.Dir(spool.Cache)); err != nil {
		h.clearCache()
		return refuse(proto.ReasonCorruptPayload, fmt.Errorf("unpack return: %w", err))
	}

	numbers, err := sp.List(spool.Cache)
	if err != nil || len(numbers) == 0 {
		h.clearCache()
		if err == nil {
			err = errors.New("return holds no batches")
		}
		return refuse(proto.ReasonCouldNotDetermineBatchNumber, err)
	}
	if int(hdr.Count) != len(numbers) {
		h.log.Debug("return count mismatch", "announced", hdr.Count, "found", len(numbers))
	}

	owned, rejected, err := h.c.cfg.Store.ClaimReturned(h.worker, numbers)
	if err != nil {
		h.clearCache()
		return fmt.Errorf("claim returned: %w", err)
	}
	if len(rejected) > 0 {
		h.log.Warn("returned batches not assigned to worker", "batches", rejected)
		h.c.stats.AddBatchesRejected(int64(len(rejected)))
		h.c.emit(event.Event{Type: event.ReturnRejected, Session: h.s.ID, Worker: h.worker.String(), Batches: rejected})
		for _, n := range rejected {
			if err := sp.Remove(spool.Cache, n); err != nil {
				h.log.Warn("discard rejected batch", "batch", n, "error", err)
			}
		}
	}
	if len(owned) == 0 {
		h.clearCache()
		return refuse(proto.ReasonBatchNotAssigned, fmt.Errorf("none of %v assigned", numbers))
	}

	var (
		accepted, lost []uint32
		storeErr       error
	)
	for _, n := range owned {
		if err := h.c.move(n, spool.Cache, spool.Archive); err != nil {
			h.log.Error("batch lost", "batch", n, "error", err)
			if markErr := h.c.cfg.Store.MarkLost(n); markErr != nil {
				return fmt.Errorf("mark batch %d lost: %w", n, markErr)
			}
			lost = append(lost, n)
			h.c.stats.AddBatchesLost(1)
			h.c.emit(event.Event{
				Type: event.BatchLost, Session: h.s.ID, Worker: h.worker.String(),
				Batches: []uint32{n}, Error: err,
			})
			continue
		}
		// The results are safe in the archive from here on; a table
		// failure ends the session but never loses the batch.
		if err := h.completeBatch(n); err != nil {
			storeErr = errors.Join(storeErr, err)
		}
		accepted = append(accepted, n)
	}

	if len(accepted) > 0 {
		h.c.stats.AddBatchesReturned(int64(len(accepted)))
		h.c.emit(event.Event{Type: event.BatchesReturned, Session: h.s.ID, Worker: h.worker.String(), Batches: accepted})
		h.log.Info("batches returned", "batches", accepted)
	}
	if storeErr != nil {
		return fmt.Errorf("record returned batches: %w", storeErr)
	}
	return h.SendMsg(&proto.ServerBatchReceived{Accepted: accepted, Rejected: rejected, Lost: lost})
}

// completeBatch records an archived batch as complete and drops its sent
// copy. A stale sent copy is logged and left for the operator. Save
// failures leave each transition applied, so completion carries on past
// them and reports them at the end.
func (h *sessionHandler) completeBatch(n uint32) error {
	sp, st := h.c.cfg.Spool, h.c.cfg.Store
	var saveErr error
	if err := st.MarkReturned(n); err != nil {
		if !errors.Is(err, store.ErrSave) {
			return fmt.Errorf("mark batch %d returned: %w", n, err)
		}
		saveErr = err
	}
	if err := sp.Remove(spool.Sent, n); err != nil {
		h.log.Warn("remove sent copy", "batch", n, "error", err)
	}
	if err := st.MarkArchived(n, h.c.now()); err != nil {
		saveErr = errors.Join(saveErr, err)
	}
	if saveErr != nil {
		return fmt.Errorf("complete batch %d: %w", n, saveErr)
	}
	return nil
}

func (h *sessionHandler) clearCache() {
	if err := h.c.cfg.Spool.Clear(spool.Cache); err != nil {
		h.log.Warn("clear cache", "error", err)
	}
}

// finish sends the closing messages the outcome calls for and drops the
// connection.
func (h *sessionHandler) finish(o outcome, err error) {
	conn := h.s.Conn
	defer conn.Close() //nolint:errcheck // closing regardless of outcome

	var fail *proto.FailedTransfer
	switch o {
	case outcomeOK:
	case outcomeDisconnected:
		return
	case outcomeExpired:
		h.discarded = conn.Drain()
		fail = &proto.FailedTransfer{Reason: proto.ReasonExpired}
	case outcomeViolation:
		fail = &proto.FailedTransfer{Reason: proto.ReasonProtocolViolation, Message: err.Error()}
	case outcomeRefused:
		var ref *refusal
		errors.As(err, &ref)
		fail = &proto.FailedTransfer{Reason: ref.reason}
		if ref.err != nil {
			fail.Message = ref.err.Error()
		}
	case outcomeCrash:
		fail = &proto.FailedTransfer{Reason: proto.ReasonUnspecified, Message: "internal error"}
	}

	if fail != nil {
		if sendErr := conn.SendMsg(fail); sendErr != nil {
			return
		}
	}
	conn.SendMsg(&proto.CloseConnection{}) //nolint:errcheck // best effort
}
