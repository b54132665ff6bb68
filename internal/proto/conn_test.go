package proto_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/grid/internal/proto"
)

func newConnPair(t *testing.T, timeout time.Duration) (*proto.Conn, *proto.Conn) {
	t.Helper()

	c1, c2 := net.Pipe()
	a := proto.NewConn(c1, 8, timeout)
	b := proto.NewConn(c2, 8, timeout)
	go a.Run() //nolint:errcheck // test
	go b.Run() //nolint:errcheck // test

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestConnSendRecv(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 2*time.Second)
	ctx := context.Background()

	go func() {
		_ = a.SendMsg(&proto.WorkerID{ID: "abcd"})
		_ = a.SendMsg(&proto.ClientRequest{Kind: proto.RequestNewBatch, Count: 2})
	}()

	id, err := proto.Expect[*proto.WorkerID](ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "abcd", id.ID)

	req, err := proto.Expect[*proto.ClientRequest](ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int32(2), req.Count)
}

func TestConnRecvExpires(t *testing.T) {
	t.Parallel()

	_, b := newConnPair(t, 50*time.Millisecond)

	start := time.Now()
	_, err := b.Recv(context.Background())
	require.ErrorIs(t, err, proto.ErrExpired)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestConnRecvHonorsContext(t *testing.T) {
	t.Parallel()

	_, b := newConnPair(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnExpectWrongType(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 2*time.Second)
	go func() { _ = a.SendMsg(&proto.BatchReceived{}) }()

	_, err := proto.Expect[*proto.WorkerID](context.Background(), b)
	require.ErrorIs(t, err, proto.ErrUnexpectedMessage)
}

func TestConnExpectSurfacesFailedTransfer(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 2*time.Second)
	go func() {
		_ = a.SendMsg(&proto.FailedTransfer{Reason: proto.ReasonBatchNotAssigned, Message: "batch 7"})
	}()

	_, err := proto.Expect[*proto.ServerBatchReceived](context.Background(), b)
	var remote *proto.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, proto.ReasonBatchNotAssigned, remote.Reason)
	assert.Contains(t, err.Error(), "batch 7")
}

func TestConnPeerCloseDrainsQueued(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 2*time.Second)
	require.NoError(t, sendAsync(a, &proto.CloseConnection{}))
	a.Close()

	m, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &proto.CloseConnection{}, m)

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for peer close")
	}
	_, err = b.Recv(context.Background())
	require.ErrorIs(t, err, proto.ErrConnClosed)
	require.ErrorIs(t, b.SendMsg(&proto.BatchReceived{}), proto.ErrConnClosed)
}

func TestConnDrain(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 50*time.Millisecond)
	for range 3 {
		require.NoError(t, sendAsync(a, &proto.BatchReceived{}))
	}

	var dropped int
	require.Eventually(t, func() bool {
		dropped += b.Drain()
		return dropped == 3
	}, 2*time.Second, 5*time.Millisecond)

	_, err := b.Recv(context.Background())
	require.ErrorIs(t, err, proto.ErrExpired)
}

func TestConnUnknownFrame(t *testing.T) {
	t.Parallel()

	a, b := newConnPair(t, 2*time.Second)
	go func() { _ = a.Send(proto.Frame{Type: 0x55}) }()

	_, err := b.Recv(context.Background())
	require.ErrorIs(t, err, proto.ErrUnknownMessage)
}

// sendAsync sends m and waits for the synchronous pipe write to finish.
func sendAsync(c *proto.Conn, m proto.Message) error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.SendMsg(m) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("send timed out")
	}
}
