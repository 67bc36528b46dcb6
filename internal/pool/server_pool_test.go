package pool

import (
	"context"
	"testing"
	"time"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServerConfig(maxConns int) config.ServerConfig {
	return config.ServerConfig{
		ID:             "srv-1",
		Host:           "news.example.com",
		Port:           563,
		MaxConnections: maxConns,
	}
}

func TestServerPoolReusesIdleConnections(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(4), 1, srv.dialer())
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)
	p.Return(c1, UsageLive)

	c2, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)
	p.Return(c2, UsageLive)

	assert.Equal(t, int64(1), srv.dials.Load())
	assert.Same(t, c1, c2)
}

func TestServerPoolEnforcesCapacity(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(2), 1, srv.dialer())
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)
	c2, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)

	// Third borrower blocks until a connection is returned.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(waitCtx, UsageLive)
	require.Error(t, err)
	assert.Equal(t, errs.KindCancelled, errs.KindOf(err))

	p.Return(c1, UsageLive)
	c3, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)

	p.Return(c2, UsageLive)
	p.Return(c3, UsageLive)
	assert.Equal(t, int64(2), srv.dials.Load())
}

func TestServerPoolQueueBudget(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(4), 1, srv.dialer())
	defer p.Close()

	ctx := context.Background()

	// Queue budget of one: second queue borrower blocks even though the
	// server has free capacity.
	c1, err := p.Borrow(ctx, UsageQueue)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(waitCtx, UsageQueue)
	require.Error(t, err)

	// Live borrowers are unaffected by the queue budget.
	c2, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)

	p.Return(c1, UsageQueue)
	p.Return(c2, UsageLive)

	c3, err := p.Borrow(ctx, UsageQueue)
	require.NoError(t, err)
	p.Return(c3, UsageQueue)
}

func TestServerPoolQueueBudgetReservesLiveConnection(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	// A queue share at or above the server cap is clamped to cap-1.
	p := newServerPool(testServerConfig(2), 5, srv.dialer())
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Borrow(ctx, UsageQueue)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Borrow(waitCtx, UsageQueue)
	require.Error(t, err)

	// The reserved connection stays available to live readers.
	c2, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)

	p.Return(c1, UsageQueue)
	p.Return(c2, UsageLive)
}

func TestServerPoolRetiresBrokenConnections(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(2), 1, srv.dialer())
	defer p.Close()

	ctx := context.Background()

	c1, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)
	c1.MarkBroken()
	p.Return(c1, UsageLive)

	assert.True(t, c1.(*fakeConn).closed)

	// The freed permit allows a fresh dial.
	c2, err := p.Borrow(ctx, UsageLive)
	require.NoError(t, err)
	assert.NotSame(t, c1, c2)
	p.Return(c2, UsageLive)
	assert.Equal(t, int64(2), srv.dials.Load())
}

func TestServerPoolDisabledAfterAuthFailure(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(2), 1, srv.dialer())
	defer p.Close()

	p.RecordFailure(errs.E(errs.KindUnauthorized, "bad credentials", nil))
	assert.False(t, p.Available())

	_, err := p.Borrow(context.Background(), UsageLive)
	require.Error(t, err)
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
}

func TestServerPoolHealthRecording(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(2), 1, srv.dialer())
	defer p.Close()

	p.RecordFailure(errs.E(errs.KindTransient, "timeout", nil))
	p.RecordFailure(errs.E(errs.KindTransient, "timeout", nil))
	assert.Equal(t, 2, p.ConsecutiveFailures())

	p.RecordSuccess(true)
	h := p.Health()
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, int64(2), h.TotalFailures)
	assert.Equal(t, int64(1), h.TotalSuccesses)
	assert.Equal(t, int64(1), h.TotalArticlesNotFound)
	assert.True(t, h.Available)

	// Cancellation is the caller's doing, not a server fault.
	p.RecordFailure(errs.Wrap(errs.KindCancelled, "borrow", context.Canceled))
	assert.Equal(t, 0, p.ConsecutiveFailures())
}

func TestServerPoolCloseRejectsReturnedConnections(t *testing.T) {
	srv := &fakeServer{segments: map[string][]byte{}}
	p := newServerPool(testServerConfig(2), 1, srv.dialer())

	c, err := p.Borrow(context.Background(), UsageLive)
	require.NoError(t, err)

	p.Close()
	p.Return(c, UsageLive)
	assert.Equal(t, nntp.StateClosed, c.State())
}
