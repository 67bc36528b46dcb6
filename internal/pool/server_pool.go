package pool

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
)

// SegmentStream is the yEnc-decoded body of one article together with its
// parsed header. Closing it returns the lent connection to its pool.
type SegmentStream interface {
	io.ReadCloser
	Header() *nntp.YencHeader
	SetOnClose(func(clean bool))
}

// Conn is the subset of an NNTP session the pool manages. *nntp.Conn
// satisfies it through a thin adapter; tests inject fakes.
type Conn interface {
	GetSegment(messageID string) (SegmentStream, error)
	Stat(messageID string) (bool, error)
	MarkBroken()
	State() nntp.State
	SetState(nntp.State)
	LastActivity() time.Time
	Close() error
}

type dialFunc func(ctx context.Context) (Conn, error)

type nntpConn struct{ *nntp.Conn }

func (c nntpConn) GetSegment(messageID string) (SegmentStream, error) {
	return c.Conn.GetSegment(messageID)
}

func nntpDialer(cfg config.ServerConfig) dialFunc {
	return func(ctx context.Context) (Conn, error) {
		c, err := nntp.Dial(ctx, nntp.DialConfig{
			ServerID:    cfg.ID,
			Host:        cfg.Host,
			Port:        cfg.Port,
			TLS:         cfg.TLS,
			InsecureTLS: cfg.InsecureTLS,
			Username:    cfg.Username,
			Password:    cfg.Password,
		})
		if err != nil {
			return nil, err
		}
		return nntpConn{c}, nil
	}
}

// Usage classifies who is borrowing a connection. Queue borrowers are
// capped below the server maximum so live reads always have headroom.
type Usage int

const (
	UsageLive Usage = iota
	UsageQueue
)

const idleTimeout = 30 * time.Second

// serverPool is the bounded connection pool for one server. Capacity is
// enforced with a permit channel; idle sessions are recycled through a
// second channel, streamnzb-style.
type serverPool struct {
	cfg  config.ServerConfig
	dial dialFunc

	slots      chan struct{} // capacity permits; holding one = may own a connection
	queueSlots chan struct{} // sub-budget for the import pipeline
	idle       chan Conn

	mu        sync.Mutex
	health    ServerHealth
	available bool
	closed    bool

	reaperStop chan struct{}
	log        *slog.Logger
}

func newServerPool(cfg config.ServerConfig, queueConnections int, dial dialFunc) *serverPool {
	if dial == nil {
		dial = nntpDialer(cfg)
	}
	if queueConnections <= 0 {
		queueConnections = 1
	}
	if queueConnections >= cfg.MaxConnections {
		// Leave at least one connection for live traffic.
		queueConnections = cfg.MaxConnections - 1
		if queueConnections < 1 {
			queueConnections = 1
		}
	}

	p := &serverPool{
		cfg:        cfg,
		dial:       dial,
		slots:      make(chan struct{}, cfg.MaxConnections),
		queueSlots: make(chan struct{}, queueConnections),
		idle:       make(chan Conn, cfg.MaxConnections),
		available:  true,
		health:     ServerHealth{ServerID: cfg.ID, Available: true},
		reaperStop: make(chan struct{}),
		log:        slog.Default().With("component", "server-pool", "server", cfg.Host),
	}

	for i := 0; i < cfg.MaxConnections; i++ {
		p.slots <- struct{}{}
	}
	for i := 0; i < queueConnections; i++ {
		p.queueSlots <- struct{}{}
	}

	go p.reaperLoop()
	return p
}

// Borrow lends a connection, dialing a fresh one when no idle session is
// available and capacity permits. Waiters block until a permit or an idle
// session frees up.
func (p *serverPool) Borrow(ctx context.Context, usage Usage) (Conn, error) {
	if !p.Available() {
		return nil, errs.E(errs.KindFatal, "server disabled: "+p.cfg.Host, nil)
	}

	if usage == UsageQueue {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindCancelled, "borrow", ctx.Err())
		case <-p.queueSlots:
		}
	}

	c, err := p.borrow(ctx)
	if err != nil {
		if usage == UsageQueue {
			p.queueSlots <- struct{}{}
		}
		return nil, err
	}

	c.SetState(nntp.StateInUse)
	return c, nil
}

func (p *serverPool) borrow(ctx context.Context) (Conn, error) {
	// Prefer an idle session.
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "borrow", ctx.Err())
	case c := <-p.idle:
		return c, nil
	default:
	}

	// Dial if capacity permits.
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "borrow", ctx.Err())
	case <-p.slots:
		return p.dialNew(ctx)
	default:
	}

	// At capacity: wait for whichever frees first.
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindCancelled, "borrow", ctx.Err())
	case c := <-p.idle:
		return c, nil
	case <-p.slots:
		return p.dialNew(ctx)
	}
}

func (p *serverPool) dialNew(ctx context.Context) (Conn, error) {
	c, err := p.dial(ctx)
	if err != nil {
		p.slots <- struct{}{}
		p.RecordFailure(err)
		return nil, err
	}
	return c, nil
}

// Return gives a lent connection back. Broken or closed sessions are
// retired and their permit released; clean ones go back on the idle list.
func (p *serverPool) Return(c Conn, usage Usage) {
	if usage == UsageQueue {
		p.queueSlots <- struct{}{}
	}
	if c == nil {
		return
	}

	if c.State() != nntp.StateInUse {
		_ = c.Close()
		p.slots <- struct{}{}
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = c.Close()
		p.slots <- struct{}{}
		return
	}

	c.SetState(nntp.StateIdle)
	select {
	case p.idle <- c:
	default:
		_ = c.Close()
		p.slots <- struct{}{}
	}
}

// RecordSuccess applies the health update rule for a completed call.
// A legitimate NotFound is a success with an extra counter bump.
func (p *serverPool) RecordSuccess(notFound bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health.recordSuccess(notFound)
}

// RecordFailure applies the health update rule for a failed call.
// Unauthorized and Fatal disable the server until reconfiguration.
func (p *serverPool) RecordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch errs.KindOf(err) {
	case errs.KindUnauthorized, errs.KindFatal:
		p.available = false
		p.health.Available = false
		p.health.LastError = err.Error()
	case errs.KindCancelled:
		// Caller went away; not the server's fault.
	default:
		p.health.recordFailure(err)
	}
}

// Available reports whether lends are currently permitted.
func (p *serverPool) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available && !p.closed
}

// Health returns a snapshot of the health record.
func (p *serverPool) Health() ServerHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.health
	h.Available = p.available
	return h
}

// ConsecutiveFailures is used for candidate ordering.
func (p *serverPool) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health.ConsecutiveFailures
}

func (p *serverPool) reaperLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
		}

		count := len(p.idle)
		for i := 0; i < count; i++ {
			select {
			case c := <-p.idle:
				if time.Since(c.LastActivity()) > idleTimeout {
					_ = c.Close()
					p.slots <- struct{}{}
				} else {
					p.idle <- c
				}
			default:
			}
		}
	}
}

// Close drains idle sessions and stops the reaper. Lent connections are
// closed by their holders on return.
func (p *serverPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.reaperStop)
	for {
		select {
		case c := <-p.idle:
			_ = c.Close()
		default:
			return
		}
	}
}
