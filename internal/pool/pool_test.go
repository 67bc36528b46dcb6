package pool

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
)

// fakeStream is an in-memory SegmentStream for tests.
type fakeStream struct {
	header  *nntp.YencHeader
	body    *bytes.Reader
	onClose func(clean bool)
	eof     bool
	closed  bool
}

func newFakeStream(header *nntp.YencHeader, body []byte) *fakeStream {
	return &fakeStream{header: header, body: bytes.NewReader(body)}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

func (s *fakeStream) Header() *nntp.YencHeader { return s.header }

func (s *fakeStream) SetOnClose(fn func(clean bool)) { s.onClose = fn }

func (s *fakeStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.onClose != nil {
		s.onClose(s.eof)
	}
	return nil
}

// fakeConn scripts per-message-id behavior for one server.
type fakeConn struct {
	mu       sync.Mutex
	state    nntp.State
	lastUsed time.Time
	closed   bool

	// segments maps message-id to body bytes; absent ids are NotFound.
	segments map[string][]byte
	// statErr, if set, fails every call with it.
	statErr error

	statCalls    *atomic.Int64
	segmentCalls *atomic.Int64
}

func newFakeConn(segments map[string][]byte) *fakeConn {
	return &fakeConn{
		state:        nntp.StateIdle,
		lastUsed:     time.Now(),
		segments:     segments,
		statCalls:    &atomic.Int64{},
		segmentCalls: &atomic.Int64{},
	}
}

func (c *fakeConn) GetSegment(messageID string) (SegmentStream, error) {
	c.segmentCalls.Add(1)
	if c.statErr != nil {
		return nil, c.statErr
	}
	body, ok := c.segments[messageID]
	if !ok {
		return nil, errs.E(errs.KindNotFound, "article not found", nil)
	}
	return newFakeStream(&nntp.YencHeader{
		FileName: "part",
		PartSize: int64(len(body)),
	}, body), nil
}

func (c *fakeConn) Stat(messageID string) (bool, error) {
	c.statCalls.Add(1)
	if c.statErr != nil {
		return false, c.statErr
	}
	_, ok := c.segments[messageID]
	return ok, nil
}

func (c *fakeConn) MarkBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = nntp.StateBroken
}

func (c *fakeConn) State() nntp.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) SetState(s nntp.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.lastUsed = time.Now()
}

func (c *fakeConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = nntp.StateClosed
	return nil
}

// fakeServer scripts the dialer for one server: every dialed connection
// shares the segment map and counters.
type fakeServer struct {
	segments map[string][]byte
	dialErr  error

	dials        atomic.Int64
	statCalls    atomic.Int64
	segmentCalls atomic.Int64
}

func (s *fakeServer) dialer() dialFunc {
	return func(ctx context.Context) (Conn, error) {
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		s.dials.Add(1)
		c := newFakeConn(s.segments)
		c.statCalls = &s.statCalls
		c.segmentCalls = &s.segmentCalls
		return c, nil
	}
}
