package pool

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
	lru "github.com/hashicorp/golang-lru/v2"
	concpool "github.com/sourcegraph/conc/pool"
)

const headerCacheSize = 4096

// Options tunes the multi-server client.
type Options struct {
	// QueueConnections is the per-server share the import pipeline may
	// borrow; the remainder is reserved for live reads.
	QueueConnections int
	OpenThreshold    int
	Cooldown         time.Duration

	// Dialer overrides connection establishment; tests inject fakes here.
	Dialer func(cfg config.ServerConfig) dialFunc
}

type serverEntry struct {
	cfg     config.ServerConfig
	pool    *serverPool
	breaker *breaker
}

// Client routes segment requests across the configured servers by
// priority, with failover, per-server circuit breaking and a cache of
// confirmed-missing articles.
type Client struct {
	mu      sync.RWMutex
	servers []*serverEntry

	missing *missingCache
	headers *lru.Cache[string, *nntp.YencHeader]
	opts    Options
	log     *slog.Logger
}

// NewClient builds a client for the given server configurations.
func NewClient(servers []config.ServerConfig, opts Options) *Client {
	headers, _ := lru.New[string, *nntp.YencHeader](headerCacheSize)
	c := &Client{
		missing: newMissingCache(),
		headers: headers,
		opts:    opts,
		log:     slog.Default().With("component", "nntp-client"),
	}
	c.Reconfigure(servers)
	return c
}

// Reconfigure replaces the server set. Existing pools are closed; lent
// connections die on return.
func (c *Client) Reconfigure(servers []config.ServerConfig) {
	entries := make([]*serverEntry, 0, len(servers))
	for _, cfg := range servers {
		var dial dialFunc
		if c.opts.Dialer != nil {
			dial = c.opts.Dialer(cfg)
		}
		entries = append(entries, &serverEntry{
			cfg:     cfg,
			pool:    newServerPool(cfg, c.opts.QueueConnections, dial),
			breaker: newBreaker(c.opts.OpenThreshold, c.opts.Cooldown),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].cfg.Priority < entries[j].cfg.Priority
	})

	c.mu.Lock()
	old := c.servers
	c.servers = entries
	c.mu.Unlock()

	for _, e := range old {
		e.pool.Close()
	}
}

// Close shuts down every server pool.
func (c *Client) Close() {
	c.mu.Lock()
	servers := c.servers
	c.servers = nil
	c.mu.Unlock()
	for _, e := range servers {
		e.pool.Close()
	}
}

// ServerConfigs returns the active server configurations in priority order.
func (c *Client) ServerConfigs() []config.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]config.ServerConfig, 0, len(c.servers))
	for _, e := range c.servers {
		out = append(out, e.cfg)
	}
	return out
}

// HealthStat pairs a health snapshot with the circuit state.
type HealthStat struct {
	ServerHealth
	Name         string `json:"name"`
	Host         string `json:"host"`
	CircuitState string `json:"circuit_state"`
}

// ServerHealthStats returns point-in-time health for every server.
func (c *Client) ServerHealthStats() []HealthStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HealthStat, 0, len(c.servers))
	for _, e := range c.servers {
		out = append(out, HealthStat{
			ServerHealth: e.pool.Health(),
			Name:         e.cfg.Name,
			Host:         e.cfg.Host,
			CircuitState: e.breaker.State().String(),
		})
	}
	return out
}

// candidates returns lendable servers ordered by priority, breaking ties
// towards the healthier server.
func (c *Client) candidates() []*serverEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*serverEntry, 0, len(c.servers))
	for _, e := range c.servers {
		if e.cfg.IsEnabled() && e.pool.Available() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].cfg.Priority != out[j].cfg.Priority {
			return out[i].cfg.Priority < out[j].cfg.Priority
		}
		return out[i].pool.ConsecutiveFailures() < out[j].pool.ConsecutiveFailures()
	})
	return out
}

// route runs op against candidate servers in order until one succeeds.
// op must record nothing itself; health and breaker bookkeeping happen
// here. A nil return from op counts as success; NotFound moves on to the
// next server.
func (c *Client) route(ctx context.Context, messageID string, op func(e *serverEntry) error) error {
	cands := c.candidates()
	if len(cands) == 0 {
		return errs.E(errs.KindTransient, "no servers available", nil)
	}

	var (
		attempts  int
		notFounds int
		skipped   bool
		lastErr   error
	)

	for _, e := range cands {
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindCancelled, "route", ctx.Err())
		}
		if !e.breaker.Allow() {
			skipped = true
			continue
		}

		attempts++
		err := op(e)
		if err == nil {
			e.breaker.OnSuccess()
			return nil
		}

		switch errs.KindOf(err) {
		case errs.KindNotFound:
			// The server answered; that is a healthy response.
			e.breaker.OnSuccess()
			notFounds++
		case errs.KindCancelled:
			e.breaker.OnCancelled()
			return err
		default:
			e.breaker.OnFailure()
			lastErr = err
		}
	}

	// Every circuit open: last-resort probe on the best server so a
	// recovered fleet is noticed even under constant load.
	if attempts == 0 {
		e := cands[0]
		attempts++
		err := op(e)
		if err == nil {
			e.breaker.OnSuccess()
			return nil
		}
		switch errs.KindOf(err) {
		case errs.KindNotFound:
			e.breaker.OnSuccess()
			notFounds++
		case errs.KindCancelled:
			e.breaker.OnCancelled()
			return err
		default:
			e.breaker.OnFailure()
			lastErr = err
		}
	}

	if notFounds == attempts && notFounds > 0 && !skipped && lastErr == nil {
		// Confirmed missing everywhere we could ask.
		c.missing.MarkMissing(messageID)
		return errs.E(errs.KindNotFound, "article not found on any server", nil)
	}
	if notFounds > 0 && lastErr == nil {
		// Not found everywhere we asked, but some servers were skipped;
		// do not poison the cache.
		return errs.E(errs.KindNotFound, "article not found on reachable servers", nil)
	}
	if lastErr != nil {
		return errs.Wrap(errs.KindTransient, "all servers failed", lastErr)
	}
	return errs.E(errs.KindTransient, "no server could be tried", nil)
}

// withConn borrows a connection from e, runs op, and applies the health
// rules. Transient and protocol faults are retried once on a fresh
// connection before giving up on this server. keepConn=true hands
// ownership of the connection to the caller (streaming case).
func (c *Client) withConn(ctx context.Context, e *serverEntry, usage Usage, op func(conn Conn) (keepConn bool, err error)) error {
	return retry.Do(
		func() error {
			conn, err := e.pool.Borrow(ctx, usage)
			if err != nil {
				return err
			}

			keep, err := op(conn)
			if err != nil {
				if errs.KindOf(err) == errs.KindNotFound {
					// The session answered; it is still good.
					e.pool.Return(conn, usage)
					e.pool.RecordSuccess(true)
				} else {
					conn.MarkBroken()
					e.pool.Return(conn, usage)
					e.pool.RecordFailure(err)
				}
				return err
			}

			e.pool.RecordSuccess(false)
			if !keep {
				e.pool.Return(conn, usage)
			}
			return nil
		},
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			switch errs.KindOf(err) {
			case errs.KindTransient, errs.KindProtocol:
				return true
			default:
				return false
			}
		}),
	)
}

// GetSegmentStream fetches one segment, returning its yEnc header and the
// decoded body stream. The stream owns a pooled connection until closed.
func (c *Client) GetSegmentStream(ctx context.Context, messageID string, usage Usage) (*nntp.YencHeader, SegmentStream, error) {
	if c.missing.IsMissing(messageID) {
		return nil, nil, errs.E(errs.KindNotFound, "article known missing", nil)
	}

	var (
		header *nntp.YencHeader
		stream SegmentStream
	)

	err := c.route(ctx, messageID, func(e *serverEntry) error {
		return c.withConn(ctx, e, usage, func(conn Conn) (bool, error) {
			body, err := conn.GetSegment(messageID)
			if err != nil {
				return false, err
			}

			// Returning the connection is deferred until the stream is
			// closed; a dirty close already marked it broken.
			body.SetOnClose(func(clean bool) {
				e.pool.Return(conn, usage)
			})

			header = body.Header()
			stream = body
			c.headers.Add(messageID, header)
			return true, nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return header, stream, nil
}

// GetSegmentHeader fetches only the yEnc header, served from cache when
// possible.
func (c *Client) GetSegmentHeader(ctx context.Context, messageID string, usage Usage) (*nntp.YencHeader, error) {
	if h, ok := c.headers.Get(messageID); ok {
		return h, nil
	}
	if c.missing.IsMissing(messageID) {
		return nil, errs.E(errs.KindNotFound, "article known missing", nil)
	}

	var header *nntp.YencHeader
	err := c.route(ctx, messageID, func(e *serverEntry) error {
		return c.withConn(ctx, e, usage, func(conn Conn) (bool, error) {
			body, err := conn.GetSegment(messageID)
			if err != nil {
				return false, err
			}
			header = body.Header()
			_ = body.Close()
			return false, nil
		})
	})
	if err != nil {
		return nil, err
	}

	c.headers.Add(messageID, header)
	return header, nil
}

// Stat reports whether any server carries the article.
func (c *Client) Stat(ctx context.Context, messageID string, usage Usage) (bool, error) {
	if c.missing.IsMissing(messageID) {
		return false, nil
	}

	err := c.route(ctx, messageID, func(e *serverEntry) error {
		return c.withConn(ctx, e, usage, func(conn Conn) (bool, error) {
			found, err := conn.Stat(messageID)
			if err != nil {
				return false, err
			}
			if !found {
				return false, errs.E(errs.KindNotFound, "stat: article not found", nil)
			}
			return false, nil
		})
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CheckOptions tunes a segment existence sweep.
type CheckOptions struct {
	Concurrency  int
	SamplingRate float64
	MinSamples   int
	Progress     func(done, total int)
}

// CheckResult reports the outcome of a sweep.
type CheckResult struct {
	Checked int
	Missing []string
}

// CheckAllSegments STATs a uniform sample of the given message-ids with
// bounded concurrency. Ordering is not observable by design.
func (c *Client) CheckAllSegments(ctx context.Context, messageIDs []string, opts CheckOptions) (CheckResult, error) {
	total := len(messageIDs)
	if total == 0 {
		return CheckResult{}, nil
	}

	sample := sampleIDs(messageIDs, opts.SamplingRate, opts.MinSamples)

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		missing []string
		done    int
	)

	p := concpool.New().
		WithMaxGoroutines(concurrency).
		WithContext(ctx).
		WithCancelOnError()

	for _, id := range sample {
		messageID := id
		p.Go(func(ctx context.Context) error {
			found, err := c.Stat(ctx, messageID, UsageQueue)

			mu.Lock()
			done++
			if err == nil && !found {
				missing = append(missing, messageID)
			}
			completed := done
			mu.Unlock()

			if opts.Progress != nil {
				opts.Progress(completed, len(sample))
			}
			return err
		})
	}

	if err := p.Wait(); err != nil {
		if errs.KindOf(err) == errs.KindCancelled {
			return CheckResult{}, err
		}
		return CheckResult{}, errs.Wrap(errs.KindTransient, "segment sweep failed", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return CheckResult{Checked: len(sample), Missing: missing}, nil
}

// sampleIDs picks max(minSamples, ceil(rate*N)) ids uniformly without
// replacement, or all of them when N is smaller than the target.
func sampleIDs(ids []string, rate float64, minSamples int) []string {
	n := len(ids)
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	target := int(math.Ceil(rate * float64(n)))
	if target < minSamples {
		target = minSamples
	}
	if target >= n {
		out := make([]string, n)
		copy(out, ids)
		return out
	}

	perm := rand.Perm(n)
	out := make([]string, 0, target)
	for _, idx := range perm[:target] {
		out = append(out, ids[idx])
	}
	return out
}
