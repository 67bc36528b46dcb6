// Package queue runs the import queue: one job in flight at a time,
// polled FIFO out of the store, with cooperative cancellation.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/events"
	"github.com/davmount/davmount/internal/store"
)

const (
	pollInterval   = 5 * time.Second
	transientDefer = time.Minute
)

// Processor runs one queued job to completion. Implemented by
// importer.Pipeline.
type Processor interface {
	Import(ctx context.Context, item *store.QueueItem, progress func(percent int)) error
	Fail(item *store.QueueItem, cause error) error
}

type inflight struct {
	item    *store.QueueItem
	cancel  context.CancelFunc
	done    chan struct{}
	percent int
}

// Manager owns the single-flight worker loop. The mutex only guards
// state transitions; job work runs outside it.
type Manager struct {
	db   *store.DB
	proc Processor
	bus  *events.Bus
	log  *slog.Logger

	mu      sync.Mutex
	current *inflight
	wake    chan struct{}

	stop    context.CancelFunc
	stopped chan struct{}
}

func NewManager(db *store.DB, proc Processor, bus *events.Bus) *Manager {
	return &Manager{
		db:   db,
		proc: proc,
		bus:  bus,
		log:  slog.Default().With("component", "queue"),
		wake: make(chan struct{}, 1),
	}
}

// Start launches the worker loop until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	m.stopped = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the in-flight job (if any) and waits for the loop to
// exit.
func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	m.stop()
	<-m.stopped
}

// Enqueue stores a new queue item and wakes the worker.
func (m *Manager) Enqueue(item *store.QueueItem) error {
	if err := m.db.Queue.Add(item); err != nil {
		return err
	}
	m.bus.Publish(events.TopicQueueAdded, item.ID)
	m.kick()
	return nil
}

// RemoveItems cancels any of the given jobs that is currently running,
// waits for it to unwind, then deletes the rows.
func (m *Manager) RemoveItems(ids []string) error {
	for _, id := range ids {
		m.mu.Lock()
		var wait chan struct{}
		if m.current != nil && m.current.item.ID == id {
			m.current.cancel()
			wait = m.current.done
		}
		m.mu.Unlock()

		if wait != nil {
			<-wait
		}
		if err := m.db.Queue.Remove(id); err != nil {
			return err
		}
		m.bus.Publish(events.TopicQueueRemoved, id)
	}
	m.kick()
	return nil
}

// InProgress reports the running job and its last progress value; nil
// when idle.
func (m *Manager) InProgress() (*store.QueueItem, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, 0
	}
	return m.current.item, m.current.percent
}

func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.stopped)
	for {
		item, err := m.db.Queue.NextEligible(time.Now().UTC())
		if err != nil {
			m.log.ErrorContext(ctx, "queue poll failed", "error", err)
		}

		if item == nil || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			case <-m.wake:
			}
			continue
		}

		m.runJob(ctx, item)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Manager) runJob(ctx context.Context, item *store.QueueItem) {
	jobCtx, cancel := context.WithCancel(ctx)
	fl := &inflight{item: item, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.current = fl
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
		close(fl.done)
	}()

	m.bus.Publish(events.TopicQueueStatus, item.ID+"|processing")

	err := m.proc.Import(jobCtx, item, func(percent int) {
		m.mu.Lock()
		fl.percent = percent
		m.mu.Unlock()
		m.bus.PublishProgress(events.TopicQueueProgress, item.ID, percent)
	})
	if err == nil {
		m.bus.Publish(events.TopicQueueStatus, item.ID+"|completed")
		m.bus.Publish(events.TopicHistoryAdded, item.ID)
		return
	}

	switch {
	case errs.Is(err, errs.KindCancelled):
		// The item stays queued; a removal request deletes it right after
		// this returns.
		m.log.InfoContext(jobCtx, "job cancelled", "queue_id", item.ID)
		m.bus.Publish(events.TopicQueueStatus, item.ID+"|cancelled")

	case errs.IsRetryable(err):
		until := time.Now().UTC().Add(transientDefer)
		if dbErr := m.db.Queue.SetPauseUntil(item.ID, &until); dbErr != nil {
			m.log.ErrorContext(jobCtx, "failed to defer job", "queue_id", item.ID, "error", dbErr)
		}
		m.log.WarnContext(jobCtx, "job deferred", "queue_id", item.ID, "error", err)
		m.bus.Publish(events.TopicQueueStatus, item.ID+"|retrying")

	default:
		m.log.ErrorContext(jobCtx, "job failed", "queue_id", item.ID, "error", err)
		if failErr := m.proc.Fail(item, err); failErr != nil {
			m.log.ErrorContext(jobCtx, "failed to record job failure", "queue_id", item.ID, "error", failErr)
		}
		m.bus.PublishProgress(events.TopicQueueProgress, item.ID, -1)
		m.bus.Publish(events.TopicQueueStatus, item.ID+"|failed")
		m.bus.Publish(events.TopicHistoryAdded, item.ID)
	}
}
