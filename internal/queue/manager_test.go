package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/events"
	"github.com/davmount/davmount/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu      sync.Mutex
	db      *store.DB
	runs    []string
	failed  []string
	results map[string]error
	block   chan struct{} // when set, Import waits for ctx or release
}

func (f *fakeProcessor) Import(ctx context.Context, item *store.QueueItem, progress func(int)) error {
	f.mu.Lock()
	f.runs = append(f.runs, item.ID)
	block := f.block
	err := f.results[item.ID]
	f.mu.Unlock()

	progress(10)
	if block != nil {
		select {
		case <-ctx.Done():
			return errs.E(errs.KindCancelled, "cancelled", ctx.Err())
		case <-block:
		}
	}
	if err != nil {
		return err
	}
	// The real pipeline clears the queue row in its final transaction.
	if f.db != nil {
		if err := f.db.Queue.Remove(item.ID); err != nil {
			return err
		}
	}
	progress(100)
	return nil
}

func (f *fakeProcessor) Fail(item *store.QueueItem, cause error) error {
	f.mu.Lock()
	f.failed = append(f.failed, item.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProcessor) ranIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func newTestManager(t *testing.T, proc *fakeProcessor) (*Manager, *store.DB) {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "q.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if proc.results == nil {
		proc.results = map[string]error{}
	}
	proc.db = db
	return NewManager(db, proc, events.NewBus()), db
}

func queueItem(id string) *store.QueueItem {
	return &store.QueueItem{ID: id, FileName: id + ".nzb", JobName: id, NzbContents: []byte("<nzb/>")}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestManagerRunsEnqueuedJob(t *testing.T) {
	proc := &fakeProcessor{}
	m, db := newTestManager(t, proc)

	m.Start(context.Background())
	defer m.Stop()

	require.NoError(t, m.Enqueue(queueItem("job-1")))

	waitFor(t, func() bool { return len(proc.ranIDs()) == 1 })
	assert.Equal(t, []string{"job-1"}, proc.ranIDs())

	waitFor(t, func() bool {
		n, err := db.Queue.Count()
		require.NoError(t, err)
		return n == 0
	})
}

func TestManagerDefersTransientFailure(t *testing.T) {
	proc := &fakeProcessor{results: map[string]error{
		"job-1": errs.E(errs.KindTransient, "servers flapping", nil),
	}}
	m, db := newTestManager(t, proc)
	require.NoError(t, db.Queue.Add(queueItem("job-1")))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		item, err := db.Queue.Item("job-1")
		require.NoError(t, err)
		return item != nil && item.PauseUntil != nil
	})

	item, err := db.Queue.Item("job-1")
	require.NoError(t, err)
	assert.True(t, item.PauseUntil.After(time.Now().UTC().Add(30*time.Second)))
	assert.Empty(t, proc.failed)
}

func TestManagerFailsDefinitiveError(t *testing.T) {
	proc := &fakeProcessor{results: map[string]error{
		"job-1": errs.E(errs.KindValidation, "no files", nil),
	}}
	m, _ := newTestManager(t, proc)
	require.NoError(t, m.Enqueue(queueItem("job-1")))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return len(proc.failed) >= 1
	})
}

func TestRemoveItemsCancelsInflight(t *testing.T) {
	proc := &fakeProcessor{block: make(chan struct{})}
	m, db := newTestManager(t, proc)
	require.NoError(t, db.Queue.Add(queueItem("job-1")))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		item, _ := m.InProgress()
		return item != nil && item.ID == "job-1"
	})

	require.NoError(t, m.RemoveItems([]string{"job-1"}))

	item, err := db.Queue.Item("job-1")
	require.NoError(t, err)
	assert.Nil(t, item)

	cur, _ := m.InProgress()
	assert.Nil(t, cur)
	assert.Empty(t, proc.failed)
}

func TestInProgressReportsPercent(t *testing.T) {
	proc := &fakeProcessor{block: make(chan struct{})}
	m, db := newTestManager(t, proc)
	require.NoError(t, db.Queue.Add(queueItem("job-1")))

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, func() bool {
		item, pct := m.InProgress()
		return item != nil && pct == 10
	})

	close(proc.block)
	waitFor(t, func() bool {
		item, _ := m.InProgress()
		return item == nil
	})
}
