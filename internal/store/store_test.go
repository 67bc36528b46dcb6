package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRootsSeeded(t *testing.T) {
	db := newTestDB(t)

	for _, name := range []string{RootContent, RootSymlinks, RootIDs} {
		item, err := db.Items.Lookup(RootID, name)
		require.NoError(t, err)
		assert.Equal(t, ItemTypeDir, item.Type)
	}

	// Reopening must not duplicate them.
	require.NoError(t, db.Items.EnsureRoots())
	children, err := db.Items.Children(RootID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestItemTree(t *testing.T) {
	db := newTestDB(t)

	content, err := db.Items.Lookup(RootID, RootContent)
	require.NoError(t, err)

	movies, err := db.Items.EnsureDir(content.ID, "movies")
	require.NoError(t, err)

	file := &VirtualItem{ParentID: &movies.ID, Name: "feature.mkv", Type: ItemTypeFile, Size: 1234}
	require.NoError(t, SetFileSegments(file, []usenet.SegmentRef{{MessageID: "<a@x>", Size: 1234}}))
	require.NoError(t, db.Items.Create(file))

	got, err := db.Items.ResolvePath("content/movies/feature.mkv")
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Equal(t, int64(1234), got.Size)

	segments, err := FileSegments(got)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "<a@x>", segments[0].MessageID)

	// Duplicate name under the same parent is a conflict.
	dup := &VirtualItem{ParentID: &movies.ID, Name: "feature.mkv", Type: ItemTypeFile}
	err = db.Items.Create(dup)
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	// EnsureDir over an existing file is a conflict too.
	_, err = db.Items.EnsureDir(movies.ID, "feature.mkv")
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestDeleteCascades(t *testing.T) {
	db := newTestDB(t)

	content, err := db.Items.Lookup(RootID, RootContent)
	require.NoError(t, err)
	dir, err := db.Items.EnsureDir(content.ID, "job")
	require.NoError(t, err)
	file := &VirtualItem{ParentID: &dir.ID, Name: "a.bin", Type: ItemTypeFile}
	require.NoError(t, db.Items.Create(file))

	require.NoError(t, db.Items.Delete(dir.ID))

	_, err = db.Items.Item(file.ID)
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestMultipartMetaRoundTrip(t *testing.T) {
	db := newTestDB(t)

	content, err := db.Items.Lookup(RootID, RootContent)
	require.NoError(t, err)

	meta := usenet.MultipartMeta{
		AES: &usenet.AESParams{Key: make([]byte, 16), IV: make([]byte, 16)},
		Parts: []usenet.FilePart{{
			Segments:     []usenet.SegmentRef{{MessageID: "<p1@x>", Size: 100}},
			SegmentRange: usenet.ByteRange{Start: 10, End: 90},
			FileRange:    usenet.ByteRange{Start: 0, End: 80},
		}},
	}
	item := &VirtualItem{ParentID: &content.ID, Name: "enc.mkv", Type: ItemTypeMultipartFile, Size: 80}
	require.NoError(t, SetMultipartMeta(item, meta))
	require.NoError(t, db.Items.Create(item))

	got, err := db.Items.Item(item.ID)
	require.NoError(t, err)
	decoded, err := ItemMultipartMeta(got)
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)
}

func TestQueueFIFOOrder(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	add := func(id string, prio QueuePriority, at time.Time) {
		require.NoError(t, db.Queue.Add(&QueueItem{
			ID: id, FileName: id + ".nzb", JobName: id,
			NzbContents: []byte("<nzb/>"), Priority: prio, CreatedAt: at,
		}))
	}
	add("old-normal", QueuePriorityNormal, base)
	add("new-high", QueuePriorityHigh, base.Add(time.Hour))
	add("new-normal", QueuePriorityNormal, base.Add(time.Minute))

	next, err := db.Queue.NextEligible(base.Add(2 * time.Hour))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "new-high", next.ID)

	require.NoError(t, db.Queue.Remove(next.ID))
	next, err = db.Queue.NextEligible(base.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "old-normal", next.ID)
}

func TestQueuePauseUntil(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	require.NoError(t, db.Queue.Add(&QueueItem{
		ID: "paused", FileName: "a.nzb", JobName: "a",
		NzbContents: []byte("<nzb/>"), PauseUntil: &later, CreatedAt: now,
	}))

	next, err := db.Queue.NextEligible(now)
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = db.Queue.NextEligible(later.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "paused", next.ID)
}

func TestHistoryLifecycle(t *testing.T) {
	db := newTestDB(t)

	fail := "missing segments"
	require.NoError(t, db.History.Insert(&HistoryItem{
		ID: "job-1", JobName: "a", Status: HistoryStatusFailed, FailMessage: &fail,
	}))
	require.NoError(t, db.History.Insert(&HistoryItem{
		ID: "job-2", JobName: "b", Status: HistoryStatusCompleted,
		TotalSegmentBytes: 1 << 20, DownloadTimeSeconds: 12,
	}))

	items, err := db.History.List(10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	n, err := db.History.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.History.Remove("job-1"))
	got, err := db.History.Item("job-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWithTxRollbackDiscardsStagedWrites(t *testing.T) {
	db := newTestDB(t)

	content, err := db.Items.Lookup(RootID, RootContent)
	require.NoError(t, err)

	boom := errors.New("job cancelled")
	err = db.WithTx(func(items *ItemRepository, queue *QueueRepository, history *HistoryRepository) error {
		dir, err := items.EnsureDir(content.ID, "staged-job")
		if err != nil {
			return err
		}
		if err := items.Create(&VirtualItem{ParentID: &dir.ID, Name: "f.bin", Type: ItemTypeFile}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = db.Items.Lookup(content.ID, "staged-job")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestWithTxCommitMovesQueueToHistory(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Queue.Add(&QueueItem{
		ID: "job-1", FileName: "a.nzb", JobName: "a", NzbContents: []byte("<nzb/>"),
	}))

	err := db.WithTx(func(items *ItemRepository, queue *QueueRepository, history *HistoryRepository) error {
		if err := queue.Remove("job-1"); err != nil {
			return err
		}
		return history.Insert(&HistoryItem{ID: "job-1", JobName: "a", Status: HistoryStatusCompleted})
	})
	require.NoError(t, err)

	n, err := db.Queue.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	item, err := db.History.Item("job-1")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, HistoryStatusCompleted, item.Status)
}
