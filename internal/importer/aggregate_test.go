package importer

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/store"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func segFile(name string, size int64) ResolvedFile {
	return ResolvedFile{
		Name:     name,
		Size:     size,
		Segments: []usenet.SegmentRef{{MessageID: "<" + name + "@x>", Size: size}},
	}
}

func TestAggregateStrm(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{
		Strategy: config.ImportStrategyStrm,
		BaseURL:  "http://media.local:8080",
		APIKey:   "api-secret",
	}

	files := []ResolvedFile{segFile("movie.mkv", 5000), segFile("movie.nfo", 100)}
	jobDir, err := agg.Aggregate(db.Items, "q1", "movies", "My Movie", files)
	require.NoError(t, err)
	require.NotNil(t, jobDir)

	item, err := db.Items.ResolvePath("content/movies/My Movie/movie.mkv")
	require.NoError(t, err)
	assert.Equal(t, store.ItemTypeFile, item.Type)
	assert.Equal(t, int64(5000), item.Size)

	// Only the video got a .strm pointer.
	strm, err := db.Items.ResolvePath("ids/q1/movie.strm")
	require.NoError(t, err)
	url := strings.TrimSpace(string(strm.Content))
	assert.True(t, strings.HasPrefix(url, "http://media.local:8080/stream/content/movies/My%20Movie/movie.mkv?key="), url)
	assert.Contains(t, url, DownloadKey("content/movies/My Movie/movie.mkv", "api-secret"))

	_, err = db.Items.ResolvePath("ids/q1/movie.nfo")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAggregateSymlinks(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{Strategy: config.ImportStrategySymlinks}

	_, err := agg.Aggregate(db.Items, "q1", "tv", "Show S01E01", []ResolvedFile{segFile("ep.mkv", 100)})
	require.NoError(t, err)

	link, err := db.Items.ResolvePath("symlinks/tv/Show S01E01/ep.mkv")
	require.NoError(t, err)
	assert.Equal(t, store.ItemTypeSymlink, link.Type)
	require.NotNil(t, link.SymlinkTarget)
	assert.Equal(t, "/content/tv/Show S01E01/ep.mkv", *link.SymlinkTarget)
}

func TestAggregateDedupNames(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{Strategy: config.ImportStrategySymlinks}

	files := []ResolvedFile{segFile("a.mkv", 1), segFile("a.mkv", 2), segFile("a.mkv", 3)}
	_, err := agg.Aggregate(db.Items, "q1", "", "job", files)
	require.NoError(t, err)

	for _, name := range []string{"a.mkv", "a (2).mkv", "a (3).mkv"} {
		_, err := db.Items.ResolvePath("content/job/" + name)
		assert.NoError(t, err, name)
	}
}

func TestAggregateBlacklistAndEnsureVideo(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{
		Strategy:    config.ImportStrategySymlinks,
		Blacklist:   []string{".exe"},
		EnsureVideo: true,
	}

	_, err := agg.Aggregate(db.Items, "q1", "", "job", []ResolvedFile{segFile("setup.exe", 1)})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = agg.Aggregate(db.Items, "q1", "", "job", []ResolvedFile{
		segFile("setup.exe", 1),
		segFile("movie.mkv", 100),
	})
	require.NoError(t, err)

	_, err = db.Items.ResolvePath("content/job/setup.exe")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAggregateRenamesSingleArchivePayload(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{Strategy: config.ImportStrategySymlinks}

	meta := &usenet.MultipartMeta{Parts: []usenet.FilePart{{
		Segments:     []usenet.SegmentRef{{MessageID: "<v@x>", Size: 100}},
		SegmentRange: usenet.ByteRange{Start: 0, End: 100},
		FileRange:    usenet.ByteRange{Start: 0, End: 100},
	}}}
	files := []ResolvedFile{{
		Name:        "jwxtz9a02.mkv",
		Size:        100,
		Meta:        meta,
		FromArchive: true,
	}}

	_, err := agg.Aggregate(db.Items, "q1", "movies", "Nice Release 2020", files)
	require.NoError(t, err)

	item, err := db.Items.ResolvePath("content/movies/Nice Release 2020/Nice Release 2020.mkv")
	require.NoError(t, err)
	assert.Equal(t, store.ItemTypeMultipartFile, item.Type)
}

func TestAggregateStampsHealthCheck(t *testing.T) {
	db := newTestDB(t)
	checkedAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	agg := &Aggregator{
		Strategy:        config.ImportStrategySymlinks,
		HealthCheckedAt: &checkedAt,
	}

	_, err := agg.Aggregate(db.Items, "q1", "movies", "Checked", []ResolvedFile{segFile("a.mkv", 10)})
	require.NoError(t, err)

	item, err := db.Items.ResolvePath("content/movies/Checked/a.mkv")
	require.NoError(t, err)
	require.NotNil(t, item.LastHealthCheckAt)
	assert.True(t, item.LastHealthCheckAt.Equal(checkedAt))

	// Without a sweep the field stays unset.
	agg.HealthCheckedAt = nil
	_, err = agg.Aggregate(db.Items, "q2", "movies", "Unchecked", []ResolvedFile{segFile("b.mkv", 10)})
	require.NoError(t, err)
	item, err = db.Items.ResolvePath("content/movies/Unchecked/b.mkv")
	require.NoError(t, err)
	assert.Nil(t, item.LastHealthCheckAt)
}

func TestAggregateMultipartMeta(t *testing.T) {
	db := newTestDB(t)
	agg := &Aggregator{Strategy: config.ImportStrategySymlinks}

	meta := &usenet.MultipartMeta{
		AES: &usenet.AESParams{Key: make([]byte, 32), IV: make([]byte, 16)},
		Parts: []usenet.FilePart{{
			Segments:     []usenet.SegmentRef{{MessageID: "<p@x>", Size: 160}},
			SegmentRange: usenet.ByteRange{Start: 0, End: 160},
			FileRange:    usenet.ByteRange{Start: 0, End: 160},
		}},
	}
	_, err := agg.Aggregate(db.Items, "q1", "", "enc", []ResolvedFile{
		{Name: "payload.mkv", Size: 150, Meta: meta},
	})
	require.NoError(t, err)

	item, err := db.Items.ResolvePath("content/enc/payload.mkv")
	require.NoError(t, err)
	got, err := store.ItemMultipartMeta(item)
	require.NoError(t, err)
	require.NotNil(t, got.AES)
	assert.Len(t, got.AES.Key, 32)
}
