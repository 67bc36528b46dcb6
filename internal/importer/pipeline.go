package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
	"github.com/davmount/davmount/internal/pool"
	"github.com/davmount/davmount/internal/slogutil"
	"github.com/davmount/davmount/internal/store"
	"github.com/davmount/davmount/internal/usenet"
)

// ProgressFinalizing is reported once all segments are resolved and only
// the database commit remains. Ordinary progress stays within 0..100.
const ProgressFinalizing = 200

// OnProgress receives pipeline progress for one job.
type OnProgress = func(percent int)

// Pipeline turns a queued NZB into virtual filesystem entries.
type Pipeline struct {
	client *pool.Client
	db     *store.DB
	cfg    *config.Manager
	log    *slog.Logger
}

func NewPipeline(client *pool.Client, db *store.DB, cfg *config.Manager) *Pipeline {
	return &Pipeline{
		client: client,
		db:     db,
		cfg:    cfg,
		log:    slog.Default().With("component", "importer"),
	}
}

// Import runs one job end to end. All database writes land in a single
// transaction at the end, so a cancelled or failed job leaves no trace
// in the virtual tree.
func (p *Pipeline) Import(ctx context.Context, item *store.QueueItem, progress OnProgress) error {
	if progress == nil {
		progress = func(int) {}
	}
	cfg := p.cfg.Config()
	start := time.Now()

	ctx = slogutil.With(ctx, "job", item.JobName, "queue_id", item.ID)

	job, err := ParseNzb(item.NzbContents, item.JobName)
	if err != nil {
		return err
	}
	progress(5)

	jobName, replaceExisting, err := p.resolveJobName(cfg, item.Category, job.Name)
	if err != nil {
		return err
	}

	prober := NewProber(p.client, cfg.Import.MaxQueueConnections)
	if err := prober.Probe(ctx, job); err != nil {
		return err
	}
	progress(25)

	fetch := queueFetcher{p.client}
	if err := ApplyPar2Names(ctx, fetch, job); err != nil {
		return err
	}
	Classify(job)
	progress(40)

	files, err := p.resolve(ctx, fetch, job, cfg)
	if err != nil {
		return err
	}
	progress(70)

	var healthCheckedAt *time.Time
	if cfg.Import.EnsureArticleExistence {
		if err := p.healthSweep(ctx, cfg, files, func(done, total int) {
			if total > 0 {
				progress(70 + 25*done/total)
			}
		}); err != nil {
			return err
		}
		at := time.Now().UTC()
		healthCheckedAt = &at
	}
	progress(ProgressFinalizing)

	agg := &Aggregator{
		Strategy:        cfg.Import.ImportStrategy,
		Blacklist:       cfg.Import.BlacklistedExtensions,
		EnsureVideo:     cfg.Import.EnsureImportableVideo,
		BaseURL:         cfg.API.BaseURL,
		APIKey:          cfg.API.APIKey,
		HealthCheckedAt: healthCheckedAt,
	}

	err = p.db.WithTx(func(items *store.ItemRepository, queue *store.QueueRepository, history *store.HistoryRepository) error {
		if replaceExisting {
			if err := removeExisting(items, item.Category, jobName); err != nil {
				return err
			}
		}
		jobDir, err := agg.Aggregate(items, item.ID, item.Category, jobName, files)
		if err != nil {
			return err
		}
		if err := queue.Remove(item.ID); err != nil {
			return err
		}
		return history.Insert(&store.HistoryItem{
			ID:                  item.ID,
			JobName:             jobName,
			Category:            item.Category,
			Status:              store.HistoryStatusCompleted,
			TotalSegmentBytes:   job.TotalSegmentBytes,
			DownloadTimeSeconds: int64(time.Since(start).Seconds()),
			DownloadDirID:       &jobDir.ID,
		})
	})
	if err != nil {
		return err
	}

	progress(100)
	p.log.InfoContext(ctx, "import complete",
		"files", len(files),
		"duration_s", time.Since(start).Seconds())
	return nil
}

// Fail records a terminally failed job: the queue entry moves to history
// with the failure message, atomically.
func (p *Pipeline) Fail(item *store.QueueItem, cause error) error {
	msg := errs.Sanitize(cause)
	return p.db.WithTx(func(_ *store.ItemRepository, queue *store.QueueRepository, history *store.HistoryRepository) error {
		if err := queue.Remove(item.ID); err != nil {
			return err
		}
		return history.Insert(&store.HistoryItem{
			ID:                item.ID,
			JobName:           item.JobName,
			Category:          item.Category,
			Status:            store.HistoryStatusFailed,
			TotalSegmentBytes: item.TotalSegmentBytes,
			FailMessage:       &msg,
		})
	})
}

// resolveJobName applies the duplicate policy against the existing
// content tree.
func (p *Pipeline) resolveJobName(cfg *config.Config, category, jobName string) (name string, replace bool, err error) {
	exists := func(n string) (bool, error) {
		_, lookupErr := p.db.Items.ResolvePath(contentPath(category, n))
		if lookupErr == nil {
			return true, nil
		}
		if errs.KindOf(lookupErr) == errs.KindNotFound {
			return false, nil
		}
		return false, lookupErr
	}

	dup, err := exists(jobName)
	if err != nil {
		return "", false, err
	}
	if !dup {
		return jobName, false, nil
	}

	switch cfg.Import.DuplicateNzbBehavior {
	case config.DuplicateMarkFailed:
		return "", false, errs.E(errs.KindConflict, "job already imported: "+jobName, nil)

	case config.DuplicateOverwrite:
		return jobName, true, nil

	default: // increment
		for i := 2; i <= 99; i++ {
			candidate := fmt.Sprintf("%s (%d)", jobName, i)
			dup, err := exists(candidate)
			if err != nil {
				return "", false, err
			}
			if !dup {
				return candidate, false, nil
			}
		}
		return "", false, errs.E(errs.KindConflict, "too many imports named "+jobName, nil)
	}
}

func removeExisting(items *store.ItemRepository, category, jobName string) error {
	existing, err := items.ResolvePath(contentPath(category, jobName))
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil
		}
		return err
	}
	return items.Delete(existing.ID)
}

func contentPath(category, jobName string) string {
	if category == "" {
		return store.RootContent + "/" + jobName
	}
	return store.RootContent + "/" + category + "/" + jobName
}

// resolve turns classified files into their final shapes: archives are
// mapped through their headers, split videos joined, everything else
// passes through as-is. PAR2 recovery data is dropped.
func (p *Pipeline) resolve(ctx context.Context, fetch usenet.Fetcher, job *Job, cfg *config.Config) ([]ResolvedFile, error) {
	var out []ResolvedFile

	for base, volumes := range GroupArchiveVolumes(job, KindRar) {
		entries, err := ProcessRar(ctx, fetch, volumes, job.Password, cfg.Import.MaxQueueConnections)
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "RAR set "+base, err)
		}
		for _, e := range entries {
			out = append(out, resolvedFromEntry(e, true))
		}
	}

	for base, volumes := range GroupArchiveVolumes(job, KindSevenZip) {
		entries, err := ProcessSevenZip(ctx, fetch, volumes, job.Password)
		if err != nil {
			return nil, errs.Wrap(errs.KindOf(err), "7z set "+base, err)
		}
		for _, e := range entries {
			out = append(out, resolvedFromEntry(e, true))
		}
	}

	for _, pieces := range GroupArchiveVolumes(job, KindMultipartMkv) {
		entry, err := JoinMultipartMkv(pieces)
		if err != nil {
			return nil, err
		}
		out = append(out, resolvedFromEntry(entry, false))
	}

	for _, f := range job.Files {
		if f.Kind != KindOther {
			continue
		}
		out = append(out, ResolvedFile{
			Name:     f.Name(),
			Size:     f.Size,
			Segments: f.Segments,
		})
	}

	if len(out) == 0 {
		return nil, errs.E(errs.KindValidation, "nothing importable in NZB", nil)
	}
	return out, nil
}

func resolvedFromEntry(e Entry, fromArchive bool) ResolvedFile {
	meta := e.Meta
	return ResolvedFile{
		Name:        e.Name,
		Size:        e.Size,
		Meta:        &meta,
		FromArchive: fromArchive,
	}
}

// healthSweep samples the job's final segment set; any missing article
// fails the import before it reaches the tree.
func (p *Pipeline) healthSweep(ctx context.Context, cfg *config.Config, files []ResolvedFile, progress func(done, total int)) error {
	var ids []string
	for _, f := range files {
		for _, s := range f.Segments {
			ids = append(ids, s.MessageID)
		}
		if f.Meta != nil {
			for _, part := range f.Meta.Parts {
				for _, s := range part.Segments {
					ids = append(ids, s.MessageID)
				}
			}
		}
	}

	res, err := p.client.CheckAllSegments(ctx, ids, pool.CheckOptions{
		Concurrency:  cfg.Import.MaxQueueConnections,
		SamplingRate: cfg.Import.HealthCheckSamplingRate,
		MinSamples:   cfg.Import.MinHealthCheckSegments,
		Progress:     progress,
	})
	if err != nil {
		return err
	}
	if len(res.Missing) > 0 {
		// A server may still pick these articles up; let the queue retry
		// instead of failing the job outright.
		return errs.E(errs.KindTransient,
			fmt.Sprintf("%d of %d sampled segments missing", len(res.Missing), res.Checked), nil)
	}
	return nil
}

// queueFetcher pins the import pipeline to its reserved connection
// share whatever usage a reader asks for.
type queueFetcher struct {
	client *pool.Client
}

func (q queueFetcher) GetSegmentStream(ctx context.Context, messageID string, _ pool.Usage) (*nntp.YencHeader, pool.SegmentStream, error) {
	return q.client.GetSegmentStream(ctx, messageID, pool.UsageQueue)
}
