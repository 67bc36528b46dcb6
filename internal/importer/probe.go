package importer

import (
	"context"
	"io"
	"log/slog"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/pool"
	"github.com/davmount/davmount/internal/usenet"
	concpool "github.com/sourcegraph/conc/pool"
)

// prefixProbeSize is how much decoded content the probe caches per file.
// PAR2 Hash16k matching needs exactly the first 16KiB.
const prefixProbeSize = 16 * 1024

// Prober resolves per-file names and decoded sizes by fetching each
// file's first segment.
type Prober struct {
	client      *pool.Client
	concurrency int
	log         *slog.Logger
}

func NewProber(client *pool.Client, concurrency int) *Prober {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Prober{
		client:      client,
		concurrency: concurrency,
		log:         slog.Default().With("component", "nzb-prober"),
	}
}

// Probe fetches the first segment of every file, recording the yEnc
// filename, the decoded total size and a content prefix for magic
// detection. Segment sizes are normalized from encoded hints to decoded
// sizes. A missing first segment fails the job fast.
func (p *Prober) Probe(ctx context.Context, job *Job) error {
	cp := concpool.New().
		WithMaxGoroutines(p.concurrency).
		WithContext(ctx).
		WithCancelOnError()

	for _, f := range job.Files {
		file := f
		cp.Go(func(ctx context.Context) error {
			return p.probeFile(ctx, file)
		})
	}
	if err := cp.Wait(); err != nil {
		return err
	}

	job.TotalSegmentBytes = 0
	for _, f := range job.Files {
		for _, s := range f.Segments {
			job.TotalSegmentBytes += s.Size
		}
	}
	return nil
}

func (p *Prober) probeFile(ctx context.Context, file *File) error {
	header, stream, err := p.client.GetSegmentStream(ctx, file.Segments[0].MessageID, pool.UsageQueue)
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return errs.E(errs.KindValidation,
				"first segment missing on all servers: "+file.Segments[0].MessageID, err)
		}
		return err
	}
	defer stream.Close()

	file.YencName = header.FileName

	total := header.TotalSize
	if total == 0 {
		total = header.PartSize
	}
	normalizeSegmentSizes(file, header.PartSize, total)

	prefix := make([]byte, prefixProbeSize)
	n, err := io.ReadFull(stream, prefix)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return errs.Wrap(errs.KindUnknown, "read probe prefix", err)
	}
	file.Prefix = prefix[:n]

	p.log.DebugContext(ctx, "probed file",
		"yenc_name", file.YencName,
		"size", file.Size,
		"segments", len(file.Segments))
	return nil
}

// normalizeSegmentSizes replaces encoded byte hints with decoded sizes:
// every segment carries partSize decoded bytes except the last, which
// takes the remainder. Falls back to the hints when the header is
// unusable.
func normalizeSegmentSizes(file *File, partSize, totalSize int64) {
	n := int64(len(file.Segments))
	if partSize <= 0 || totalSize <= 0 || n == 0 {
		return
	}
	last := totalSize - partSize*(n-1)
	if last <= 0 || last > partSize {
		return
	}

	for i := range file.Segments {
		if int64(i) == n-1 {
			file.Segments[i].Size = last
		} else {
			file.Segments[i].Size = partSize
		}
	}
	file.Size = totalSize
}

// fileReader opens the full decoded content of a probed file.
func fileReader(ctx context.Context, fetch usenet.Fetcher, file *File) io.ReadSeekCloser {
	return usenet.NewFileReader(ctx, fetch, pool.UsageQueue, file.Segments, file.Size)
}
