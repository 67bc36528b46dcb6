package importer

import (
	"context"
	"crypto/md5"
	"log/slog"
	"sort"

	"github.com/davmount/davmount/internal/importer/par2"
	"github.com/davmount/davmount/internal/usenet"
)

// ApplyPar2Names recovers authoritative filenames for obfuscated posts.
// It picks the PAR2 index file (the PAR2 post with the fewest segments),
// streams its FileDesc packets, and matches each job file to a descriptor
// by the MD5 of its first 16KiB. Matched files get their real name and
// exact decoded size; the PAR2 posts themselves are tagged so later
// stages drop them.
func ApplyPar2Names(ctx context.Context, fetch usenet.Fetcher, job *Job) error {
	var index *File
	for _, f := range job.Files {
		if !par2.HasMagic(f.Prefix) {
			continue
		}
		f.Kind = KindPar2
		if index == nil || len(f.Segments) < len(index.Segments) {
			index = f
		}
	}
	if index == nil {
		return nil
	}

	r := fileReader(ctx, fetch, index)
	defer r.Close()

	// FileDesc packets can sit in any segment, so scan the whole file.
	descs := par2.ScanFileDescs(r)
	if len(descs) == 0 {
		return nil
	}

	log := slog.Default().With("component", "nzb-importer")
	matched := 0
	for _, f := range job.Files {
		if f.Kind == KindPar2 || len(f.Prefix) == 0 {
			continue
		}
		d, ok := descs[md5.Sum(f.Prefix)]
		if !ok {
			continue
		}
		f.Par2Name = d.Name
		if d.Length > 0 {
			f.Size = int64(d.Length)
		}
		matched++
	}
	log.DebugContext(ctx, "applied PAR2 descriptors",
		"descriptors", len(descs), "matched", matched)
	return nil
}

// SortedNames returns the current best name of every non-PAR2 file,
// sorted, mostly for logging and tests.
func SortedNames(job *Job) []string {
	names := make([]string, 0, len(job.Files))
	for _, f := range job.Files {
		if f.Kind == KindPar2 {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)
	return names
}
