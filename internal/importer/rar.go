package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/javi11/rardecode/v2"
)

// Entry is one file recovered from an archive layout: a name plus the
// segment mapping needed to stream its bytes straight off the wire.
type Entry struct {
	Name string
	Size int64
	Meta usenet.MultipartMeta
}

var (
	rarPartVolume = regexp.MustCompile(`(?i)^(.+)\.part(\d+)\.rar$`)
	rarRVolume    = regexp.MustCompile(`(?i)^(.+)\.r(\d+)$`)
	rarNumVolume  = regexp.MustCompile(`^(.+)\.(\d+)$`)
)

func slogFor(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// ProcessRar maps a stored (uncompressed) RAR set to its contained files
// without downloading: rardecode walks the volume headers through the
// archive filesystem and reports, per file, the packed byte span inside
// each volume.
func ProcessRar(ctx context.Context, fetch usenet.Fetcher, volumes []*File, password string, maxVolumeReaders int) ([]Entry, error) {
	if len(volumes) == 0 {
		return nil, errs.E(errs.KindValidation, "no RAR volumes", nil)
	}

	names := normalizeVolumeNames(volumes)
	ufs := newArchiveFS(ctx, fetch, volumes)

	first, err := firstRarVolume(names)
	if err != nil {
		return nil, err
	}

	opts := []rardecode.Option{rardecode.FileSystem(ufs), rardecode.SkipCheck}
	if password != "" {
		opts = append(opts, rardecode.Password(password))
	}
	if len(volumes) > 1 {
		opts = append(opts, rardecode.ParallelRead(true), rardecode.MaxConcurrentVolumes(maxVolumeReaders))
	}

	start := time.Now()
	infos, err := rardecode.ListArchiveInfo(first, opts...)
	if err != nil {
		return nil, mapRarError(err)
	}
	if len(infos) == 0 {
		return nil, errs.E(errs.KindValidation, "no files found in RAR archive", nil)
	}

	byName := make(map[string]*File, len(volumes)*2)
	for i, v := range volumes {
		byName[names[i]] = v
		byName[path.Base(names[i])] = v
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		if info.Compressed {
			return nil, errs.E(errs.KindValidation,
				fmt.Sprintf("compressed RAR entries are not supported: %s (%s)", info.Name, info.CompressionMethod), nil)
		}

		entry := Entry{
			Name: path.Base(strings.ReplaceAll(info.Name, `\`, "/")),
			Size: info.TotalPackedSize,
		}
		if len(info.Parts) > 0 && info.Parts[0].AesKey != nil {
			entry.Meta.AES = &usenet.AESParams{
				Key: info.Parts[0].AesKey,
				IV:  info.Parts[0].AesIV,
			}
		}

		var fileOffset int64
		for _, part := range info.Parts {
			if part.PackedSize <= 0 {
				continue
			}
			vol := byName[part.Path]
			if vol == nil {
				vol = byName[path.Base(part.Path)]
			}
			if vol == nil {
				return nil, errs.E(errs.KindValidation,
					fmt.Sprintf("RAR volume %s not present in job", part.Path), nil)
			}
			entry.Meta.Parts = append(entry.Meta.Parts, usenet.FilePart{
				Segments:     vol.Segments,
				SegmentRange: usenet.ByteRange{Start: part.DataOffset, End: part.DataOffset + part.PackedSize},
				FileRange:    usenet.ByteRange{Start: fileOffset, End: fileOffset + part.PackedSize},
			})
			fileOffset += part.PackedSize
		}
		entries = append(entries, entry)
	}

	slogFor("rar-processor").DebugContext(ctx, "RAR analysis done",
		"volumes", len(volumes), "files", len(entries), "duration_ms", time.Since(start).Milliseconds())
	return entries, nil
}

func mapRarError(err error) error {
	switch {
	case errors.Is(err, rardecode.ErrBadPassword):
		return errs.E(errs.KindUnauthorized, "RAR archive needs a password or the given one is wrong", err)
	case errors.Is(err, rardecode.ErrNoSig):
		return errs.E(errs.KindValidation, "not a valid RAR archive", err)
	case isIncompleteRar(err):
		return errs.E(errs.KindValidation, "incomplete RAR archive: missing volumes", err)
	default:
		return errs.Wrap(errs.KindValidation, "analyze RAR archive", err)
	}
}

func isIncompleteRar(err error) bool {
	if errors.Is(err, rardecode.ErrVerMismatch) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"bad volume", "volume not found", "missing volume", "incomplete archive"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// normalizeVolumeNames gives obfuscated extension-less volumes synthetic
// .rNN names so rardecode can order them; named volumes keep their names.
// Returns the name used for each volume, index-aligned with volumes.
func normalizeVolumeNames(volumes []*File) []string {
	allBare := true
	for _, v := range volumes {
		if path.Ext(v.Name()) != "" {
			allBare = false
			break
		}
	}

	names := make([]string, len(volumes))
	if !allBare {
		for i, v := range volumes {
			names[i] = v.Name()
		}
		return names
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name() < volumes[j].Name() })
	base := volumes[0].Name()
	width := len(strconv.Itoa(len(volumes) - 1))
	for i := range volumes {
		names[i] = fmt.Sprintf("%s.r%0*d", base, width, i)
		volumes[i].Par2Name = names[i]
	}
	return names
}

// firstRarVolume picks the archive's entry point: plain .rar beats
// .part01.rar beats .r00 beats .001.
func firstRarVolume(names []string) (string, error) {
	if len(names) == 1 {
		return names[0], nil
	}

	best := ""
	bestPrio := 99
	for _, name := range names {
		if !isFirstVolume(name) {
			continue
		}
		prio := volumePriority(name)
		if best == "" || prio < bestPrio || (prio == bestPrio && name < best) {
			best, bestPrio = name, prio
		}
	}
	if best == "" {
		return "", errs.E(errs.KindValidation, "no first RAR volume found", nil)
	}
	return best, nil
}

func isFirstVolume(name string) bool {
	if m := rarPartVolume.FindStringSubmatch(name); m != nil {
		return atoiSafe(m[2]) <= 1
	}
	if strings.HasSuffix(strings.ToLower(name), ".rar") {
		return true
	}
	if m := rarRVolume.FindStringSubmatch(name); m != nil {
		return atoiSafe(m[2]) == 0
	}
	if m := rarNumVolume.FindStringSubmatch(name); m != nil {
		return atoiSafe(m[2]) <= 1
	}
	return false
}

func volumePriority(name string) int {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".rar") && !strings.Contains(lower, ".part"):
		return 1
	case strings.HasSuffix(lower, ".rar"):
		return 2
	case rarRVolume.MatchString(name):
		return 3
	case rarNumVolume.MatchString(name):
		return 4
	default:
		return 5
	}
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
