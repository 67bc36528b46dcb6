package importer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/javi11/sevenzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var sevenZipPartPattern = regexp.MustCompile(`(?i)^(.+)\.7z\.(\d+)$`)

// ProcessSevenZip maps a stored 7z set to its contained files. The 7z
// header carries absolute data offsets into the concatenated volume
// stream, so every entry becomes one contiguous span over all volumes.
func ProcessSevenZip(ctx context.Context, fetch usenet.Fetcher, volumes []*File, password string) ([]Entry, error) {
	if len(volumes) == 0 {
		return nil, errs.E(errs.KindValidation, "no 7z volumes", nil)
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name() < volumes[j].Name() })
	ufs := newArchiveFS(ctx, fetch, volumes)

	first := firstSevenZipVolume(volumes)

	var (
		reader *sevenzip.ReadCloser
		err    error
	)
	if password != "" {
		reader, err = sevenzip.OpenReaderWithPassword(first, password, &aferoFS{ufs: ufs})
	} else {
		reader, err = sevenzip.OpenReader(first, &aferoFS{ufs: ufs})
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "open 7z archive", err)
	}
	defer reader.Close()

	infos, err := reader.ListFilesWithOffsets()
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "list 7z archive", err)
	}

	// The volume stream is the concatenation of every volume's decoded
	// bytes in name order.
	var allSegments []usenet.SegmentRef
	for _, v := range volumes {
		allSegments = append(allSegments, v.Segments...)
	}

	log := slogFor("7z-processor")
	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if strings.HasSuffix(fi.Name, "/") || fi.Size == 0 {
			continue
		}
		if fi.Compressed {
			log.WarnContext(ctx, "skipping compressed 7z entry", "name", fi.Name)
			continue
		}

		entry := Entry{
			Name: path.Base(strings.ReplaceAll(fi.Name, `\`, "/")),
			Size: int64(fi.Size),
		}

		stored := int64(fi.Size)
		if fi.Encrypted {
			if password == "" || len(fi.AESIV) == 0 {
				log.WarnContext(ctx, "skipping encrypted 7z entry without usable credentials", "name", fi.Name)
				continue
			}
			entry.Meta.AES = &usenet.AESParams{
				Key: deriveSevenZipKey(password, fi),
				IV:  fi.AESIV,
			}
			// Encrypted payloads are stored padded to the cipher block.
			stored = (stored + 15) &^ 15
		}

		entry.Meta.Parts = []usenet.FilePart{{
			Segments:     allSegments,
			SegmentRange: usenet.ByteRange{Start: int64(fi.Offset), End: int64(fi.Offset) + stored},
			FileRange:    usenet.ByteRange{Start: 0, End: stored},
		}}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return nil, errs.E(errs.KindValidation, "no streamable files in 7z archive", nil)
	}
	return entries, nil
}

// firstSevenZipVolume prefers plain .7z over .7z.001; obfuscated sets
// fall back to the first volume by name.
func firstSevenZipVolume(volumes []*File) string {
	best := volumes[0].Name()
	bestPrio := 99
	for _, v := range volumes {
		name := v.Name()
		lower := strings.ToLower(name)
		prio := 3
		switch {
		case strings.HasSuffix(lower, ".7z"):
			prio = 1
		case sevenZipPartPattern.MatchString(name):
			if m := sevenZipPartPattern.FindStringSubmatch(name); atoiSafe(m[2]) > 1 {
				continue
			}
			prio = 2
		}
		if prio < bestPrio || (prio == bestPrio && name < best) {
			best, bestPrio = name, prio
		}
	}
	return best
}

// deriveSevenZipKey runs the 7-zip key derivation: SHA-256 over
// salt + UTF-16LE(password) + little-endian round counter, repeated
// 2^cycles times. A zero iteration count means the input is the key.
func deriveSevenZipKey(password string, fi sevenzip.FileInfo) []byte {
	b := bytes.NewBuffer(fi.AESSalt)
	utf16le := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	w := transform.NewWriter(b, utf16le.NewEncoder())
	_, _ = w.Write([]byte(password))
	_ = w.Close()

	key := make([]byte, sha256.Size)
	if fi.KDFIterations == 0 {
		copy(key, b.Bytes())
		return key
	}

	h := sha256.New()
	for i := uint64(0); i < uint64(fi.KDFIterations); i++ {
		h.Write(b.Bytes())
		_ = binary.Write(h, binary.LittleEndian, i)
	}
	copy(key, h.Sum(nil))
	return key
}
