package importer

import (
	"sort"
	"strings"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
)

// JoinMultipartMkv fuses a split video (.mkv.001, .mkv.002, ...) into one
// logical file: each piece contributes its full decoded span at a
// running offset.
func JoinMultipartMkv(pieces []*File) (Entry, error) {
	if len(pieces) == 0 {
		return Entry{}, errs.E(errs.KindValidation, "no multipart pieces", nil)
	}

	sort.Slice(pieces, func(i, j int) bool { return pieces[i].Name() < pieces[j].Name() })

	name := pieces[0].Name()
	if m := multipartMkvPattern.FindStringIndex(name); m != nil {
		name = name[:m[0]]
	}
	if !strings.HasSuffix(strings.ToLower(name), ".mkv") {
		name += ".mkv"
	}

	entry := Entry{Name: name}
	var offset int64
	for _, p := range pieces {
		if p.Size <= 0 {
			return Entry{}, errs.E(errs.KindValidation, "multipart piece with unknown size: "+p.Name(), nil)
		}
		entry.Meta.Parts = append(entry.Meta.Parts, usenet.FilePart{
			Segments:     p.Segments,
			SegmentRange: usenet.ByteRange{Start: 0, End: p.Size},
			FileRange:    usenet.ByteRange{Start: offset, End: offset + p.Size},
		})
		offset += p.Size
	}
	entry.Size = offset
	return entry, nil
}
