// Package usenet maps byte ranges on virtual files to ordered segment
// reads, decoding yEnc bodies inline and, for encrypted archives, piping
// them through AES-CBC.
package usenet

import (
	"fmt"
)

// ByteRange is a half-open interval [Start, End).
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r ByteRange) Length() int64 { return r.End - r.Start }

func (r ByteRange) Contains(off int64) bool { return off >= r.Start && off < r.End }

// SegmentRef points at one article and the decoded bytes it contributes.
// Segments of a file are contiguous: the n-th segment starts where the
// previous one ended.
type SegmentRef struct {
	MessageID string `json:"message_id"`
	Size      int64  `json:"size"`
}

// FilePart is one contiguous slice of a virtual file backed by a byte
// range inside the decoded concatenation of its segments. Archive entries
// use this to point into the middle of a volume.
type FilePart struct {
	Segments []SegmentRef `json:"segments"`
	// SegmentRange is the interval within the decoded segment stream.
	SegmentRange ByteRange `json:"segment_range"`
	// FileRange is the interval within the virtual file.
	FileRange ByteRange `json:"file_range"`
}

// AESParams carries the archive-derived CBC key and IV for an encrypted
// stored entry.
type AESParams struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// MultipartMeta describes how a multipart virtual file is assembled.
type MultipartMeta struct {
	AES   *AESParams `json:"aes,omitempty"`
	Parts []FilePart `json:"parts"`
}

// Validate checks the part invariants against the decoded file size.
// Parts must be sorted, non-overlapping and, for unencrypted files, cover
// [0, size) exactly. Encrypted files may carry up to one cipher block of
// padding beyond the decoded size.
func (m *MultipartMeta) Validate(size int64) error {
	var covered int64
	for i, p := range m.Parts {
		if p.SegmentRange.Length() != p.FileRange.Length() {
			return fmt.Errorf("part %d: segment range length %d != file range length %d",
				i, p.SegmentRange.Length(), p.FileRange.Length())
		}
		if p.FileRange.Start != covered {
			return fmt.Errorf("part %d: starts at %d, expected %d", i, p.FileRange.Start, covered)
		}
		var segTotal int64
		for _, s := range p.Segments {
			segTotal += s.Size
		}
		if p.SegmentRange.End > segTotal {
			return fmt.Errorf("part %d: segment range ends at %d beyond segment data %d",
				i, p.SegmentRange.End, segTotal)
		}
		covered = p.FileRange.End
	}

	if m.AES != nil {
		// Ciphertext is block padded; the decoded size may be shorter.
		if covered < size {
			return fmt.Errorf("parts cover %d of %d encrypted bytes", covered, size)
		}
		return nil
	}
	if covered != size {
		return fmt.Errorf("parts cover %d of %d bytes", covered, size)
	}
	return nil
}

// SinglePart wraps a plain file's segments as one part spanning [0, size).
func SinglePart(segments []SegmentRef, size int64) MultipartMeta {
	return MultipartMeta{
		Parts: []FilePart{{
			Segments:     segments,
			SegmentRange: ByteRange{Start: 0, End: size},
			FileRange:    ByteRange{Start: 0, End: size},
		}},
	}
}

// partIndex returns the index of the part whose file range contains off,
// or -1 when off is past the end.
func partIndex(parts []FilePart, off int64) int {
	for i, p := range parts {
		if p.FileRange.Contains(off) {
			return i
		}
	}
	return -1
}
