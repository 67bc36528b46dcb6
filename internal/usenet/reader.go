package usenet

import (
	"context"
	"fmt"
	"io"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
	"github.com/davmount/davmount/internal/pool"
)

// Fetcher is the slice of the NNTP client the read path needs.
type Fetcher interface {
	GetSegmentStream(ctx context.Context, messageID string, usage pool.Usage) (*nntp.YencHeader, pool.SegmentStream, error)
}

// segmentsReader streams the interval rng of the decoded concatenation of
// a part's segments. Segments are opened one at a time; seeking forward
// inside the open segment discards bytes, anything else reopens.
type segmentsReader struct {
	ctx      context.Context
	fetch    Fetcher
	usage    pool.Usage
	segments []SegmentRef
	offsets  []int64 // cumulative start offset of each segment
	rng      ByteRange

	pos    int64 // absolute position in the concatenation
	cur    pool.SegmentStream
	curIdx int
	curEnd int64 // absolute end offset of the open segment
}

func newSegmentsReader(ctx context.Context, fetch Fetcher, usage pool.Usage, segments []SegmentRef, rng ByteRange) *segmentsReader {
	offsets := make([]int64, len(segments))
	var off int64
	for i, s := range segments {
		offsets[i] = off
		off += s.Size
	}
	return &segmentsReader{
		ctx:      ctx,
		fetch:    fetch,
		usage:    usage,
		segments: segments,
		offsets:  offsets,
		rng:      rng,
		pos:      rng.Start,
		curIdx:   -1,
	}
}

func (r *segmentsReader) Read(p []byte) (int, error) {
	if r.pos >= r.rng.End {
		return 0, io.EOF
	}
	if remaining := r.rng.End - r.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	if r.cur == nil {
		if err := r.openAt(r.pos); err != nil {
			return 0, err
		}
	}

	n, err := r.cur.Read(p)
	r.pos += int64(n)

	if err == io.EOF {
		if r.pos < r.curEnd {
			seg := r.segments[r.curIdx]
			got := r.pos - r.offsets[r.curIdx]
			r.closeCurrent(false)
			return n, errs.E(errs.KindProtocol,
				fmt.Sprintf("segment %s: short body, got %d of %d bytes", seg.MessageID, got, seg.Size), nil)
		}
		r.closeCurrent(true)
		err = nil
	} else if err == nil && r.pos == r.curEnd {
		r.closeCurrent(true)
	} else if err != nil {
		r.closeCurrent(false)
		return n, err
	}

	if n == 0 && err == nil && r.pos < r.rng.End {
		return r.Read(p)
	}
	return n, err
}

// openAt opens the segment containing the absolute offset and discards the
// prefix up to it.
func (r *segmentsReader) openAt(off int64) error {
	idx := -1
	for i := range r.segments {
		if off >= r.offsets[i] && off < r.offsets[i]+r.segments[i].Size {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.E(errs.KindProtocol, fmt.Sprintf("offset %d beyond segment data", off), nil)
	}

	seg := r.segments[idx]
	_, stream, err := r.fetch.GetSegmentStream(r.ctx, seg.MessageID, r.usage)
	if err != nil {
		return err
	}

	if skip := off - r.offsets[idx]; skip > 0 {
		if _, err := io.CopyN(io.Discard, stream, skip); err != nil {
			_ = stream.Close()
			return errs.Wrap(errs.KindUnknown, "seek within segment", err)
		}
	}

	r.cur = stream
	r.curIdx = idx
	r.curEnd = r.offsets[idx] + seg.Size
	return nil
}

// closeCurrent retires the open segment stream. When the segment was fully
// consumed one extra read surfaces EOF so the lent connection comes back
// clean; a trimmed tail closes dirty and the connection is retired.
func (r *segmentsReader) closeCurrent(consumed bool) {
	if r.cur == nil {
		return
	}
	if consumed {
		var b [1]byte
		_, _ = r.cur.Read(b[:])
	}
	_ = r.cur.Close()
	r.cur = nil
	r.curIdx = -1
	r.curEnd = 0
}

func (r *segmentsReader) Close() error {
	r.closeCurrent(false)
	return nil
}

// Reader is an io.ReadSeekCloser over a multipart virtual file. It walks
// the file parts in order, opening each part's segment window on demand.
type Reader struct {
	ctx   context.Context
	fetch Fetcher
	usage pool.Usage
	parts []FilePart
	size  int64

	pos     int64
	cur     *segmentsReader
	curPart int
}

// NewFileReader streams a plain (non-archive) virtual file.
func NewFileReader(ctx context.Context, fetch Fetcher, usage pool.Usage, segments []SegmentRef, size int64) *Reader {
	meta := SinglePart(segments, size)
	return &Reader{ctx: ctx, fetch: fetch, usage: usage, parts: meta.Parts, size: size, curPart: -1}
}

// NewReader streams a multipart virtual file. Encrypted files are wrapped
// in the CBC decode path; callers always see decoded bytes.
func NewReader(ctx context.Context, fetch Fetcher, usage pool.Usage, meta MultipartMeta, size int64) (io.ReadSeekCloser, error) {
	if meta.AES != nil {
		return newAESReader(meta.AES, size, func(start int64) (io.ReadCloser, error) {
			r := &Reader{ctx: ctx, fetch: fetch, usage: usage, parts: meta.Parts, size: encryptedLength(meta.Parts), curPart: -1}
			if _, err := r.Seek(start, io.SeekStart); err != nil {
				_ = r.Close()
				return nil, err
			}
			return r, nil
		})
	}
	if err := meta.Validate(size); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "multipart metadata", err)
	}
	return &Reader{ctx: ctx, fetch: fetch, usage: usage, parts: meta.Parts, size: size, curPart: -1}, nil
}

func encryptedLength(parts []FilePart) int64 {
	if len(parts) == 0 {
		return 0
	}
	return parts[len(parts)-1].FileRange.End
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if remaining := r.size - r.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	if r.cur == nil {
		idx := partIndex(r.parts, r.pos)
		if idx < 0 {
			return 0, errs.E(errs.KindProtocol, fmt.Sprintf("no part covers offset %d", r.pos), nil)
		}
		part := r.parts[idx]
		sub := ByteRange{
			Start: part.SegmentRange.Start + (r.pos - part.FileRange.Start),
			End:   part.SegmentRange.End,
		}
		r.cur = newSegmentsReader(r.ctx, r.fetch, r.usage, part.Segments, sub)
		r.curPart = idx
	}

	n, err := r.cur.Read(p)
	r.pos += int64(n)

	if err == io.EOF {
		// Part exhausted; the next Read opens the following part.
		_ = r.cur.Close()
		r.cur = nil
		if r.pos < r.size {
			err = nil
		}
		if n == 0 && err == nil {
			return r.Read(p)
		}
	}
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position: %d", abs)
	}
	if abs == r.pos {
		return abs, nil
	}

	// Short forward hops inside the open part are cheaper as discards
	// than reopening a pooled stream.
	if r.cur != nil && abs > r.pos && r.curPart == partIndex(r.parts, abs) {
		if _, err := io.CopyN(io.Discard, r, abs-r.pos); err != nil {
			return 0, err
		}
		return r.pos, nil
	}

	if r.cur != nil {
		_ = r.cur.Close()
		r.cur = nil
	}
	r.pos = abs
	return abs, nil
}

func (r *Reader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}
