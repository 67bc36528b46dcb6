package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/pool"
	"github.com/davmount/davmount/internal/usenet"
)

// ContentReader turns virtual items into byte streams. Callers never see
// segments; everything below this line is the usenet read path.
type ContentReader struct {
	db    *DB
	fetch usenet.Fetcher
}

func NewContentReader(db *DB, fetch usenet.Fetcher) *ContentReader {
	return &ContentReader{db: db, fetch: fetch}
}

type inlineReader struct {
	*bytes.Reader
}

func (inlineReader) Close() error { return nil }

// Open returns a seekable stream over the item's decoded content.
func (c *ContentReader) Open(ctx context.Context, item *VirtualItem) (io.ReadSeekCloser, error) {
	switch item.Type {
	case ItemTypeFile:
		if item.Content != nil {
			return inlineReader{bytes.NewReader(item.Content)}, nil
		}
		segments, err := FileSegments(item)
		if err != nil {
			return nil, err
		}
		return usenet.NewFileReader(ctx, c.fetch, pool.UsageLive, segments, item.Size), nil

	case ItemTypeMultipartFile:
		meta, err := ItemMultipartMeta(item)
		if err != nil {
			return nil, err
		}
		return usenet.NewReader(ctx, c.fetch, pool.UsageLive, meta, item.Size)

	default:
		return nil, errs.E(errs.KindValidation,
			fmt.Sprintf("item %s is a %s, not a readable file", item.ID, item.Type), nil)
	}
}

// ReadRange reads up to length bytes starting at offset. Short reads only
// happen at end of file.
func (c *ContentReader) ReadRange(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	item, err := c.db.Items.Item(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, errs.E(errs.KindValidation, "negative offset or length", nil)
	}
	if offset >= item.Size {
		return []byte{}, nil
	}
	if offset+length > item.Size {
		length = item.Size - offset
	}

	r, err := c.Open(ctx, item)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if offset > 0 {
		if _, err := r.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
