package nntp

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/davmount/davmount/internal/errs"
	"github.com/javi11/rapidyenc"
)

// YencHeader is the metadata parsed from the =ybegin / =ypart prefix of a
// segment body. PartOffset is the zero-based offset of this part's first
// byte inside the complete file. CRC32 is the part checksum declared in
// the =yend trailer; it becomes available once the body has been read
// through, and only when the poster included one.
type YencHeader struct {
	FileName   string
	PartNumber int
	PartOffset int64
	PartSize   int64
	TotalSize  int64
	CRC32      uint32
	HasCRC32   bool
}

// maxHeaderLines bounds how far we scan for =ybegin before declaring the
// body malformed. Real articles start with it on the first line.
const maxHeaderLines = 32

// parseYencHeader consumes lines from br until the yEnc header is
// complete, returning the header and the raw header bytes consumed so the
// decoder can be fed the untouched stream.
func parseYencHeader(br *bufio.Reader) (*YencHeader, []byte, error) {
	var (
		consumed bytes.Buffer
		header   *YencHeader
	)

	for i := 0; i < maxHeaderLines; i++ {
		line, err := br.ReadString('\n')
		consumed.WriteString(line)
		if err != nil {
			return nil, nil, errs.E(errs.KindProtocol, "yenc header truncated", err)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(trimmed, "=ybegin ") {
			header = &YencHeader{}
			fields := parseYencFields(strings.TrimPrefix(trimmed, "=ybegin "))
			header.FileName = fields["name"]
			header.TotalSize = parseInt(fields["size"])
			header.PartNumber = int(parseInt(fields["part"]))

			if header.PartNumber == 0 {
				// Single-part file: the part spans the whole size.
				header.PartOffset = 0
				header.PartSize = header.TotalSize
				return header, consumed.Bytes(), nil
			}
			continue
		}

		if header != nil && strings.HasPrefix(trimmed, "=ypart ") {
			fields := parseYencFields(strings.TrimPrefix(trimmed, "=ypart "))
			begin := parseInt(fields["begin"])
			end := parseInt(fields["end"])
			if begin <= 0 || end < begin {
				return nil, nil, errs.E(errs.KindProtocol, "invalid =ypart range", nil)
			}
			header.PartOffset = begin - 1
			header.PartSize = end - begin + 1
			return header, consumed.Bytes(), nil
		}
	}

	return nil, nil, errs.E(errs.KindProtocol, "missing =ybegin header", nil)
}

// parseYencFields splits "key=value key=value name=the rest" pairs. The
// name key always comes last and may contain spaces, per the yEnc spec.
func parseYencFields(s string) map[string]string {
	fields := make(map[string]string)

	if idx := strings.Index(s, "name="); idx >= 0 {
		fields["name"] = strings.TrimSpace(s[idx+len("name="):])
		s = s[:idx]
	}

	for _, token := range strings.Fields(s) {
		k, v, ok := strings.Cut(token, "=")
		if ok {
			fields[k] = v
		}
	}

	return fields
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// trailerScanner passes the raw article bytes through to the decoder
// while watching for the =yend line, recording its declared CRC on the
// header. The decoder buffers its reads, so the trailer has to be caught
// in flight rather than read back afterwards.
type trailerScanner struct {
	r      io.Reader
	header *YencHeader
	line   []byte
	done   bool
}

func (t *trailerScanner) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 && !t.done {
		t.scan(p[:n])
	}
	return n, err
}

func (t *trailerScanner) scan(chunk []byte) {
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			if len(t.line) < 1024 {
				t.line = append(t.line, chunk...)
			}
			return
		}
		t.line = append(t.line, chunk[:idx]...)
		t.checkLine()
		t.line = t.line[:0]
		if t.done {
			return
		}
		chunk = chunk[idx+1:]
	}
}

func (t *trailerScanner) checkLine() {
	line := strings.TrimRight(string(t.line), "\r")
	if !strings.HasPrefix(line, "=yend ") {
		return
	}
	t.done = true

	fields := parseYencFields(strings.TrimPrefix(line, "=yend "))
	crc := fields["pcrc32"]
	if crc == "" {
		crc = fields["crc32"]
	}
	if crc == "" {
		return
	}
	if v, err := strconv.ParseUint(crc, 16, 32); err == nil {
		t.header.CRC32 = uint32(v)
		t.header.HasCRC32 = true
	}
}

// SegmentBody exposes the yEnc-decoded bytes of one article. Closing
// before EOF marks the lent connection broken (the remaining body would
// poison the next command); closing after EOF drains the trailing dot
// terminator so the session stays clean.
type SegmentBody struct {
	header *YencHeader

	conn    *Conn
	raw     io.Reader // dot-decoded article body from =ybegin onwards
	dec     io.Reader
	release func()
	eof     bool
	closed  bool
	onClose func(clean bool)
}

// Header returns the parsed yEnc header; available before any body read.
func (s *SegmentBody) Header() *YencHeader { return s.header }

// SetOnClose registers a hook invoked once when the body is closed.
// clean reports whether the protocol state allows reusing the connection.
func (s *SegmentBody) SetOnClose(fn func(clean bool)) {
	s.onClose = fn
}

func (s *SegmentBody) Read(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := s.dec.Read(p)
	if err == io.EOF {
		s.eof = true
	} else if err != nil {
		s.conn.MarkBroken()
		if errs.KindOf(err) == errs.KindUnknown {
			err = errs.Wrap(errs.KindProtocol, "yenc decode", err)
		}
	}
	return n, err
}

// Close releases the underlying connection. It is safe to call twice.
func (s *SegmentBody) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	clean := s.eof
	if clean {
		// The decoder stops at =yend; drain the trailing lines and the
		// dot terminator so the connection can be reused.
		if _, err := io.Copy(io.Discard, s.raw); err != nil {
			s.conn.MarkBroken()
			clean = false
		}
	} else {
		s.conn.MarkBroken()
	}

	s.release()
	if s.onClose != nil {
		s.onClose(clean)
	}
	return nil
}

// GetSegment issues BODY and parses the yEnc header before returning, so
// PartOffset and PartSize are known before the first body byte is read.
func (c *Conn) GetSegment(messageID string) (*SegmentBody, error) {
	raw, release, err := c.BodyReader(messageID)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(raw)
	header, consumed, err := parseYencHeader(br)
	if err != nil {
		c.MarkBroken()
		release()
		return nil, err
	}

	// Feed rapidyenc the untouched article from =ybegin onwards, with the
	// trailer scanner filling in the =yend CRC as it streams past. The
	// close-time drain goes through the same scanner so a trailer the
	// decoder left unread is still caught.
	scan := &trailerScanner{
		r:      io.MultiReader(bytes.NewReader(consumed), br),
		header: header,
	}

	return &SegmentBody{
		header:  header,
		conn:    c,
		raw:     scan,
		dec:     rapidyenc.NewDecoder(scan),
		release: release,
	}, nil
}

// GetSegmentHeader fetches only the yEnc header of an article. The body
// is abandoned, which costs the connection; callers use this on ingest
// probes where header metadata is all that matters.
func (c *Conn) GetSegmentHeader(messageID string) (*YencHeader, error) {
	body, err := c.GetSegment(messageID)
	if err != nil {
		return nil, err
	}
	header := body.header
	_ = body.Close()
	return header, nil
}
