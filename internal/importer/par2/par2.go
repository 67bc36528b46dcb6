// Package par2 reads just enough of the PAR2 recovery format to recover
// original filenames and sizes: the 64-byte packet header and the
// FileDesc packet body. Recovery slices are skipped.
package par2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the signature every PAR2 packet starts with: "PAR2\0PKT".
var Magic = [8]byte{'P', 'A', 'R', '2', 0, 'P', 'K', 'T'}

// TypeFileDesc identifies a file description packet: "PAR 2.0\0FileDesc".
var TypeFileDesc = [16]byte{'P', 'A', 'R', ' ', '2', '.', '0', 0, 'F', 'i', 'l', 'e', 'D', 'e', 's', 'c'}

const (
	// HeaderSize is the fixed packet header length.
	HeaderSize = 64

	// fileDescFixedSize covers FileID + FileMD5 + Hash16k + Length.
	fileDescFixedSize = 56
)

// Header is the common 64-byte packet header.
type Header struct {
	Magic      [8]byte
	Length     uint64 // total packet length including the header, multiple of 4
	MD5Hash    [16]byte
	RecoveryID [16]byte
	Type       [16]byte
}

// FileDesc describes one protected file. Hash16k (MD5 of the first 16KiB)
// is the key used to match descriptors to obfuscated posts.
type FileDesc struct {
	FileID  [16]byte
	FileMD5 [16]byte
	Hash16k [16]byte
	Length  uint64
	Name    string
}

// HasMagic reports whether data starts with a PAR2 packet signature.
func HasMagic(data []byte) bool {
	if len(data) < len(Magic) {
		return false
	}
	return [8]byte(data[:8]) == Magic
}

// Scanner walks a stream of PAR2 packets.
type Scanner struct {
	r io.Reader
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// ReadHeader reads and validates the next packet header.
func (s *Scanner) ReadHeader() (*Header, error) {
	var h Header
	if err := binary.Read(s.r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("bad packet signature")
	}
	if h.Length < HeaderSize || h.Length%4 != 0 {
		return nil, fmt.Errorf("bad packet length %d", h.Length)
	}
	return &h, nil
}

// ReadFileDesc parses the body of a FileDesc packet whose header was just
// read.
func (s *Scanner) ReadFileDesc(h *Header) (*FileDesc, error) {
	if h.Type != TypeFileDesc {
		return nil, fmt.Errorf("not a FileDesc packet")
	}
	body := h.Length - HeaderSize
	if body < fileDescFixedSize {
		return nil, fmt.Errorf("FileDesc body too small: %d bytes", body)
	}

	var d FileDesc
	if err := binary.Read(s.r, binary.LittleEndian, &d.FileID); err != nil {
		return nil, err
	}
	if err := binary.Read(s.r, binary.LittleEndian, &d.FileMD5); err != nil {
		return nil, err
	}
	if err := binary.Read(s.r, binary.LittleEndian, &d.Hash16k); err != nil {
		return nil, err
	}
	if err := binary.Read(s.r, binary.LittleEndian, &d.Length); err != nil {
		return nil, err
	}

	// The filename fills the rest of the packet, null padded to a 4-byte
	// boundary.
	nameLen := body - fileDescFixedSize
	if nameLen > 0 {
		raw := make([]byte, nameLen)
		if _, err := io.ReadFull(s.r, raw); err != nil {
			return nil, fmt.Errorf("read filename: %w", err)
		}
		end := len(raw)
		for end > 0 && (raw[end-1] == 0 || raw[end-1] < 32) {
			end--
		}
		d.Name = string(raw[:end])
	}
	return &d, nil
}

// SkipBody discards the body of a packet that is not interesting.
func (s *Scanner) SkipBody(h *Header) error {
	remaining := int64(h.Length) - HeaderSize
	if remaining == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, s.r, remaining)
	return err
}

// ScanFileDescs reads packets until EOF and returns every FileDesc found,
// keyed by Hash16k. Malformed trailing data ends the scan rather than
// failing it.
func ScanFileDescs(r io.Reader) map[[16]byte]FileDesc {
	const maxPackets = 1000

	s := NewScanner(r)
	out := make(map[[16]byte]FileDesc)
	for i := 0; i < maxPackets; i++ {
		h, err := s.ReadHeader()
		if err != nil {
			break
		}
		if h.Type == TypeFileDesc {
			d, err := s.ReadFileDesc(h)
			if err != nil {
				break
			}
			out[d.Hash16k] = *d
			continue
		}
		if err := s.SkipBody(h); err != nil {
			break
		}
	}
	return out
}
