package usenet

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"math/rand"
	"testing"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/nntp"
	"github.com/davmount/davmount/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStream struct {
	body    *bytes.Reader
	onClose func(clean bool)
	eof     bool
}

func (s *memStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err == io.EOF {
		s.eof = true
	}
	return n, err
}

func (s *memStream) Header() *nntp.YencHeader { return &nntp.YencHeader{} }

func (s *memStream) SetOnClose(fn func(clean bool)) { s.onClose = fn }

func (s *memStream) Close() error {
	if s.onClose != nil {
		s.onClose(s.eof)
	}
	return nil
}

// memFetcher serves segment bodies from memory and counts fetches.
type memFetcher struct {
	bodies  map[string][]byte
	fetches int
}

func (f *memFetcher) GetSegmentStream(ctx context.Context, messageID string, usage pool.Usage) (*nntp.YencHeader, pool.SegmentStream, error) {
	body, ok := f.bodies[messageID]
	if !ok {
		return nil, nil, errs.E(errs.KindNotFound, "article not found", nil)
	}
	f.fetches++
	return &nntp.YencHeader{PartSize: int64(len(body))}, &memStream{body: bytes.NewReader(body)}, nil
}

// splitPayload cuts payload into segment bodies of the given sizes and
// returns the refs plus a fetcher serving them.
func splitPayload(t *testing.T, payload []byte, sizes ...int) ([]SegmentRef, *memFetcher) {
	t.Helper()
	refs := make([]SegmentRef, 0, len(sizes))
	bodies := map[string][]byte{}
	off := 0
	for i, size := range sizes {
		id := "<seg-" + string(rune('a'+i)) + "@test>"
		refs = append(refs, SegmentRef{MessageID: id, Size: int64(size)})
		bodies[id] = payload[off : off+size]
		off += size
	}
	require.Equal(t, len(payload), off)
	return refs, &memFetcher{bodies: bodies}
}

func randomPayload(n int) []byte {
	payload := make([]byte, n)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(payload)
	return payload
}

func TestFileReaderRoundTrip(t *testing.T) {
	payload := randomPayload(2500)
	refs, fetcher := splitPayload(t, payload, 1000, 1000, 500)

	r := NewFileReader(context.Background(), fetcher, pool.UsageLive, refs, 2500)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 3, fetcher.fetches)
}

func TestFileReaderRangeRead(t *testing.T) {
	payload := randomPayload(3000)
	refs, fetcher := splitPayload(t, payload, 1000, 1000, 1000)

	r := NewFileReader(context.Background(), fetcher, pool.UsageLive, refs, 3000)
	defer r.Close()

	// Range starting mid-segment-2 and ending mid-segment-3.
	pos, err := r.Seek(1500, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), pos)

	buf := make([]byte, 1000)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, payload[1500:2500], buf)

	// The first segment was never fetched.
	assert.Equal(t, 2, fetcher.fetches)
}

func TestFileReaderForwardSeekDiscards(t *testing.T) {
	payload := randomPayload(2000)
	refs, fetcher := splitPayload(t, payload, 2000)

	r := NewFileReader(context.Background(), fetcher, pool.UsageLive, refs, 2000)
	defer r.Close()

	head := make([]byte, 100)
	_, err := io.ReadFull(r, head)
	require.NoError(t, err)

	// A short forward hop inside the open segment must not reopen it.
	_, err = r.Seek(500, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 100)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, payload[500:600], buf)
	assert.Equal(t, 1, fetcher.fetches)
}

func TestMultipartReaderWalksParts(t *testing.T) {
	// Two archive volumes, each with a 64-byte header before the stored
	// data; the virtual file is the concatenation of both data windows.
	vol1 := randomPayload(1064)
	vol2 := randomPayload(600)

	refs1, f1 := splitPayload(t, vol1, 600, 464)
	refs2, f2 := splitPayload(t, vol2, 600)
	fetcher := &memFetcher{bodies: map[string][]byte{}}
	for id, b := range f1.bodies {
		fetcher.bodies[id] = b
	}
	for id, b := range f2.bodies {
		fetcher.bodies["<v2-"+id[1:]] = b
	}
	for i := range refs2 {
		refs2[i].MessageID = "<v2-" + refs2[i].MessageID[1:]
	}

	meta := MultipartMeta{Parts: []FilePart{
		{Segments: refs1, SegmentRange: ByteRange{64, 1064}, FileRange: ByteRange{0, 1000}},
		{Segments: refs2, SegmentRange: ByteRange{64, 600}, FileRange: ByteRange{1000, 1536}},
	}}
	want := append(append([]byte{}, vol1[64:]...), vol2[64:]...)

	r, err := NewReader(context.Background(), fetcher, pool.UsageLive, meta, 1536)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Range read across the part boundary.
	_, err = r.Seek(900, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 200)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, want[900:1100], buf)
}

func TestMultipartReaderRejectsBrokenMeta(t *testing.T) {
	meta := MultipartMeta{Parts: []FilePart{
		{Segments: []SegmentRef{{MessageID: "<a>", Size: 100}},
			SegmentRange: ByteRange{0, 100}, FileRange: ByteRange{0, 100}},
	}}
	_, err := NewReader(context.Background(), &memFetcher{}, pool.UsageLive, meta, 500)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestFileReaderShortBody(t *testing.T) {
	payload := randomPayload(500)
	refs, fetcher := splitPayload(t, payload, 500)
	// Lie about the segment size: the body ends early.
	refs[0].Size = 800

	r := NewFileReader(context.Background(), fetcher, pool.UsageLive, refs, 800)
	defer r.Close()

	_, err := io.ReadAll(r)
	require.Error(t, err)
	assert.Equal(t, errs.KindProtocol, errs.KindOf(err))
}

func encryptCBC(t *testing.T, key, iv, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	padded := make([]byte, len(plaintext))
	copy(padded, plaintext)
	if rem := len(padded) % aes.BlockSize; rem != 0 {
		padded = append(padded, make([]byte, aes.BlockSize-rem)...)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestAESReaderRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	iv := bytes.Repeat([]byte{0x22}, 16)
	plaintext := randomPayload(5000)
	ciphertext := encryptCBC(t, key, iv, plaintext)

	refs, fetcher := splitPayload(t, ciphertext, 2000, 2000, len(ciphertext)-4000)
	meta := MultipartMeta{
		AES: &AESParams{Key: key, IV: iv},
		Parts: []FilePart{{
			Segments:     refs,
			SegmentRange: ByteRange{0, int64(len(ciphertext))},
			FileRange:    ByteRange{0, int64(len(ciphertext))},
		}},
	}

	r, err := NewReader(context.Background(), fetcher, pool.UsageLive, meta, 5000)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestAESReaderRangeRead(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 16)
	iv := bytes.Repeat([]byte{0x09}, 16)
	plaintext := randomPayload(10000)
	ciphertext := encryptCBC(t, key, iv, plaintext)

	refs, fetcher := splitPayload(t, ciphertext, 4000, 4000, len(ciphertext)-8000)
	meta := MultipartMeta{
		AES: &AESParams{Key: key, IV: iv},
		Parts: []FilePart{{
			Segments:     refs,
			SegmentRange: ByteRange{0, int64(len(ciphertext))},
			FileRange:    ByteRange{0, int64(len(ciphertext))},
		}},
	}

	r, err := NewReader(context.Background(), fetcher, pool.UsageLive, meta, 10000)
	require.NoError(t, err)
	defer r.Close()

	// Unaligned range in the middle: the reader re-derives the IV from
	// the previous ciphertext block.
	_, err = r.Seek(3500, io.SeekStart)
	require.NoError(t, err)

	buf := make([]byte, 1000)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, plaintext[3500:4500], buf)
}
