package usenet

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/davmount/davmount/internal/errs"
)

// aesReader decodes an AES-CBC ciphertext stream on the fly and exposes
// the plaintext as a seekable byte stream. Seeking re-derives the IV from
// the previous ciphertext block, so arbitrary offsets work even though
// CBC itself only chains forward.
type aesReader struct {
	open   func(start int64) (io.ReadCloser, error)
	key    []byte
	origIV []byte
	size   int64 // plaintext size

	source    io.ReadCloser
	decrypter cipher.BlockMode
	buffer    []byte
	bufferPos int
	bufferLen int
	offset    int64
	closed    bool
}

func newAESReader(params *AESParams, size int64, open func(start int64) (io.ReadCloser, error)) (*aesReader, error) {
	switch len(params.Key) {
	case 16, 24, 32:
	default:
		return nil, errs.E(errs.KindValidation, fmt.Sprintf("invalid AES key size %d", len(params.Key)), nil)
	}
	if len(params.IV) != aes.BlockSize {
		return nil, errs.E(errs.KindValidation, fmt.Sprintf("invalid AES IV size %d", len(params.IV)), nil)
	}

	block, err := aes.NewCipher(params.Key)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "aes cipher", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, params.IV)

	return &aesReader{
		open:      open,
		key:       params.Key,
		origIV:    params.IV,
		size:      size,
		decrypter: cipher.NewCBCDecrypter(block, iv),
		buffer:    make([]byte, aes.BlockSize*64),
	}, nil
}

func (r *aesReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}

	if r.source == nil {
		src, err := r.open(r.offset - r.offset%int64(aes.BlockSize))
		if err != nil {
			return 0, err
		}
		r.source = src
	}

	totalRead := 0
	for totalRead < len(p) {
		if r.bufferPos < r.bufferLen {
			n := copy(p[totalRead:], r.buffer[r.bufferPos:r.bufferLen])
			r.bufferPos += n
			r.offset += int64(n)
			totalRead += n
			continue
		}

		if r.offset >= r.size {
			break
		}

		// Fill the buffer in whole cipher blocks.
		readSize := len(r.buffer)
		if remaining := r.size - r.offset; remaining < int64(readSize) {
			readSize = int(remaining)
			if rem := readSize % aes.BlockSize; rem != 0 {
				readSize += aes.BlockSize - rem
			}
		}

		encBuf := make([]byte, readSize)
		n, err := io.ReadFull(r.source, encBuf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return totalRead, err
		}
		if n%aes.BlockSize != 0 {
			return totalRead, errs.E(errs.KindProtocol,
				fmt.Sprintf("ciphertext not block aligned: %d bytes", n), nil)
		}
		if n == 0 {
			break
		}

		r.decrypter.CryptBlocks(encBuf[:n], encBuf[:n])

		decoded := n
		if r.offset+int64(n) > r.size {
			decoded = int(r.size - r.offset)
		}
		copy(r.buffer, encBuf[:decoded])
		r.bufferLen = decoded
		r.bufferPos = 0
	}

	if totalRead == 0 {
		return 0, io.EOF
	}
	return totalRead, nil
}

// Seek repositions the plaintext cursor. The IV for the target block is
// the previous ciphertext block, read through a short-range fetch; block
// zero reuses the archive IV.
func (r *aesReader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek position: %d", abs)
	}
	if abs > r.size {
		return 0, fmt.Errorf("seek beyond end: %d > %d", abs, r.size)
	}
	if abs == r.offset {
		return abs, nil
	}

	if r.source != nil {
		_ = r.source.Close()
		r.source = nil
	}

	blockNum := abs / int64(aes.BlockSize)
	blockOffset := abs % int64(aes.BlockSize)

	var iv []byte
	if blockNum == 0 {
		iv = make([]byte, aes.BlockSize)
		copy(iv, r.origIV)
	} else {
		prev, err := r.open((blockNum - 1) * int64(aes.BlockSize))
		if err != nil {
			return 0, errs.Wrap(errs.KindUnknown, "read IV block", err)
		}
		iv = make([]byte, aes.BlockSize)
		_, err = io.ReadFull(prev, iv)
		_ = prev.Close()
		if err != nil {
			return 0, errs.Wrap(errs.KindUnknown, "read IV block", err)
		}
	}

	src, err := r.open(blockNum * int64(aes.BlockSize))
	if err != nil {
		return 0, err
	}

	block, err := aes.NewCipher(r.key)
	if err != nil {
		_ = src.Close()
		return 0, errs.Wrap(errs.KindValidation, "aes cipher", err)
	}

	r.source = src
	r.decrypter = cipher.NewCBCDecrypter(block, iv)
	r.offset = blockNum * int64(aes.BlockSize)
	r.bufferPos = 0
	r.bufferLen = 0

	if blockOffset > 0 {
		if _, err := io.CopyN(io.Discard, r, blockOffset); err != nil {
			return 0, err
		}
	}
	return abs, nil
}

func (r *aesReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.source != nil {
		return r.source.Close()
	}
	return nil
}
