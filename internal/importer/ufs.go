package importer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/davmount/davmount/internal/usenet"
	"github.com/spf13/afero"
)

// archiveFS exposes a job's archive volumes as a read-only filesystem so
// the RAR and 7z listers can walk multi-volume sets without a download.
// It serves both the rardecode FileSystem interface (Open + Stat) and,
// through aferoFS, the afero.Fs the 7z reader wants.
type archiveFS struct {
	ctx   context.Context
	fetch usenet.Fetcher
	files map[string]*File
}

var (
	_ fs.File     = (*archiveFile)(nil)
	_ io.Seeker   = (*archiveFile)(nil)
	_ io.ReaderAt = (*archiveFile)(nil)
	_ fs.FS       = (*archiveFS)(nil)
)

func newArchiveFS(ctx context.Context, fetch usenet.Fetcher, files []*File) *archiveFS {
	m := make(map[string]*File, len(files))
	for _, f := range files {
		m[f.Name()] = f
	}
	return &archiveFS{ctx: ctx, fetch: fetch, files: m}
}

func (a *archiveFS) lookup(op, name string) (*File, error) {
	name = path.Clean(name)
	f, ok := a.files[name]
	if !ok {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return f, nil
}

func (a *archiveFS) Open(name string) (fs.File, error) {
	f, err := a.lookup("open", name)
	if err != nil {
		return nil, err
	}
	return &archiveFile{fs: a, file: f}, nil
}

// Stat serves the rardecode FileSystem interface.
func (a *archiveFS) Stat(name string) (os.FileInfo, error) {
	f, err := a.lookup("stat", name)
	if err != nil {
		return nil, err
	}
	return archiveFileInfo{name: path.Base(f.Name()), size: f.Size}, nil
}

// archiveFile reads one volume lazily: the underlying segment reader is
// opened on first Read at the current position and reopened after seeks.
// ReadAt uses its own short-lived reader so parallel volume reads do not
// fight over the position.
type archiveFile struct {
	fs     *archiveFS
	file   *File
	reader io.ReadSeekCloser
	pos    int64
	closed bool
}

func (f *archiveFile) Stat() (fs.FileInfo, error) {
	return archiveFileInfo{name: path.Base(f.file.Name()), size: f.file.Size}, nil
}

func (f *archiveFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.reader == nil {
		f.reader = fileReader(f.fs.ctx, f.fs.fetch, f.file)
		if f.pos > 0 {
			if _, err := f.reader.Seek(f.pos, io.SeekStart); err != nil {
				return 0, err
			}
		}
	}
	n, err := f.reader.Read(p)
	f.pos += int64(n)
	return n, err
}

func (f *archiveFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.pos + offset
	case io.SeekEnd:
		abs = f.file.Size + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative seek position")
	}

	if abs != f.pos {
		if f.reader != nil {
			if _, err := f.reader.Seek(abs, io.SeekStart); err != nil {
				f.reader.Close()
				f.reader = nil
			}
		}
		f.pos = abs
	}
	return abs, nil
}

func (f *archiveFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, fs.ErrClosed
	}
	if off >= f.file.Size {
		return 0, io.EOF
	}
	r := fileReader(f.fs.ctx, f.fs.fetch, f.file)
	defer r.Close()
	if off > 0 {
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
	}
	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (f *archiveFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.reader != nil {
		return f.reader.Close()
	}
	return nil
}

type archiveFileInfo struct {
	name string
	size int64
}

func (i archiveFileInfo) Name() string       { return i.name }
func (i archiveFileInfo) Size() int64        { return i.size }
func (i archiveFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i archiveFileInfo) ModTime() time.Time { return time.Time{} }
func (i archiveFileInfo) IsDir() bool        { return false }
func (i archiveFileInfo) Sys() any           { return nil }

// aferoFS adapts archiveFS to the afero.Fs surface the 7z reader takes.
// Every mutating call fails with errReadOnly.
type aferoFS struct {
	ufs *archiveFS
}

var _ afero.Fs = (*aferoFS)(nil)

var errReadOnly = errors.New("filesystem is read-only")

func (a *aferoFS) Open(name string) (afero.File, error) {
	f, err := a.ufs.Open(name)
	if err != nil {
		return nil, err
	}
	return &aferoFile{file: f.(*archiveFile)}, nil
}

func (a *aferoFS) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, errReadOnly
	}
	return a.Open(name)
}

func (a *aferoFS) Stat(name string) (os.FileInfo, error) { return a.ufs.Stat(name) }
func (a *aferoFS) Name() string                          { return "usenet-archive" }

func (a *aferoFS) Create(string) (afero.File, error)         { return nil, errReadOnly }
func (a *aferoFS) Mkdir(string, os.FileMode) error           { return errReadOnly }
func (a *aferoFS) MkdirAll(string, os.FileMode) error        { return errReadOnly }
func (a *aferoFS) Remove(string) error                       { return errReadOnly }
func (a *aferoFS) RemoveAll(string) error                    { return errReadOnly }
func (a *aferoFS) Rename(string, string) error               { return errReadOnly }
func (a *aferoFS) Chmod(string, os.FileMode) error           { return errReadOnly }
func (a *aferoFS) Chown(string, int, int) error              { return errReadOnly }
func (a *aferoFS) Chtimes(string, time.Time, time.Time) error { return errReadOnly }

type aferoFile struct {
	file *archiveFile
}

var _ afero.File = (*aferoFile)(nil)

func (a *aferoFile) Close() error                            { return a.file.Close() }
func (a *aferoFile) Read(p []byte) (int, error)              { return a.file.Read(p) }
func (a *aferoFile) ReadAt(p []byte, off int64) (int, error) { return a.file.ReadAt(p, off) }
func (a *aferoFile) Seek(off int64, whence int) (int64, error) {
	return a.file.Seek(off, whence)
}
func (a *aferoFile) Stat() (os.FileInfo, error) { return a.file.Stat() }
func (a *aferoFile) Name() string               { return a.file.file.Name() }
func (a *aferoFile) Sync() error                { return nil }

func (a *aferoFile) Write([]byte) (int, error)          { return 0, errReadOnly }
func (a *aferoFile) WriteAt([]byte, int64) (int, error) { return 0, errReadOnly }
func (a *aferoFile) WriteString(string) (int, error)    { return 0, errReadOnly }
func (a *aferoFile) Truncate(int64) error               { return errReadOnly }

func (a *aferoFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, errors.New("not a directory")
}

func (a *aferoFile) Readdirnames(int) ([]string, error) {
	return nil, errors.New("not a directory")
}
