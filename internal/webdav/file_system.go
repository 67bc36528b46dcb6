package webdav

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/store"
	"golang.org/x/net/webdav"
)

// fileSystem exposes the virtual tree as a webdav.FileSystem. Reads
// stream straight off the wire; writes are limited to what library
// managers actually do against the mount: mkdir, delete and rename.
type fileSystem struct {
	db      *store.DB
	content *store.ContentReader
}

func newFileSystem(db *store.DB, content *store.ContentReader) webdav.FileSystem {
	return &fileSystem{db: db, content: content}
}

func (f *fileSystem) resolve(name string) (*store.VirtualItem, error) {
	return f.db.Items.ResolvePath(strings.Trim(path.Clean("/"+name), "/"))
}

func mapErr(err error) error {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return os.ErrNotExist
	case errs.KindConflict:
		return os.ErrExist
	default:
		return err
	}
}

func (f *fileSystem) Mkdir(_ context.Context, name string, _ os.FileMode) error {
	dir, base := path.Split(strings.Trim(path.Clean("/"+name), "/"))
	if base == "" {
		return os.ErrInvalid
	}
	parent, err := f.db.Items.ResolvePath(strings.Trim(dir, "/"))
	if err != nil {
		return mapErr(err)
	}
	_, err = f.db.Items.EnsureDir(parent.ID, base)
	return mapErr(err)
}

func (f *fileSystem) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, os.ErrPermission
	}
	item, err := f.resolve(name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &davFile{ctx: ctx, fs: f, item: item}, nil
}

func (f *fileSystem) RemoveAll(_ context.Context, name string) error {
	item, err := f.resolve(name)
	if err != nil {
		return mapErr(err)
	}
	if item.ID == store.RootID {
		return os.ErrPermission
	}
	return mapErr(f.db.Items.Delete(item.ID))
}

func (f *fileSystem) Rename(_ context.Context, oldName, newName string) error {
	item, err := f.resolve(oldName)
	if err != nil {
		return mapErr(err)
	}

	newClean := strings.Trim(path.Clean("/"+newName), "/")
	newDir, newBase := path.Split(newClean)
	parent, err := f.db.Items.ResolvePath(strings.Trim(newDir, "/"))
	if err != nil {
		return mapErr(err)
	}
	return mapErr(f.db.Items.Move(item.ID, parent.ID, newBase))
}

func (f *fileSystem) Stat(_ context.Context, name string) (os.FileInfo, error) {
	item, err := f.resolve(name)
	if err != nil {
		return nil, mapErr(err)
	}
	return itemInfo{item}, nil
}

// davFile lazily opens the content stream on first read; directory
// opens and PROPFIND stats never touch the network.
type davFile struct {
	ctx    context.Context
	fs     *fileSystem
	item   *store.VirtualItem
	reader io.ReadSeekCloser
	pos    int64

	children []fs.FileInfo
	diroff   int
}

func (d *davFile) open() error {
	if d.reader != nil {
		return nil
	}
	if d.item.Type == store.ItemTypeSymlink {
		// No symlinks over WebDAV; surface the target path as content so
		// mount-side tooling can materialize the link.
		target := ""
		if d.item.SymlinkTarget != nil {
			target = *d.item.SymlinkTarget
		}
		d.reader = nopCloser{strings.NewReader(target)}
	} else {
		r, err := d.fs.content.Open(d.ctx, d.item)
		if err != nil {
			return mapErr(err)
		}
		d.reader = r
	}
	if d.pos > 0 {
		if _, err := d.reader.Seek(d.pos, io.SeekStart); err != nil {
			return err
		}
	}
	return nil
}

func (d *davFile) Read(p []byte) (int, error) {
	if d.item.Type == store.ItemTypeDir {
		return 0, io.EOF
	}
	if err := d.open(); err != nil {
		return 0, err
	}
	n, err := d.reader.Read(p)
	d.pos += int64(n)
	return n, err
}

func (d *davFile) Seek(offset int64, whence int) (int64, error) {
	if d.reader != nil {
		pos, err := d.reader.Seek(offset, whence)
		if err == nil {
			d.pos = pos
		}
		return pos, err
	}

	// Range requests seek before the first read; defer the network open
	// until bytes are actually wanted.
	switch whence {
	case io.SeekStart:
		d.pos = offset
	case io.SeekCurrent:
		d.pos += offset
	case io.SeekEnd:
		d.pos = d.size() + offset
	default:
		return 0, os.ErrInvalid
	}
	if d.pos < 0 {
		d.pos = 0
		return 0, os.ErrInvalid
	}
	return d.pos, nil
}

func (d *davFile) size() int64 {
	if d.item.Type == store.ItemTypeSymlink && d.item.SymlinkTarget != nil {
		return int64(len(*d.item.SymlinkTarget))
	}
	return d.item.Size
}

func (d *davFile) Write([]byte) (int, error) { return 0, os.ErrPermission }

func (d *davFile) Close() error {
	if d.reader != nil {
		err := d.reader.Close()
		d.reader = nil
		return err
	}
	return nil
}

func (d *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	if d.item.Type != store.ItemTypeDir {
		return nil, os.ErrInvalid
	}
	if d.children == nil {
		items, err := d.fs.db.Items.Children(d.item.ID)
		if err != nil {
			return nil, mapErr(err)
		}
		d.children = make([]fs.FileInfo, 0, len(items))
		for i := range items {
			it := items[i]
			d.children = append(d.children, itemInfo{&it})
		}
	}

	if count <= 0 {
		out := d.children[d.diroff:]
		d.diroff = len(d.children)
		return out, nil
	}
	if d.diroff >= len(d.children) {
		return nil, io.EOF
	}
	end := d.diroff + count
	if end > len(d.children) {
		end = len(d.children)
	}
	out := d.children[d.diroff:end]
	d.diroff = end
	return out, nil
}

func (d *davFile) Stat() (os.FileInfo, error) { return itemInfo{d.item}, nil }

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }

type itemInfo struct {
	item *store.VirtualItem
}

func (i itemInfo) Name() string { return i.item.Name }

func (i itemInfo) Size() int64 {
	if i.item.Type == store.ItemTypeSymlink && i.item.SymlinkTarget != nil {
		return int64(len(*i.item.SymlinkTarget))
	}
	return i.item.Size
}

func (i itemInfo) Mode() fs.FileMode {
	if i.item.Type == store.ItemTypeDir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}

func (i itemInfo) ModTime() time.Time { return i.item.CreatedAt }
func (i itemInfo) IsDir() bool        { return i.item.Type == store.ItemTypeDir }
func (i itemInfo) Sys() any           { return nil }
