package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/config"
	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/store"
	"github.com/davmount/davmount/internal/usenet"
)

// ResolvedFile is one output of the resolution stages, ready to become a
// virtual item. Exactly one of Segments or Meta is set.
type ResolvedFile struct {
	Name        string
	Size        int64
	Segments    []usenet.SegmentRef
	Meta        *usenet.MultipartMeta
	FromArchive bool
}

// Aggregator stages resolved files into the virtual tree. It is meant to
// run inside one store transaction so a cancelled or failed job leaves
// nothing behind.
type Aggregator struct {
	Strategy    config.ImportStrategy
	Blacklist   []string
	EnsureVideo bool
	BaseURL     string // external base for .strm stream URLs
	APIKey      string

	// HealthCheckedAt, when set, stamps every created file item with the
	// time the pre-import article sweep completed.
	HealthCheckedAt *time.Time
}

// Aggregate writes the job's files under content/{category}/{jobName},
// plus the per-job view the import strategy asks for: inline .strm
// pointers under ids/{queueID}, or symlink items under
// symlinks/{category}/{jobName}.
//
// Returns the job directory item.
func (a *Aggregator) Aggregate(items *store.ItemRepository, queueID, category, jobName string, files []ResolvedFile) (*store.VirtualItem, error) {
	files = a.renameObfuscated(jobName, a.dropBlacklisted(files))
	if len(files) == 0 {
		return nil, errs.E(errs.KindValidation, "no files left to import after filtering", nil)
	}
	if a.EnsureVideo && !hasVideo(files) {
		return nil, errs.E(errs.KindValidation, "no importable video file in job", nil)
	}

	jobDir, err := a.ensurePath(items, store.RootContent, category, jobName)
	if err != nil {
		return nil, err
	}

	type placed struct {
		name string
		path string
	}
	var placedFiles []placed

	for _, f := range files {
		name, err := a.createUnique(items, jobDir, f)
		if err != nil {
			return nil, err
		}
		placedFiles = append(placedFiles, placed{
			name: name,
			path: path.Join(store.RootContent, category, jobName, name),
		})
	}

	switch a.Strategy {
	case config.ImportStrategySymlinks:
		linkDir, err := a.ensurePath(items, store.RootSymlinks, category, jobName)
		if err != nil {
			return nil, err
		}
		for _, p := range placedFiles {
			target := "/" + p.path
			if err := items.Create(&store.VirtualItem{
				ParentID:      &linkDir.ID,
				Name:          p.name,
				Type:          store.ItemTypeSymlink,
				SymlinkTarget: &target,
			}); err != nil {
				return nil, err
			}
		}

	default: // strm
		idsDir, err := a.ensurePath(items, store.RootIDs, queueID)
		if err != nil {
			return nil, err
		}
		for _, p := range placedFiles {
			if !IsVideoFile(p.name) {
				continue
			}
			content := []byte(a.streamURL(p.path) + "\n")
			if err := items.Create(&store.VirtualItem{
				ParentID: &idsDir.ID,
				Name:     strings.TrimSuffix(p.name, path.Ext(p.name)) + ".strm",
				Type:     store.ItemTypeFile,
				Size:     int64(len(content)),
				Content:  content,
			}); err != nil {
				return nil, err
			}
		}
	}

	return jobDir, nil
}

func (a *Aggregator) ensurePath(items *store.ItemRepository, parts ...string) (*store.VirtualItem, error) {
	parentID := store.RootID
	var dir *store.VirtualItem
	for _, part := range parts {
		if part == "" {
			continue
		}
		d, err := items.EnsureDir(parentID, part)
		if err != nil {
			return nil, err
		}
		dir, parentID = d, d.ID
	}
	if dir == nil {
		return nil, errs.E(errs.KindValidation, "empty target path", nil)
	}
	return dir, nil
}

// createUnique stores a file item, suffixing the name with " (2)",
// " (3)", ... before the extension until it fits.
func (a *Aggregator) createUnique(items *store.ItemRepository, dir *store.VirtualItem, f ResolvedFile) (string, error) {
	ext := path.Ext(f.Name)
	stem := strings.TrimSuffix(f.Name, ext)

	for i := 1; i <= 99; i++ {
		name := f.Name
		if i > 1 {
			name = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		item := &store.VirtualItem{
			ParentID: &dir.ID,
			Name:     name,
			Size:     f.Size,
		}
		switch {
		case f.Meta != nil:
			item.Type = store.ItemTypeMultipartFile
			if err := store.SetMultipartMeta(item, *f.Meta); err != nil {
				return "", err
			}
		default:
			item.Type = store.ItemTypeFile
			if err := store.SetFileSegments(item, f.Segments); err != nil {
				return "", err
			}
		}

		err := items.Create(item)
		if err == nil {
			if a.HealthCheckedAt != nil {
				if err := items.TouchHealthCheck(item.ID, *a.HealthCheckedAt); err != nil {
					return "", err
				}
			}
			return name, nil
		}
		if errs.KindOf(err) != errs.KindConflict {
			return "", err
		}
	}
	return "", errs.E(errs.KindConflict, "could not find a free name for "+f.Name, nil)
}

func (a *Aggregator) dropBlacklisted(files []ResolvedFile) []ResolvedFile {
	out := files[:0]
	for _, f := range files {
		ext := strings.ToLower(path.Ext(f.Name))
		blocked := false
		for _, b := range a.Blacklist {
			if strings.EqualFold(b, ext) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, f)
		}
	}
	return out
}

// renameObfuscated gives the payload of a single-file archive the job's
// name: obfuscated releases hide the real name in the volume contents
// too, and the job name is the only human-readable handle left.
func (a *Aggregator) renameObfuscated(jobName string, files []ResolvedFile) []ResolvedFile {
	archiveCount := 0
	idx := -1
	for i, f := range files {
		if f.FromArchive {
			archiveCount++
			idx = i
		}
	}
	if archiveCount != 1 {
		return files
	}
	ext := path.Ext(files[idx].Name)
	if stem := strings.TrimSuffix(files[idx].Name, ext); stem != jobName {
		files[idx].Name = jobName + ext
	}
	return files
}

func hasVideo(files []ResolvedFile) bool {
	for _, f := range files {
		if IsVideoFile(f.Name) {
			return true
		}
	}
	return false
}

// streamURL builds the .strm pointer: a stream endpoint URL carrying the
// per-path download key. The pointers target content paths, so the key
// derives from the API key.
func (a *Aggregator) streamURL(virtualPath string) string {
	key := DownloadKey(virtualPath, a.APIKey)
	return strings.TrimSuffix(a.BaseURL, "/") + "/stream/" +
		(&url.URL{Path: virtualPath}).EscapedPath() + "?key=" + key
}

// DownloadKey derives the per-path access key for stream URLs.
func DownloadKey(virtualPath, secret string) string {
	sum := sha256.Sum256([]byte(virtualPath + "_" + secret))
	return hex.EncodeToString(sum[:])
}
