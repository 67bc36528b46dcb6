package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/errs"
	"github.com/davmount/davmount/internal/usenet"
	"github.com/google/uuid"
)

// RootID is the fixed id of the synthetic tree root. The well-known
// folders (content, symlinks, ids) are its children.
const RootID = "root"

// ItemRepository handles virtual-tree operations.
type ItemRepository struct {
	db querier
}

func NewItemRepository(db querier) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, parent_id, name, type, size, segments, multipart_meta, content, symlink_target, created_at, release_date, last_health_check_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*VirtualItem, error) {
	var item VirtualItem
	err := row.Scan(
		&item.ID, &item.ParentID, &item.Name, &item.Type, &item.Size,
		&item.Segments, &item.MultipartMeta, &item.Content, &item.SymlinkTarget,
		&item.CreatedAt, &item.ReleaseDate, &item.LastHealthCheckAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// EnsureRoots creates the synthetic root and the well-known folders when
// missing. Idempotent.
func (r *ItemRepository) EnsureRoots() error {
	_, err := r.db.Exec(
		`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type) VALUES (?, NULL, '', 'dir')`,
		RootID)
	if err != nil {
		return fmt.Errorf("failed to create root: %w", err)
	}
	for _, name := range []string{RootContent, RootSymlinks, RootIDs} {
		_, err := r.db.Exec(
			`INSERT OR IGNORE INTO virtual_items (id, parent_id, name, type) VALUES (?, ?, ?, 'dir')`,
			uuid.NewString(), RootID, name)
		if err != nil {
			return fmt.Errorf("failed to create %s folder: %w", name, err)
		}
	}
	return nil
}

// Create inserts a new item, assigning an id when absent. A name
// collision under the same parent surfaces as a Conflict.
func (r *ItemRepository) Create(item *VirtualItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO virtual_items (id, parent_id, name, type, size, segments, multipart_meta, content, symlink_target, created_at, release_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ParentID, item.Name, item.Type, item.Size,
		item.Segments, item.MultipartMeta, item.Content, item.SymlinkTarget,
		item.CreatedAt, item.ReleaseDate)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.E(errs.KindConflict,
				fmt.Sprintf("item %q already exists under this parent", item.Name), err)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// Lookup finds a child by name.
func (r *ItemRepository) Lookup(parentID, name string) (*VirtualItem, error) {
	row := r.db.QueryRow(
		`SELECT `+itemColumns+` FROM virtual_items WHERE parent_id = ? AND name = ?`,
		parentID, name)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.KindNotFound, fmt.Sprintf("item %q not found", name), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup item: %w", err)
	}
	return item, nil
}

// Children lists a directory, names ascending.
func (r *ItemRepository) Children(parentID string) ([]VirtualItem, error) {
	rows, err := r.db.Query(
		`SELECT `+itemColumns+` FROM virtual_items WHERE parent_id = ? ORDER BY name ASC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	var items []VirtualItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Item fetches by id.
func (r *ItemRepository) Item(id string) (*VirtualItem, error) {
	row := r.db.QueryRow(`SELECT `+itemColumns+` FROM virtual_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, errs.E(errs.KindNotFound, fmt.Sprintf("item %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// ResolvePath walks a slash-separated path from the root.
func (r *ItemRepository) ResolvePath(path string) (*VirtualItem, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return r.Item(RootID)
	}

	current := RootID
	var item *VirtualItem
	for _, name := range strings.Split(path, "/") {
		var err error
		item, err = r.Lookup(current, name)
		if err != nil {
			return nil, err
		}
		current = item.ID
	}
	return item, nil
}

// EnsureDir returns the named child directory, creating it when missing.
func (r *ItemRepository) EnsureDir(parentID, name string) (*VirtualItem, error) {
	item, err := r.Lookup(parentID, name)
	if err == nil {
		if item.Type != ItemTypeDir {
			return nil, errs.E(errs.KindConflict, fmt.Sprintf("%q exists and is not a directory", name), nil)
		}
		return item, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	dir := &VirtualItem{ParentID: &parentID, Name: name, Type: ItemTypeDir}
	if err := r.Create(dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// Delete removes an item; directories cascade to their subtree.
func (r *ItemRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM virtual_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// Rename changes an item's name in place.
func (r *ItemRepository) Rename(id, newName string) error {
	_, err := r.db.Exec(`UPDATE virtual_items SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.E(errs.KindConflict, fmt.Sprintf("item %q already exists", newName), err)
		}
		return fmt.Errorf("failed to rename item: %w", err)
	}
	return nil
}

// Move reparents and renames an item in one step.
func (r *ItemRepository) Move(id, newParentID, newName string) error {
	_, err := r.db.Exec(`UPDATE virtual_items SET parent_id = ?, name = ? WHERE id = ?`, newParentID, newName, id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errs.E(errs.KindConflict, fmt.Sprintf("item %q already exists", newName), err)
		}
		return fmt.Errorf("failed to move item: %w", err)
	}
	return nil
}

// TouchHealthCheck records a completed health sweep over the item.
func (r *ItemRepository) TouchHealthCheck(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE virtual_items SET last_health_check_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to update health check time: %w", err)
	}
	return nil
}

// SetFileSegments attaches a plain file's segment list.
func SetFileSegments(item *VirtualItem, segments []usenet.SegmentRef) error {
	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments: %w", err)
	}
	s := string(data)
	item.Segments = &s
	return nil
}

// FileSegments decodes a plain file's segment list.
func FileSegments(item *VirtualItem) ([]usenet.SegmentRef, error) {
	if item.Segments == nil {
		return nil, errs.E(errs.KindValidation, fmt.Sprintf("item %s has no segment data", item.ID), nil)
	}
	var segments []usenet.SegmentRef
	if err := json.Unmarshal([]byte(*item.Segments), &segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}
	return segments, nil
}

// SetMultipartMeta attaches assembly metadata to a multipart file.
func SetMultipartMeta(item *VirtualItem, meta usenet.MultipartMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode multipart meta: %w", err)
	}
	s := string(data)
	item.MultipartMeta = &s
	return nil
}

// ItemMultipartMeta decodes a multipart file's assembly metadata.
func ItemMultipartMeta(item *VirtualItem) (usenet.MultipartMeta, error) {
	if item.MultipartMeta == nil {
		return usenet.MultipartMeta{}, errs.E(errs.KindValidation,
			fmt.Sprintf("item %s has no multipart metadata", item.ID), nil)
	}
	var meta usenet.MultipartMeta
	if err := json.Unmarshal([]byte(*item.MultipartMeta), &meta); err != nil {
		return usenet.MultipartMeta{}, fmt.Errorf("failed to decode multipart meta: %w", err)
	}
	return meta, nil
}
