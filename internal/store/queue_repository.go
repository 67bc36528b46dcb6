package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueRepository handles the import queue.
type QueueRepository struct {
	db querier
}

func NewQueueRepository(db querier) *QueueRepository {
	return &QueueRepository{db: db}
}

const queueColumns = `id, file_name, job_name, category, nzb_contents, priority, pause_until, total_segment_bytes, created_at`

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(
		&item.ID, &item.FileName, &item.JobName, &item.Category, &item.NzbContents,
		&item.Priority, &item.PauseUntil, &item.TotalSegmentBytes, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Add enqueues a job, assigning an id when absent.
func (r *QueueRepository) Add(item *QueueItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(`
		INSERT INTO queue_items (id, file_name, job_name, category, nzb_contents, priority, pause_until, total_segment_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.FileName, item.JobName, item.Category, item.NzbContents,
		item.Priority, item.PauseUntil, item.TotalSegmentBytes, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add queue item: %w", err)
	}
	return nil
}

// NextEligible returns the front of the queue: highest priority first,
// oldest first within a priority, skipping paused items. Returns nil when
// the queue has no eligible item.
func (r *QueueRepository) NextEligible(now time.Time) (*QueueItem, error) {
	row := r.db.QueryRow(`
		SELECT `+queueColumns+` FROM queue_items
		WHERE pause_until IS NULL OR pause_until <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`, now)

	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next queue item: %w", err)
	}
	return item, nil
}

// List returns the whole queue in FIFO order.
func (r *QueueRepository) List() ([]QueueItem, error) {
	rows, err := r.db.Query(`SELECT ` + queueColumns + ` FROM queue_items ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Item fetches one queue entry.
func (r *QueueRepository) Item(id string) (*QueueItem, error) {
	row := r.db.QueryRow(`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// SetPauseUntil defers a job; the worker skips it until the deadline.
func (r *QueueRepository) SetPauseUntil(id string, until *time.Time) error {
	_, err := r.db.Exec(`UPDATE queue_items SET pause_until = ? WHERE id = ?`, until, id)
	if err != nil {
		return fmt.Errorf("failed to set pause: %w", err)
	}
	return nil
}

// Remove deletes a queue entry.
func (r *QueueRepository) Remove(id string) error {
	_, err := r.db.Exec(`DELETE FROM queue_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return nil
}

// Count returns the queue depth.
func (r *QueueRepository) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}
