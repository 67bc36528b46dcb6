package store

import (
	"database/sql"
	"fmt"
	"time"
)

// HistoryRepository records finished jobs.
type HistoryRepository struct {
	db querier
}

func NewHistoryRepository(db querier) *HistoryRepository {
	return &HistoryRepository{db: db}
}

const historyColumns = `id, job_name, category, status, total_segment_bytes, download_time_seconds, fail_message, download_dir_id, created_at`

func scanHistoryItem(row interface{ Scan(...interface{}) error }) (*HistoryItem, error) {
	var item HistoryItem
	err := row.Scan(
		&item.ID, &item.JobName, &item.Category, &item.Status, &item.TotalSegmentBytes,
		&item.DownloadTimeSeconds, &item.FailMessage, &item.DownloadDirID, &item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Insert records a finished job; it reuses the queue item's id.
func (r *HistoryRepository) Insert(item *HistoryItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO history_items (id, job_name, category, status, total_segment_bytes, download_time_seconds, fail_message, download_dir_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.JobName, item.Category, item.Status, item.TotalSegmentBytes,
		item.DownloadTimeSeconds, item.FailMessage, item.DownloadDirID, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert history item: %w", err)
	}
	return nil
}

// List returns history entries newest first, up to limit (0 = all).
func (r *HistoryRepository) List(limit int) ([]HistoryItem, error) {
	query := `SELECT ` + historyColumns + ` FROM history_items ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = r.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var items []HistoryItem
	for rows.Next() {
		item, err := scanHistoryItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Item fetches one history entry; nil when absent.
func (r *HistoryRepository) Item(id string) (*HistoryItem, error) {
	row := r.db.QueryRow(`SELECT `+historyColumns+` FROM history_items WHERE id = ?`, id)
	item, err := scanHistoryItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get history item: %w", err)
	}
	return item, nil
}

// Remove deletes a history entry.
func (r *HistoryRepository) Remove(id string) error {
	_, err := r.db.Exec(`DELETE FROM history_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove history item: %w", err)
	}
	return nil
}

// Count returns the number of history entries.
func (r *HistoryRepository) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM history_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return n, nil
}
