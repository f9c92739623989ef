package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for operations on a task id the repository
// does not know.
var ErrNotFound = errors.New("task not found")

// Repository persists tasks in sqlite. The resolved plan is stored as
// JSON columns; everything else is flat.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		source_url TEXT NOT NULL,
		media_type TEXT NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		playlist_url TEXT NOT NULL DEFAULT '',
		segment_urls TEXT NOT NULL DEFAULT '[]',
		segment_ranges TEXT NOT NULL DEFAULT '{}',
		total_segments INTEGER NOT NULL DEFAULT 0,
		downloaded_segments INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		speed_bps INTEGER NOT NULL DEFAULT 0,
		merge_progress INTEGER NOT NULL DEFAULT 0,
		referer TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		external_job_id TEXT NOT NULL DEFAULT '',
		external_progress INTEGER NOT NULL DEFAULT 0,
		download_url TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := r.db.Exec(query)
	return err
}

const taskColumns = `id, title, file_name, source_url, media_type, channel, status,
	playlist_url, segment_urls, segment_ranges,
	total_segments, downloaded_segments, downloaded_bytes, total_bytes, speed_bps, merge_progress,
	referer, origin, user_agent,
	external_job_id, external_progress, download_url,
	error, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, t *Task) error {
	urls, ranges, err := marshalPlan(t)
	if err != nil {
		return err
	}
	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		t.ID, t.Title, t.FileName, t.SourceURL, t.MediaType, t.Channel, t.Status,
		t.PlaylistURL, urls, ranges,
		t.TotalSegments, t.DownloadedSegments, t.DownloadedBytes, t.TotalBytes, t.SpeedBps, t.MergeProgress,
		t.Referer, t.Origin, t.UserAgent,
		t.ExternalJobID, t.ExternalProgress, t.DownloadURL,
		t.Error, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *Repository) List(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Update writes the full record back and bumps updated_at.
func (r *Repository) Update(ctx context.Context, t *Task) error {
	urls, ranges, err := marshalPlan(t)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	query := `UPDATE tasks SET
		title = ?, file_name = ?, source_url = ?, media_type = ?, channel = ?, status = ?,
		playlist_url = ?, segment_urls = ?, segment_ranges = ?,
		total_segments = ?, downloaded_segments = ?, downloaded_bytes = ?, total_bytes = ?, speed_bps = ?, merge_progress = ?,
		referer = ?, origin = ?, user_agent = ?,
		external_job_id = ?, external_progress = ?, download_url = ?,
		error = ?, updated_at = ?
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		t.Title, t.FileName, t.SourceURL, t.MediaType, t.Channel, t.Status,
		t.PlaylistURL, urls, ranges,
		t.TotalSegments, t.DownloadedSegments, t.DownloadedBytes, t.TotalBytes, t.SpeedBps, t.MergeProgress,
		t.Referer, t.Origin, t.UserAgent,
		t.ExternalJobID, t.ExternalProgress, t.DownloadURL,
		t.Error, t.UpdatedAt,
		t.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateStatus records a state transition. The speed is zeroed; the
// next progress patch restores it for running downloads.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	query := `UPDATE tasks SET status = ?, error = ?, speed_bps = 0, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// PatchProgress is the hot-path write during a download run.
func (r *Repository) PatchProgress(ctx context.Context, id string, segments int, bytes, speed int64) error {
	query := `UPDATE tasks SET downloaded_segments = ?, downloaded_bytes = ?, speed_bps = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, segments, bytes, speed, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) SetMergeProgress(ctx context.Context, id string, pct int) error {
	query := `UPDATE tasks SET merge_progress = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, pct, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdatePlan swaps the segment plan in place, leaving counters alone.
// Used when a mid-run manifest refresh replaced the segment URLs.
func (r *Repository) UpdatePlan(ctx context.Context, id string, urls []string, ranges map[int]string) error {
	u, rg, err := marshalPlan(&Task{SegmentURLs: urls, SegmentRanges: ranges})
	if err != nil {
		return err
	}
	query := `UPDATE tasks SET segment_urls = ?, segment_ranges = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, u, rg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkCompleted is the terminal write of a successful direct run.
func (r *Repository) MarkCompleted(ctx context.Context, id string, totalBytes int64) error {
	query := `UPDATE tasks SET status = ?, error = '', speed_bps = 0, merge_progress = 100,
		total_bytes = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, StatusCompleted, totalBytes, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) SetExternalJob(ctx context.Context, id, jobID string) error {
	query := `UPDATE tasks SET external_job_id = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, jobID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// PatchExternal mirrors one poll of the external job into the record.
func (r *Repository) PatchExternal(ctx context.Context, id string, status Status, progress int, bytes int64, downloadURL, errMsg string) error {
	query := `UPDATE tasks SET status = ?, external_progress = ?, downloaded_bytes = ?, download_url = ?, error = ?, updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, status, progress, bytes, downloadURL, errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalPlan(t *Task) (urls, ranges string, err error) {
	u, err := json.Marshal(t.SegmentURLs)
	if err != nil {
		return "", "", fmt.Errorf("marshal segment urls: %w", err)
	}
	rg := t.SegmentRanges
	if rg == nil {
		rg = map[int]string{}
	}
	b, err := json.Marshal(rg)
	if err != nil {
		return "", "", fmt.Errorf("marshal segment ranges: %w", err)
	}
	return string(u), string(b), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t      Task
		urls   string
		ranges string
	)
	err := row.Scan(
		&t.ID, &t.Title, &t.FileName, &t.SourceURL, &t.MediaType, &t.Channel, &t.Status,
		&t.PlaylistURL, &urls, &ranges,
		&t.TotalSegments, &t.DownloadedSegments, &t.DownloadedBytes, &t.TotalBytes, &t.SpeedBps, &t.MergeProgress,
		&t.Referer, &t.Origin, &t.UserAgent,
		&t.ExternalJobID, &t.ExternalProgress, &t.DownloadURL,
		&t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(urls), &t.SegmentURLs); err != nil {
		return nil, fmt.Errorf("unmarshal segment urls for %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(ranges), &t.SegmentRanges); err != nil {
		return nil, fmt.Errorf("unmarshal segment ranges for %s: %w", t.ID, err)
	}
	return &t, nil
}
