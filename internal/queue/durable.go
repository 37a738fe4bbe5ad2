package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"proofpipe/internal/db"
	"proofpipe/internal/schema"
)

// rows per INSERT statement; keeps bound parameters well under SQLite's limit
const insertChunk = 200

// Durable keeps jobs in the proof_queue table
type Durable struct {
	db  *db.DB
	now func() time.Time
}

// NewDurable creates the table-backed queue
func NewDurable(database *db.DB) *Durable {
	return &Durable{db: database, now: time.Now}
}

func (d *Durable) Kind() Kind {
	return KindDurable
}

func (d *Durable) Insert(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	created := d.now().UnixNano()
	var inserted int64
	err := d.db.Tx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		for start := 0; start < len(items); start += insertChunk {
			chunk := items[start:min(start+insertChunk, len(items))]

			values := make([]string, len(chunk))
			args := make([]any, 0, len(chunk)*5)
			for i, it := range chunk {
				values[i] = "(?, ?, ?, ?, 0, ?)"
				args = append(args, it.ProjectID, it.ImageID, it.OriginalKey, it.ProofKey, created)
			}

			res, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO "+schema.QueueTable+
					" (project_id, image_id, original_key, proof_key, attempts, created_at) VALUES "+
					strings.Join(values, ", "),
				args...,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert into %s: %w", schema.QueueTable, err)
	}
	return int(inserted), nil
}

// Fetch purges rows at the attempt ceiling, then returns the oldest rows
// below it. The purged rows are returned second so they are reported once.
func (d *Durable) Fetch(ctx context.Context, limit, maxAttempts int) ([]Job, []Job, error) {
	var purged []Job
	err := d.db.Write(ctx, func(ctx context.Context) error {
		rows, err := d.db.Conn().QueryContext(ctx,
			"DELETE FROM "+schema.QueueTable+" WHERE attempts >= ?"+
				" RETURNING id, project_id, image_id, original_key, proof_key, attempts, created_at",
			maxAttempts,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		purged, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to purge exhausted jobs from %s: %w", schema.QueueTable, err)
	}

	rows, err := d.db.Conn().QueryContext(ctx,
		"SELECT id, project_id, image_id, original_key, proof_key, attempts, created_at FROM "+schema.QueueTable+
			" WHERE attempts < ? ORDER BY created_at ASC, id ASC LIMIT ?",
		maxAttempts, limit,
	)
	if err != nil {
		return nil, purged, fmt.Errorf("failed to fetch from %s: %w", schema.QueueTable, err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	return jobs, purged, err
}

func (d *Durable) Remove(ctx context.Context, jobs []Job) (int, error) {
	ids := jobIDs(jobs)
	if len(ids) == 0 {
		return 0, nil
	}

	var removed int64
	err := d.db.Write(ctx, func(ctx context.Context) error {
		res, err := d.db.Conn().ExecContext(ctx,
			"DELETE FROM "+schema.QueueTable+" WHERE id IN ("+db.Placeholders(len(ids))+")", ids...)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove jobs: %w", err)
	}
	return int(removed), nil
}

func (d *Durable) IncrementAttempts(ctx context.Context, jobs []Job) error {
	ids := jobIDs(jobs)
	if len(ids) == 0 {
		return nil
	}

	err := d.db.Write(ctx, func(ctx context.Context) error {
		_, err := d.db.Conn().ExecContext(ctx,
			"UPDATE "+schema.QueueTable+" SET attempts = attempts + 1 WHERE id IN ("+db.Placeholders(len(ids))+")", ids...)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	return nil
}

func (d *Durable) RemoveExhausted(ctx context.Context, jobs []Job, maxAttempts int) ([]Job, error) {
	ids := jobIDs(jobs)
	if len(ids) == 0 {
		return nil, nil
	}

	var removed []Job
	err := d.db.Write(ctx, func(ctx context.Context) error {
		args := append([]any{maxAttempts}, ids...)
		rows, err := d.db.Conn().QueryContext(ctx,
			"DELETE FROM "+schema.QueueTable+" WHERE attempts >= ? AND id IN ("+db.Placeholders(len(ids))+")"+
				" RETURNING id, project_id, image_id, original_key, proof_key, attempts, created_at",
			args...,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		removed, err = scanJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove exhausted jobs: %w", err)
	}
	return removed, nil
}

func (d *Durable) Count(ctx context.Context) (int, error) {
	var n int
	err := d.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+schema.QueueTable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", schema.QueueTable, err)
	}
	return n, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j := Job{Backend: KindDurable}
		var created int64
		if err := rows.Scan(&j.ID, &j.ProjectID, &j.ImageID, &j.OriginalKey, &j.ProofKey, &j.Attempts, &created); err != nil {
			return nil, err
		}
		j.CreatedAt = time.Unix(0, created)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func jobIDs(jobs []Job) []any {
	ids := make([]any, 0, len(jobs))
	seen := make(map[int64]struct{}, len(jobs))
	for _, j := range jobs {
		if j.Backend != KindDurable || j.ID == 0 {
			continue
		}
		if _, ok := seen[j.ID]; ok {
			continue
		}
		seen[j.ID] = struct{}{}
		ids = append(ids, j.ID)
	}
	return ids
}
