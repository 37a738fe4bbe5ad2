package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"proofpipe/internal/db"
)

// resolveChunk bounds the size of IN (...) lists
const resolveChunk = 500

// Image is a catalogued original photo
type Image struct {
	ID          int64
	ProjectID   int64
	OriginalKey string
	ProofKey    string
	HasProof    bool
}

// Ref identifies an image within its project
type Ref struct {
	ProjectID int64
	ImageID   int64
}

// Repository reads and updates the image catalog
type Repository struct {
	db *db.DB
}

// NewRepository creates a catalog repository
func NewRepository(database *db.DB) *Repository {
	return &Repository{db: database}
}

// Upsert inserts or updates an image by its original key and returns its id
func (r *Repository) Upsert(ctx context.Context, projectID int64, originalKey string) (int64, error) {
	var id int64
	err := r.db.Write(ctx, func(ctx context.Context) error {
		return r.db.Conn().QueryRowContext(ctx, `
		INSERT INTO images (project_id, storage_key_original, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(storage_key_original) DO UPDATE SET project_id = excluded.project_id, updated_at = excluded.updated_at
		RETURNING id`,
			projectID, originalKey, time.Now().UTC(),
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert image %s: %w", originalKey, err)
	}
	return id, nil
}

// ResolvePaths maps original keys to their project/image ids in one pass per chunk.
// Unknown paths are absent from the result.
func (r *Repository) ResolvePaths(ctx context.Context, paths []string) (map[string]Ref, error) {
	resolved := make(map[string]Ref, len(paths))
	unique := dedupe(paths)

	for start := 0; start < len(unique); start += resolveChunk {
		end := min(start+resolveChunk, len(unique))
		chunk := unique[start:end]

		args := make([]any, len(chunk))
		for i, p := range chunk {
			args[i] = p
		}

		rows, err := r.db.Conn().QueryContext(ctx,
			"SELECT id, project_id, storage_key_original FROM images WHERE storage_key_original IN ("+db.Placeholders(len(chunk))+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve image paths: %w", err)
		}

		for rows.Next() {
			var ref Ref
			var key string
			if err := rows.Scan(&ref.ImageID, &ref.ProjectID, &key); err != nil {
				rows.Close()
				return nil, err
			}
			resolved[key] = ref
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	return resolved, nil
}

// OriginalPaths maps image ids to their original storage keys
func (r *Repository) OriginalPaths(ctx context.Context, imageIDs []int64) (map[int64]string, error) {
	paths := make(map[int64]string, len(imageIDs))

	for start := 0; start < len(imageIDs); start += resolveChunk {
		end := min(start+resolveChunk, len(imageIDs))
		args := int64Args(imageIDs[start:end])

		rows, err := r.db.Conn().QueryContext(ctx,
			"SELECT id, storage_key_original FROM images WHERE id IN ("+db.Placeholders(len(args))+")",
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load original paths: %w", err)
		}

		for rows.Next() {
			var id int64
			var key string
			if err := rows.Scan(&id, &key); err != nil {
				rows.Close()
				return nil, err
			}
			if key != "" {
				paths[id] = key
			}
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// MarkProofsExisting flags images as having a proof and records the proof key
func (r *Repository) MarkProofsExisting(ctx context.Context, proofKeys map[int64]string) error {
	if len(proofKeys) == 0 {
		return nil
	}

	return r.db.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "UPDATE images SET has_proof = 1, proof_key = ?, updated_at = ? WHERE id = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for id, key := range proofKeys {
			if _, err := stmt.ExecContext(ctx, key, now, id); err != nil {
				return fmt.Errorf("failed to mark proof for image %d: %w", id, err)
			}
		}
		return nil
	})
}

// ByProject lists the images of a project ordered by id
func (r *Repository) ByProject(ctx context.Context, projectID int64) ([]Image, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
	SELECT id, project_id, storage_key_original, COALESCE(proof_key, ''), has_proof
	FROM images WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.ProjectID, &img.OriginalKey, &img.ProofKey, &img.HasProof); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
