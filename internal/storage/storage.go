// Package storage holds image metadata records keyed by an auto-incrementing id.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"imageforge/internal/models"
)

// Registry is the metadata store consumed by the HTTP layer.
type Registry interface {
	Create(ctx context.Context, originalName, mimeType string, size int64, artifactID string) (models.ImageRecord, error)
	Get(ctx context.Context, id int64) (models.ImageRecord, error)
	Update(ctx context.Context, id int64, patch models.ImagePatch) (models.ImageRecord, error)
}

type Storage struct {
	pool *pgxpool.Pool
}

var _ Registry = (*Storage)(nil)

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	if err := runMigrations(dsn); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

const imageColumns = `id, original_name, mime_type, size, artifact_id, last_operation, last_params, created_at, updated_at`

func (s *Storage) Create(ctx context.Context, originalName, mimeType string, size int64, artifactID string) (models.ImageRecord, error) {
	const op = "storage.Create"

	row := s.pool.QueryRow(ctx,
		`INSERT INTO images (original_name, mime_type, size, artifact_id, last_operation)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+imageColumns,
		originalName, mimeType, size, artifactID, string(models.OpPending))
	rec, err := scanImage(row)
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

func (s *Storage) Get(ctx context.Context, id int64) (models.ImageRecord, error) {
	const op = "storage.Get"

	row := s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	rec, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRecord{}, models.NewError(models.KindNotFound, op, models.ErrNotFound)
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// Update applies patch in a single statement; NULL parameters keep the
// current column value.
func (s *Storage) Update(ctx context.Context, id int64, patch models.ImagePatch) (models.ImageRecord, error) {
	const op = "storage.Update"

	var lastOp, lastParams *string
	if patch.LastOperation != nil {
		v := string(*patch.LastOperation)
		lastOp = &v
	}
	if patch.LastParams != nil {
		v := string(patch.LastParams)
		lastParams = &v
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE images SET
			mime_type      = COALESCE($2, mime_type),
			size           = COALESCE($3, size),
			artifact_id    = COALESCE($4, artifact_id),
			last_operation = COALESCE($5, last_operation),
			last_params    = COALESCE($6, last_params),
			updated_at     = now()
		 WHERE id = $1
		 RETURNING `+imageColumns,
		id, patch.MimeType, patch.Size, patch.ArtifactID, lastOp, lastParams)
	rec, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImageRecord{}, models.NewError(models.KindNotFound, op, models.ErrNotFound)
	}
	if err != nil {
		return models.ImageRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

func scanImage(row pgx.Row) (models.ImageRecord, error) {
	var (
		rec        models.ImageRecord
		lastOp     string
		lastParams *string
	)
	err := row.Scan(&rec.ID, &rec.OriginalName, &rec.MimeType, &rec.Size, &rec.ArtifactID,
		&lastOp, &lastParams, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return models.ImageRecord{}, err
	}
	rec.LastOperation = models.OperationKind(lastOp)
	if lastParams != nil {
		rec.LastParams = []byte(*lastParams)
	}
	return rec, nil
}
