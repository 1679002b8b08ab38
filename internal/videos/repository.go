package videos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clipstream/backend/internal/models"
)

// ErrNotFound is returned when no record exists for the given id.
var ErrNotFound = errors.New("video not found")

// Repository is the durable metadata store for video records; the sole
// source of truth for status.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const videoColumns = `id, owner_id, original_name, stored_key, COALESCE(output_key,''), COALESCE(transcript,''), status, uploaded_at, updated_at`

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	err := row.Scan(&v.ID, &v.OwnerID, &v.OriginalName, &v.StoredKey, &v.OutputKey, &v.Transcript, &v.Status, &v.UploadedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// Create inserts a new record. The id and stored key are assigned by the
// caller at creation time and never change afterwards.
func (r *Repository) Create(ctx context.Context, v *models.Video) error {
	const q = `INSERT INTO videos (id, owner_id, original_name, stored_key, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING uploaded_at, updated_at`
	return r.pool.QueryRow(ctx, q, v.ID, v.OwnerID, v.OriginalName, v.StoredKey, v.Status).
		Scan(&v.UploadedAt, &v.UpdatedAt)
}

// GetByID returns a record by id, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return scanVideo(r.pool.QueryRow(ctx, q, id))
}

// ListByOwner returns all records for an owner, newest upload first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE owner_id = $1 ORDER BY uploaded_at DESC`
	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		var v models.Video
		if err := rows.Scan(&v.ID, &v.OwnerID, &v.OriginalName, &v.StoredKey, &v.OutputKey, &v.Transcript, &v.Status, &v.UploadedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

// UpdateStatus sets the record status without touching the output key.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error {
	const q = `UPDATE videos SET status = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOutput sets the status and the derived artifact key together, so a
// non-empty output key is only ever visible alongside its success status.
func (r *Repository) UpdateOutput(ctx context.Context, id uuid.UUID, status models.VideoStatus, outputKey string) error {
	const q = `UPDATE videos SET status = $1, output_key = NULLIF($2,''), updated_at = NOW() WHERE id = $3`
	tag, err := r.pool.Exec(ctx, q, status, outputKey, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTranscript stores the transcription text.
func (r *Repository) SetTranscript(ctx context.Context, id uuid.UUID, text string) error {
	const q = `UPDATE videos SET transcript = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, text, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
