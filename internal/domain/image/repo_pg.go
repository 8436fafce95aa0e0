package image

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ris/ris/internal/platform/db"
	"github.com/ris/ris/internal/platform/faults"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type imageRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) ImageRepository {
	return &imageRepoPG{pool: pool}
}

func (r *imageRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const imageCols = `id, sop_instance_uid, sop_class_uid, study_instance_uid, series_instance_uid,
	accession_number, modality, patient_id, patient_name, study_date,
	file_path, thumbnail_path, file_size, metadata, created_at`

func (r *imageRepoPG) scanRow(row pgx.Row) (*Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.SOPInstanceUID, &img.SOPClassUID, &img.StudyInstanceUID,
		&img.SeriesInstanceUID, &img.AccessionNumber, &img.Modality, &img.PatientID,
		&img.PatientName, &img.StudyDate, &img.FilePath, &img.ThumbnailPath, &img.FileSize,
		&img.Metadata, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *imageRepoPG) Create(ctx context.Context, img *Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO images (id, sop_instance_uid, sop_class_uid, study_instance_uid,
			series_instance_uid, accession_number, modality, patient_id, patient_name,
			study_date, file_path, thumbnail_path, file_size, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		img.ID, img.SOPInstanceUID, img.SOPClassUID, img.StudyInstanceUID,
		img.SeriesInstanceUID, img.AccessionNumber, img.Modality, img.PatientID,
		img.PatientName, img.StudyDate, img.FilePath, img.ThumbnailPath, img.FileSize,
		img.Metadata)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return faults.ErrDuplicate
	}
	return err
}

func (r *imageRepoPG) GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*Image, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+imageCols+` FROM images WHERE sop_instance_uid = $1`, sopInstanceUID))
}

func (r *imageRepoPG) ListByStudyUID(ctx context.Context, studyInstanceUID string) ([]*Image, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+imageCols+` FROM images WHERE study_instance_uid = $1 ORDER BY created_at`,
		studyInstanceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Image
	for rows.Next() {
		img, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, img)
	}
	return items, rows.Err()
}

func (r *imageRepoPG) CreateMeasurement(ctx context.Context, m *Measurement) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO measurements (id, image_id, study_instance_uid, kind, value, unit)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.ImageID, m.StudyInstanceUID, m.Kind, m.Value, m.Unit)
	return err
}

func (r *imageRepoPG) ListMeasurementsByStudyUID(ctx context.Context, studyInstanceUID string) ([]*Measurement, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, image_id, study_instance_uid, kind, value, unit, created_at
		FROM measurements WHERE study_instance_uid = $1 ORDER BY created_at`, studyInstanceUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.ID, &m.ImageID, &m.StudyInstanceUID, &m.Kind, &m.Value, &m.Unit, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &m)
	}
	return items, rows.Err()
}
