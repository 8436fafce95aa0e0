package visit

import (
	"context"
	"errors"
	"fmt"

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

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) VisitRepository {
	return &visitRepoPG{pool: pool}
}

func (r *visitRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const visitCols = `id, order_id, patient_id, accession_number, status, modality,
	exam_type, study_instance_uid, scheduled_for, deleted_at, created_at, updated_at`

func (r *visitRepoPG) scanRow(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.OrderID, &v.PatientID, &v.AccessionNumber, &v.Status, &v.Modality,
		&v.ExamType, &v.StudyInstanceUID, &v.ScheduledFor, &v.DeletedAt, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visits (id, order_id, patient_id, accession_number, status, modality,
			exam_type, study_instance_uid, scheduled_for)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		v.ID, v.OrderID, v.PatientID, v.AccessionNumber, v.Status, v.Modality,
		v.ExamType, v.StudyInstanceUID, v.ScheduledFor)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return faults.Conflictf("visit for accession %s already exists", v.AccessionNumber)
	}
	return err
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE id = $1`, id))
}

func (r *visitRepoPG) GetByAccession(ctx context.Context, accessionNumber string) (*Visit, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE accession_number = $1 AND deleted_at IS NULL`,
		accessionNumber))
}

func (r *visitRepoPG) GetByOrderID(ctx context.Context, orderID uuid.UUID) (*Visit, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE order_id = $1 AND deleted_at IS NULL`, orderID))
}

func (r *visitRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visit %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

func (r *visitRepoPG) SetStudyUIDIfEmpty(ctx context.Context, id uuid.UUID, studyUID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visits SET study_instance_uid = $2, updated_at = NOW()
		WHERE id = $1 AND study_instance_uid IS NULL`, id, studyUID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *visitRepoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE visits SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	return err
}
