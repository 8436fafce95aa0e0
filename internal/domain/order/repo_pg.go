package order

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, seq, patient_id, performer_id, scheduled_at, status, modality, exam_type,
	accession_number, requested_procedure_id, scheduled_step_id, deleted_at, created_at, updated_at`

func (r *orderRepoPG) scanRow(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.Seq, &o.PatientID, &o.PerformerID, &o.ScheduledAt, &o.Status,
		&o.Modality, &o.ExamType, &o.AccessionNumber, &o.RequestedProcedureID, &o.ScheduledStepID,
		&o.DeletedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (id, patient_id, performer_id, scheduled_at, status, modality, exam_type)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING seq`,
		o.ID, o.PatientID, o.PerformerID, o.ScheduledAt, o.Status, o.Modality, o.ExamType).
		Scan(&o.Seq)
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (r *orderRepoPG) GetByAccession(ctx context.Context, accessionNumber string) (*Order, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE accession_number = $1 AND deleted_at IS NULL`,
		accessionNumber))
}

func (r *orderRepoPG) AssignKeys(ctx context.Context, id uuid.UUID, keys Keys) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders
		SET accession_number = $2, requested_procedure_id = $3, scheduled_step_id = $4,
			updated_at = NOW()
		WHERE id = $1 AND accession_number IS NULL`,
		id, keys.AccessionNumber, keys.RequestedProcedureID, keys.ScheduledProcedureStepID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, faults.Conflictf("accession number %s already taken", keys.AccessionNumber)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *orderRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, faults.ErrNotFound)
	}
	return nil
}

func (r *orderRepoPG) ListWorklistEligible(ctx context.Context, day *time.Time) ([]*Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders
		WHERE deleted_at IS NULL
		  AND accession_number IS NOT NULL
		  AND status = ANY($1)`
	args := []interface{}{[]string{
		string(StatusWaiting), string(StatusWithDoctor),
		string(StatusWithTechnician), string(StatusCompleted),
	}}
	if day != nil {
		query += ` AND scheduled_at::date = $2::date`
		args = append(args, *day)
	}
	query += ` ORDER BY scheduled_at`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Order
	for rows.Next() {
		o, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}
