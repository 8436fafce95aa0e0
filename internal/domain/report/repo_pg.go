package report

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

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

func (r *reportRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const reportCols = `id, visit_id, template_id, lifecycle_state, data,
	author_id, validated_by, validated_at, created_at, updated_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	err := row.Scan(&rep.ID, &rep.VisitID, &rep.TemplateID, &rep.State, &rep.Data,
		&rep.AuthorID, &rep.ValidatedBy, &rep.ValidatedAt, &rep.CreatedAt, &rep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	if rep.State == "" {
		rep.State = StateDraft
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO reports (id, visit_id, template_id, lifecycle_state, data, author_id)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rep.ID, rep.VisitID, rep.TemplateID, rep.State, rep.Data, rep.AuthorID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return faults.Conflictf("report for visit %s already exists", rep.VisitID)
	}
	return err
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return scanReport(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM reports WHERE id = $1`, id))
}

func (r *reportRepoPG) GetByVisitID(ctx context.Context, visitID uuid.UUID) (*Report, error) {
	return scanReport(r.conn(ctx).QueryRow(ctx,
		`SELECT `+reportCols+` FROM reports WHERE visit_id = $1`, visitID))
}

func (r *reportRepoPG) Update(ctx context.Context, rep *Report) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE reports
		SET template_id = $2, lifecycle_state = $3, data = $4,
			validated_by = $5, validated_at = $6, updated_at = now()
		WHERE id = $1`,
		rep.ID, rep.TemplateID, rep.State, rep.Data, rep.ValidatedBy, rep.ValidatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.ErrNotFound
	}
	return nil
}

func (r *reportRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return faults.ErrNotFound
	}
	return nil
}

func (r *reportRepoPG) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	var t Template
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, modality, fields, created_at
		FROM report_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Modality, &t.Fields, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
