package labrequest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labsync/labsync/internal/platform/db"
	"github.com/labsync/labsync/internal/platform/errs"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// statusRankSQL mirrors the Go-side rank so replays can never downgrade a
// stored status inside the upsert itself.
const statusRankSQL = `CASE %s WHEN 'pending' THEN 1 WHEN 'in_progress' THEN 2 WHEN 'completed' THEN 3 WHEN 'cancelled' THEN 3 ELSE 0 END`

// =========== LabRequest Repository ===========

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const lrCols = `id, patient_id, doctor_id, technician_id, test_type, priority,
	status, notes, read, due_date, completed_at, deleted, created_at, updated_at`

func scanRequest(row pgx.Row) (*LabRequest, error) {
	var lr LabRequest
	err := row.Scan(&lr.ID, &lr.PatientID, &lr.DoctorID, &lr.TechnicianID, &lr.TestType, &lr.Priority,
		&lr.Status, &lr.Notes, &lr.Read, &lr.DueDate, &lr.CompletedAt, &lr.Deleted, &lr.CreatedAt, &lr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return &lr, err
}

func (r *repoPG) Upsert(ctx context.Context, lr *LabRequest) (UpsertOutcome, error) {
	newRank := fmt.Sprintf(statusRankSQL, "excluded.status")
	oldRank := fmt.Sprintf(statusRankSQL, "lab_requests.status")
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_requests (id, patient_id, doctor_id, test_type, priority, status, notes, due_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			status = CASE WHEN `+newRank+` > `+oldRank+` THEN excluded.status ELSE lab_requests.status END,
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted, status`,
		lr.ID, lr.PatientID, lr.DoctorID, lr.TestType, lr.Priority, lr.Status, lr.Notes, lr.DueDate, lr.CreatedAt)

	var out UpsertOutcome
	if err := row.Scan(&out.Inserted, &out.Status); err != nil {
		return UpsertOutcome{}, err
	}
	return out, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+lrCols+` FROM lab_requests WHERE id = $1 AND NOT deleted`, id))
}

func (r *repoPG) Save(ctx context.Context, lr *LabRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_requests SET technician_id=$2, priority=$3, status=$4, notes=$5,
			read=$6, due_date=$7, completed_at=$8, updated_at=NOW()
		WHERE id = $1 AND NOT deleted`,
		lr.ID, lr.TechnicianID, lr.Priority, lr.Status, lr.Notes,
		lr.Read, lr.DueDate, lr.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *repoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE lab_requests SET deleted = TRUE, updated_at = NOW() WHERE id = $1 AND NOT deleted`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*LabRequest, int, error) {
	query := `SELECT ` + lrCols + ` FROM lab_requests WHERE NOT deleted`
	countQuery := `SELECT COUNT(*) FROM lab_requests WHERE NOT deleted`
	var args []interface{}
	idx := 1

	add := func(cond string, val interface{}) {
		query += fmt.Sprintf(` AND `+cond, idx)
		countQuery += fmt.Sprintf(` AND `+cond, idx)
		args = append(args, val)
		idx++
	}
	if f.PatientID != uuid.Nil {
		add(`patient_id = $%d`, f.PatientID)
	}
	if f.DoctorID != uuid.Nil {
		add(`doctor_id = $%d`, f.DoctorID)
	}
	if f.TechnicianID != uuid.Nil {
		add(`technician_id = $%d`, f.TechnicianID)
	}
	if f.Status != "" {
		add(`status = $%d`, string(f.Status))
	}
	if f.UnreadOnly {
		query += ` AND NOT read`
		countQuery += ` AND NOT read`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabRequest
	for rows.Next() {
		lr, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, lr)
	}
	return items, total, rows.Err()
}

// =========== Event Repository ===========

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *eventRepoPG) Append(ctx context.Context, e *LabRequestEvent) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_request_events (id, lab_request_id, event_type, actor, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.LabRequestID, e.EventType, e.Actor, e.Detail, e.CreatedAt)
	return err
}

func (r *eventRepoPG) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*LabRequestEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, lab_request_id, event_type, actor, detail, created_at
		FROM lab_request_events WHERE lab_request_id = $1 ORDER BY created_at ASC, id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*LabRequestEvent
	for rows.Next() {
		var e LabRequestEvent
		if err := rows.Scan(&e.ID, &e.LabRequestID, &e.EventType, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

func (r *resultRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const resCols = `id, lab_request_id, technician_id, test_type, conclusion, result_data, created_at, updated_at`

func scanResult(row pgx.Row) (*LabResult, error) {
	var res LabResult
	err := row.Scan(&res.ID, &res.LabRequestID, &res.TechnicianID, &res.TestType,
		&res.Conclusion, &res.ResultData, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return &res, err
}

func (r *resultRepoPG) Insert(ctx context.Context, res *LabResult) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_results (id, lab_request_id, technician_id, test_type, conclusion, result_data, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING`,
		res.ID, res.LabRequestID, res.TechnicianID, res.TestType, res.Conclusion, res.ResultData, res.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return scanResult(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resCols+` FROM lab_results WHERE id = $1`, id))
}

func (r *resultRepoPG) Update(ctx context.Context, res *LabResult) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_results SET conclusion=$2, result_data=$3, updated_at=NOW()
		WHERE id = $1`,
		res.ID, res.Conclusion, res.ResultData)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *resultRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_results WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *resultRepoPG) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resCols+` FROM lab_results WHERE lab_request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}
