package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgLedger is the Postgres-backed step ledger.
type PgLedger struct {
	conn Conn
}

// NewPgLedger creates a ledger over the given connection.
func NewPgLedger(conn Conn) *PgLedger {
	return &PgLedger{conn: conn}
}

var _ Ledger = (*PgLedger)(nil)

const stepColumns = `id, parent_id, step_kind, status, client_id, chain_scope_id, request_params, response_data, transaction_hash, debug_params, created_at, updated_at`

func (l *PgLedger) Get(ctx context.Context, id int64) (*StepRecord, error) {
	q := `SELECT ` + stepColumns + ` FROM sf_steps WHERE id = $1;`
	rec, err := scanStep(l.conn.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	return rec, err
}

func (l *PgLedger) GetSibling(ctx context.Context, parentID int64, kind StepKind) (*StepRecord, error) {
	q := `SELECT ` + stepColumns + ` FROM sf_steps WHERE parent_id = $1 AND step_kind = $2;`
	rec, err := scanStep(l.conn.QueryRow(ctx, q, parentID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	return rec, err
}

func (l *PgLedger) ListSiblings(ctx context.Context, parentID int64) ([]*StepRecord, error) {
	q := `SELECT ` + stepColumns + ` FROM sf_steps WHERE parent_id = $1 ORDER BY id;`
	rows, err := l.conn.Query(ctx, q, parentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCollectibleStep)
}

func (l *PgLedger) CountProcessed(ctx context.Context, parentID int64, kinds []StepKind) (int, error) {
	query, args := countProcessedQuery(parentID, kinds)
	count := 0
	err := l.conn.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func countProcessedQuery(parentID int64, kinds []StepKind) (string, []any) {
	q := `SELECT count(DISTINCT step_kind) FROM sf_steps WHERE parent_id = $1 AND step_kind = ANY($2) AND status = $3;`
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return q, []any{parentID, names, StatusProcessed}
}

func (l *PgLedger) Insert(ctx context.Context, rec *StepRecord) (int64, error) {
	query, args, err := insertStepQuery(rec)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := l.conn.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return 0, ErrDuplicateStep
		}
		return 0, err
	}
	rec.ID = id
	return id, nil
}

func insertStepQuery(rec *StepRecord) (string, []any, error) {
	q := `INSERT INTO sf_steps (parent_id, step_kind, status, client_id, chain_scope_id, request_params)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id;`

	status := rec.Status
	if status == "" {
		status = StatusQueued
	}

	var params []byte
	if len(rec.RequestParams) > 0 {
		b, err := json.Marshal(rec.RequestParams)
		if err != nil {
			return "", nil, err
		}
		params = b
	}

	return q, []any{rec.ParentID, string(rec.Kind), status, rec.ClientID, rec.ChainScopeID, params}, nil
}

// InsertRoot inserts a record and points its parent_id at its own id. The
// two statements are atomic only when conn is a pgx.Tx; a crash in between
// leaves a placeholder row no dispatcher will ever address.
func (l *PgLedger) InsertRoot(ctx context.Context, rec *StepRecord) (int64, error) {
	id, err := l.Insert(ctx, rec)
	if err != nil {
		return 0, err
	}
	q := `UPDATE sf_steps SET parent_id = id WHERE id = $1;`
	if _, err := l.conn.Exec(ctx, q, id); err != nil {
		return 0, err
	}
	rec.ParentID = id
	return id, nil
}

// MarkPending is the engine's compare-and-swap: the row must still be
// runnable for the transition to win.
func (l *PgLedger) MarkPending(ctx context.Context, id int64) (bool, error) {
	q := `UPDATE sf_steps SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3);`
	tag, err := execWithRetry(ctx, l.conn, q, id, StatusPending, []string{StatusQueued, StatusPending})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (l *PgLedger) MarkStatus(ctx context.Context, id int64, status string, debug json.RawMessage) error {
	q := `UPDATE sf_steps SET status = $2, debug_params = COALESCE($3, debug_params), updated_at = now() WHERE id = $1;`
	tag, err := execWithRetry(ctx, l.conn, q, id, status, debug)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStepNotFound
	}
	return nil
}

// UpdateResult merges response data into the row and records the
// transaction hash. Terminal rows are immutable, so the runnable guard is
// part of the statement.
func (l *PgLedger) UpdateResult(ctx context.Context, id int64, data Params, txHash string) error {
	query, args, err := updateResultQuery(id, data, txHash)
	if err != nil {
		return err
	}
	tag, err := execWithRetry(ctx, l.conn, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStepNotRunnable
	}
	return nil
}

func updateResultQuery(id int64, data Params, txHash string) (string, []any, error) {
	q := `UPDATE sf_steps
		SET response_data = COALESCE(response_data, '{}'::jsonb) || $2::jsonb,
			transaction_hash = COALESCE(NULLIF($3, ''), transaction_hash),
			updated_at = now()
		WHERE id = $1 AND status = ANY($4);`

	// Empty data must concatenate as the empty object. Marshaling a nil map
	// yields jsonb null, and object || null concatenates as an array in
	// Postgres, corrupting previously stored output.
	b := []byte(`{}`)
	if len(data) > 0 {
		var err error
		b, err = json.Marshal(data)
		if err != nil {
			return "", nil, err
		}
	}

	return q, []any{id, b, txHash, []string{StatusQueued, StatusPending}}, nil
}

func (l *PgLedger) ListStuckQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*StepRecord, error) {
	q := `SELECT ` + stepColumns + ` FROM sf_steps
		WHERE status = $1 AND created_at < now() - $2::interval
		ORDER BY created_at
		LIMIT $3;`
	rows, err := queryWithRetry(ctx, l.conn, q, StatusQueued, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCollectibleStep)
}

func (l *PgLedger) ListRoots(ctx context.Context, limit int) ([]*StepRecord, error) {
	q := `SELECT ` + stepColumns + ` FROM sf_steps WHERE id = parent_id ORDER BY id DESC LIMIT $1;`
	rows, err := l.conn.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCollectibleStep)
}

func scanCollectibleStep(row pgx.CollectableRow) (*StepRecord, error) {
	return scanStep(row)
}

func scanStep(row pgx.Row) (*StepRecord, error) {
	rec := StepRecord{}

	var kind string
	var requestParams *Params
	var responseData *Params
	var transactionHash *string
	var debugParams *json.RawMessage

	if err := row.Scan(
		&rec.ID,
		&rec.ParentID,
		&kind,
		&rec.Status,
		&rec.ClientID,
		&rec.ChainScopeID,
		&requestParams,
		&responseData,
		&transactionHash,
		&debugParams,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Kind = StepKind(kind)
	if requestParams != nil {
		rec.RequestParams = *requestParams
	}
	if responseData != nil {
		rec.ResponseData = *responseData
	}
	if transactionHash != nil {
		rec.TransactionHash = *transactionHash
	}
	if debugParams != nil {
		rec.DebugParams = *debugParams
	}

	return &rec, nil
}
