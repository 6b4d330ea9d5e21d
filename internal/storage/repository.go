package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertPriceRecordSQL = `INSERT INTO price_history (
        asset,
        raw_value,
        decimals,
        updated_at,
        round_id
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (asset, round_id) DO NOTHING;`

	latestPriceSQL = `SELECT
        asset,
        raw_value,
        decimals,
        updated_at,
        round_id,
        created_at
    FROM price_history
    WHERE asset = $1
    ORDER BY round_id DESC
    LIMIT 1;`

	priceHistoryBetweenSQL = `SELECT
        asset,
        raw_value,
        decimals,
        updated_at,
        round_id,
        created_at
    FROM price_history
    WHERE asset = $1
      AND updated_at >= $2
      AND updated_at < $3
    ORDER BY updated_at;`

	listRecentPricesSQL = `SELECT
        asset,
        raw_value,
        decimals,
        updated_at,
        round_id,
        created_at
    FROM price_history
    ORDER BY updated_at DESC
    LIMIT $1;`

	insertDepegEventSQL = `INSERT INTO depeg_events (
        asset,
        depeg_bps,
        observed_price,
        reference_price,
        detected_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (asset) WHERE resolved_at IS NULL DO NOTHING
    RETURNING id;`

	activeDepegEventSQL = `SELECT
        id, asset, depeg_bps, observed_price, reference_price, detected_at, resolved_at
    FROM depeg_events
    WHERE asset = $1
      AND resolved_at IS NULL
    ORDER BY detected_at DESC
    LIMIT 1;`

	latestActiveDepegEventSQL = `SELECT
        id, asset, depeg_bps, observed_price, reference_price, detected_at, resolved_at
    FROM depeg_events
    WHERE resolved_at IS NULL
    ORDER BY detected_at DESC
    LIMIT 1;`

	resolveDepegEventsSQL = `UPDATE depeg_events
    SET resolved_at = $2
    WHERE asset = $1
      AND resolved_at IS NULL;`

	listRecentDepegEventsSQL = `SELECT
        id, asset, depeg_bps, observed_price, reference_price, detected_at, resolved_at
    FROM depeg_events
    ORDER BY detected_at DESC
    LIMIT $1;`

	upsertTaskSQL = `INSERT INTO tasks (
        task_index,
        task_type,
        task_data,
        block_number,
        status
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (task_index) DO NOTHING;`

	getTaskSQL = `SELECT
        task_index, task_type, task_data, block_number, status, created_at
    FROM tasks
    WHERE task_index = $1;`

	listTasksByStatusSQL = `SELECT
        task_index, task_type, task_data, block_number, status, created_at
    FROM tasks
    WHERE status = $1
    ORDER BY task_index;`

	setTaskStatusSQL = `UPDATE tasks
    SET status = $2
    WHERE task_index = $1
      AND status = 'pending';`

	insertTaskResponseSQL = `INSERT INTO task_responses (
        task_index,
        operator,
        payload,
        signature
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (task_index, operator) DO NOTHING;`

	getTaskResponseSQL = `SELECT
        task_index, operator, payload, signature, created_at
    FROM task_responses
    WHERE task_index = $1
      AND operator = $2;`

	listRecentResponsesSQL = `SELECT
        task_index, operator, payload, signature, created_at
    FROM task_responses
    ORDER BY created_at DESC
    LIMIT $1;`
)

// PriceHistoryStore defines operations for the append-only price ledger.
type PriceHistoryStore interface {
	InsertPriceRecord(ctx context.Context, rec PriceRecord) (bool, error)
	LatestPrice(ctx context.Context, asset string) (PriceRecord, error)
	PriceHistoryBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceRecord, error)
}

// DepegEventStore defines operations on depeg event records.
type DepegEventStore interface {
	InsertDepegEvent(ctx context.Context, event DepegEvent) (DepegEvent, bool, error)
	ActiveDepegEvent(ctx context.Context, asset string) (*DepegEvent, error)
	LatestActiveDepegEvent(ctx context.Context) (*DepegEvent, error)
	ResolveDepegEvents(ctx context.Context, asset string, at time.Time) (int64, error)
}

// TaskStore defines operations on the task table.
type TaskStore interface {
	UpsertTask(ctx context.Context, task TaskRecord) error
	GetTask(ctx context.Context, taskIndex uint64) (TaskRecord, error)
	ListTasksByStatus(ctx context.Context, status string) ([]TaskRecord, error)
	SetTaskStatus(ctx context.Context, taskIndex uint64, status string) (bool, error)
}

// TaskResponseStore defines operations on signed task responses.
type TaskResponseStore interface {
	InsertTaskResponse(ctx context.Context, resp TaskResponseRecord) (bool, error)
	GetTaskResponse(ctx context.Context, taskIndex uint64, operator string) (TaskResponseRecord, error)
}

// Store aggregates access to all operator tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertPriceRecord appends one feed observation. Returns false when the
// (asset, round_id) pair already exists; re-inserting is a no-op.
func (s *Store) InsertPriceRecord(ctx context.Context, rec PriceRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	if rec.RawValue == nil || rec.RoundID == nil {
		return false, fmt.Errorf("insert price record: raw value and round id required")
	}

	tag, execErr := pool.Exec(ctx, insertPriceRecordSQL,
		rec.Asset,
		rec.RawValue.String(),
		int16(rec.Decimals),
		rec.UpdatedAt,
		rec.RoundID.String(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert price record: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestPrice returns the highest-round observation for an asset.
func (s *Store) LatestPrice(ctx context.Context, asset string) (PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, latestPriceSQL, asset)
	if queryErr != nil {
		return PriceRecord{}, fmt.Errorf("latest price: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return PriceRecord{}, rows.Err()
		}
		return PriceRecord{}, ErrNotFound
	}
	return scanPriceRecord(rows)
}

// PriceHistoryBetween lists observations within [from, to) ordered by time ascending.
func (s *Store) PriceHistoryBetween(ctx context.Context, asset string, from, to time.Time) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, priceHistoryBetweenSQL, asset, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("price history between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentPrices lists the most recent observations across all assets.
func (s *Store) ListRecentPrices(ctx context.Context, limit int) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPricesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent prices: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PriceRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPriceRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertDepegEvent creates an active event unless one already exists for the
// asset. The partial unique index on (asset) WHERE resolved_at IS NULL is the
// single-active-event invariant; a losing concurrent insert returns false.
func (s *Store) InsertDepegEvent(ctx context.Context, event DepegEvent) (DepegEvent, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return DepegEvent{}, false, err
	}

	row := pool.QueryRow(ctx, insertDepegEventSQL,
		event.Asset,
		event.DepegBps,
		event.ObservedPrice.String(),
		event.ReferencePrice.String(),
		event.DetectedAt,
	)

	if scanErr := row.Scan(&event.ID); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return DepegEvent{}, false, nil
		}
		return DepegEvent{}, false, fmt.Errorf("insert depeg event: %w", scanErr)
	}
	return event, true, nil
}

// ActiveDepegEvent returns the unresolved event for an asset, nil when none.
func (s *Store) ActiveDepegEvent(ctx context.Context, asset string) (*DepegEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return queryOneDepegEvent(ctx, pool, activeDepegEventSQL, asset)
}

// LatestActiveDepegEvent returns the most recently detected unresolved event
// across all assets, nil when none.
func (s *Store) LatestActiveDepegEvent(ctx context.Context) (*DepegEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return queryOneDepegEvent(ctx, pool, latestActiveDepegEventSQL)
}

// ResolveDepegEvents stamps resolved_at on the asset's active events.
// The resolved_at IS NULL guard means a resolved event can never re-resolve.
func (s *Store) ResolveDepegEvents(ctx context.Context, asset string, at time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, resolveDepegEventsSQL, asset, at)
	if execErr != nil {
		return 0, fmt.Errorf("resolve depeg events: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// ListRecentDepegEvents lists events ordered by detection time descending.
func (s *Store) ListRecentDepegEvents(ctx context.Context, limit int) ([]DepegEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDepegEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent depeg events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]DepegEvent, 0, limit)
	for rows.Next() {
		event, scanErr := scanDepegEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// UpsertTask records a task event; replaying an already-known task_index is a no-op.
func (s *Store) UpsertTask(ctx context.Context, task TaskRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, upsertTaskSQL,
		int64(task.TaskIndex),
		int16(task.TaskType),
		task.TaskData,
		int64(task.BlockNumber),
		task.Status,
	)
	if execErr != nil {
		return fmt.Errorf("upsert task: %w", execErr)
	}
	return nil
}

// GetTask fetches a task by index.
func (s *Store) GetTask(ctx context.Context, taskIndex uint64) (TaskRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TaskRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, getTaskSQL, int64(taskIndex))
	if queryErr != nil {
		return TaskRecord{}, fmt.Errorf("get task: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return TaskRecord{}, rows.Err()
		}
		return TaskRecord{}, ErrNotFound
	}
	return scanTaskRecord(rows)
}

// ListTasksByStatus lists tasks in a given status ordered by index.
func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]TaskRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTasksByStatusSQL, status)
	if queryErr != nil {
		return nil, fmt.Errorf("list tasks by status: %w", queryErr)
	}
	defer rows.Close()

	tasks := make([]TaskRecord, 0)
	for rows.Next() {
		task, scanErr := scanTaskRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		tasks = append(tasks, task)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tasks, nil
}

// SetTaskStatus transitions a pending task to a terminal status. Returns
// false when the task was already terminal (or unknown); terminal states
// never transition again.
func (s *Store) SetTaskStatus(ctx context.Context, taskIndex uint64, status string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, setTaskStatusSQL, int64(taskIndex), status)
	if execErr != nil {
		return false, fmt.Errorf("set task status: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertTaskResponse persists a signed response. The (task_index, operator)
// primary key makes concurrent dispatch attempts race here; the loser gets
// false and must treat the existing row as the outcome.
func (s *Store) InsertTaskResponse(ctx context.Context, resp TaskResponseRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, insertTaskResponseSQL,
		int64(resp.TaskIndex),
		resp.Operator,
		resp.Payload,
		resp.Signature,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert task response: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// GetTaskResponse fetches this operator's response for a task.
func (s *Store) GetTaskResponse(ctx context.Context, taskIndex uint64, operator string) (TaskResponseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TaskResponseRecord{}, err
	}

	var resp TaskResponseRecord
	var idx int64
	row := pool.QueryRow(ctx, getTaskResponseSQL, int64(taskIndex), operator)
	if scanErr := row.Scan(&idx, &resp.Operator, &resp.Payload, &resp.Signature, &resp.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TaskResponseRecord{}, ErrNotFound
		}
		return TaskResponseRecord{}, fmt.Errorf("get task response: %w", scanErr)
	}
	resp.TaskIndex = uint64(idx)
	return resp, nil
}

// ListRecentResponses lists the most recently persisted responses.
func (s *Store) ListRecentResponses(ctx context.Context, limit int) ([]TaskResponseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentResponsesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent responses: %w", queryErr)
	}
	defer rows.Close()

	responses := make([]TaskResponseRecord, 0, limit)
	for rows.Next() {
		var resp TaskResponseRecord
		var idx int64
		if err := rows.Scan(&idx, &resp.Operator, &resp.Payload, &resp.Signature, &resp.CreatedAt); err != nil {
			return nil, err
		}
		resp.TaskIndex = uint64(idx)
		responses = append(responses, resp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return responses, nil
}

func queryOneDepegEvent(ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) (*DepegEvent, error) {
	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query depeg event: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, nil
	}
	event, scanErr := scanDepegEvent(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &event, nil
}

func scanPriceRecord(rows pgx.Rows) (PriceRecord, error) {
	var (
		asset     string
		rawStr    string
		decimals  int16
		updatedAt time.Time
		roundStr  string
		createdAt time.Time
	)

	if err := rows.Scan(&asset, &rawStr, &decimals, &updatedAt, &roundStr, &createdAt); err != nil {
		return PriceRecord{}, err
	}

	raw, ok := new(big.Int).SetString(rawStr, 10)
	if !ok {
		return PriceRecord{}, fmt.Errorf("parse raw value %q", rawStr)
	}
	round, ok := new(big.Int).SetString(roundStr, 10)
	if !ok {
		return PriceRecord{}, fmt.Errorf("parse round id %q", roundStr)
	}

	return PriceRecord{
		Asset:     asset,
		RawValue:  raw,
		Decimals:  uint8(decimals),
		UpdatedAt: updatedAt,
		RoundID:   round,
		CreatedAt: createdAt,
	}, nil
}

func scanDepegEvent(rows pgx.Rows) (DepegEvent, error) {
	var (
		event        DepegEvent
		observedStr  string
		referenceStr string
		resolvedAt   *time.Time
	)

	if err := rows.Scan(
		&event.ID,
		&event.Asset,
		&event.DepegBps,
		&observedStr,
		&referenceStr,
		&event.DetectedAt,
		&resolvedAt,
	); err != nil {
		return DepegEvent{}, err
	}

	var convErr error
	event.ObservedPrice, convErr = decimal.NewFromString(observedStr)
	if convErr != nil {
		return DepegEvent{}, fmt.Errorf("parse observed price: %w", convErr)
	}
	event.ReferencePrice, convErr = decimal.NewFromString(referenceStr)
	if convErr != nil {
		return DepegEvent{}, fmt.Errorf("parse reference price: %w", convErr)
	}
	event.ResolvedAt = resolvedAt

	return event, nil
}

func scanTaskRecord(rows pgx.Rows) (TaskRecord, error) {
	var (
		task     TaskRecord
		idx      int64
		taskType int16
		blockNum int64
	)

	if err := rows.Scan(&idx, &taskType, &task.TaskData, &blockNum, &task.Status, &task.CreatedAt); err != nil {
		return TaskRecord{}, err
	}

	task.TaskIndex = uint64(idx)
	task.TaskType = TaskType(taskType)
	task.BlockNumber = uint64(blockNum)
	return task, nil
}
