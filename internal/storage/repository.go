package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"rebase-policy/internal/policy"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoOutcomes indicates no rebase has been persisted yet.
	ErrNoOutcomes = errors.New("storage: no rebase outcomes recorded")
)

const (
	upsertOutcomeSQL = `INSERT INTO rebase_outcomes (
        epoch,
        trading_price,
        target_price,
        supply_delta,
        total_supply,
        rebased_at,
        run_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (epoch) DO UPDATE
    SET
        trading_price = EXCLUDED.trading_price,
        target_price  = EXCLUDED.target_price,
        supply_delta  = EXCLUDED.supply_delta,
        total_supply  = EXCLUDED.total_supply,
        rebased_at    = EXCLUDED.rebased_at,
        run_id        = COALESCE(EXCLUDED.run_id, rebase_outcomes.run_id);`

	selectOutcomeColumns = `SELECT
        epoch,
        trading_price::text,
        target_price::text,
        supply_delta::text,
        total_supply::text,
        rebased_at,
        run_id::text,
        created_at
    FROM rebase_outcomes`

	listOutcomesBetweenSQL = selectOutcomeColumns + `
    WHERE rebased_at >= $1
      AND rebased_at < $2
    ORDER BY epoch
    LIMIT $3;`

	listRecentOutcomesSQL = selectOutcomeColumns + `
    ORDER BY epoch DESC
    LIMIT $1;`

	latestOutcomeSQL = selectOutcomeColumns + `
    ORDER BY epoch DESC
    LIMIT 1;`

	countOutcomesSQL = `SELECT COUNT(*) FROM rebase_outcomes;`

	insertRunSQL = `INSERT INTO keeper_runs (
        run_id,
        scheduled_at,
        status,
        epoch,
        trading_price,
        target_price,
        price_quality,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (run_id) DO UPDATE
    SET status        = EXCLUDED.status,
        epoch         = EXCLUDED.epoch,
        trading_price = EXCLUDED.trading_price,
        target_price  = EXCLUDED.target_price,
        price_quality = EXCLUDED.price_quality,
        error         = EXCLUDED.error;`

	listRecentRunsSQL = `SELECT
        run_id::text,
        scheduled_at,
        status,
        epoch,
        trading_price::text,
        target_price::text,
        COALESCE(price_quality, ''),
        error,
        created_at
    FROM keeper_runs
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// OutcomeStore defines operations for rebase outcome persistence.
type OutcomeStore interface {
	UpsertOutcome(ctx context.Context, record RebaseRecord) error
	ListOutcomesBetween(ctx context.Context, from, to time.Time, limit int) ([]RebaseRecord, error)
	ListRecentOutcomes(ctx context.Context, limit int) ([]RebaseRecord, error)
	LatestOutcome(ctx context.Context) (RebaseRecord, error)
	CountOutcomes(ctx context.Context) (int64, error)
}

// RunStore defines operations for keeper run auditing.
type RunStore interface {
	InsertRun(ctx context.Context, run KeeperRun) error
	ListRecentRuns(ctx context.Context, limit int) ([]KeeperRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rebase outcomes and keeper runs.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// RebaseApplied persists every committed rebase.
func (s *Store) RebaseApplied(ctx context.Context, outcome policy.RebaseOutcome) {
	record := RecordFromOutcome(outcome)
	if runID, ok := RunIDFromContext(ctx); ok {
		record.RunID = &runID
	}
	if err := s.UpsertOutcome(ctx, record); err != nil {
		s.logger.Error().Err(err).Uint64("epoch", outcome.Epoch).Msg("failed to persist rebase outcome")
	}
}

// RuntimeState recovers the policy's epoch and last rebase time from the latest outcome.
// A store with no outcomes yields the zero state.
func (s *Store) RuntimeState(ctx context.Context) (policy.RuntimeState, error) {
	latest, err := s.LatestOutcome(ctx)
	if errors.Is(err, ErrNoOutcomes) {
		return policy.RuntimeState{}, nil
	}
	if err != nil {
		return policy.RuntimeState{}, err
	}
	return policy.RuntimeState{
		Epoch:                  latest.Epoch,
		LastRebaseTimestampSec: policy.UnixSeconds(latest.RebasedAt),
	}, nil
}

// UpsertOutcome persists or updates a rebase outcome keyed by epoch.
func (s *Store) UpsertOutcome(ctx context.Context, record RebaseRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var runID interface{}
	if record.RunID != nil {
		runID = *record.RunID
	}

	_, execErr := pool.Exec(ctx, upsertOutcomeSQL,
		int64(record.Epoch),
		numericString(record.TradingPrice),
		numericString(record.TargetPrice),
		numericString(record.SupplyDelta),
		numericString(record.TotalSupply),
		record.RebasedAt,
		runID,
	)
	if execErr != nil {
		return fmt.Errorf("upsert rebase outcome: %w", execErr)
	}
	return nil
}

// ListOutcomesBetween lists outcomes rebased within [from, to).
func (s *Store) ListOutcomesBetween(ctx context.Context, from, to time.Time, limit int) ([]RebaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOutcomesBetweenSQL, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list outcomes between: %w", queryErr)
	}
	defer rows.Close()

	return collectOutcomes(rows, 0)
}

// ListRecentOutcomes lists the most recent outcomes ordered by descending epoch.
func (s *Store) ListRecentOutcomes(ctx context.Context, limit int) ([]RebaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentOutcomesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent outcomes: %w", queryErr)
	}
	defer rows.Close()

	return collectOutcomes(rows, limit)
}

// LatestOutcome returns the outcome with the highest epoch.
func (s *Store) LatestOutcome(ctx context.Context) (RebaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return RebaseRecord{}, err
	}

	rows, queryErr := pool.Query(ctx, latestOutcomeSQL)
	if queryErr != nil {
		return RebaseRecord{}, fmt.Errorf("latest outcome: %w", queryErr)
	}
	defer rows.Close()

	records, err := collectOutcomes(rows, 1)
	if err != nil {
		return RebaseRecord{}, err
	}
	if len(records) == 0 {
		return RebaseRecord{}, ErrNoOutcomes
	}
	return records[0], nil
}

// CountOutcomes counts stored outcomes.
func (s *Store) CountOutcomes(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countOutcomesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count outcomes: %w", scanErr)
	}
	return count, nil
}

// InsertRun records a keeper attempt.
func (s *Store) InsertRun(ctx context.Context, run KeeperRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var epoch, errMsg, quality interface{}
	if run.Epoch != nil {
		epoch = int64(*run.Epoch)
	}
	if run.Error != nil {
		errMsg = *run.Error
	}
	if run.PriceQuality != "" {
		quality = run.PriceQuality
	}

	_, execErr := pool.Exec(ctx, insertRunSQL,
		run.ID,
		run.ScheduledAt,
		run.Status,
		epoch,
		nullableNumeric(run.TradingPrice),
		nullableNumeric(run.TargetPrice),
		quality,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert keeper run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the most recent keeper runs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]KeeperRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]KeeperRun, 0, limit)
	for rows.Next() {
		var (
			run     KeeperRun
			epoch   sql.NullInt64
			trading sql.NullString
			target  sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(
			&run.ID,
			&run.ScheduledAt,
			&run.Status,
			&epoch,
			&trading,
			&target,
			&run.PriceQuality,
			&errMsg,
			&run.CreatedAt,
		); err != nil {
			return nil, err
		}
		if epoch.Valid {
			value := uint64(epoch.Int64)
			run.Epoch = &value
		}
		if trading.Valid {
			if run.TradingPrice, err = parseNumeric(trading.String); err != nil {
				return nil, fmt.Errorf("parse trading price: %w", err)
			}
		}
		if target.Valid {
			if run.TargetPrice, err = parseNumeric(target.String); err != nil {
				return nil, fmt.Errorf("parse target price: %w", err)
			}
		}
		if errMsg.Valid {
			msg := errMsg.String
			run.Error = &msg
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func collectOutcomes(rows pgx.Rows, capacity int) ([]RebaseRecord, error) {
	records := make([]RebaseRecord, 0, capacity)
	for rows.Next() {
		record, scanErr := scanOutcome(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanOutcome(rows pgx.Rows) (RebaseRecord, error) {
	var (
		epoch      int64
		tradingStr string
		targetStr  string
		deltaStr   string
		supplyStr  string
		rebasedAt  time.Time
		runID      sql.NullString
		createdAt  time.Time
	)

	if err := rows.Scan(
		&epoch,
		&tradingStr,
		&targetStr,
		&deltaStr,
		&supplyStr,
		&rebasedAt,
		&runID,
		&createdAt,
	); err != nil {
		return RebaseRecord{}, err
	}

	trading, err := parseNumeric(tradingStr)
	if err != nil {
		return RebaseRecord{}, fmt.Errorf("parse trading price: %w", err)
	}
	target, err := parseNumeric(targetStr)
	if err != nil {
		return RebaseRecord{}, fmt.Errorf("parse target price: %w", err)
	}
	delta, err := parseNumeric(deltaStr)
	if err != nil {
		return RebaseRecord{}, fmt.Errorf("parse supply delta: %w", err)
	}
	supply, err := parseNumeric(supplyStr)
	if err != nil {
		return RebaseRecord{}, fmt.Errorf("parse total supply: %w", err)
	}

	record := RebaseRecord{
		Epoch:        uint64(epoch),
		TradingPrice: trading,
		TargetPrice:  target,
		SupplyDelta:  delta,
		TotalSupply:  supply,
		RebasedAt:    rebasedAt.UTC(),
		CreatedAt:    createdAt,
	}
	if runID.Valid {
		id := runID.String
		record.RunID = &id
	}
	return record, nil
}

func numericString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullableNumeric(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}

var (
	_ policy.Observer = (*Store)(nil)
	_ OutcomeStore    = (*Store)(nil)
	_ RunStore        = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
