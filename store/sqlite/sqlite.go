/*
Package sqlite provides a SQLite-backed implementation of the rollup storage interfaces.

PURPOSE:
  Implements rollup.Store, rollup.TxStore, rollup.Incrementer,
  rollup.SeriesStore and rollup.RunStore on SQLite. The same patterns apply
  to PostgreSQL with minor dialect differences.

KEY TABLES:
  entries:             Dated values with their derived running totals
  aggregates:          Merge-series accumulators keyed by (series, period, dimension)
  series:              Series declarations
  reconciliation_runs: History of reconcile passes

INDEXES:
  - idx_entries_series_period_date: Period recompute (hot path)
  - idx_entries_unique_key:         Enforces one entry per (period, dimension)
                                    for unique series

OPTIMISTIC CONCURRENCY:
  Every row carries a version. Versioned writes are
    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  and zero affected rows means another writer got there first
  (rollup.ErrConcurrentModification).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases are shared by every statement. In production with
  PostgreSQL, database-level concurrency control handles this instead.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the SQL files
  embedded in migrations/.

USAGE:
  store, err := sqlite.New("./data/rollup.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := rollup.NewEngine(store)

SEE ALSO:
  - rollup/store.go: Interface definitions
  - rollup/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/rollup"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the embedded migrations. The migrate instance is not
// closed since that would close the shared *sql.DB.
func (s *Store) migrate() error {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// ENTRY STORE (rollup.EntryStore interface)
// =============================================================================

const entryColumns = `id, series_id, date, period, dimension, unique_key, value,
	running_total, seq, version, created_at, updated_at`

func (s *Store) GetEntry(ctx context.Context, id rollup.EntryID) (rollup.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func (s *Store) QueryEntries(ctx context.Context, q rollup.EntryQuery) ([]rollup.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, q)
}

func (s *Store) CreateEntry(ctx context.Context, e rollup.Entry) (rollup.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createEntry(ctx, s.db, e)
}

// BatchWrite applies all patches in one database transaction.
func (s *Store) BatchWrite(ctx context.Context, patches []rollup.EntryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := batchWrite(ctx, sqlTx, patches); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) DeleteEntry(ctx context.Context, id rollup.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEntry(ctx, s.db, id)
}

func (s *Store) ListPeriods(ctx context.Context, seriesID rollup.SeriesID) ([]rollup.PeriodKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPeriods(ctx, s.db, seriesID)
}

func getEntry(ctx context.Context, q querier, id rollup.EntryID) (rollup.Entry, error) {
	row := q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rollup.Entry{}, rollup.ErrEntryNotFound
	}
	return e, err
}

func queryEntries(ctx context.Context, q querier, query rollup.EntryQuery) ([]rollup.Entry, error) {
	var (
		where []string
		args  []any
	)
	if query.SeriesID != "" {
		where = append(where, "series_id = ?")
		args = append(args, query.SeriesID)
	}
	if query.Period != "" {
		where = append(where, "period = ?")
		args = append(args, query.Period)
	}
	if query.Dimension != nil {
		where = append(where, "dimension = ?")
		args = append(args, *query.Dimension)
	}
	if query.UniqueKey != "" {
		where = append(where, "unique_key = ?")
		args = append(args, query.UniqueKey)
	}

	stmt := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY date ASC, seq ASC"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []rollup.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func createEntry(ctx context.Context, q querier, e rollup.Entry) (rollup.Entry, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) + 1 FROM entries").Scan(&seq); err != nil {
		return rollup.Entry{}, fmt.Errorf("failed to allocate seq: %w", err)
	}

	now := time.Now().UTC()
	e.ID = rollup.EntryID(uuid.New().String())
	e.Seq = seq
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SeriesID, e.Date.String(), e.Period, e.Dimension,
		nullString(e.UniqueKey), e.Value.String(), e.RunningTotal.String(),
		e.Seq, e.Version, now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return rollup.Entry{}, rollup.ErrDuplicateKey
		}
		return rollup.Entry{}, fmt.Errorf("failed to insert entry: %w", err)
	}
	return e, nil
}

// batchWrite must run inside a transaction: a failing patch leaves earlier
// ones applied until the caller rolls back.
func batchWrite(ctx context.Context, q querier, patches []rollup.EntryPatch) error {
	now := time.Now().UTC().Format(timeLayout)
	for _, p := range patches {
		sets := []string{"version = version + 1", "updated_at = ?"}
		args := []any{now}
		if p.Date != nil {
			sets = append(sets, "date = ?")
			args = append(args, p.Date.String())
		}
		if p.Period != nil {
			sets = append(sets, "period = ?")
			args = append(args, *p.Period)
		}
		if p.Dimension != nil {
			sets = append(sets, "dimension = ?")
			args = append(args, *p.Dimension)
		}
		if p.UniqueKey != nil {
			sets = append(sets, "unique_key = ?")
			args = append(args, nullString(*p.UniqueKey))
		}
		if p.Value != nil {
			sets = append(sets, "value = ?")
			args = append(args, p.Value.String())
		}
		if p.RunningTotal != nil {
			sets = append(sets, "running_total = ?")
			args = append(args, p.RunningTotal.String())
		}
		args = append(args, p.ID, p.ExpectedVersion)

		res, err := q.ExecContext(ctx,
			"UPDATE entries SET "+strings.Join(sets, ", ")+" WHERE id = ? AND version = ?",
			args...)
		if err != nil {
			if isUniqueConstraintError(err) {
				return rollup.ErrDuplicateKey
			}
			return fmt.Errorf("failed to update entry: %w", err)
		}
		if err := checkVersioned(ctx, q, res, "entries", "id = ?", p.ID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return rollup.ErrEntryNotFound
			}
			return err
		}
	}
	return nil
}

func deleteEntry(ctx context.Context, q querier, id rollup.EntryID) error {
	res, err := q.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return rollup.ErrEntryNotFound
	}
	return nil
}

func listPeriods(ctx context.Context, q querier, seriesID rollup.SeriesID) ([]rollup.PeriodKey, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT DISTINCT period FROM entries WHERE series_id = ? ORDER BY period", seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to list periods: %w", err)
	}
	defer rows.Close()

	var periods []rollup.PeriodKey
	for rows.Next() {
		var p rollup.PeriodKey
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (rollup.Entry, error) {
	var (
		e                    rollup.Entry
		date                 string
		uniqueKey            sql.NullString
		value, runningTotal  string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&e.ID, &e.SeriesID, &date, &e.Period, &e.Dimension, &uniqueKey, &value,
		&runningTotal, &e.Seq, &e.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return e, err
	}

	e.Date, err = rollup.ParseDate(date)
	if err != nil {
		return e, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	e.UniqueKey = uniqueKey.String
	if e.Value, err = decimal.NewFromString(value); err != nil {
		return e, fmt.Errorf("entry %s value: %w", e.ID, err)
	}
	if e.RunningTotal, err = decimal.NewFromString(runningTotal); err != nil {
		return e, fmt.Errorf("entry %s running total: %w", e.ID, err)
	}
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return e, nil
}

// =============================================================================
// AGGREGATE STORE (rollup.AggregateStore, rollup.Incrementer)
// =============================================================================

const aggregateColumns = `series_id, period, dimension, target, accumulated, contributions, version, updated_at`

func (s *Store) GetAggregate(ctx context.Context, key rollup.AggregateKey) (rollup.Aggregate, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAggregate(ctx, s.db, key)
}

func (s *Store) PutAggregate(ctx context.Context, agg rollup.Aggregate) (rollup.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putAggregate(ctx, s.db, agg)
}

// IncrementAggregate adds delta in a single UPDATE, so concurrent merges
// never lose an update.
func (s *Store) IncrementAggregate(ctx context.Context, key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rollup.Aggregate{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	agg, err := incrementAggregate(ctx, sqlTx, key, delta, target)
	if err != nil {
		return rollup.Aggregate{}, err
	}
	return agg, sqlTx.Commit()
}

func (s *Store) ListAggregates(ctx context.Context, seriesID rollup.SeriesID, period rollup.PeriodKey) ([]rollup.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAggregates(ctx, s.db, seriesID, period)
}

func getAggregate(ctx context.Context, q querier, key rollup.AggregateKey) (rollup.Aggregate, bool, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+aggregateColumns+" FROM aggregates WHERE series_id = ? AND period = ? AND dimension = ?",
		key.SeriesID, key.Period, key.Dimension)
	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rollup.Aggregate{}, false, nil
	}
	if err != nil {
		return rollup.Aggregate{}, false, err
	}
	return agg, true, nil
}

func putAggregate(ctx context.Context, q querier, agg rollup.Aggregate) (rollup.Aggregate, error) {
	now := time.Now().UTC()
	if agg.Version == 0 {
		_, err := q.ExecContext(ctx, `
			INSERT INTO aggregates (`+aggregateColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
			agg.Key.SeriesID, agg.Key.Period, agg.Key.Dimension,
			agg.Target.String(), agg.Accumulated.String(), agg.Contributions,
			now.Format(timeLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return rollup.Aggregate{}, rollup.ErrConcurrentModification
			}
			return rollup.Aggregate{}, fmt.Errorf("failed to insert aggregate: %w", err)
		}
	} else {
		res, err := q.ExecContext(ctx, `
			UPDATE aggregates
			SET target = ?, accumulated = ?, contributions = ?, version = version + 1, updated_at = ?
			WHERE series_id = ? AND period = ? AND dimension = ? AND version = ?`,
			agg.Target.String(), agg.Accumulated.String(), agg.Contributions, now.Format(timeLayout),
			agg.Key.SeriesID, agg.Key.Period, agg.Key.Dimension, agg.Version,
		)
		if err != nil {
			return rollup.Aggregate{}, fmt.Errorf("failed to update aggregate: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return rollup.Aggregate{}, err
		}
		if n == 0 {
			return rollup.Aggregate{}, rollup.ErrConcurrentModification
		}
	}
	agg.Version++
	agg.UpdatedAt = now
	return agg, nil
}

func incrementAggregate(ctx context.Context, q querier, key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	agg, found, err := getAggregate(ctx, q, key)
	if err != nil {
		return rollup.Aggregate{}, err
	}
	if !found {
		if target == nil {
			return rollup.Aggregate{}, rollup.ErrAggregateNotFound
		}
		agg = rollup.Aggregate{Key: key, Target: *target, Accumulated: decimal.Zero}
	}
	agg.Accumulated = agg.Accumulated.Add(delta)
	agg.Contributions++
	return putAggregate(ctx, q, agg)
}

func listAggregates(ctx context.Context, q querier, seriesID rollup.SeriesID, period rollup.PeriodKey) ([]rollup.Aggregate, error) {
	stmt := "SELECT " + aggregateColumns + " FROM aggregates WHERE series_id = ?"
	args := []any{seriesID}
	if period != "" {
		stmt += " AND period = ?"
		args = append(args, period)
	}
	stmt += " ORDER BY period, dimension"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []rollup.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

func scanAggregate(row scanner) (rollup.Aggregate, error) {
	var (
		agg                 rollup.Aggregate
		target, accumulated string
		updatedAt           string
	)
	err := row.Scan(
		&agg.Key.SeriesID, &agg.Key.Period, &agg.Key.Dimension,
		&target, &accumulated, &agg.Contributions, &agg.Version, &updatedAt,
	)
	if err != nil {
		return agg, err
	}
	if agg.Target, err = decimal.NewFromString(target); err != nil {
		return agg, fmt.Errorf("aggregate target: %w", err)
	}
	if agg.Accumulated, err = decimal.NewFromString(accumulated); err != nil {
		return agg, fmt.Errorf("aggregate accumulated: %w", err)
	}
	agg.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return agg, nil
}

// =============================================================================
// TRANSACTIONAL STORE (rollup.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store rollup.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open transaction. It never touches
// the parent's lock, which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetEntry(ctx context.Context, id rollup.EntryID) (rollup.Entry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) QueryEntries(ctx context.Context, q rollup.EntryQuery) ([]rollup.Entry, error) {
	return queryEntries(ctx, ts.tx, q)
}

func (ts *txStore) CreateEntry(ctx context.Context, e rollup.Entry) (rollup.Entry, error) {
	return createEntry(ctx, ts.tx, e)
}

func (ts *txStore) BatchWrite(ctx context.Context, patches []rollup.EntryPatch) error {
	return batchWrite(ctx, ts.tx, patches)
}

func (ts *txStore) DeleteEntry(ctx context.Context, id rollup.EntryID) error {
	return deleteEntry(ctx, ts.tx, id)
}

func (ts *txStore) ListPeriods(ctx context.Context, seriesID rollup.SeriesID) ([]rollup.PeriodKey, error) {
	return listPeriods(ctx, ts.tx, seriesID)
}

func (ts *txStore) GetAggregate(ctx context.Context, key rollup.AggregateKey) (rollup.Aggregate, bool, error) {
	return getAggregate(ctx, ts.tx, key)
}

func (ts *txStore) PutAggregate(ctx context.Context, agg rollup.Aggregate) (rollup.Aggregate, error) {
	return putAggregate(ctx, ts.tx, agg)
}

func (ts *txStore) IncrementAggregate(ctx context.Context, key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	return incrementAggregate(ctx, ts.tx, key, delta, target)
}

func (ts *txStore) ListAggregates(ctx context.Context, seriesID rollup.SeriesID, period rollup.PeriodKey) ([]rollup.Aggregate, error) {
	return listAggregates(ctx, ts.tx, seriesID, period)
}

// =============================================================================
// SERIES STORE (rollup.SeriesStore interface)
// =============================================================================

// SaveSeries inserts or replaces a series declaration.
func (s *Store) SaveSeries(ctx context.Context, series rollup.Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO series (id, name, kind, unit, strategy, granularity, is_unique, direction, target, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			unit = excluded.unit,
			strategy = excluded.strategy,
			granularity = excluded.granularity,
			is_unique = excluded.is_unique,
			direction = excluded.direction,
			target = excluded.target,
			version = series.version + 1,
			updated_at = excluded.updated_at
	`

	var target sql.NullString
	if series.Target != nil {
		target = sql.NullString{String: series.Target.String(), Valid: true}
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, query,
		series.ID, series.Name, series.Kind, series.Unit, series.Strategy,
		series.Granularity, series.Unique, series.Direction, target, now, now,
	)
	return err
}

// GetSeries retrieves a series by ID.
func (s *Store) GetSeries(ctx context.Context, id rollup.SeriesID) (rollup.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, kind, unit, strategy, granularity, is_unique, direction, target FROM series WHERE id = ?", id)
	series, err := scanSeries(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rollup.Series{}, rollup.ErrSeriesNotFound
	}
	return series, err
}

// ListSeries returns all series ordered by ID.
func (s *Store) ListSeries(ctx context.Context) ([]rollup.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, kind, unit, strategy, granularity, is_unique, direction, target FROM series ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []rollup.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, series)
	}
	return all, rows.Err()
}

func scanSeries(row scanner) (rollup.Series, error) {
	var (
		series rollup.Series
		target sql.NullString
	)
	err := row.Scan(&series.ID, &series.Name, &series.Kind, &series.Unit, &series.Strategy,
		&series.Granularity, &series.Unique, &series.Direction, &target)
	if err != nil {
		return series, err
	}
	if target.Valid {
		t, err := decimal.NewFromString(target.String)
		if err != nil {
			return series, fmt.Errorf("series %s target: %w", series.ID, err)
		}
		series.Target = &t
	}
	return series, nil
}

// =============================================================================
// RECONCILIATION RUNS (rollup.RunStore interface)
// =============================================================================

// SaveRun saves a reconciliation run.
func (s *Store) SaveRun(ctx context.Context, r rollup.ReconcileRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, series_id, status, periods, repaired, duplicates,
			error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			periods = excluded.periods,
			repaired = excluded.repaired,
			duplicates = excluded.duplicates,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC().Format(timeLayout)
		completedAt = &c
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.SeriesID, r.Status, r.Periods, r.Repaired, r.Duplicates,
		nullString(r.Error), r.StartedAt.UTC().Format(timeLayout), completedAt,
	)
	return err
}

// ListRuns returns reconciliation runs, newest first.
func (s *Store) ListRuns(ctx context.Context, status rollup.RunStatus) ([]rollup.ReconcileRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, series_id, status, periods, repaired, duplicates, error, started_at, completed_at
		FROM reconciliation_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY started_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []rollup.ReconcileRun
	for rows.Next() {
		var (
			r                   rollup.ReconcileRun
			runErr, completedAt sql.NullString
			startedAt           string
		)
		if err := rows.Scan(&r.ID, &r.SeriesID, &r.Status, &r.Periods, &r.Repaired,
			&r.Duplicates, &runErr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Error = runErr.String
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"entries", "aggregates", "series", "reconciliation_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// checkVersioned turns a zero-row versioned write into ErrConcurrentModification
// when the row exists, or sql.ErrNoRows when it does not.
func checkVersioned(ctx context.Context, q querier, res sql.Result, table, where string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE "+where, args...).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return sql.ErrNoRows
	}
	return rollup.ErrConcurrentModification
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
