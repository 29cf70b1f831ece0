// Package store provides in-memory rollup.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/rollup"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	entries    map[rollup.EntryID]rollup.Entry
	unique     map[uniqueIdx]rollup.EntryID
	aggregates map[rollup.AggregateKey]rollup.Aggregate
	series     map[rollup.SeriesID]rollup.Series
	runs       []rollup.ReconcileRun
	seq        int64

	// Now stamps CreatedAt/UpdatedAt. Defaults to time.Now in UTC.
	Now func() time.Time
}

type uniqueIdx struct {
	SeriesID rollup.SeriesID
	Key      string
}

func NewMemory() *Memory {
	return &Memory{
		entries:    make(map[rollup.EntryID]rollup.Entry),
		unique:     make(map[uniqueIdx]rollup.EntryID),
		aggregates: make(map[rollup.AggregateKey]rollup.Aggregate),
		series:     make(map[rollup.SeriesID]rollup.Series),
	}
}

func (m *Memory) GetEntry(_ context.Context, id rollup.EntryID) (rollup.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(id)
}

func (m *Memory) QueryEntries(_ context.Context, q rollup.EntryQuery) ([]rollup.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(q), nil
}

func (m *Memory) CreateEntry(_ context.Context, e rollup.Entry) (rollup.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(e)
}

// BatchWrite applies all patches atomically. Every patch is checked before
// any is applied.
func (m *Memory) BatchWrite(_ context.Context, patches []rollup.EntryPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batchLocked(patches)
}

func (m *Memory) DeleteEntry(_ context.Context, id rollup.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(id)
}

func (m *Memory) ListPeriods(_ context.Context, seriesID rollup.SeriesID) ([]rollup.PeriodKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.periodsLocked(seriesID), nil
}

func (m *Memory) GetAggregate(_ context.Context, key rollup.AggregateKey) (rollup.Aggregate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agg, ok := m.aggregates[key]
	return agg, ok, nil
}

func (m *Memory) PutAggregate(_ context.Context, agg rollup.Aggregate) (rollup.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAggregateLocked(agg)
}

// IncrementAggregate adds delta under the write lock, so concurrent merges
// never lose an update.
func (m *Memory) IncrementAggregate(_ context.Context, key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementLocked(key, delta, target)
}

func (m *Memory) ListAggregates(_ context.Context, seriesID rollup.SeriesID, period rollup.PeriodKey) ([]rollup.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggregatesLocked(seriesID, period), nil
}

// =============================================================================
// SERIES
// =============================================================================

func (m *Memory) SaveSeries(_ context.Context, s rollup.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.ID] = s
	return nil
}

func (m *Memory) GetSeries(_ context.Context, id rollup.SeriesID) (rollup.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[id]
	if !ok {
		return rollup.Series{}, rollup.ErrSeriesNotFound
	}
	return s, nil
}

func (m *Memory) ListSeries(_ context.Context) ([]rollup.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]rollup.Series, 0, len(m.series))
	for _, s := range m.series {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// RECONCILE RUNS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run rollup.ReconcileRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, status rollup.RunStatus) ([]rollup.ReconcileRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []rollup.ReconcileRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if status == "" || m.runs[i].Status == status {
			result = append(result, m.runs[i])
		}
	}
	return result, nil
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[rollup.EntryID]rollup.Entry)
	m.unique = make(map[uniqueIdx]rollup.EntryID)
	m.aggregates = make(map[rollup.AggregateKey]rollup.Aggregate)
	m.series = make(map[rollup.SeriesID]rollup.Series)
	m.runs = nil
	return nil
}

// =============================================================================
// LOCKED INTERNALS - callers hold m.mu
// =============================================================================

func (m *Memory) getEntryLocked(id rollup.EntryID) (rollup.Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return rollup.Entry{}, rollup.ErrEntryNotFound
	}
	return e, nil
}

func (m *Memory) queryLocked(q rollup.EntryQuery) []rollup.Entry {
	var result []rollup.Entry
	for _, e := range m.entries {
		if q.SeriesID != "" && e.SeriesID != q.SeriesID {
			continue
		}
		if q.Period != "" && e.Period != q.Period {
			continue
		}
		if q.Dimension != nil && e.Dimension != *q.Dimension {
			continue
		}
		if q.UniqueKey != "" && e.UniqueKey != q.UniqueKey {
			continue
		}
		result = append(result, e)
	}
	rollup.SortEntries(result)
	return result
}

func (m *Memory) createLocked(e rollup.Entry) (rollup.Entry, error) {
	if e.UniqueKey != "" {
		if _, taken := m.unique[uniqueIdx{e.SeriesID, e.UniqueKey}]; taken {
			return rollup.Entry{}, rollup.ErrDuplicateKey
		}
	}

	m.seq++
	now := m.now()
	e.ID = rollup.EntryID(uuid.New().String())
	e.Seq = m.seq
	e.Version = 1
	e.CreatedAt = now
	e.UpdatedAt = now

	m.entries[e.ID] = e
	if e.UniqueKey != "" {
		m.unique[uniqueIdx{e.SeriesID, e.UniqueKey}] = e.ID
	}
	return e, nil
}

func (m *Memory) batchLocked(patches []rollup.EntryPatch) error {
	// Check versions and unique keys first (atomic check)
	claimed := make(map[uniqueIdx]rollup.EntryID)
	for _, p := range patches {
		e, ok := m.entries[p.ID]
		if !ok {
			return rollup.ErrEntryNotFound
		}
		if e.Version != p.ExpectedVersion {
			return rollup.ErrConcurrentModification
		}
		if p.UniqueKey == nil || *p.UniqueKey == "" || *p.UniqueKey == e.UniqueKey {
			continue
		}
		k := uniqueIdx{e.SeriesID, *p.UniqueKey}
		if holder, taken := m.unique[k]; taken && holder != p.ID {
			return rollup.ErrDuplicateKey
		}
		if holder, taken := claimed[k]; taken && holder != p.ID {
			return rollup.ErrDuplicateKey
		}
		claimed[k] = p.ID
	}

	// Apply all (atomic write)
	now := m.now()
	for _, p := range patches {
		e := m.entries[p.ID]
		if p.Date != nil {
			e.Date = *p.Date
		}
		if p.Period != nil {
			e.Period = *p.Period
		}
		if p.Dimension != nil {
			e.Dimension = *p.Dimension
		}
		if p.UniqueKey != nil && *p.UniqueKey != e.UniqueKey {
			if e.UniqueKey != "" {
				delete(m.unique, uniqueIdx{e.SeriesID, e.UniqueKey})
			}
			e.UniqueKey = *p.UniqueKey
			if e.UniqueKey != "" {
				m.unique[uniqueIdx{e.SeriesID, e.UniqueKey}] = e.ID
			}
		}
		if p.Value != nil {
			e.Value = *p.Value
		}
		if p.RunningTotal != nil {
			e.RunningTotal = *p.RunningTotal
		}
		e.Version++
		e.UpdatedAt = now
		m.entries[p.ID] = e
	}
	return nil
}

func (m *Memory) deleteLocked(id rollup.EntryID) error {
	e, ok := m.entries[id]
	if !ok {
		return rollup.ErrEntryNotFound
	}
	delete(m.entries, id)
	if e.UniqueKey != "" {
		delete(m.unique, uniqueIdx{e.SeriesID, e.UniqueKey})
	}
	return nil
}

func (m *Memory) periodsLocked(seriesID rollup.SeriesID) []rollup.PeriodKey {
	seen := make(map[rollup.PeriodKey]bool)
	var result []rollup.PeriodKey
	for _, e := range m.entries {
		if e.SeriesID != seriesID || seen[e.Period] {
			continue
		}
		seen[e.Period] = true
		result = append(result, e.Period)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func (m *Memory) putAggregateLocked(agg rollup.Aggregate) (rollup.Aggregate, error) {
	current, exists := m.aggregates[agg.Key]
	switch {
	case !exists && agg.Version != 0:
		return rollup.Aggregate{}, rollup.ErrConcurrentModification
	case exists && current.Version != agg.Version:
		return rollup.Aggregate{}, rollup.ErrConcurrentModification
	}
	agg.Version++
	agg.UpdatedAt = m.now()
	m.aggregates[agg.Key] = agg
	return agg, nil
}

func (m *Memory) incrementLocked(key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	agg, exists := m.aggregates[key]
	if !exists {
		if target == nil {
			return rollup.Aggregate{}, rollup.ErrAggregateNotFound
		}
		agg = rollup.Aggregate{Key: key, Target: *target, Accumulated: decimal.Zero}
	}
	agg.Accumulated = agg.Accumulated.Add(delta)
	agg.Contributions++
	agg.Version++
	agg.UpdatedAt = m.now()
	m.aggregates[key] = agg
	return agg, nil
}

func (m *Memory) aggregatesLocked(seriesID rollup.SeriesID, period rollup.PeriodKey) []rollup.Aggregate {
	var result []rollup.Aggregate
	for k, agg := range m.aggregates {
		if k.SeriesID != seriesID || (period != "" && k.Period != period) {
			continue
		}
		result = append(result, agg)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key, result[j].Key
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Dimension < b.Dimension
	})
	return result
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now()
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(rollup.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries    map[rollup.EntryID]rollup.Entry
	unique     map[uniqueIdx]rollup.EntryID
	aggregates map[rollup.AggregateKey]rollup.Aggregate
	seq        int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:    make(map[rollup.EntryID]rollup.Entry, len(tm.entries)),
		unique:     make(map[uniqueIdx]rollup.EntryID, len(tm.unique)),
		aggregates: make(map[rollup.AggregateKey]rollup.Aggregate, len(tm.aggregates)),
		seq:        tm.seq,
	}
	for k, v := range tm.entries {
		s.entries[k] = v
	}
	for k, v := range tm.unique {
		s.unique[k] = v
	}
	for k, v := range tm.aggregates {
		s.aggregates[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.unique = s.unique
	tm.aggregates = s.aggregates
	tm.seq = s.seq
}

// txMemoryView is the Store handed to WithTx callbacks. It uses the locked
// internals directly since WithTx already holds the lock.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetEntry(_ context.Context, id rollup.EntryID) (rollup.Entry, error) {
	return tv.parent.getEntryLocked(id)
}

func (tv *txMemoryView) QueryEntries(_ context.Context, q rollup.EntryQuery) ([]rollup.Entry, error) {
	return tv.parent.queryLocked(q), nil
}

func (tv *txMemoryView) CreateEntry(_ context.Context, e rollup.Entry) (rollup.Entry, error) {
	return tv.parent.createLocked(e)
}

func (tv *txMemoryView) BatchWrite(_ context.Context, patches []rollup.EntryPatch) error {
	return tv.parent.batchLocked(patches)
}

func (tv *txMemoryView) DeleteEntry(_ context.Context, id rollup.EntryID) error {
	return tv.parent.deleteLocked(id)
}

func (tv *txMemoryView) ListPeriods(_ context.Context, seriesID rollup.SeriesID) ([]rollup.PeriodKey, error) {
	return tv.parent.periodsLocked(seriesID), nil
}

func (tv *txMemoryView) GetAggregate(_ context.Context, key rollup.AggregateKey) (rollup.Aggregate, bool, error) {
	agg, ok := tv.parent.aggregates[key]
	return agg, ok, nil
}

func (tv *txMemoryView) PutAggregate(_ context.Context, agg rollup.Aggregate) (rollup.Aggregate, error) {
	return tv.parent.putAggregateLocked(agg)
}

func (tv *txMemoryView) IncrementAggregate(_ context.Context, key rollup.AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (rollup.Aggregate, error) {
	return tv.parent.incrementLocked(key, delta, target)
}

func (tv *txMemoryView) ListAggregates(_ context.Context, seriesID rollup.SeriesID, period rollup.PeriodKey) ([]rollup.Aggregate, error) {
	return tv.parent.aggregatesLocked(seriesID, period), nil
}
