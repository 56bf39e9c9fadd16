package stepflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemLedger is a goroutine-safe in-memory ledger backed by a map. It is
// meant for tests and local development; it honors the same transition
// guards as PgLedger.
type MemLedger struct {
	mu     sync.Mutex
	nextID int64
	steps  map[int64]*StepRecord
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		nextID: 1,
		steps:  make(map[int64]*StepRecord),
	}
}

var _ Ledger = (*MemLedger)(nil)

func (l *MemLedger) Get(ctx context.Context, id int64) (*StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	cp := *rec
	return &cp, nil
}

func (l *MemLedger) GetSibling(ctx context.Context, parentID int64, kind StepKind) (*StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.steps {
		if rec.ParentID == parentID && rec.Kind == kind {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrStepNotFound
}

func (l *MemLedger) ListSiblings(ctx context.Context, parentID int64) ([]*StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*StepRecord
	for id := int64(1); id < l.nextID; id++ {
		rec, ok := l.steps[id]
		if ok && rec.ParentID == parentID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemLedger) CountProcessed(ctx context.Context, parentID int64, kinds []StepKind) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := make(map[StepKind]struct{}, len(kinds))
	for _, k := range kinds {
		want[k] = struct{}{}
	}

	seen := make(map[StepKind]struct{})
	for _, rec := range l.steps {
		if rec.ParentID != parentID || rec.Status != StatusProcessed {
			continue
		}
		if _, ok := want[rec.Kind]; ok {
			seen[rec.Kind] = struct{}{}
		}
	}
	return len(seen), nil
}

func (l *MemLedger) Insert(ctx context.Context, rec *StepRecord) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, existing := range l.steps {
		if existing.ParentID == rec.ParentID && existing.Kind == rec.Kind {
			return 0, ErrDuplicateStep
		}
	}

	return l.insertLocked(rec), nil
}

func (l *MemLedger) InsertRoot(ctx context.Context, rec *StepRecord) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.insertLocked(rec)
	l.steps[id].ParentID = id
	rec.ParentID = id
	return id, nil
}

func (l *MemLedger) insertLocked(rec *StepRecord) int64 {
	id := l.nextID
	l.nextID++

	cp := *rec
	cp.ID = id
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	l.steps[id] = &cp

	rec.ID = id
	rec.Status = cp.Status
	return id
}

func (l *MemLedger) MarkPending(ctx context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.steps[id]
	if !ok || !runnable(rec.Status) {
		return false, nil
	}
	rec.Status = StatusPending
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (l *MemLedger) MarkStatus(ctx context.Context, id int64, status string, debug json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.steps[id]
	if !ok {
		return ErrStepNotFound
	}
	rec.Status = status
	if debug != nil {
		rec.DebugParams = debug
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (l *MemLedger) UpdateResult(ctx context.Context, id int64, data Params, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.steps[id]
	if !ok || !runnable(rec.Status) {
		return ErrStepNotRunnable
	}
	if len(data) > 0 {
		rec.ResponseData = rec.ResponseData.merge(data)
	}
	if txHash != "" {
		rec.TransactionHash = txHash
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (l *MemLedger) ListStuckQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	var out []*StepRecord
	for id := int64(1); id < l.nextID && len(out) < limit; id++ {
		rec, ok := l.steps[id]
		if ok && rec.Status == StatusQueued && rec.CreatedAt.Before(cutoff) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *MemLedger) ListRoots(ctx context.Context, limit int) ([]*StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*StepRecord
	for id := l.nextID - 1; id >= 1 && len(out) < limit; id-- {
		rec, ok := l.steps[id]
		if ok && rec.IsRoot() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
