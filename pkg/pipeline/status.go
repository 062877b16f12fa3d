package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomkg/loom/pkg/common"
	"github.com/loomkg/loom/pkg/ingest"
	"github.com/loomkg/loom/pkg/store"
)

// StatusTracker is the persistent per-item state machine. Workers process
// different items concurrently; updates for one item are serialized through a
// per-item lock so no two workers race on the same row. There is no global
// lock across items.
type StatusTracker struct {
	rel   store.Relational
	table string
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStatusTracker creates a tracker writing to the given physical items
// table.
func NewStatusTracker(rel store.Relational, table string, now func() time.Time) *StatusTracker {
	if now == nil {
		now = time.Now
	}
	return &StatusTracker{
		rel:   rel,
		table: table,
		now:   now,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *StatusTracker) itemLock(itemID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[itemID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[itemID] = lock
	}
	return lock
}

// Set transitions an item to the given status, recording reason for error
// transitions. Invalid transitions fail; in particular an item can never
// reach error without passing through processing.
func (t *StatusTracker) Set(ctx context.Context, itemID string, status common.ProcessingStatus, reason string) error {
	lock := t.itemLock(itemID)
	lock.Lock()
	defer lock.Unlock()

	row, err := t.rel.GetRow(ctx, t.table, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %q: %w", itemID, err)
	}
	item, err := ingest.RowToItem(row)
	if err != nil {
		return err
	}

	if !transitionAllowed(item.Status, status) {
		return fmt.Errorf("invalid status transition %q -> %q for item %q", item.Status, status, itemID)
	}

	values := store.Row{
		"processing_status": string(status),
		"status_reason":     reason,
		"updated_at":        t.now().UTC(),
	}
	if err := t.rel.UpdateRow(ctx, t.table, itemID, values); err != nil {
		return &store.WriteError{Backend: "relational", Reason: "failed to update item status", Err: err}
	}
	return nil
}

// Get returns the persisted status of an item.
func (t *StatusTracker) Get(ctx context.Context, itemID string) (common.ProcessingStatus, error) {
	row, err := t.rel.GetRow(ctx, t.table, itemID)
	if err != nil {
		return "", fmt.Errorf("failed to load item %q: %w", itemID, err)
	}
	item, err := ingest.RowToItem(row)
	if err != nil {
		return "", err
	}
	return item.Status, nil
}

// transitionAllowed encodes the item state machine. Processing is re-entrant
// from both terminal states so re-runs and retries work; terminal states are
// reachable only from processing.
func transitionAllowed(from, to common.ProcessingStatus) bool {
	switch to {
	case common.StatusProcessing:
		return from == common.StatusUnprocessed ||
			from == common.StatusProcessing ||
			from == common.StatusProcessed ||
			from == common.StatusError
	case common.StatusProcessed, common.StatusError:
		return from == common.StatusProcessing
	}
	return false
}
