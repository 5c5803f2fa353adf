package gpkgindex

import (
	"context"
	"sync"
)

type rowSlot struct {
	done chan struct{} // closed once row is set
	row  *FeatureRow
}

// RowSync makes concurrent readers of the same feature row share a single
// fetch. The first caller for an id becomes its owner and must call SetRow;
// later callers wait for that value.
type RowSync struct {
	mu    sync.Mutex
	slots map[int64]*rowSlot
}

// NewRowSync returns an empty RowSync.
func NewRowSync() *RowSync {
	return &RowSync{slots: make(map[int64]*rowSlot)}
}

// GetRowOrLock returns the row for id when it has been set. Otherwise, if
// another caller is fetching it, it waits for that fetch. If nobody is, the
// caller becomes the owner: owner is true, row is nil and the caller must
// call SetRow for id, typically with defer.
//
// A nil row with owner false means the row was fetched and not found.
func (s *RowSync) GetRowOrLock(ctx context.Context, id int64) (row *FeatureRow, owner bool, err error) {
	s.mu.Lock()
	slot, ok := s.slots[id]
	if !ok {
		s.slots[id] = &rowSlot{done: make(chan struct{})}
		s.mu.Unlock()
		RowSyncRequests.WithLabelValues("fetch").Inc()
		return nil, true, nil
	}
	s.mu.Unlock()

	select {
	case <-slot.done:
		RowSyncRequests.WithLabelValues("hit").Inc()
		return slot.row, false, nil
	default:
	}

	RowSyncRequests.WithLabelValues("wait").Inc()
	select {
	case <-slot.done:
		return slot.row, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// SetRow sets the fetched row for id and wakes every waiter. Only the first
// call for a slot has an effect.
func (s *RowSync) SetRow(id int64, row *FeatureRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		slot = &rowSlot{done: make(chan struct{})}
		s.slots[id] = slot
	}
	select {
	case <-slot.done:
		return
	default:
	}
	slot.row = row
	close(slot.done)
}

// Clear forgets the row set for id so the next caller fetches it again. A
// fetch in progress is left alone.
func (s *RowSync) Clear(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot, ok := s.slots[id]; ok && slot.filled() {
		delete(s.slots, id)
	}
}

// ClearAll forgets every row that has been set.
func (s *RowSync) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, slot := range s.slots {
		if slot.filled() {
			delete(s.slots, id)
		}
	}
}

// Len returns the number of slots, fetched or in flight.
func (s *RowSync) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (slot *rowSlot) filled() bool {
	select {
	case <-slot.done:
		return true
	default:
		return false
	}
}
