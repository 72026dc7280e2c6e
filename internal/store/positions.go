package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE STORE - positions, order tracker, re-entry locks
// ═══════════════════════════════════════════════════════════════════════════════

// activeStates are positions that still hold or seek exchange exposure.
var activeStates = []string{
	PositionPendingEntry, PositionPartial, PositionOpen,
	PositionHedgeMode, PositionClosing, PositionNeedsManual,
}

// CreatePositionIfAbsent inserts a position unless one already exists for
// the signal. Returns false when the signal already produced a position.
func (s *Store) CreatePositionIfAbsent(pos *Position) (bool, error) {
	var existing Position
	err := s.db.Where("signal_id = ?", pos.SignalID).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err := s.db.Create(pos).Error; err != nil {
		return false, err
	}
	return true, nil
}

// GetPosition fetches one position by id.
func (s *Store) GetPosition(positionID string) (*Position, error) {
	var pos Position
	if err := s.db.First(&pos, "position_id = ?", positionID).Error; err != nil {
		return nil, err
	}
	return &pos, nil
}

// GetPositionBySignal fetches the position created from a signal, nil if none.
func (s *Store) GetPositionBySignal(signalID int64) (*Position, error) {
	var pos Position
	err := s.db.First(&pos, "signal_id = ?", signalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListPositionsByState returns positions in any of the given states.
func (s *Store) ListPositionsByState(states ...string) ([]Position, error) {
	var positions []Position
	err := s.db.Where("state IN ?", states).Order("created_at asc").Find(&positions).Error
	return positions, err
}

// ListActivePositions returns every position that is not terminal.
func (s *Store) ListActivePositions() ([]Position, error) {
	return s.ListPositionsByState(activeStates...)
}

// CountActivePositions counts non-terminal positions for the capacity guard.
func (s *Store) CountActivePositions() (int64, error) {
	var count int64
	err := s.db.Model(&Position{}).Where("state IN ?", activeStates).Count(&count).Error
	return count, err
}

// ListReentryCandidates returns stopped-out positions that still have
// re-entry budget left.
func (s *Store) ListReentryCandidates(maxAttempts int) ([]Position, error) {
	var positions []Position
	err := s.db.Where("state = ? AND outcome = ? AND reentry_attempts < ?",
		PositionClosed, "stop_hit", maxAttempts).
		Order("updated_at asc").Find(&positions).Error
	return positions, err
}

// SavePosition persists the full position row.
func (s *Store) SavePosition(pos *Position) error {
	return s.db.Save(pos).Error
}

// UpdatePositionFields applies a partial update to one position.
func (s *Store) UpdatePositionFields(positionID string, fields map[string]any) error {
	return s.db.Model(&Position{}).Where("position_id = ?", positionID).
		Updates(fields).Error
}

// SetOriginalEntryPrice records the immutable threshold basis. The guard
// clause makes the write first-wins: once set it never changes.
func (s *Store) SetOriginalEntryPrice(positionID string, price decimal.Decimal) error {
	return s.db.Model(&Position{}).
		Where("position_id = ? AND (original_entry_price IS NULL OR original_entry_price = 0)", positionID).
		Update("original_entry_price", price).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER TRACKER
// ═══════════════════════════════════════════════════════════════════════════════

// UpsertTrackedOrder registers or refreshes a live exchange order.
func (s *Store) UpsertTrackedOrder(o *TrackedOrder) error {
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_executed_qty", "last_status", "updated_at",
		}),
	}).Create(o).Error
}

// UpdateTrackedOrder records the latest executed quantity and status.
func (s *Store) UpdateTrackedOrder(orderID string, executedQty decimal.Decimal, status string) error {
	return s.db.Model(&TrackedOrder{}).Where("order_id = ?", orderID).
		Updates(map[string]any{
			"last_executed_qty": executedQty,
			"last_status":       status,
		}).Error
}

// ListTrackedOrders returns the tracked orders for one position.
func (s *Store) ListTrackedOrders(positionID string) ([]TrackedOrder, error) {
	var orders []TrackedOrder
	err := s.db.Where("position_id = ?", positionID).Order("created_at asc").Find(&orders).Error
	return orders, err
}

// ListTrackedOrdersOlderThan returns orders registered before the cutoff,
// used by the maintenance reapers.
func (s *Store) ListTrackedOrdersOlderThan(cutoff time.Time) ([]TrackedOrder, error) {
	var orders []TrackedOrder
	err := s.db.Where("created_at < ?", cutoff).Find(&orders).Error
	return orders, err
}

// DeleteTrackedOrders drops all tracked orders for a position.
func (s *Store) DeleteTrackedOrders(positionID string) error {
	return s.db.Where("position_id = ?", positionID).Delete(&TrackedOrder{}).Error
}

// DeleteTrackedOrder drops one tracked order.
func (s *Store) DeleteTrackedOrder(orderID string) error {
	return s.db.Where("order_id = ?", orderID).Delete(&TrackedOrder{}).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// RE-ENTRY LOCKS
// ═══════════════════════════════════════════════════════════════════════════════

// GetReentryLock returns the lock for (symbol, side), nil if absent.
func (s *Store) GetReentryLock(symbol, side string) (*ReentryLock, error) {
	var lock ReentryLock
	err := s.db.Where("symbol = ? AND side = ?", symbol, side).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// SetReentryLock installs or refreshes the lock for (symbol, side).
func (s *Store) SetReentryLock(symbol, side string, signalID int64, reason string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}, {Name: "side"}},
		DoUpdates: clause.AssignmentColumns([]string{"signal_id", "reason"}),
	}).Create(&ReentryLock{
		Symbol:   symbol,
		Side:     side,
		SignalID: signalID,
		Reason:   reason,
	}).Error
}

// ClearReentryLock removes the lock for (symbol, side).
func (s *Store) ClearReentryLock(symbol, side string) error {
	return s.db.Where("symbol = ? AND side = ?", symbol, side).Delete(&ReentryLock{}).Error
}
