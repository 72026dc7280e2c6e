package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL STORE - persistent queue with dedup and atomic claims
// ═══════════════════════════════════════════════════════════════════════════════

var (
	five      = decimal.RequireFromString("0.05")
	sevenFive = decimal.RequireFromString("0.075")
	ten       = decimal.RequireFromString("0.10")
	fullDiff  = decimal.RequireFromString("1.00")
)

// InsertSignal persists a signal if no row exists for its
// (channel, message id) key. Returns false when the key was already taken.
func (s *Store) InsertSignal(sig *Signal) (bool, error) {
	var existing Signal
	err := s.db.Where("source_channel = ? AND source_message_id = ?",
		sig.SourceChannel, sig.SourceMessageID).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if sig.Status == "" {
		sig.Status = SignalNew
	}
	if err := s.db.Create(sig).Error; err != nil {
		return false, err
	}
	return true, nil
}

// RecentTextHashExists reports whether a signal with the same normalized
// text hash was stored within the TTL window.
func (s *Store) RecentTextHashExists(hash string, ttl time.Duration) (bool, error) {
	var count int64
	cutoff := time.Now().Add(-ttl)
	err := s.db.Model(&Signal{}).
		Where("text_hash = ? AND received_at > ?", hash, cutoff).
		Count(&count).Error
	return count > 0, err
}

// CheckComponentDuplicate compares a candidate's price components against
// recent signals for the same (symbol, side). A near-identical re-post is
// blocked; a clearly different setup passes. Per prior row:
//   - any component within 5% → block
//   - all components at least 10% apart → pass
//   - otherwise the closest component decides at 7.5%
func (s *Store) CheckComponentDuplicate(symbol, side string, entry decimal.Decimal, targets []decimal.Decimal, stopLoss decimal.NullDecimal, ttl time.Duration) (bool, string, error) {
	var recent []Signal
	cutoff := time.Now().Add(-ttl)
	err := s.db.Where("symbol = ? AND side = ? AND received_at > ?", symbol, side, cutoff).
		Find(&recent).Error
	if err != nil {
		return false, "", err
	}

	for _, prev := range recent {
		diffs := componentDiffs(entry, targets, stopLoss, prev)
		if len(diffs) == 0 {
			continue
		}
		minDiff := diffs[0]
		allFar := true
		anyNear := false
		for _, d := range diffs {
			if d.LessThan(minDiff) {
				minDiff = d
			}
			if d.LessThan(ten) {
				allFar = false
			}
			if d.LessThanOrEqual(five) {
				anyNear = true
			}
		}
		if anyNear {
			return true, fmt.Sprintf("component within 5%% of signal %d", prev.ID), nil
		}
		if allFar {
			continue
		}
		if minDiff.LessThan(sevenFive) {
			return true, fmt.Sprintf("closest component %s from signal %d", minDiff.StringFixed(4), prev.ID), nil
		}
	}
	return false, "", nil
}

// componentDiffs builds relative differences for entry, stop and targets.
// Mismatched target counts count as a full difference.
func componentDiffs(entry decimal.Decimal, targets []decimal.Decimal, stopLoss decimal.NullDecimal, prev Signal) []decimal.Decimal {
	var diffs []decimal.Decimal

	if !prev.EntryMid.IsZero() && !entry.IsZero() {
		diffs = append(diffs, relDiff(entry, prev.EntryMid))
	}
	if stopLoss.Valid && prev.StopLoss.Valid && !prev.StopLoss.Decimal.IsZero() {
		diffs = append(diffs, relDiff(stopLoss.Decimal, prev.StopLoss.Decimal))
	}
	if len(targets) != len(prev.Targets) {
		diffs = append(diffs, fullDiff)
	} else {
		for i, tp := range targets {
			if !prev.Targets[i].IsZero() {
				diffs = append(diffs, relDiff(tp, prev.Targets[i]))
			}
		}
	}
	return diffs
}

func relDiff(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs().Div(b).Round(8)
}

// ClaimNext atomically claims the oldest NEW signal, or re-claims one whose
// claim lock has gone stale. Returns nil when the queue is empty.
func (s *Store) ClaimNext(workerID string, lockTTL time.Duration) (*Signal, error) {
	staleCutoff := time.Now().Add(-lockTTL)

	for attempt := 0; attempt < 3; attempt++ {
		var candidate Signal
		err := s.db.Where("status = ? OR (status = ? AND claimed_at < ?)",
			SignalNew, SignalClaimed, staleCutoff).
			Order("id asc").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res := s.db.Model(&Signal{}).
			Where("id = ? AND (status = ? OR (status = ? AND claimed_at < ?))",
				candidate.ID, SignalNew, SignalClaimed, staleCutoff).
			Updates(map[string]any{
				"status":     SignalClaimed,
				"claimed_by": workerID,
				"claimed_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Status = SignalClaimed
			candidate.ClaimedBy = workerID
			candidate.ClaimedAt = &now
			return &candidate, nil
		}
		// Lost the race to another worker, try the next row.
	}
	return nil, nil
}

// ReleaseClaim puts a claimed signal back on the queue (clean shutdown).
func (s *Store) ReleaseClaim(id int64) error {
	return s.db.Model(&Signal{}).Where("id = ? AND status = ?", id, SignalClaimed).
		Updates(map[string]any{"status": SignalNew, "claimed_by": "", "claimed_at": nil}).Error
}

// SetSignalStatus moves a signal to a terminal or derived status.
func (s *Store) SetSignalStatus(id int64, status, reason string) error {
	updates := map[string]any{"status": status}
	if reason != "" {
		updates["reason"] = reason
	}
	return s.db.Model(&Signal{}).Where("id = ?", id).Updates(updates).Error
}

// SetSignalType records the post-sizing classification.
func (s *Store) SetSignalType(id int64, signalType string) error {
	return s.db.Model(&Signal{}).Where("id = ?", id).
		Update("signal_type", signalType).Error
}

// GetSignal fetches one signal by id.
func (s *Store) GetSignal(id int64) (*Signal, error) {
	var sig Signal
	if err := s.db.First(&sig, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sig, nil
}

// CountSignalsInflight counts rows that still reserve entry capacity.
func (s *Store) CountSignalsInflight() (int64, error) {
	var count int64
	err := s.db.Model(&Signal{}).
		Where("status IN ?", []string{SignalNew, SignalClaimed}).
		Count(&count).Error
	return count, err
}

// ListClaimedBy returns the signals currently claimed by one worker.
func (s *Store) ListClaimedBy(workerID string) ([]Signal, error) {
	var sigs []Signal
	err := s.db.Where("status = ? AND claimed_by = ?", SignalClaimed, workerID).
		Find(&sigs).Error
	return sigs, err
}

// LatestSignalForSymbol returns the newest signal id for (symbol, side),
// used to detect that a fresh external signal has arrived.
func (s *Store) LatestSignalForSymbol(symbol, side string) (int64, error) {
	var sig Signal
	err := s.db.Where("symbol = ? AND side = ?", symbol, side).
		Order("id desc").First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sig.ID, nil
}
