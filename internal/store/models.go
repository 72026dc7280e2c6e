package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Signal statuses
const (
	SignalNew      = "NEW"
	SignalClaimed  = "CLAIMED"
	SignalDone     = "DONE"
	SignalExpired  = "EXPIRED"
	SignalRejected = "REJECTED"
)

// Position states
const (
	PositionPendingEntry = "PENDING_ENTRY"
	PositionPartial      = "PARTIAL"
	PositionOpen         = "OPEN"
	PositionHedgeMode    = "HEDGE_MODE"
	PositionClosing      = "CLOSING"
	PositionClosed       = "CLOSED"
	PositionCancelled    = "CANCELLED"
	PositionFailed       = "FAILED"
	PositionNeedsManual  = "NEEDS_MANUAL_PROTECTION"
)

// Hedge states
const (
	HedgeNone   = "NONE"
	HedgeOpen   = "HEDGED"
	HedgeClosed = "HEDGE_CLOSED"
)

// Tracked order purposes
const (
	OrderPurposeEntry       = "ENTRY"
	OrderPurposeReplacement = "REPLACEMENT"
	OrderPurposeTP          = "TP"
	OrderPurposeSL          = "SL"
	OrderPurposePyramid     = "PYRAMID"
	OrderPurposeHedge       = "HEDGE"
)

// StringList is a JSON-encoded list column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(v any) error {
	return scanJSON(v, (*[]string)(l))
}

// PriceList is a JSON-encoded list of decimals.
type PriceList []decimal.Decimal

func (l PriceList) Value() (driver.Value, error) {
	strs := make([]string, len(l))
	for i, p := range l {
		strs[i] = p.String()
	}
	b, err := json.Marshal(strs)
	return string(b), err
}

func (l *PriceList) Scan(v any) error {
	var strs []string
	if err := scanJSON(v, &strs); err != nil {
		return err
	}
	out := make([]decimal.Decimal, len(strs))
	for i, s := range strs {
		p, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("price list element %q: %w", s, err)
		}
		out[i] = p
	}
	*l = out
	return nil
}

// ScaleExec records one executed pyramid scale.
type ScaleExec struct {
	Scale    int             `json:"scale"`
	At       time.Time       `json:"at"`
	AddedQty decimal.Decimal `json:"added_qty"`
}

// ScaleExecList is a JSON-encoded list of executed scales.
type ScaleExecList []ScaleExec

func (l ScaleExecList) Value() (driver.Value, error) {
	b, err := json.Marshal([]ScaleExec(l))
	return string(b), err
}

func (l *ScaleExecList) Scan(v any) error {
	return scanJSON(v, (*[]ScaleExec)(l))
}

// Has reports whether the scale id has already been executed.
func (l ScaleExecList) Has(scale int) bool {
	for _, s := range l {
		if s.Scale == scale {
			return true
		}
	}
	return false
}

// AddedTotal sums the quantity added by all executed scales.
func (l ScaleExecList) AddedTotal() decimal.Decimal {
	total := decimal.Zero
	for _, s := range l {
		total = total.Add(s.AddedQty)
	}
	return total
}

func scanJSON(v any, dst any) error {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		if len(t) == 0 {
			return nil
		}
		return json.Unmarshal(t, dst)
	case string:
		if t == "" {
			return nil
		}
		return json.Unmarshal([]byte(t), dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", v)
	}
}

// Signal is one accepted chat signal, unique per (channel, message id).
type Signal struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	SourceChannel   int64 `gorm:"uniqueIndex:idx_signal_source,priority:1"`
	SourceMessageID int   `gorm:"uniqueIndex:idx_signal_source,priority:2"`
	SourceName      string
	ReceivedAt      time.Time
	RawText         string
	TextHash        string `gorm:"index"`

	Symbol           string              `gorm:"index"`
	Side             string              // LONG / SHORT
	EntryLow         decimal.Decimal     `gorm:"type:decimal(20,8)"`
	EntryHigh        decimal.Decimal     `gorm:"type:decimal(20,8)"`
	EntryMid         decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Targets          PriceList           `gorm:"type:text"`
	StopLoss         decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	DeclaredLeverage decimal.NullDecimal `gorm:"type:decimal(10,2)"`
	Confidence       int
	SignalType       string // SWING / DYNAMIC / FAST, assigned after sizing

	Status    string `gorm:"index;default:NEW"`
	ClaimedBy string
	ClaimedAt *time.Time
	Reason    string // rejection / expiry detail

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Position is the exchange-side exposure created from one signal.
type Position struct {
	PositionID string `gorm:"primaryKey"`
	SignalID   int64  `gorm:"uniqueIndex"`
	BotOrderID string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Side       string // LONG / SHORT
	State      string `gorm:"index"`
	SignalType string

	PlannedQty         decimal.Decimal `gorm:"type:decimal(20,8)"`
	FilledQty          decimal.Decimal `gorm:"type:decimal(20,8)"`
	AvgEntryPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	OriginalEntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage           decimal.Decimal `gorm:"type:decimal(10,2)"`
	InitialMargin      decimal.Decimal `gorm:"type:decimal(20,8)"`

	EntryOrderIDs      StringList `gorm:"type:text"`
	ReplacementOrderID string
	EntryMid           decimal.Decimal `gorm:"type:decimal(20,8)"`

	SLPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	SLOrderID  string
	TPPrices   PriceList  `gorm:"type:text"`
	TPOrderIDs StringList `gorm:"type:text"`
	TPFilled   int        // count of TP levels confirmed filled

	TrailActive   bool
	TrailPeak     decimal.Decimal `gorm:"type:decimal(20,8)"`
	LastSLAmendAt *time.Time      `gorm:"column:last_sl_amend_at"`

	ExecutedScales ScaleExecList `gorm:"type:text"`

	HedgeState      string `gorm:"default:NONE"`
	HedgeOrderID    string
	HedgeTPOrderID  string
	HedgeSLOrderID  string
	HedgeQty        decimal.Decimal `gorm:"type:decimal(20,8)"`
	ReentryAttempts int

	Outcome   string // stop_hit / targets_done / expired / manual
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TrackedOrder mirrors one live exchange order for fill-delta detection.
type TrackedOrder struct {
	OrderID         string `gorm:"primaryKey"`
	SignalID        int64  `gorm:"index"`
	PositionID      string `gorm:"index"`
	Symbol          string
	Purpose         string          // ENTRY / REPLACEMENT / TP / SL / PYRAMID / HEDGE
	TPIndex         int             // ladder index for TP orders
	Price           decimal.Decimal `gorm:"type:decimal(20,8)"`
	Qty             decimal.Decimal `gorm:"type:decimal(20,8)"`
	LastExecutedQty decimal.Decimal `gorm:"type:decimal(20,8)"`
	LastStatus      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReentryLock blocks fresh entries for a (symbol, side) after re-entry
// attempts are exhausted, until a new external signal arrives.
type ReentryLock struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"uniqueIndex:idx_reentry_lock,priority:1"`
	Side      string `gorm:"uniqueIndex:idx_reentry_lock,priority:2"`
	SignalID  int64
	Reason    string
	CreatedAt time.Time
}
