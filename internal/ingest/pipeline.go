package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigpilot/internal/detector"
	"github.com/web3guy0/sigpilot/internal/store"
	"github.com/web3guy0/sigpilot/internal/telemetry"
)

// ═══════════════════════════════════════════════════════════════════════════════
// INGESTION PIPELINE - chat message -> classified, deduplicated signal row
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three gates between a chat message and a NEW signal row: the detector
// (is this a signal at all), the normalized-text hash (same content
// re-broadcast inside the TTL), and component-level similarity against
// recent rows for the same symbol and side. Source-key uniqueness is
// enforced at the store so a replayed message id can never double-insert.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config carries the ingestion tunables.
type Config struct {
	DuplicateTTL time.Duration
}

type Pipeline struct {
	cfg    Config
	store  *store.Store
	sink   *telemetry.Sink
	source ChatSource

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(cfg Config, st *store.Store, sink *telemetry.Sink, source ChatSource) *Pipeline {
	return &Pipeline{cfg: cfg, store: st, sink: sink, source: source, stop: make(chan struct{})}
}

func (p *Pipeline) Start(ctx context.Context) error {
	messages, err := p.source.Messages(ctx)
	if err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				p.Process(msg)
			}
		}
	}()
	log.Info().Msg("📥 Ingestion pipeline started")
	return nil
}

func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Process classifies and persists one message. Returns the inserted
// signal id, or zero when the message was dropped.
func (p *Pipeline) Process(msg Message) int64 {
	corr := telemetry.Correlation{ChatID: msg.ChannelID, MessageID: msg.MessageID}

	result := detector.Classify(msg.Text)
	if !result.IsSignal {
		p.sink.Emit("NON_SIGNAL", "DEBUG", "INGEST", result.Reason, corr, map[string]any{
			"channel": msg.ChannelName,
		})
		return 0
	}
	parsed := result.Parsed

	hash := NormalizedHash(msg.Text)
	if dup, err := p.store.RecentTextHashExists(hash, p.cfg.DuplicateTTL); err == nil && dup {
		p.sink.Emit("DUPLICATE", "INFO", "INGEST", "normalized text seen within TTL", corr, map[string]any{
			"symbol": parsed.Symbol,
			"hash":   hash,
		})
		log.Debug().Str("symbol", parsed.Symbol).Msg("👯 Duplicate text dropped")
		return 0
	}

	if blocked, detail, err := p.store.CheckComponentDuplicate(
		parsed.Symbol, parsed.Side, parsed.Entry.Mid, parsed.Targets, parsed.StopLoss, p.cfg.DuplicateTTL,
	); err == nil && blocked {
		p.sink.Emit("DUPLICATE", "INFO", "INGEST", "component-level duplicate", corr, map[string]any{
			"symbol": parsed.Symbol,
			"detail": detail,
		})
		log.Debug().Str("symbol", parsed.Symbol).Str("detail", detail).Msg("👯 Component duplicate dropped")
		return 0
	}

	sig := &store.Signal{
		SourceChannel:    msg.ChannelID,
		SourceMessageID:  msg.MessageID,
		SourceName:       msg.ChannelName,
		ReceivedAt:       msg.Timestamp,
		RawText:          msg.Text,
		TextHash:         hash,
		Symbol:           parsed.Symbol,
		Side:             parsed.Side,
		EntryLow:         parsed.Entry.Low,
		EntryHigh:        parsed.Entry.High,
		EntryMid:         parsed.Entry.Mid,
		Targets:          parsed.Targets,
		StopLoss:         parsed.StopLoss,
		DeclaredLeverage: parsed.DeclaredLeverage,
		Confidence:       parsed.Confidence,
	}
	inserted, err := p.store.InsertSignal(sig)
	if err != nil {
		log.Error().Err(err).Msg("❌ Signal insert failed")
		return 0
	}
	if !inserted {
		p.sink.Emit("DUPLICATE", "INFO", "INGEST", "source key already persisted", corr, map[string]any{
			"symbol": parsed.Symbol,
		})
		return 0
	}

	corr.SignalID = sig.ID
	p.sink.Emit("SIGNAL_ACCEPTED", "INFO", "INGEST", "signal persisted", corr, map[string]any{
		"symbol":     parsed.Symbol,
		"side":       parsed.Side,
		"entry":      parsed.Entry.Mid.String(),
		"targets":    len(parsed.Targets),
		"confidence": parsed.Confidence,
		"grade":      parsed.Grade,
		"inferred":   parsed.EntryInferred,
	})
	log.Info().
		Int64("signal_id", sig.ID).
		Str("symbol", parsed.Symbol).
		Str("side", parsed.Side).
		Str("grade", parsed.Grade).
		Msg("📥 Signal accepted")
	return sig.ID
}

// NormalizedHash is the duplicate key: lowercase, whitespace collapsed,
// SHA-256 hex.
func NormalizedHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
