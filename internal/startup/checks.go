package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/sigpilot/internal/config"
	"github.com/web3guy0/sigpilot/internal/exchange"
	"github.com/web3guy0/sigpilot/internal/publish"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STARTUP CHECKS - fail fast or degrade deliberately
// ═══════════════════════════════════════════════════════════════════════════════

// Run probes the external collaborators before the loops start. In live
// mode a failed exchange probe is fatal; in dry-run it only warns.
func Run(ctx context.Context, cfg *config.Config, gw exchange.Gateway, notifier publish.Notifier) error {
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	balance, err := gw.GetBalance(probeCtx)
	switch {
	case err == nil:
		log.Info().Str("balance", balance.String()).Msg("✅ Exchange probe ok")
	case cfg.DryRun:
		log.Warn().Err(err).Msg("⚠️ Exchange probe failed, continuing in dry-run")
	default:
		return fmt.Errorf("exchange probe: %w", err)
	}

	mode := "LIVE"
	switch {
	case cfg.ExtractOnly:
		mode = "EXTRACT-ONLY"
	case cfg.DryRun:
		mode = "DRY-RUN"
	}
	notifier.SendText(fmt.Sprintf("🚀 sigpilot starting in %s mode (%d source channels, cap %d)",
		mode, len(cfg.SourceChannels), cfg.MaxActiveTrades))

	if cfg.ExtractOnly {
		log.Warn().Msg("🔍 Extract-only mode: signals persist, no orders will be placed")
	}
	return nil
}
