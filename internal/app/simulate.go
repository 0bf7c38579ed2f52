package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/fetcher"
)

// SimulateOptions describe the fake crossing to announce.
type SimulateOptions struct {
	Name  string
	TVL   decimal.Decimal
	Chain string
}

// SimulateAlert sends a sample crossing through the configured notifier
// without touching persisted state.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	notifier := a.newNotifier()
	if !notifier.Enabled() {
		return errors.New("telegram not configured; set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_IDS")
	}

	chain := opts.Chain
	if chain == "" {
		chain = fetcher.DefaultChain
	}
	text := alerting.RenderProtocolAlert(alerting.ProtocolAlert{
		Name:     opts.Name,
		TVL:      opts.TVL,
		Chain:    chain,
		Category: a.Config.Threshold.Category,
	})

	result := notifier.Notify(ctx, "[simulated]\n"+text)
	a.Logger.Info().Int("sent", result.Sent()).Int("failed", result.Failed()).Msg("simulated alert dispatched")
	if result.Sent() == 0 {
		return fmt.Errorf("simulated alert not delivered to any of %d recipients", len(result.Deliveries))
	}
	return nil
}
