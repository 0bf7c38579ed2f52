package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/config"
	"tvl-threshold-alerts/internal/fetcher"
	"tvl-threshold-alerts/internal/metrics"
	"tvl-threshold-alerts/internal/publisher"
	"tvl-threshold-alerts/internal/storage"
)

// Options tune the threshold filter.
type Options struct {
	Threshold decimal.Decimal
	Category  string
}

// OptionsFromConfig derives engine options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Threshold: decimal.NewFromFloat(cfg.Threshold.TVL),
		Category:  cfg.Threshold.Category,
	}
}

// Deps are the engine collaborators. Mirror and Publisher may be nil.
type Deps struct {
	Fetcher   fetcher.ProtocolFetcher
	Notifier  alerting.Notifier
	Alerts    storage.AlertStore
	History   storage.HistoryStore
	Mirror    storage.Mirror
	Publisher publisher.Publisher
}

// Outcome summarises one pipeline pass.
type Outcome struct {
	Fetched          int
	AboveThreshold   int
	Notified         []string
	FetchFailed      bool
	HistorySaved     bool
	AlertsSaved      bool
	PublishAttempted bool
	PublishErr       error
	Success          bool
}

// Engine runs the fetch, diff, notify and persist pipeline.
type Engine struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs the threshold engine.
func New(deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = alerting.Nop{}
	}
	return &Engine{
		deps:   deps,
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "engine").Logger(),
	}
}

// Run executes a single pass. Persisted state is untouched when the fetch
// fails or returns nothing.
func (e *Engine) Run(ctx context.Context) Outcome {
	var out Outcome
	defer func() { recordOutcome(out) }()

	alerted := e.deps.Alerts.Load()
	history := e.deps.History.Load()

	protocols, err := e.deps.Fetcher.FetchProtocols(ctx)
	if err != nil {
		metrics.FetchTotal.WithLabelValues("error").Inc()
		e.logger.Error().Err(err).Msg("fetch protocols failed; leaving state untouched")
		out.FetchFailed = true
		return out
	}
	if len(protocols) == 0 {
		metrics.FetchTotal.WithLabelValues("empty").Inc()
		e.logger.Warn().Msg("no protocols fetched; leaving state untouched")
		out.FetchFailed = true
		return out
	}
	metrics.FetchTotal.WithLabelValues("ok").Inc()
	out.Fetched = len(protocols)

	now := e.now().UTC().Truncate(time.Second)
	for _, p := range protocols {
		name := strings.TrimSpace(p.Name)
		if !e.qualifies(name, p) {
			continue
		}
		out.AboveThreshold++

		entry := history.Upsert(storage.Observation{
			Name:     name,
			TVL:      p.TVL,
			Chain:    p.Chain,
			Category: p.Category,
		}, now)

		if alerted.Has(name) {
			continue
		}
		e.notify(ctx, entry)
		// at most once per name, even when every delivery failed
		alerted.Add(name)
		out.Notified = append(out.Notified, name)
	}
	sort.Strings(out.Notified)

	if err := e.deps.History.Save(history); err != nil {
		metrics.StateSaveFailures.WithLabelValues("history").Inc()
		e.logger.Error().Err(err).Msg("saving protocol history failed")
	} else {
		out.HistorySaved = true
	}
	if err := e.deps.Alerts.Save(alerted); err != nil {
		metrics.StateSaveFailures.WithLabelValues("alerts").Inc()
		e.logger.Error().Err(err).Msg("saving alert state failed")
	} else {
		out.AlertsSaved = true
	}

	e.mirror(ctx, history, alerted)

	if len(out.Notified) > 0 {
		e.logger.Info().Int("count", len(out.Notified)).Strs("protocols", out.Notified).Msg("new protocols crossed the threshold")
	} else {
		e.logger.Info().Msg("no new protocols crossed the threshold")
	}
	e.logger.Info().
		Str("category", e.opts.Category).
		Str("threshold", alerting.FormatUSD(e.opts.Threshold)).
		Int("above_threshold", out.AboveThreshold).
		Msg("threshold summary")

	if e.deps.Publisher != nil {
		out.PublishAttempted, out.PublishErr = e.deps.Publisher.Publish(ctx, []string{e.deps.Alerts.Path(), e.deps.History.Path()})
		if out.PublishErr != nil {
			e.logger.Error().Err(out.PublishErr).Msg("publishing state failed; local files kept")
		}
	}

	out.Success = out.HistorySaved && out.AlertsSaved && (!out.PublishAttempted || out.PublishErr == nil)
	return out
}

func (e *Engine) qualifies(name string, p fetcher.Protocol) bool {
	if name == "" {
		return false
	}
	if p.Category != e.opts.Category {
		return false
	}
	if !p.HasTVL || p.TVL.LessThan(e.opts.Threshold) {
		return false
	}
	return true
}

func (e *Engine) notify(ctx context.Context, entry storage.HistoryEntry) {
	text := alerting.RenderProtocolAlert(alerting.ProtocolAlert{
		Name:     entry.Name,
		TVL:      entry.TVL,
		Chain:    entry.Chain,
		Category: entry.Category,
	})
	e.logger.Info().Str("protocol", entry.Name).Str("tvl", alerting.FormatUSD(entry.TVL)).Msg("threshold crossed")

	result := e.deps.Notifier.Notify(ctx, text)
	if result.Skipped {
		metrics.DeliveriesTotal.WithLabelValues(string(alerting.StatusSkipped)).Inc()
		return
	}
	for _, d := range result.Deliveries {
		metrics.DeliveriesTotal.WithLabelValues(string(d.Status)).Inc()
	}
}

func (e *Engine) mirror(ctx context.Context, history storage.History, alerted storage.AlertedSet) {
	if e.deps.Mirror == nil {
		return
	}
	if err := e.deps.Mirror.SyncHistory(ctx, history); err != nil {
		e.logger.Warn().Err(err).Msg("mirroring history failed")
	}
	if err := e.deps.Mirror.SyncAlerted(ctx, alerted); err != nil {
		e.logger.Warn().Err(err).Msg("mirroring alert state failed")
	}
}

func recordOutcome(out Outcome) {
	metrics.ProtocolsFetched.Set(float64(out.Fetched))
	metrics.AboveThreshold.Set(float64(out.AboveThreshold))
	metrics.NewCrossings.Add(float64(len(out.Notified)))
	metrics.RunLastTimestamp.SetToCurrentTime()
	if out.Success {
		metrics.RunSuccess.Set(1)
	} else {
		metrics.RunSuccess.Set(0)
	}
}
