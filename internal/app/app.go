package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tvl-threshold-alerts/internal/alerting"
	"tvl-threshold-alerts/internal/config"
	"tvl-threshold-alerts/internal/fetcher"
	"tvl-threshold-alerts/internal/metrics"
	"tvl-threshold-alerts/internal/publisher"
	"tvl-threshold-alerts/internal/service"
	"tvl-threshold-alerts/internal/storage"
	"tvl-threshold-alerts/internal/version"
)

// ErrRunFailed is returned when a pass did not complete cleanly.
var ErrRunFailed = errors.New("run completed with errors")

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.ProtocolFetcher {
	return fetcher.NewDefiLlama(fetcher.DefiLlamaOptions{
		URL:       a.Config.Source.URL,
		Timeout:   a.Config.Source.Timeout,
		UserAgent: version.UserAgent(a.Config.Source.UserAgent),
	}, a.Logger)
}

func (a *App) newNotifier() *alerting.TelegramNotifier {
	cfg := a.Config.Telegram
	return alerting.NewTelegramNotifier(alerting.TelegramOptions{
		BotToken: cfg.BotToken,
		ChatIDs:  cfg.ChatIDs,
		APIBase:  cfg.APIBase,
		Timeout:  cfg.Timeout,
	}, a.Logger)
}

func (a *App) newStores() (*storage.CSVAlertStore, *storage.CSVHistoryStore) {
	return storage.NewCSVAlertStore(a.Config.State.AlertsFile, a.Logger),
		storage.NewCSVHistoryStore(a.Config.State.HistoryFile, a.Logger)
}

func (a *App) newPublisher() *publisher.Git {
	cfg := a.Config.Publish
	return publisher.NewGit(publisher.GitOptions{
		Enabled:   cfg.CI,
		RepoDir:   cfg.RepoDir,
		Remote:    cfg.Remote,
		Branch:    cfg.Branch,
		UserName:  cfg.UserName,
		UserEmail: cfg.UserEmail,
		Timeout:   cfg.Timeout,
	}, nil, a.Logger)
}

// openMirror returns nil when no database is configured. A mirror that
// cannot be reached is logged and skipped.
func (a *App) openMirror(ctx context.Context) (*storage.PostgresMirror, func()) {
	if a.Config.Database.DSN == "" {
		return nil, func() {}
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("history mirror unavailable")
		return nil, func() {}
	}
	mirror := storage.NewPostgresMirror(pool)

	timeout := a.Config.Database.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	schemaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := mirror.EnsureSchema(schemaCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("history mirror unavailable")
		mirror.Close()
		return nil, func() {}
	}
	return mirror, mirror.Close
}

// Run executes one threshold check pass.
func (a *App) Run(ctx context.Context) (service.Outcome, error) {
	alerts, history := a.newStores()
	deps := service.Deps{
		Fetcher:   a.newFetcher(),
		Notifier:  a.newNotifier(),
		Alerts:    alerts,
		History:   history,
		Publisher: a.newPublisher(),
	}

	mirror, closeMirror := a.openMirror(ctx)
	defer closeMirror()
	if mirror != nil {
		deps.Mirror = mirror
	}

	engine := service.New(deps, service.OptionsFromConfig(a.Config), a.Logger)
	outcome := engine.Run(ctx)

	if err := metrics.WriteTextfile(a.Config.Metrics.Textfile); err != nil {
		a.Logger.Warn().Err(err).Msg("metrics textfile not written")
	}

	event := a.Logger.Info()
	if !outcome.Success {
		event = a.Logger.Error()
	}
	event.Bool("success", outcome.Success).
		Int("fetched", outcome.Fetched).
		Int("above_threshold", outcome.AboveThreshold).
		Int("notified", len(outcome.Notified)).
		Bool("history_saved", outcome.HistorySaved).
		Bool("alerts_saved", outcome.AlertsSaved).
		Bool("publish_attempted", outcome.PublishAttempted).
		Msg("run finished")

	if !outcome.Success {
		return outcome, describeFailure(outcome)
	}
	return outcome, nil
}

func describeFailure(o service.Outcome) error {
	switch {
	case o.FetchFailed:
		return fmt.Errorf("%w: no protocols fetched", ErrRunFailed)
	case !o.HistorySaved || !o.AlertsSaved:
		return fmt.Errorf("%w: state not saved", ErrRunFailed)
	case o.PublishErr != nil:
		return fmt.Errorf("%w: publish: %v", ErrRunFailed, o.PublishErr)
	default:
		return ErrRunFailed
	}
}

// ExportOptions hold parameters for exporting the protocol history.
type ExportOptions struct {
	CSVPath string
	PNGPath string
	MaxBars int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
