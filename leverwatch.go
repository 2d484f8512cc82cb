// Package leverwatch assembles the leveraged token RSI monitor from its
// configuration: exchange client, alert channels, monitoring loop and the
// HTTP status surface.
package leverwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/leverwatch/internal/config"
	"github.com/raykavin/leverwatch/internal/server"
	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/exchange/binance"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/metric"
	"github.com/raykavin/leverwatch/pkg/monitor"
	"github.com/raykavin/leverwatch/pkg/notification"
	"github.com/raykavin/leverwatch/pkg/storage"
)

// DefaultLog is the default logger instance
var DefaultLog logger.Logger

const shutdownTimeout = 5 * time.Second

// App is the assembled service
type App struct {
	config *config.Config
	log    logger.Logger

	journal    *storage.Journal
	client     *binance.Client
	feeder     core.Feeder
	channels   []core.Channel
	telegram   *notification.Telegram
	dispatcher *notification.Dispatcher
	metrics    *metric.Metrics
	monitor    *monitor.Monitor
	server     *server.Server

	monitorOptions []monitor.Option
	serverDisabled bool
	botDisabled    bool
	ownsJournal    bool
}

// New builds every component described by cfg
func New(_ context.Context, cfg *config.Config, options ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("missing configuration")
	}

	app := &App{config: cfg}
	for _, option := range options {
		option(app)
	}

	if err := app.initJournal(); err != nil {
		return nil, err
	}

	if err := app.initLogger(); err != nil {
		app.Close()
		return nil, err
	}

	app.metrics = metric.NewMetrics()
	app.client = NewExchangeClient(app.log, cfg.Binance)
	if app.feeder == nil {
		app.feeder = app.client
	}

	if err := app.initChannels(); err != nil {
		app.Close()
		return nil, err
	}

	app.dispatcher = notification.NewDispatcher(app.log, app.channels,
		notification.WithTimeout(cfg.Alert.Timeout),
	)

	tracker := alert.NewTracker(
		alert.WithCooldown(cfg.Alert.Cooldown),
		alert.WithPolicy(cfg.Alert.Policy),
	)

	monitorOptions := append([]monitor.Option{
		monitor.WithTracker(tracker),
		monitor.WithTimeframe(cfg.Monitor.Timeframe),
		monitor.WithCandleLimit(cfg.Monitor.CandleLimit),
		monitor.WithInterval(cfg.Monitor.PollInterval),
		monitor.WithBatchSize(cfg.Monitor.BatchSize),
		monitor.WithBatchDelay(cfg.Monitor.BatchDelay),
		monitor.WithFaultCooldown(cfg.Monitor.FaultCooldown, monitor.DefaultMaxFaultDelay),
		monitor.WithMetrics(app.metrics),
		monitor.WithAfterCycle(app.publishQuota),
	}, app.monitorOptions...)

	app.monitor = monitor.New(app.log, app.feeder, app.dispatcher, monitorOptions...)

	if !app.serverDisabled {
		serverOptions := []server.Option{
			server.WithQuota(app.client.Quota()),
			server.WithMetrics(app.metrics.Handler()),
		}
		if app.journal != nil {
			serverOptions = append(serverOptions, server.WithEvents(app.journal))
		}
		app.server = server.New(app.log, cfg.HTTPPort, app.monitor, serverOptions...)
	}

	return app, nil
}

// NewExchangeClient creates the rate limited Binance client
func NewExchangeClient(log logger.Logger, cfg config.BinanceConfig) *binance.Client {
	quotaOptions := []binance.QuotaOption{}
	if cfg.RequestSpacing > 0 {
		quotaOptions = append(quotaOptions, binance.WithSpacing(cfg.RequestSpacing))
	}
	if cfg.QuotaThreshold > 0 {
		quotaOptions = append(quotaOptions, binance.WithThreshold(cfg.QuotaThreshold))
	}

	options := []binance.Option{binance.WithQuota(binance.NewQuota(quotaOptions...))}
	if cfg.APIKey != "" {
		options = append(options, binance.WithCredentials(cfg.APIKey, cfg.SecretKey))
	}
	if cfg.UseTestnet {
		options = append(options, binance.WithTestNet())
	}
	if cfg.BaseURL != "" {
		options = append(options, binance.WithBaseURL(cfg.BaseURL))
	}
	if cfg.QuoteAsset != "" {
		options = append(options, binance.WithQuoteAsset(cfg.QuoteAsset))
	}
	if cfg.FetchTimeout > 0 {
		options = append(options, binance.WithFetchTimeout(cfg.FetchTimeout))
	}

	return binance.New(log, options...)
}

func (a *App) initJournal() error {
	if a.journal != nil || a.config.Journal.Path == "" {
		return nil
	}

	journal, err := storage.FromFile(a.config.Journal.Path, storage.WithLimit(a.config.Journal.Limit))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	a.journal = journal
	a.ownsJournal = true
	return nil
}

func (a *App) initLogger() error {
	if a.log != nil {
		return nil
	}

	if a.journal == nil {
		a.log = DefaultLog
		return nil
	}

	log, err := NewLogger(a.journal)
	if err != nil {
		return err
	}

	a.log = log
	return nil
}

func (a *App) initChannels() error {
	cfg := a.config

	if cfg.Telegram.Enabled {
		telegram, err := notification.NewTelegram(a.log, notification.TelegramSettings{
			Token:           cfg.Telegram.Token,
			ChatID:          cfg.Telegram.ChatID,
			SecondaryChatID: cfg.Telegram.SecondaryChatID,
			Users:           cfg.Telegram.Users,
			SendTimeout:     cfg.Alert.Timeout * 4 / 5,
		}, a)
		if err != nil {
			return err
		}

		a.telegram = telegram
		a.channels = append(a.channels, telegram.Channels()...)
	}

	if cfg.Mail.Enabled {
		a.channels = append(a.channels, notification.NewMail(notification.MailParams{
			SMTPServerPort:    cfg.Mail.Port,
			SMTPServerAddress: cfg.Mail.Host,
			To:                cfg.Mail.To,
			From:              cfg.Mail.From,
			Password:          cfg.Mail.Password,
		}))
	}

	if len(a.channels) == 0 {
		return errors.New("no alert channel configured")
	}

	return nil
}

func (a *App) publishQuota() {
	snapshot := a.client.Quota().Snapshot()
	a.metrics.Quota(snapshot.Used, snapshot.Remaining, int(snapshot.Pauses))
}

// Run starts the command bot and the HTTP server, then blocks in the
// monitoring loop until ctx is done or the symbol universe cannot be loaded.
func (a *App) Run(ctx context.Context) error {
	if a.telegram != nil && !a.botDisabled {
		a.telegram.Start()
		defer a.telegram.Stop()
	}

	if a.server != nil {
		go func() {
			if err := a.server.ListenAndServe(); err != nil {
				a.log.WithError(err).Error("http server stopped")
			}
		}()

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				a.log.WithError(err).Warn("http server shutdown")
			}
		}()
	}

	a.log.WithField("channels", a.dispatcher.Channels()).Info("leverwatch started")
	return a.monitor.Run(ctx)
}

// Scan runs a single monitoring cycle
func (a *App) Scan(ctx context.Context) error {
	return a.monitor.RunCycle(ctx)
}

// Symbols lists the leveraged pairs the monitor would evaluate
func (a *App) Symbols(ctx context.Context) ([]string, error) {
	return a.feeder.LeveragedSymbols(ctx)
}

// Monitor exposes the monitoring loop
func (a *App) Monitor() *monitor.Monitor {
	return a.monitor
}

// Logger returns the logger used by every component
func (a *App) Logger() logger.Logger {
	return a.log
}

// Active, Stop, Restart and StatusText let the Telegram bot control the loop

func (a *App) Active() bool       { return a.monitor.Active() }
func (a *App) Stop()              { a.monitor.Stop() }
func (a *App) Restart()           { a.monitor.Restart() }
func (a *App) StatusText() string { return a.monitor.StatusText() }

// Close releases the journal
func (a *App) Close() error {
	if a.journal != nil && a.ownsJournal {
		return a.journal.Close()
	}
	return nil
}
