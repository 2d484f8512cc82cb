package leverwatch

import (
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/logger"
	"github.com/raykavin/leverwatch/pkg/monitor"
	"github.com/raykavin/leverwatch/pkg/storage"
)

// Option is a functional option for configuring an App instance
type Option func(*App)

// WithLogger replaces the logger built from the environment
func WithLogger(log logger.Logger) Option {
	return func(app *App) {
		app.log = log
	}
}

// WithFeeder replaces the Binance client as source of symbols and candles
func WithFeeder(feeder core.Feeder) Option {
	return func(app *App) {
		app.feeder = feeder
	}
}

// WithChannels registers extra alert channels next to the configured ones
func WithChannels(channels ...core.Channel) Option {
	return func(app *App) {
		app.channels = append(app.channels, channels...)
	}
}

// WithJournal uses an already opened journal instead of JOURNAL_PATH
func WithJournal(journal *storage.Journal) Option {
	return func(app *App) {
		app.journal = journal
	}
}

// WithMonitorOptions forwards options to the monitoring loop
func WithMonitorOptions(options ...monitor.Option) Option {
	return func(app *App) {
		app.monitorOptions = append(app.monitorOptions, options...)
	}
}

// WithoutServer disables the HTTP status surface, used by one shot commands
func WithoutServer() Option {
	return func(app *App) {
		app.serverDisabled = true
	}
}

// WithoutBot keeps Telegram as an alert channel but never polls for commands
func WithoutBot() Option {
	return func(app *App) {
		app.botDisabled = true
	}
}
