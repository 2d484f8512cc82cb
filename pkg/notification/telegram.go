package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/raykavin/leverwatch/pkg/logger"
	tb "gopkg.in/tucnak/telebot.v2"
)

// DefaultSendTimeout bounds one alert request, below the dispatcher timeout
const DefaultSendTimeout = 8 * time.Second

// TelegramSettings configures the Telegram bot
type TelegramSettings struct {
	Token string

	// URL overrides the Bot API endpoint, e.g. a local Bot API server
	URL string

	// SendTimeout is the HTTP timeout of alert messages. Keep it below the
	// dispatcher timeout so an abandoned send never reaches the chat.
	SendTimeout time.Duration

	// ChatID receives every alert, SecondaryChatID is an optional monitoring chat
	ChatID          int64
	SecondaryChatID int64

	// Users allowed to run bot commands
	Users []int64
}

// sender is the part of *tb.Bot used to post messages
type sender interface {
	Send(to tb.Recipient, what interface{}, options ...interface{}) (*tb.Message, error)
}

// Telegram runs the command bot and exposes one alert channel per chat
type Telegram struct {
	client      sender
	alerts      sender
	bot         *tb.Bot
	settings    TelegramSettings
	controller  core.Controller
	defaultMenu *tb.ReplyMarkup
	log         logger.Logger
}

// NewTelegram creates the Telegram bot. Commands are accepted only from the
// configured users.
func NewTelegram(log logger.Logger, settings TelegramSettings, controller core.Controller) (*Telegram, error) {
	menu := &tb.ReplyMarkup{ResizeReplyKeyboard: true}
	poller := &tb.LongPoller{Timeout: 10 * time.Second}

	client, err := tb.NewBot(tb.Settings{
		URL:       settings.URL,
		ParseMode: tb.ModeMarkdown,
		Token:     settings.Token,
		Poller:    createAuthMiddleware(log, poller, settings.Users),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	setupKeyboard(menu)
	if err := setupCommands(client); err != nil {
		return nil, fmt.Errorf("failed to set commands: %w", err)
	}

	alerts, err := newAlertBot(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram alert client: %w", err)
	}

	t := newTelegram(log, client, settings, controller)
	t.alerts = alerts
	t.bot = client
	t.defaultMenu = menu
	t.registerHandlers(client)

	return t, nil
}

func newTelegram(log logger.Logger, client sender, settings TelegramSettings, controller core.Controller) *Telegram {
	return &Telegram{
		client:     client,
		alerts:     client,
		settings:   settings,
		controller: controller,
		log:        log,
	}
}

// newAlertBot builds an offline client that only posts alerts. The command
// poller keeps its own client since long polling outlasts SendTimeout.
func newAlertBot(settings TelegramSettings) (*tb.Bot, error) {
	timeout := settings.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	return tb.NewBot(tb.Settings{
		URL:       settings.URL,
		Token:     settings.Token,
		ParseMode: tb.ModeMarkdown,
		Client:    &http.Client{Timeout: timeout},
		Offline:   true,
	})
}

// createAuthMiddleware drops updates from users outside the allow list
func createAuthMiddleware(log logger.Logger, poller tb.Poller, users []int64) *tb.MiddlewarePoller {
	return tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Sender == nil {
			return false
		}

		if slices.Contains(users, u.Message.Sender.ID) {
			return true
		}

		log.WithField("user", u.Message.Sender.ID).Warn("unauthorized telegram user")
		return false
	})
}

func setupKeyboard(menu *tb.ReplyMarkup) {
	var (
		statusBtn  = menu.Text("/status")
		stopBtn    = menu.Text("/stop")
		restartBtn = menu.Text("/restart")
		helpBtn    = menu.Text("/help")
	)

	menu.Reply(
		menu.Row(statusBtn, helpBtn),
		menu.Row(stopBtn, restartBtn),
	)
}

var commands = []tb.Command{
	{Text: "/help", Description: "Display help instructions"},
	{Text: "/status", Description: "Cycles, alerts and symbols in an extreme state"},
	{Text: "/stop", Description: "Stop scheduling monitoring cycles"},
	{Text: "/start", Description: "Resume monitoring"},
	{Text: "/restart", Description: "Clear alert state and counters, then resume"},
}

func setupCommands(client *tb.Bot) error {
	return client.SetCommands(commands)
}

func (t *Telegram) registerHandlers(client *tb.Bot) {
	client.Handle("/help", t.HelpHandle)
	client.Handle("/status", t.StatusHandle)
	client.Handle("/stop", t.StopHandle)
	client.Handle("/start", t.StartHandle)
	client.Handle("/restart", t.RestartHandle)
}

// Start polls for commands in the background and greets the alert chat
func (t *Telegram) Start() {
	if t.bot != nil {
		go t.bot.Start()
	}

	if t.settings.ChatID != 0 {
		if _, err := t.client.Send(&tb.Chat{ID: t.settings.ChatID}, "Monitor initialized.", t.defaultMenu); err != nil {
			t.log.WithError(err).Warn("failed to greet telegram chat")
		}
	}
}

// Stop ends command polling
func (t *Telegram) Stop() {
	if t.bot != nil {
		t.bot.Stop()
	}
}

// Channels returns an alert channel for the primary and, if set, the secondary chat
func (t *Telegram) Channels() []core.Channel {
	channels := []core.Channel{&chatChannel{name: "telegram", chat: &tb.Chat{ID: t.settings.ChatID}, client: t.alerts}}

	if t.settings.SecondaryChatID != 0 {
		channels = append(channels, &chatChannel{
			name:   "telegram-secondary",
			chat:   &tb.Chat{ID: t.settings.SecondaryChatID},
			client: t.alerts,
		})
	}

	return channels
}

func (t *Telegram) reply(to tb.Recipient, text string, options ...interface{}) {
	if _, err := t.client.Send(to, text, options...); err != nil {
		t.log.WithError(err).Error("failed to send telegram reply")
	}
}

// HelpHandle lists the available commands
func (t *Telegram) HelpHandle(m *tb.Message) {
	lines := make([]string, 0, len(commands))
	for _, command := range commands {
		lines = append(lines, fmt.Sprintf("%s - %s", command.Text, command.Description))
	}

	t.reply(m.Sender, strings.Join(lines, "\n"))
}

// StatusHandle displays the current monitor status
func (t *Telegram) StatusHandle(m *tb.Message) {
	t.reply(m.Sender, t.controller.StatusText())
}

// StopHandle stops scheduling cycles
func (t *Telegram) StopHandle(m *tb.Message) {
	if !t.controller.Active() {
		t.reply(m.Sender, "Monitor is already stopped.", t.defaultMenu)
		return
	}

	t.controller.Stop()
	t.reply(m.Sender, "Monitor stopped. The running batch will finish.", t.defaultMenu)
}

// StartHandle resumes a stopped monitor
func (t *Telegram) StartHandle(m *tb.Message) {
	if t.controller.Active() {
		t.reply(m.Sender, "Monitor is already running.", t.defaultMenu)
		return
	}

	t.controller.Restart()
	t.reply(m.Sender, "Monitor started.", t.defaultMenu)
}

// RestartHandle clears all state and starts a new cycle
func (t *Telegram) RestartHandle(m *tb.Message) {
	t.controller.Restart()
	t.reply(m.Sender, "Monitor restarted, alert state cleared.", t.defaultMenu)
}

// chatChannel delivers alerts to one Telegram chat
type chatChannel struct {
	name   string
	chat   *tb.Chat
	client sender
}

func (c *chatChannel) Name() string { return c.name }

// Send posts text to the chat. Flood control answers become core.RateLimitError.
func (c *chatChannel) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.client.Send(c.chat, text, tb.ModeMarkdown)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classifyTelegramError(err)
	}
}

func classifyTelegramError(err error) error {
	if err == nil {
		return nil
	}

	var flood tb.FloodError
	if errors.As(err, &flood) {
		return &core.RateLimitError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}

	var floodPtr *tb.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return &core.RateLimitError{RetryAfter: time.Duration(floodPtr.RetryAfter) * time.Second, Err: err}
	}

	return err
}
