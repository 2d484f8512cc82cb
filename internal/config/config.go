// Package config loads the service configuration from the environment,
// an optional .env file and an optional YAML file using Viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raykavin/leverwatch/pkg/alert"
	"github.com/raykavin/leverwatch/pkg/core"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

const (
	DefaultEnvFile     = ".env"
	DefaultJournalPath = "leverwatch.db"
)

// Config holds the application configuration
type Config struct {
	Binance  BinanceConfig
	Monitor  MonitorConfig
	Alert    AlertConfig
	Telegram TelegramConfig
	Mail     MailConfig
	Journal  JournalConfig

	HTTPPort   int
	ConfigPath string
}

// BinanceConfig holds the exchange client configuration
type BinanceConfig struct {
	APIKey         string
	SecretKey      string
	BaseURL        string
	UseTestnet     bool
	QuoteAsset     string
	FetchTimeout   time.Duration
	RequestSpacing time.Duration
	QuotaThreshold int
}

// MonitorConfig holds the polling loop configuration
type MonitorConfig struct {
	Timeframe     string
	CandleLimit   int
	PollInterval  time.Duration
	BatchSize     int
	BatchDelay    time.Duration
	FaultCooldown time.Duration
}

// AlertConfig holds the alert policy and delivery configuration
type AlertConfig struct {
	Cooldown time.Duration
	Policy   alert.Policy
	Timeout  time.Duration
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled         bool
	Token           string
	ChatID          int64
	SecondaryChatID int64
	Users           []int64
}

// MailConfig holds the SMTP channel configuration
type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	From     string
	To       string
	Password string
}

// JournalConfig holds the event journal configuration
type JournalConfig struct {
	Path  string
	Limit int
}

var defaults = map[string]any{
	"binance_use_testnet": false,
	"quote_asset":         "USDT",
	"timeframe":           "15m",
	"candle_limit":        50,
	"poll_interval":       "5m",
	"batch_size":          3,
	"batch_delay":         "10s",
	"fault_cooldown":      "60s",
	"fetch_timeout":       "10s",
	"alert_timeout":       "10s",
	"request_spacing":     "250ms",
	"quota_threshold":     10,
	"alert_cooldown":      "15m",
	"alert_policy":        string(alert.PolicyCooldown),
	"telegram_enabled":    false,
	"mail_enabled":        false,
	"mail_smtp_port":      587,
	"http_port":           3000,
	"journal_path":        DefaultJournalPath,
	"journal_limit":       100,
}

// Load reads envFile (a missing file is ignored), the environment and the
// YAML file named by CONFIG_PATH. Environment variables take precedence.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	configPath := v.GetString("config_path")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	parser := durationParser{v: v}

	policy, err := alert.ParsePolicy(v.GetString("alert_policy"))
	if err != nil {
		return nil, err
	}

	users, err := parseIDs(v.GetString("telegram_users"))
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_USERS: %w", err)
	}

	config := &Config{
		Binance: BinanceConfig{
			APIKey:         v.GetString("binance_api_key"),
			SecretKey:      v.GetString("binance_secret_key"),
			BaseURL:        v.GetString("binance_base_url"),
			UseTestnet:     v.GetBool("binance_use_testnet"),
			QuoteAsset:     strings.ToUpper(v.GetString("quote_asset")),
			FetchTimeout:   parser.get("fetch_timeout"),
			RequestSpacing: parser.get("request_spacing"),
			QuotaThreshold: v.GetInt("quota_threshold"),
		},
		Monitor: MonitorConfig{
			Timeframe:     v.GetString("timeframe"),
			CandleLimit:   v.GetInt("candle_limit"),
			PollInterval:  parser.get("poll_interval"),
			BatchSize:     v.GetInt("batch_size"),
			BatchDelay:    parser.get("batch_delay"),
			FaultCooldown: parser.get("fault_cooldown"),
		},
		Alert: AlertConfig{
			Cooldown: parser.get("alert_cooldown"),
			Policy:   policy,
			Timeout:  parser.get("alert_timeout"),
		},
		Telegram: TelegramConfig{
			Enabled:         v.GetBool("telegram_enabled"),
			Token:           v.GetString("telegram_token"),
			ChatID:          v.GetInt64("telegram_chat_id"),
			SecondaryChatID: v.GetInt64("telegram_secondary_chat_id"),
			Users:           users,
		},
		Mail: MailConfig{
			Enabled:  v.GetBool("mail_enabled"),
			Host:     v.GetString("mail_smtp_host"),
			Port:     v.GetInt("mail_smtp_port"),
			From:     v.GetString("mail_from"),
			To:       v.GetString("mail_to"),
			Password: v.GetString("mail_password"),
		},
		Journal: JournalConfig{
			Path:  v.GetString("journal_path"),
			Limit: v.GetInt("journal_limit"),
		},
		HTTPPort:   v.GetInt("http_port"),
		ConfigPath: configPath,
	}

	if err := errors.Join(parser.errs...); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if !c.Telegram.Enabled && !c.Mail.Enabled {
		errs = append(errs, errors.New("no alert channel enabled, set TELEGRAM_ENABLED or MAIL_ENABLED"))
	}

	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("TELEGRAM_TOKEN is required"))
		}
		if c.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required"))
		}
	}

	if c.Mail.Enabled {
		if c.Mail.Host == "" || c.Mail.From == "" || c.Mail.To == "" {
			errs = append(errs, errors.New("MAIL_SMTP_HOST, MAIL_FROM and MAIL_TO are required"))
		}
		if c.Mail.Port <= 0 {
			errs = append(errs, errors.New("MAIL_SMTP_PORT must be positive"))
		}
	}

	if c.Monitor.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.Monitor.CandleLimit < core.MinCandles {
		errs = append(errs, fmt.Errorf("CANDLE_LIMIT must be at least %d", core.MinCandles))
	}
	if c.Monitor.Timeframe == "" {
		errs = append(errs, errors.New("TIMEFRAME is required"))
	}

	positive := map[string]time.Duration{
		"POLL_INTERVAL":  c.Monitor.PollInterval,
		"FETCH_TIMEOUT":  c.Binance.FetchTimeout,
		"ALERT_TIMEOUT":  c.Alert.Timeout,
		"FAULT_COOLDOWN": c.Monitor.FaultCooldown,
	}
	for _, name := range []string{"POLL_INTERVAL", "FETCH_TIMEOUT", "ALERT_TIMEOUT", "FAULT_COOLDOWN"} {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Monitor.BatchDelay < 0 || c.Binance.RequestSpacing < 0 || c.Alert.Cooldown < 0 {
		errs = append(errs, errors.New("BATCH_DELAY, REQUEST_SPACING and ALERT_COOLDOWN cannot be negative"))
	}

	if _, err := alert.ParsePolicy(string(c.Alert.Policy)); err != nil {
		errs = append(errs, err)
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort))
	}

	return errors.Join(errs...)
}

// durationParser collects errors so every bad duration is reported
type durationParser struct {
	v    *viper.Viper
	errs []error
}

// get accepts Go durations plus days and weeks, e.g. "1d" or "1w2d"
func (p *durationParser) get(key string) time.Duration {
	text := strings.TrimSpace(p.v.GetString(key))
	if text == "" {
		return 0
	}

	duration, err := str2duration.ParseDuration(text)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s %q: %w", strings.ToUpper(key), text, err))
		return 0
	}

	return duration
}

func parseIDs(text string) ([]int64, error) {
	ids := make([]int64, 0)
	for _, field := range strings.Split(text, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
