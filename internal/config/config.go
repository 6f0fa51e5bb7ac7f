package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig
	Bot       BotConfig
	Monitor   MonitorConfig
	Sanitizer SanitizerConfig
	Journal   JournalConfig
	Notify    NotifyConfig
	Runtime   RuntimeConfig
}

type ExchangeConfig struct {
	BaseUrl     string
	WSPublicUrl string
	ApiKey      string
	Secret      string
	Passphrase  string
	Simulated   bool
}

type BotConfig struct {
	Symbol          string
	BaseCoin        string
	QuoteCoin       string
	MaxPositionSize float64
	BalanceReserve  float64
	TP1Split        float64
	LimitEntry      LimitEntryConfig
}

type LimitEntryConfig struct {
	Enabled        bool
	Improvement    float64
	Timeout        time.Duration
	PollInterval   time.Duration
	MarketFallback bool
}

type MonitorConfig struct {
	Interval          time.Duration
	TickerMaxAge      time.Duration
	FundingExitBuffer time.Duration
	DefaultMaxHold    time.Duration
}

type SanitizerConfig struct {
	DustThreshold   float64
	SettleDelay     time.Duration
	MinQuoteBalance float64
}

type JournalConfig struct {
	File string
}

type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
}

type RuntimeConfig struct {
	MetricsAddr string
	Log         LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {
	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	setDefaults()

	cfg.Exchange = ExchangeConfig{
		BaseUrl:     viper.GetString("exchange.base_url"),
		WSPublicUrl: viper.GetString("exchange.ws_public_url"),
		ApiKey:      envSub("exchange.api_key"),
		Secret:      envSub("exchange.secret"),
		Passphrase:  envSub("exchange.passphrase"),
		Simulated:   viper.GetBool("exchange.simulated"),
	}

	cfg.Bot = BotConfig{
		Symbol:          viper.GetString("bot.symbol"),
		BaseCoin:        viper.GetString("bot.base_coin"),
		QuoteCoin:       viper.GetString("bot.quote_coin"),
		MaxPositionSize: viper.GetFloat64("bot.max_position_size"),
		BalanceReserve:  viper.GetFloat64("bot.balance_reserve"),
		TP1Split:        viper.GetFloat64("bot.tp1_split"),
		LimitEntry: LimitEntryConfig{
			Enabled:        viper.GetBool("bot.limit_entry.enabled"),
			Improvement:    viper.GetFloat64("bot.limit_entry.improvement"),
			Timeout:        viper.GetDuration("bot.limit_entry.timeout"),
			PollInterval:   viper.GetDuration("bot.limit_entry.poll_interval"),
			MarketFallback: viper.GetBool("bot.limit_entry.market_fallback"),
		},
	}

	cfg.Monitor = MonitorConfig{
		Interval:          viper.GetDuration("monitor.interval"),
		TickerMaxAge:      viper.GetDuration("monitor.ticker_max_age"),
		FundingExitBuffer: viper.GetDuration("monitor.funding_exit_buffer"),
		DefaultMaxHold:    viper.GetDuration("monitor.default_max_hold"),
	}

	cfg.Sanitizer = SanitizerConfig{
		DustThreshold:   viper.GetFloat64("sanitizer.dust_threshold"),
		SettleDelay:     viper.GetDuration("sanitizer.settle_delay"),
		MinQuoteBalance: viper.GetFloat64("sanitizer.min_quote_balance"),
	}

	cfg.Journal = JournalConfig{
		File: viper.GetString("journal.file"),
	}

	cfg.Notify = NotifyConfig{
		TelegramToken:  envSub("notify.telegram_token"),
		TelegramChatID: envSub("notify.telegram_chat_id"),
	}

	cfg.Runtime = RuntimeConfig{
		MetricsAddr: viper.GetString("runtime.metrics_addr"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("exchange.base_url", "https://www.okx.com")
	viper.SetDefault("exchange.ws_public_url", "wss://ws.okx.com:8443/ws/v5/public")

	viper.SetDefault("bot.symbol", "SOL-USDT")
	viper.SetDefault("bot.base_coin", "SOL")
	viper.SetDefault("bot.quote_coin", "USDT")
	viper.SetDefault("bot.balance_reserve", 0.05)
	viper.SetDefault("bot.tp1_split", 0.5)
	viper.SetDefault("bot.limit_entry.enabled", true)
	viper.SetDefault("bot.limit_entry.improvement", 0.001)
	viper.SetDefault("bot.limit_entry.timeout", 30*time.Second)
	viper.SetDefault("bot.limit_entry.poll_interval", time.Second)
	viper.SetDefault("bot.limit_entry.market_fallback", true)

	viper.SetDefault("monitor.interval", 5*time.Second)
	viper.SetDefault("monitor.ticker_max_age", 10*time.Second)
	viper.SetDefault("monitor.funding_exit_buffer", 30*time.Minute)
	viper.SetDefault("monitor.default_max_hold", 9*time.Hour)

	viper.SetDefault("sanitizer.dust_threshold", 0.001)
	viper.SetDefault("sanitizer.settle_delay", 2*time.Second)
	viper.SetDefault("sanitizer.min_quote_balance", 1.0)

	viper.SetDefault("journal.file", "data/trades.jsonl")
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
