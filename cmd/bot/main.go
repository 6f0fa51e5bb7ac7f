package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"quantbot/internal/config"
	"quantbot/internal/engine"
	"quantbot/internal/exchange/okx"
	"quantbot/internal/journal"
	"quantbot/internal/logger"
	"quantbot/internal/metrics"
	"quantbot/internal/notify"

	"github.com/joho/godotenv"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	logger.Info("Бот запущен.")

	client := okx.New(
		cfg.Exchange.BaseUrl,
		cfg.Exchange.WSPublicUrl,
		cfg.Exchange.ApiKey,
		cfg.Exchange.Secret,
		cfg.Exchange.Passphrase,
		cfg.Exchange.Simulated,
		logger,
	)

	tradeJournal := journal.NewFile(cfg.Journal.File, logger)

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	notifier := notify.New(logger, senders...)

	eng := engine.New(cfg, client, logger, tradeJournal, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Runtime.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.Runtime.MetricsAddr, mux); err != nil {
				logger.WithError(err).Error("Сервер метрик завершился с ошибкой.")
			}
		}()
	}

	go func() {
		if err := eng.Start(ctx); err != nil {
			logger.WithError(err).Fatal("\"Двигатель\" завершился с ошибкой.")
		}
	}()
	<-sigCh

	cancel()

	logger.Info("Бот остановлен.")
}
