package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantbot/internal/config"
	"quantbot/internal/exchange"
	"quantbot/internal/logger"
	"quantbot/internal/metrics"
	"quantbot/internal/models"
)

// Journal — журнал закрытых сделок. Ошибка записи логируется и не влияет
// на закрытие позиции.
type Journal interface {
	LogTrade(trade models.ClosedTrade) error
}

// Notifier — внешние уведомления о событиях жизненного цикла. Реализация
// обязана глотать свои ошибки: движок её не ждёт и не проверяет.
type Notifier interface {
	TradeEntry(ctx context.Context, pos PositionSummary)
	ExitFill(ctx context.Context, pos PositionSummary, kind ExitKind, fillPrice, pnl, remaining float64)
	StopLoss(ctx context.Context, pos PositionSummary, fillPrice, pnl float64)
	PositionClosed(ctx context.Context, trade models.ClosedTrade)
}

// Engine держит не более одной открытой позиции и ведёт её от входа до
// терминального состояния.
type Engine struct {
	cfg      *config.Config
	client   exchange.Client
	log      *logger.Logger
	journal  Journal
	notifier Notifier

	rules  exchange.InstrumentRules
	now    func() time.Time
	runCtx context.Context

	retryDelay      time.Duration
	rateLimitDelay  time.Duration
	claimRetryDelay time.Duration

	mu       sync.Mutex
	position *Position
	history  []models.ClosedTrade

	lastTicker   models.Ticker
	lastTickerAt time.Time
}

func New(cfg *config.Config, client exchange.Client, log *logger.Logger, journal Journal, notifier Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		client:   client,
		log:      log,
		journal:  journal,
		notifier: notifier,
		now:      time.Now,
		runCtx:   context.Background(),

		retryDelay:      defaultRetryDelay,
		rateLimitDelay:  defaultRateLimitDelay,
		claimRetryDelay: defaultClaimRetryDelay,
	}
}

// Start загружает правила инструмента и поднимает WS поток тикеров.
// Без WS движок работает на REST опросе, это не фатально.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx

	rules, err := e.loadRules(ctx, e.cfg.Bot.Symbol)
	if err != nil {
		return fmt.Errorf("Не удалось загрузить правила инструмента: %w", err)
	}
	e.rules = rules

	e.logEntry().WithFields(map[string]interface{}{
		"tick_size": rules.TickSize,
		"lot_size":  rules.LotSize,
		"min_qty":   rules.MinQty,
	}).Info("Правила инструмента загружены.")

	tickers, err := e.client.SubscribeTickers(ctx, e.cfg.Bot.Symbol)
	if err != nil {
		e.logEntry().WithError(err).Warn("WS поток недоступен, мониторинг будет опрашивать REST.")
		return nil
	}
	go e.consumeTickers(ctx, tickers)

	return nil
}

func (e *Engine) consumeTickers(ctx context.Context, tickers <-chan models.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			e.mu.Lock()
			e.lastTicker = t
			e.lastTickerAt = e.now()
			e.mu.Unlock()
		}
	}
}

// ExecuteTrade проводит торговое намерение через полный цикл открытия:
// санация аккаунта, вход, постановка выходов, запуск мониторинга.
// Слот единственной позиции захватывается до любого сетевого вызова.
func (e *Engine) ExecuteTrade(ctx context.Context, intent models.TradeIntent) (*Position, error) {
	if err := validateIntent(intent); err != nil {
		return nil, err
	}

	pos := newPosition(e.cfg.Bot.Symbol, intent, e.now(), e.cfg.Monitor.DefaultMaxHold)

	e.mu.Lock()
	if e.position != nil {
		busy := e.position.ID
		e.mu.Unlock()
		return nil, fmt.Errorf("Позиция уже открыта: %s", busy)
	}
	e.position = pos
	e.mu.Unlock()

	e.logPosition(pos).WithFields(map[string]interface{}{
		"direction": pos.Direction,
		"entry":     pos.EntryPrice,
		"stop":      pos.Stop.Price,
		"tp1":       pos.TP1.Price,
		"tp2":       pos.TP2.Price,
		"strategy":  pos.Strategy,
	}).Info("Запуск исполнения сделки.")

	if err := e.prepareForTrade(ctx, pos); err != nil {
		e.failPosition(pos, err)
		return nil, err
	}

	if err := e.executeEntry(ctx, pos, intent); err != nil {
		e.failPosition(pos, err)
		return nil, err
	}

	if err := e.setupExits(ctx, pos); err != nil {
		e.failPosition(pos, err)
		return nil, err
	}

	metrics.TradeOpened(string(pos.Direction))
	e.notifyEntry(ctx, pos)
	e.logPosition(pos).WithFields(map[string]interface{}{
		"filled_size": pos.FilledSize,
		"entry_price": pos.EntryPrice,
	}).Info("Позиция открыта и поставлена на мониторинг.")

	return pos, nil
}

func validateIntent(intent models.TradeIntent) error {
	if intent.Direction != models.DirectionLong && intent.Direction != models.DirectionShort {
		return fmt.Errorf("Неизвестное направление сделки: %q", intent.Direction)
	}
	if intent.EntryPrice <= 0 {
		return fmt.Errorf("Цена входа должна быть положительной: %f", intent.EntryPrice)
	}
	if intent.StopLoss <= 0 {
		return fmt.Errorf("Стоп-лосс должен быть положительным: %f", intent.StopLoss)
	}
	if intent.Direction == models.DirectionLong && intent.StopLoss >= intent.EntryPrice {
		return fmt.Errorf("Стоп-лосс лонга должен быть ниже входа: %f >= %f", intent.StopLoss, intent.EntryPrice)
	}
	if intent.Direction == models.DirectionShort && intent.StopLoss <= intent.EntryPrice {
		return fmt.Errorf("Стоп-лосс шорта должен быть выше входа: %f <= %f", intent.StopLoss, intent.EntryPrice)
	}
	return nil
}

// failPosition переводит позицию в FAILED и освобождает слот. Вызывается
// только до ACTIVE, инвентаря на руках ещё нет.
func (e *Engine) failPosition(pos *Position, cause error) {
	e.mu.Lock()
	if pos.State.CanTransition(StateFailed) {
		pos.State = StateFailed
	}
	pos.ClosedAt = e.now()
	if e.position == pos {
		e.position = nil
	}
	e.mu.Unlock()

	metrics.TradeFailed()
	e.logPosition(pos).WithError(cause).Error("Сделка не состоялась.")
}

// CurrentPosition возвращает снимок открытой позиции или nil.
func (e *Engine) CurrentPosition() *PositionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.position == nil {
		return nil
	}
	s := e.position.summary()
	return &s
}

func (e *Engine) notifyEntry(ctx context.Context, pos *Position) {
	if e.notifier == nil {
		return
	}
	e.mu.Lock()
	s := pos.summary()
	e.mu.Unlock()
	e.notifier.TradeEntry(ctx, s)
}

func (e *Engine) notifyExitFill(ctx context.Context, s PositionSummary, kind ExitKind, fillPrice, pnl, remaining float64) {
	if e.notifier == nil {
		return
	}
	e.notifier.ExitFill(ctx, s, kind, fillPrice, pnl, remaining)
}

func (e *Engine) notifyStopLoss(ctx context.Context, s PositionSummary, fillPrice, pnl float64) {
	if e.notifier == nil {
		return
	}
	e.notifier.StopLoss(ctx, s, fillPrice, pnl)
}

func (e *Engine) notifyClosed(ctx context.Context, trade models.ClosedTrade) {
	if e.notifier == nil {
		return
	}
	e.notifier.PositionClosed(ctx, trade)
}
