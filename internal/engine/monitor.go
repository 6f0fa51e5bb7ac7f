package engine

import (
	"context"
	"fmt"
	"time"

	"quantbot/internal/metrics"
	"quantbot/internal/models"
)

func (e *Engine) monitorInterval() time.Duration {
	if e.cfg.Monitor.Interval > 0 {
		return e.cfg.Monitor.Interval
	}
	return 5 * time.Second
}

func (e *Engine) startMonitor(pos *Position) {
	e.mu.Lock()
	if pos.monitorStop != nil {
		e.mu.Unlock()
		return
	}
	pos.monitorStop = make(chan struct{})
	pos.monitorDone = make(chan struct{})
	e.mu.Unlock()

	go e.monitorLoop(e.runCtx, pos)
	e.logPosition(pos).Info("Мониторинг позиции запущен.")
}

// monitorLoop — единственный фоновый владелец позиции. Ошибки тика не
// останавливают цикл: следующий интервал пробует заново.
func (e *Engine) monitorLoop(ctx context.Context, pos *Position) {
	defer close(pos.monitorDone)

	ticker := time.NewTicker(e.monitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pos.monitorStop:
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		terminal := pos.State.Terminal()
		e.mu.Unlock()
		if terminal {
			return
		}

		if err := e.checkPosition(ctx, pos); err != nil {
			e.logPosition(pos).WithError(err).Warn("Ошибка тика мониторинга, продолжаем.")
		}
	}
}

// checkPosition — один тик мониторинга. Порядок проверок фиксирован:
// стоп раньше TP — защита капитала важнее фиксации прибыли, затем
// временные выходы, затем виртуальные TP, затем статусы реальных TP.
func (e *Engine) checkPosition(ctx context.Context, pos *Position) error {
	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if price <= 0 {
		return nil
	}

	e.mu.Lock()
	if pos.closing || pos.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	pos.UnrealizedPnL = CalcPnL(pos.Direction, pos.EntryPrice, price, pos.remainingSize())
	direction := pos.Direction
	stop := pos.Stop
	e.mu.Unlock()

	metrics.SetUnrealizedPnL(pos.UnrealizedPnL)

	if stop.IsVirtual() && !stop.Filled && stopTriggered(direction, price, stop.Price) {
		return e.executeStopLoss(ctx, pos, price)
	}

	if closed, err := e.checkTimeExit(ctx, pos, price); err != nil || closed {
		return err
	}

	if err := e.checkVirtualTPs(ctx, pos, price); err != nil {
		return err
	}

	return e.checkRealTPFills(ctx, pos)
}

// currentPrice берёт цену из WS кэша, пока тот свежий, иначе ходит в REST.
// REST результат в кэш не пишется: кэш наполняет только WS поток, иначе
// следующий тик получит цену прошлого тика вместо свежей.
func (e *Engine) currentPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	cached := e.lastTicker
	cachedAt := e.lastTickerAt
	e.mu.Unlock()

	maxAge := e.cfg.Monitor.TickerMaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	if cached.LastPrice > 0 && e.now().Sub(cachedAt) <= maxAge {
		return cached.LastPrice, nil
	}

	t, err := e.client.GetTicker(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("Не удалось получить тикер: %w", err)
	}
	return t.LastPrice, nil
}

// claimLiquidation захватывает право на ликвидацию. Один актор продаёт
// остаток; второй, пришедший следом, получает false и уходит.
func (e *Engine) claimLiquidation(pos *Position) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos.closing || pos.State.Terminal() {
		return false
	}
	pos.closing = true
	return true
}

func (e *Engine) releaseLiquidation(pos *Position) {
	e.mu.Lock()
	pos.closing = false
	e.mu.Unlock()
}

// executeStopLoss исполняет виртуальный стоп: снять реальные TP, продать
// остаток маркетом, зафиксировать убыток. Ошибка освобождает захват,
// следующий тик повторит.
func (e *Engine) executeStopLoss(ctx context.Context, pos *Position, price float64) error {
	if !e.claimLiquidation(pos) {
		return nil
	}

	e.logPosition(pos).WithField("price", price).Warn("Сработал виртуальный стоп-лосс.")

	sold, pnl, err := e.liquidateRemaining(ctx, pos, price)
	if err != nil {
		e.releaseLiquidation(pos)
		return err
	}

	e.mu.Lock()
	if sold > 0 {
		pos.RealizedPnL += pnl
	}
	pos.Stop.Filled = true
	pos.Stop.FillPrice = price
	pos.Stop.FillTime = e.now()
	if pos.State.CanTransition(StateStoppedOut) {
		pos.State = StateStoppedOut
	}
	summary := pos.summary()
	realized := pos.RealizedPnL
	e.mu.Unlock()

	metrics.ExitFilled(string(ExitStop))
	e.notifyStopLoss(ctx, summary, price, pnl)
	e.logPosition(pos).WithFields(map[string]interface{}{
		"fill_price": price,
		"pnl":        realized,
	}).Warn("Позиция остановлена по стопу.")

	return e.closePosition(ctx, pos, CloseReasonStopLoss, price)
}

// checkTimeExit закрывает позицию по истечении максимального удержания
// либо после сбора фандинга с буфером.
func (e *Engine) checkTimeExit(ctx context.Context, pos *Position, price float64) (bool, error) {
	e.mu.Lock()
	entryTime := pos.EntryTime
	maxHold := pos.MaxHold
	exitAfterFunding := pos.ExitAfterFunding
	fundingTime := pos.FundingTime
	e.mu.Unlock()

	if entryTime.IsZero() {
		return false, nil
	}
	now := e.now()

	if maxHold > 0 && now.Sub(entryTime) >= maxHold {
		e.logPosition(pos).WithField("held", now.Sub(entryTime).String()).
			Info("Достигнуто максимальное время удержания.")
		return e.executeTimeExit(ctx, pos, price, CloseReasonMaxHold)
	}

	if exitAfterFunding && !fundingTime.IsZero() {
		buffer := e.cfg.Monitor.FundingExitBuffer
		if now.After(fundingTime.Add(buffer)) {
			e.logPosition(pos).WithField("funding_time", fundingTime).
				Info("Фандинг собран, закрываем позицию.")
			return e.executeTimeExit(ctx, pos, price, CloseReasonFunding)
		}
	}

	return false, nil
}

func (e *Engine) executeTimeExit(ctx context.Context, pos *Position, price float64, reason CloseReason) (bool, error) {
	if !e.claimLiquidation(pos) {
		return false, nil
	}

	sold, pnl, err := e.liquidateRemaining(ctx, pos, price)
	if err != nil {
		e.releaseLiquidation(pos)
		return false, err
	}

	e.mu.Lock()
	if sold > 0 {
		pos.RealizedPnL += pnl
	}
	e.mu.Unlock()

	return true, e.closePosition(ctx, pos, reason, price)
}

// checkVirtualTPs исполняет виртуальные TP по цене. TP2 проверяется
// только после исполнения TP1: частичные выходы идут строго по порядку.
func (e *Engine) checkVirtualTPs(ctx context.Context, pos *Position, price float64) error {
	e.mu.Lock()
	direction := pos.Direction
	tp1 := pos.TP1
	e.mu.Unlock()

	if tp1.IsVirtual() && !tp1.Filled && tpTriggered(direction, price, tp1.Price) {
		if err := e.executeVirtualTP(ctx, pos, ExitTP1, price); err != nil {
			return err
		}
	}

	e.mu.Lock()
	tp1Filled := pos.TP1.Filled
	tp2 := pos.TP2
	e.mu.Unlock()

	if tp1Filled && tp2.IsVirtual() && !tp2.Filled && tpTriggered(direction, price, tp2.Price) {
		return e.executeVirtualTP(ctx, pos, ExitTP2, price)
	}

	return nil
}

// executeVirtualTP продаёт долю позиции маркетом по достижении уровня.
// Захват ликвидации на время операции исключает гонку с ручным закрытием.
func (e *Engine) executeVirtualTP(ctx context.Context, pos *Position, kind ExitKind, price float64) error {
	if !e.claimLiquidation(pos) {
		return nil
	}

	e.mu.Lock()
	exit := pos.exit(kind)
	size := exit.Size
	direction := pos.Direction
	entryPrice := pos.EntryPrice
	e.mu.Unlock()

	log := e.logPosition(pos).WithField("exit", string(kind))

	if direction == models.DirectionLong {
		base, err := e.client.GetCurrencyBalance(ctx, e.baseCoin())
		if err != nil {
			e.releaseLiquidation(pos)
			return err
		}
		if base < size {
			size = e.roundQty(base)
		}
	}
	if size <= 0 || size < e.cfg.Sanitizer.DustThreshold {
		log.Warn("Нет базовой монеты под виртуальный TP, пропускаем.")
		e.mu.Lock()
		exit.Filled = true
		exit.FillPrice = price
		exit.FillTime = e.now()
		e.mu.Unlock()
		e.releaseLiquidation(pos)
		return nil
	}

	order := models.Order{
		Symbol: pos.Symbol,
		Side:   direction.ExitSide(),
		Type:   models.OrderTypeMarket,
		Qty:    size,
		LinkID: pos.linkID(string(kind) + "v"),
	}
	if _, err := e.placeOrderIdempotent(ctx, order); err != nil {
		e.releaseLiquidation(pos)
		return fmt.Errorf("Не удалось исполнить виртуальный %s: %w", kind, err)
	}

	pnl := CalcPnL(direction, entryPrice, price, size)

	e.mu.Lock()
	exit.Filled = true
	exit.FillPrice = price
	exit.FillTime = e.now()
	exit.Size = size
	pos.RealizedPnL += pnl
	next := StateTP1Filled
	if kind == ExitTP2 {
		next = StateTP2Filled
	}
	if pos.State.CanTransition(next) {
		pos.State = next
	}
	remaining := pos.remainingSize()
	summary := pos.summary()
	pos.closing = false
	e.mu.Unlock()

	metrics.ExitFilled(string(kind))
	e.notifyExitFill(ctx, summary, kind, price, pnl, remaining)
	log.WithFields(map[string]interface{}{
		"fill_price": price,
		"size":       size,
		"pnl":        pnl,
		"remaining":  remaining,
	}).Info("Виртуальный TP исполнен.")

	if kind == ExitTP2 {
		return e.closePosition(ctx, pos, CloseReasonTP2, price)
	}
	return nil
}

// checkRealTPFills опрашивает статусы реальных TP ордеров.
func (e *Engine) checkRealTPFills(ctx context.Context, pos *Position) error {
	for _, kind := range []ExitKind{ExitTP1, ExitTP2} {
		e.mu.Lock()
		exit := pos.exit(kind)
		snapshot := *exit
		e.mu.Unlock()

		if snapshot.Placement != PlacementReal || snapshot.Filled || snapshot.OrderID == "" {
			continue
		}

		current, err := e.client.GetOrder(ctx, pos.Symbol, snapshot.OrderID)
		if err != nil {
			return err
		}
		if current.Status != models.OrderStatusFilled {
			continue
		}

		fillPrice := current.AvgFillPrice
		if fillPrice <= 0 {
			fillPrice = snapshot.Price
		}
		fillSize := current.FilledQty
		if fillSize <= 0 {
			fillSize = snapshot.Size
		}

		pnl := CalcPnL(pos.Direction, pos.EntryPrice, fillPrice, fillSize)

		e.mu.Lock()
		exit.Filled = true
		exit.FillPrice = fillPrice
		exit.FillTime = e.now()
		exit.Size = fillSize
		pos.RealizedPnL += pnl
		next := StateTP1Filled
		if kind == ExitTP2 {
			next = StateTP2Filled
		}
		if pos.State.CanTransition(next) {
			pos.State = next
		}
		remaining := pos.remainingSize()
		summary := pos.summary()
		e.mu.Unlock()

		metrics.ExitFilled(string(kind))
		e.notifyExitFill(ctx, summary, kind, fillPrice, pnl, remaining)
		e.logPosition(pos).WithFields(map[string]interface{}{
			"exit":       string(kind),
			"fill_price": fillPrice,
			"pnl":        pnl,
		}).Info("Реальный TP исполнен на бирже.")

		if kind == ExitTP2 {
			return e.closePosition(ctx, pos, CloseReasonTP2, fillPrice)
		}
	}
	return nil
}

// liquidateRemaining снимает реальные TP и продаёт остаток маркетом.
// Возвращает проданный объём и PnL этой продажи. Пустой остаток — не
// ошибка: позиция уже разобрана выходами.
func (e *Engine) liquidateRemaining(ctx context.Context, pos *Position, price float64) (float64, float64, error) {
	for _, kind := range []ExitKind{ExitTP1, ExitTP2} {
		e.mu.Lock()
		exit := pos.exit(kind)
		needCancel := exit.Placement == PlacementReal && !exit.Filled && exit.OrderID != ""
		orderID := exit.OrderID
		e.mu.Unlock()

		if !needCancel {
			continue
		}
		err := e.withRetryVoid(ctx, "cancel_tp", func() error {
			err := e.client.CancelOrder(ctx, pos.Symbol, orderID)
			if isOrderNotFoundError(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return 0, 0, fmt.Errorf("Не удалось снять TP %s: %w", orderID, err)
		}
	}

	var remaining float64
	if pos.Direction == models.DirectionLong {
		base, err := e.client.GetCurrencyBalance(ctx, e.baseCoin())
		if err != nil {
			return 0, 0, fmt.Errorf("Не удалось получить остаток %s: %w", e.baseCoin(), err)
		}
		remaining = e.roundQty(base)
	} else {
		e.mu.Lock()
		remaining = pos.remainingSize()
		e.mu.Unlock()
	}

	if remaining <= 0 || remaining < e.cfg.Sanitizer.DustThreshold {
		return 0, 0, nil
	}

	order := models.Order{
		Symbol: pos.Symbol,
		Side:   pos.Direction.ExitSide(),
		Type:   models.OrderTypeMarket,
		Qty:    remaining,
		LinkID: pos.linkID("liq"),
	}
	if _, err := e.placeOrderIdempotent(ctx, order); err != nil {
		return 0, 0, fmt.Errorf("Не удалось ликвидировать остаток: %w", err)
	}

	pnl := CalcPnL(pos.Direction, pos.EntryPrice, price, remaining)
	return remaining, pnl, nil
}
