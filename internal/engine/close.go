package engine

import (
	"context"
	"fmt"
	"time"

	"quantbot/internal/metrics"
	"quantbot/internal/models"
)

// ClosePositionNow немедленно закрывает открытую позицию по рынку.
// Идемпотентно: без позиции или на уже закрытой — тихий no-op.
// Даже при ошибке ликвидации позиция доводится до терминального
// состояния, зависших "зомби" не оставляем.
func (e *Engine) ClosePositionNow(ctx context.Context, reason CloseReason) error {
	if reason == "" {
		reason = CloseReasonManual
	}

	e.mu.Lock()
	pos := e.position
	e.mu.Unlock()

	if pos == nil {
		e.logEntry().Warn("Нет открытой позиции для закрытия.")
		return nil
	}

	if !e.waitClaim(ctx, pos) {
		e.mu.Lock()
		terminal := pos.State.Terminal()
		e.mu.Unlock()
		if terminal {
			return nil
		}
		// Монитор не отдал захват, позиция осталась живой. Молчать нельзя:
		// вызывающий должен знать, что закрытие не произошло.
		return fmt.Errorf("Не удалось захватить ликвидацию позиции %s для ручного закрытия.", pos.ID)
	}

	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		// Без цены всё равно закрываем, PnL посчитаем по цене входа.
		e.logPosition(pos).WithError(err).Warn("Цена для ручного закрытия недоступна.")
		price = pos.EntryPrice
	}

	sold, pnl, liqErr := e.liquidateRemaining(ctx, pos, price)
	if liqErr != nil {
		e.logPosition(pos).WithError(liqErr).Error("Ликвидация при ручном закрытии не удалась, позиция закрывается принудительно.")
	}

	e.mu.Lock()
	if sold > 0 {
		pos.RealizedPnL += pnl
	}
	e.mu.Unlock()

	if err := e.closePosition(ctx, pos, reason, price); err != nil {
		return err
	}
	return liqErr
}

// waitClaim добивается захвата ликвидации для ручного закрытия: тик
// монитора мог держать захват на время своей операции.
func (e *Engine) waitClaim(ctx context.Context, pos *Position) bool {
	for attempt := 0; attempt < 20; attempt++ {
		if e.claimLiquidation(pos) {
			return true
		}
		e.mu.Lock()
		terminal := pos.State.Terminal()
		e.mu.Unlock()
		if terminal {
			return false
		}
		if !e.sleep(ctx, e.claimRetryDelay) {
			return false
		}
	}
	return false
}

// closePosition — единая точка терминализации. Переводит позицию в CLOSED,
// освобождает слот, пишет журнал и рассылает уведомления. Повторный вызов
// на закрытой позиции — no-op.
func (e *Engine) closePosition(ctx context.Context, pos *Position, reason CloseReason, price float64) error {
	e.mu.Lock()
	if pos.State == StateClosed {
		e.mu.Unlock()
		return nil
	}
	if pos.State.CanTransition(StateClosed) {
		pos.State = StateClosed
	} else {
		// Принудительная терминализация: лучше потерять красоту перехода,
		// чем оставить позицию в подвешенном состоянии.
		e.logPosition(pos).WithField("from", string(pos.State)).Warn("Принудительное закрытие из нетипичного состояния.")
		pos.State = StateClosed
	}
	pos.closing = true
	pos.ClosedAt = e.now()
	pos.CloseReason = reason

	trade := buildClosedTrade(pos, reason, price)
	e.history = append(e.history, trade)
	if e.position == pos {
		e.position = nil
	}
	e.mu.Unlock()

	pos.stopMonitor()

	if e.journal != nil {
		if err := e.journal.LogTrade(trade); err != nil {
			e.logPosition(pos).WithError(err).Warn("Не удалось записать сделку в журнал.")
		}
	}
	e.notifyClosed(ctx, trade)
	metrics.TradeClosed(string(reason), trade.RealizedPnL)

	e.logPosition(pos).WithFields(map[string]interface{}{
		"reason":     string(reason),
		"exit_price": trade.ExitPrice,
		"pnl":        trade.RealizedPnL,
		"pnl_pct":    fmt.Sprintf("%.2f%%", trade.PnLPct),
		"duration":   (time.Duration(trade.DurationSec) * time.Second).String(),
	}).Info("Позиция закрыта.")

	return nil
}

// buildClosedTrade собирает итоговую запись сделки. Цена выхода зависит
// от причины: для TP и стопа берём цену фактического исполнения.
func buildClosedTrade(pos *Position, reason CloseReason, price float64) models.ClosedTrade {
	exitPrice := price
	switch reason {
	case CloseReasonTP2, CloseReasonTP1:
		if pos.TP2.Filled && pos.TP2.FillPrice > 0 {
			exitPrice = pos.TP2.FillPrice
		} else if pos.TP1.Filled && pos.TP1.FillPrice > 0 {
			exitPrice = pos.TP1.FillPrice
		}
	case CloseReasonStopLoss:
		if pos.Stop.FillPrice > 0 {
			exitPrice = pos.Stop.FillPrice
		} else {
			exitPrice = pos.Stop.Price
		}
	}
	if exitPrice <= 0 {
		exitPrice = pos.EntryPrice
	}

	duration := 0.0
	if !pos.EntryTime.IsZero() {
		duration = pos.ClosedAt.Sub(pos.EntryTime).Seconds()
	}

	return models.ClosedTrade{
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		Direction:       pos.Direction,
		EntryPrice:      pos.EntryPrice,
		ExitPrice:       exitPrice,
		Size:            pos.FilledSize,
		RealizedPnL:     pos.RealizedPnL,
		PnLPct:          CalcPnLPct(pos.Direction, pos.EntryPrice, exitPrice),
		Strategy:        pos.Strategy,
		ConfidenceScore: pos.ConfidenceScore,
		DurationSec:     duration,
		CloseReason:     string(reason),
		EntryOrderID:    pos.EntryOrderID,
		EntryTime:       pos.EntryTime,
		ClosedAt:        pos.ClosedAt,
	}
}
