package engine

import (
	"context"
	"fmt"

	"quantbot/internal/models"
)

// executeEntry открывает позицию: сначала улучшенный лимитный вход, по
// таймауту — отмена и маркет. Фактический объём сверяется с балансом,
// а не с запрошенным размером.
func (e *Engine) executeEntry(ctx context.Context, pos *Position, intent models.TradeIntent) error {
	size, err := e.calcEntrySize(ctx, intent)
	if err != nil {
		return err
	}
	pos.RequestedSize = size

	log := e.logPosition(pos)
	side := pos.Direction.EntrySide()

	var entryOrder models.Order
	filled := false

	le := e.cfg.Bot.LimitEntry
	if le.Enabled && intent.EntryPrice > 0 {
		limitPrice := e.roundPrice(improvedPrice(pos.Direction, intent.EntryPrice, le.Improvement))

		order := models.Order{
			Symbol: pos.Symbol,
			Side:   side,
			Type:   models.OrderTypeLimit,
			Price:  limitPrice,
			Qty:    size,
			LinkID: pos.linkID("lim"),
		}

		placed, err := e.placeOrderIdempotent(ctx, order)
		if err != nil {
			// Лимитный вход не обязателен, падаем на маркет.
			log.WithError(err).Warn("Лимитный вход отклонён, переходим на маркет.")
		} else {
			e.setState(pos, StateEntryPlaced)
			log.WithFields(map[string]interface{}{
				"order_id": placed.ID,
				"price":    limitPrice,
				"qty":      size,
			}).Info("Лимитный вход размещён.")

			entryOrder, filled = e.waitLimitFill(ctx, pos, placed)
			if !filled && !le.MarketFallback {
				return fmt.Errorf("Лимитный вход не исполнен за %s, маркет-фолбэк выключен.", le.Timeout)
			}
		}
	}

	if !filled {
		order := models.Order{
			Symbol: pos.Symbol,
			Side:   side,
			Type:   models.OrderTypeMarket,
			Qty:    size,
			LinkID: pos.linkID("mkt"),
		}
		placed, err := e.placeOrderIdempotent(ctx, order)
		if err != nil {
			return fmt.Errorf("Не удалось разместить маркет-вход: %w", err)
		}
		entryOrder = placed
		if pos.State == StatePending {
			e.setState(pos, StateEntryPlaced)
		}
		log.WithField("order_id", placed.ID).Info("Маркет-вход размещён.")
	}

	pos.EntryOrderID = entryOrder.ID
	pos.EntryTime = e.now()

	if !e.sleep(ctx, e.cfg.Sanitizer.SettleDelay) {
		return ctx.Err()
	}

	e.reconcileEntry(ctx, pos, entryOrder, intent.EntryPrice)

	if pos.FilledSize <= 0 {
		return fmt.Errorf("Вход не дал инвентаря: ордер %s", entryOrder.ID)
	}

	e.setState(pos, StateEntryFilled)
	log.WithFields(map[string]interface{}{
		"requested": pos.RequestedSize,
		"filled":    pos.FilledSize,
		"price":     pos.EntryPrice,
	}).Info("Вход исполнен.")

	return nil
}

// calcEntrySize считает объём входа от доступного баланса с учётом резерва
// и потолка размера позиции.
func (e *Engine) calcEntrySize(ctx context.Context, intent models.TradeIntent) (float64, error) {
	quote, err := e.client.GetTradingBalance(ctx, e.quoteCoin())
	if err != nil {
		return 0, fmt.Errorf("Не удалось получить баланс %s: %w", e.quoteCoin(), err)
	}
	if quote < e.cfg.Sanitizer.MinQuoteBalance {
		return 0, fmt.Errorf("Недостаточно %s для входа: %.2f", e.quoteCoin(), quote)
	}

	size := quote * (1 - e.cfg.Bot.BalanceReserve) / intent.EntryPrice
	if max := e.cfg.Bot.MaxPositionSize; max > 0 && size > max {
		size = max
	}
	size = e.roundQty(size)

	if size <= 0 || (e.rules.MinQty > 0 && size < e.rules.MinQty) {
		return 0, fmt.Errorf("Объём входа меньше минимального лота: %f", size)
	}
	return size, nil
}

// waitLimitFill опрашивает лимитный вход до исполнения либо таймаута.
// По таймауту ордер снимается; если отмена опоздала и ордер успел
// исполниться, вход засчитывается.
func (e *Engine) waitLimitFill(ctx context.Context, pos *Position, placed models.Order) (models.Order, bool) {
	log := e.logPosition(pos).WithField("order_id", placed.ID)
	deadline := e.now().Add(e.cfg.Bot.LimitEntry.Timeout)

	for e.now().Before(deadline) {
		if !e.sleep(ctx, e.cfg.Bot.LimitEntry.PollInterval) {
			break
		}

		current, err := e.client.GetOrder(ctx, pos.Symbol, placed.ID)
		if err != nil {
			log.WithError(err).Debug("Не удалось проверить статус лимитного входа.")
			continue
		}
		switch current.Status {
		case models.OrderStatusFilled:
			return current, true
		case models.OrderStatusCanceled:
			log.Warn("Лимитный вход снят извне.")
			return models.Order{}, false
		}
	}

	cancelErr := e.withRetryVoid(ctx, "cancel_entry", func() error {
		err := e.client.CancelOrder(ctx, pos.Symbol, placed.ID)
		if isOrderNotFoundError(err) {
			return nil
		}
		return err
	})
	if cancelErr != nil {
		// Отмена могла проиграть гонку с исполнением.
		if current, err := e.client.GetOrder(ctx, pos.Symbol, placed.ID); err == nil &&
			current.Status == models.OrderStatusFilled {
			return current, true
		}
		log.WithError(cancelErr).Warn("Не удалось снять лимитный вход.")
		return models.Order{}, false
	}

	if current, err := e.client.GetOrder(ctx, pos.Symbol, placed.ID); err == nil &&
		current.Status == models.OrderStatusFilled {
		return current, true
	}

	log.Info("Лимитный вход не исполнен за отведённое время, снят.")
	return models.Order{}, false
}

// reconcileEntry определяет фактический объём и цену входа. Для лонга
// истина — баланс базовой монеты: комиссия и частичные исполнения уже
// учтены биржей. Отчёт по ордеру — запасной источник.
func (e *Engine) reconcileEntry(ctx context.Context, pos *Position, entryOrder models.Order, refPrice float64) {
	log := e.logPosition(pos)

	filled := 0.0
	if pos.Direction == models.DirectionLong {
		if base, err := e.client.GetCurrencyBalance(ctx, e.baseCoin()); err == nil && base > 0 {
			filled = e.roundQty(base)
		} else if err != nil {
			log.WithError(err).Warn("Не удалось сверить объём по балансу.")
		}
	}

	current, err := e.client.GetOrder(ctx, pos.Symbol, entryOrder.ID)
	if err != nil {
		current = entryOrder
	}

	if filled <= 0 {
		if current.FilledQty > 0 {
			filled = current.FilledQty
		} else {
			filled = pos.RequestedSize
		}
	}

	price := refPrice
	if current.AvgFillPrice > 0 {
		price = current.AvgFillPrice
	} else if entryOrder.AvgFillPrice > 0 {
		price = entryOrder.AvgFillPrice
	}

	pos.FilledSize = filled
	pos.EntryPrice = price
}

func (e *Engine) setState(pos *Position, to State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := pos.transition(to); err != nil {
		e.logPosition(pos).WithError(err).Warn("Переход состояния отклонён.")
	}
}
