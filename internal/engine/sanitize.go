package engine

import (
	"context"
	"fmt"

	"quantbot/internal/models"
)

// prepareForTrade приводит аккаунт к чистому состоянию перед входом:
// снимает зависшие ордера, продаёт остатки базовой монеты, проверяет
// котируемый баланс. Любая неудача — отказ от сделки, вход в грязный
// аккаунт запрещён.
func (e *Engine) prepareForTrade(ctx context.Context, pos *Position) error {
	log := e.logPosition(pos)

	open, err := e.client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("Санация: не удалось получить открытые ордера: %w", err)
	}

	for _, o := range open {
		err := e.withRetryVoid(ctx, "cancel_stale", func() error {
			err := e.client.CancelOrder(ctx, pos.Symbol, o.ID)
			if isOrderNotFoundError(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("Санация: не удалось снять ордер %s: %w", o.ID, err)
		}
		log.WithField("order_id", o.ID).Info("Снят зависший ордер.")
	}

	if err := e.flushBaseInventory(ctx, pos); err != nil {
		return err
	}

	// Даём бирже время провести расчёты после отмен и продаж.
	if !e.sleep(ctx, e.cfg.Sanitizer.SettleDelay) {
		return ctx.Err()
	}

	// Перепроверка: отмены могли не пройти на стороне биржи.
	stillOpen, err := e.client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("Санация: не удалось перепроверить ордера: %w", err)
	}
	if len(stillOpen) > 0 {
		return fmt.Errorf("Санация: остались открытые ордера: %d", len(stillOpen))
	}

	quote, err := e.client.GetTradingBalance(ctx, e.quoteCoin())
	if err != nil {
		return fmt.Errorf("Санация: не удалось получить баланс %s: %w", e.quoteCoin(), err)
	}
	if quote < e.cfg.Sanitizer.MinQuoteBalance {
		return fmt.Errorf("Санация: баланс %s ниже минимума: %.2f < %.2f",
			e.quoteCoin(), quote, e.cfg.Sanitizer.MinQuoteBalance)
	}

	log.WithField("quote_balance", quote).Info("Аккаунт готов к сделке.")
	return nil
}

// flushBaseInventory продаёт остаток базовой монеты от прошлых сделок.
// Пыль ниже порога и минимального лота не трогаем.
func (e *Engine) flushBaseInventory(ctx context.Context, pos *Position) error {
	base, err := e.client.GetCurrencyBalance(ctx, e.baseCoin())
	if err != nil {
		return fmt.Errorf("Санация: не удалось получить баланс %s: %w", e.baseCoin(), err)
	}

	qty := e.roundQty(base)
	if base <= e.cfg.Sanitizer.DustThreshold || qty <= 0 || qty < e.rules.MinQty {
		return nil
	}

	order := models.Order{
		Symbol: pos.Symbol,
		Side:   models.OrderSideSell,
		Type:   models.OrderTypeMarket,
		Qty:    qty,
		LinkID: pos.linkID("san"),
	}
	if _, err := e.placeOrderIdempotent(ctx, order); err != nil {
		return fmt.Errorf("Санация: не удалось продать остаток %s: %w", e.baseCoin(), err)
	}

	e.logPosition(pos).WithField("qty", qty).Info("Продан остаток базовой монеты.")
	return nil
}
