package engine

import (
	"context"
	"fmt"
	"strings"

	"quantbot/internal/metrics"
	"quantbot/internal/models"
)

// setupExits ставит выходы позиции. Стоп на споте всегда виртуальный:
// нативных стоп-ордеров нет. TP пытаемся поставить реальными лимитками,
// любая неудача деградирует конкретный TP до виртуального — сделка
// продолжается в любом случае.
func (e *Engine) setupExits(ctx context.Context, pos *Position) error {
	tp1Size, tp2Size := PlanExitSizes(pos.FilledSize, e.cfg.Bot.TP1Split, e.rules.LotSize)

	e.mu.Lock()
	pos.Stop.Size = pos.FilledSize
	pos.TP1.Size = tp1Size
	pos.TP2.Size = tp2Size
	pos.Stop.markVirtual(e.virtualOrderID(ExitStop))
	e.mu.Unlock()

	e.logPosition(pos).WithFields(map[string]interface{}{
		"stop_price": pos.Stop.Price,
		"tp1_size":   tp1Size,
		"tp2_size":   tp2Size,
	}).Info("Стоп-лосс поставлен виртуально, размещаем TP.")

	e.placeSmartTP(ctx, pos, ExitTP1)
	e.placeSmartTP(ctx, pos, ExitTP2)

	e.mu.Lock()
	err := pos.transition(StateActive)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	// Стоп всегда виртуальный, значит монитор нужен всегда.
	e.startMonitor(pos)
	return nil
}

// placeSmartTP размещает один TP лимиткой. Перед постановкой объём
// сверяется с реальным балансом базовой монеты: комиссия входа могла
// съесть часть. Ошибки не возвращаются — TP уходит в виртуальный режим.
func (e *Engine) placeSmartTP(ctx context.Context, pos *Position, kind ExitKind) {
	e.mu.Lock()
	exit := pos.exit(kind)
	size := exit.Size
	price := e.roundPrice(exit.Price)
	e.mu.Unlock()

	log := e.logPosition(pos).WithField("exit", string(kind))

	if size <= 0 {
		e.degradeTP(pos, kind, "нулевой объём")
		return
	}

	if pos.Direction == models.DirectionLong {
		base, err := e.client.GetCurrencyBalance(ctx, e.baseCoin())
		if err != nil {
			e.degradeTP(pos, kind, fmt.Sprintf("баланс недоступен: %v", err))
			return
		}
		if base < size {
			adjusted := e.roundQty(base)
			if adjusted <= 0 {
				e.degradeTP(pos, kind, "нет базовой монеты под TP")
				return
			}
			log.WithFields(map[string]interface{}{
				"requested": size,
				"adjusted":  adjusted,
			}).Warn("Объём TP скорректирован по балансу.")
			size = adjusted
			e.mu.Lock()
			exit.Size = size
			e.mu.Unlock()
		}
	}

	order := models.Order{
		Symbol: pos.Symbol,
		Side:   pos.Direction.ExitSide(),
		Type:   models.OrderTypeLimit,
		Price:  price,
		Qty:    size,
		LinkID: pos.linkID(string(kind)),
	}

	placed, err := e.placeOrderIdempotent(ctx, order)
	if err != nil {
		e.degradeTP(pos, kind, fmt.Sprintf("ордер отклонён: %v", err))
		return
	}

	e.mu.Lock()
	markErr := exit.markReal(placed.ID)
	e.mu.Unlock()
	if markErr != nil {
		log.WithError(markErr).Warn("TP уже виртуальный, реальный ордер будет снят.")
		_ = e.client.CancelOrder(ctx, pos.Symbol, placed.ID)
		return
	}

	log.WithFields(map[string]interface{}{
		"order_id": placed.ID,
		"price":    price,
		"qty":      size,
	}).Info("TP размещён на бирже.")
}

func (e *Engine) degradeTP(pos *Position, kind ExitKind, reason string) {
	e.mu.Lock()
	exit := pos.exit(kind)
	exit.markVirtual(e.virtualOrderID(kind))
	e.mu.Unlock()

	metrics.ExitDegraded(string(kind))
	e.logPosition(pos).WithFields(map[string]interface{}{
		"exit":   string(kind),
		"reason": reason,
	}).Warn("TP деградирован до виртуального.")
}

func (e *Engine) virtualOrderID(kind ExitKind) string {
	return fmt.Sprintf("VIRTUAL-%s-%s", strings.ToUpper(string(kind)), e.now().Format("150405"))
}
