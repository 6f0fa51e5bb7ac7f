// Package notify — уведомления о событиях торгового цикла.
package notify

import (
	"context"
	"fmt"

	"quantbot/internal/engine"
	"quantbot/internal/logger"
	"quantbot/internal/models"
)

// Sender — один канал доставки.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// TradeNotifier рассылает события по всем каналам. Ошибки доставки
// логируются и не возвращаются: уведомления не влияют на торговлю.
type TradeNotifier struct {
	senders []Sender
	log     *logger.Logger
}

func New(log *logger.Logger, senders ...Sender) *TradeNotifier {
	return &TradeNotifier{senders: senders, log: log}
}

func (n *TradeNotifier) TradeEntry(ctx context.Context, pos engine.PositionSummary) {
	text := fmt.Sprintf(
		"Открыта позиция %s %s\nВход: %.4f\nОбъём: %.6f\nСтоп: %.4f\nTP1: %.4f / TP2: %.4f\nСтратегия: %s",
		directionLabel(pos.Direction), pos.Symbol,
		pos.EntryPrice, pos.Size, pos.StopPrice, pos.TP1Price, pos.TP2Price, pos.Strategy,
	)
	n.send(ctx, text)
}

func (n *TradeNotifier) ExitFill(ctx context.Context, pos engine.PositionSummary, kind engine.ExitKind, fillPrice, pnl, remaining float64) {
	text := fmt.Sprintf(
		"%s исполнен по %s\nЦена: %.4f\nPnL: %+.2f\nОстаток позиции: %.6f",
		exitLabel(kind), pos.Symbol, fillPrice, pnl, remaining,
	)
	n.send(ctx, text)
}

func (n *TradeNotifier) StopLoss(ctx context.Context, pos engine.PositionSummary, fillPrice, pnl float64) {
	text := fmt.Sprintf(
		"Сработал стоп-лосс по %s\nЦена: %.4f\nУбыток: %+.2f",
		pos.Symbol, fillPrice, pnl,
	)
	n.send(ctx, text)
}

func (n *TradeNotifier) PositionClosed(ctx context.Context, trade models.ClosedTrade) {
	text := fmt.Sprintf(
		"Позиция %s закрыта (%s)\nВход: %.4f / Выход: %.4f\nPnL: %+.2f (%.2f%%)\nДлительность: %.0f сек",
		trade.Symbol, reasonLabel(trade.CloseReason),
		trade.EntryPrice, trade.ExitPrice,
		trade.RealizedPnL, trade.PnLPct, trade.DurationSec,
	)
	n.send(ctx, text)
}

func (n *TradeNotifier) send(ctx context.Context, text string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, text); err != nil {
			n.log.WithComponent("notify").
				WithField("sender", s.Name()).
				WithError(err).
				Warn("Не удалось доставить уведомление.")
		}
	}
}

func directionLabel(d models.Direction) string {
	if d == models.DirectionShort {
		return "SHORT"
	}
	return "LONG"
}

func exitLabel(kind engine.ExitKind) string {
	switch kind {
	case engine.ExitTP1:
		return "TP1"
	case engine.ExitTP2:
		return "TP2"
	default:
		return "Стоп"
	}
}

func reasonLabel(reason string) string {
	switch reason {
	case string(engine.CloseReasonStopLoss):
		return "стоп-лосс"
	case string(engine.CloseReasonTP2):
		return "тейк-профит"
	case string(engine.CloseReasonMaxHold):
		return "лимит времени"
	case string(engine.CloseReasonFunding):
		return "фандинг собран"
	case string(engine.CloseReasonManual):
		return "вручную"
	default:
		return reason
	}
}
