package engine

import (
	"math"

	"quantbot/internal/models"
)

func RoundDown(value, step float64) float64 {
	if step == 0 {
		return value
	}
	return math.Floor((value/step)+1e-9) * step
}

// PlanExitSizes делит фактически исполненный объём между TP1 и TP2.
// TP1 квантуется вниз по шагу лота, весь остаток округления уходит в TP2,
// поэтому сумма всегда в точности равна filledSize.
func PlanExitSizes(filledSize, tp1Split, lotStep float64) (tp1Size, tp2Size float64) {
	if tp1Split <= 0 || tp1Split >= 1 {
		tp1Split = 0.5
	}
	tp1Size = RoundDown(filledSize*tp1Split, lotStep)
	tp2Size = filledSize - tp1Size
	return tp1Size, tp2Size
}

// ResolveTPPrices выбирает уровни TP. Для арбитражных сделок уровни уносятся
// далеко от входа: закрытие произойдёт по времени, а не по цене.
func ResolveTPPrices(intent models.TradeIntent) (tp1, tp2 float64) {
	if intent.ExitAfterFunding || intent.StrategyType == "arbitrage" {
		return intent.EntryPrice * 1.10, intent.EntryPrice * 1.15
	}

	tp1 = intent.TakeProfit1
	if tp1 == 0 {
		if intent.Direction == models.DirectionShort {
			tp1 = intent.EntryPrice * 0.985
		} else {
			tp1 = intent.EntryPrice * 1.015
		}
	}
	tp2 = intent.TakeProfit2
	if tp2 == 0 {
		if intent.Direction == models.DirectionShort {
			tp2 = tp1 * 0.98
		} else {
			tp2 = tp1 * 1.02
		}
	}
	return tp1, tp2
}

func improvedPrice(direction models.Direction, refPrice, improvement float64) float64 {
	if direction == models.DirectionShort {
		return refPrice * (1 + improvement)
	}
	return refPrice * (1 - improvement)
}

func CalcPnL(direction models.Direction, entryPrice, exitPrice, size float64) float64 {
	if direction == models.DirectionShort {
		return (entryPrice - exitPrice) * size
	}
	return (exitPrice - entryPrice) * size
}

func CalcPnLPct(direction models.Direction, entryPrice, exitPrice float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	pct := (exitPrice - entryPrice) / entryPrice * 100
	if direction == models.DirectionShort {
		return -pct
	}
	return pct
}

func stopTriggered(direction models.Direction, price, stopPrice float64) bool {
	if direction == models.DirectionShort {
		return price >= stopPrice
	}
	return price <= stopPrice
}

func tpTriggered(direction models.Direction, price, tpPrice float64) bool {
	if direction == models.DirectionShort {
		return price <= tpPrice
	}
	return price >= tpPrice
}
