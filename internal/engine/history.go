package engine

import "quantbot/internal/models"

// Statistics — агрегаты по закрытым сделкам текущего запуска.
type Statistics struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
	LargestWin  float64 `json:"largest_win"`
	LargestLoss float64 `json:"largest_loss"`
}

// TradeHistory возвращает копию списка закрытых сделок.
func (e *Engine) TradeHistory() []models.ClosedTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ClosedTrade, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	trades := make([]models.ClosedTrade, len(e.history))
	copy(trades, e.history)
	e.mu.Unlock()

	stats := Statistics{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return stats
	}

	var winSum, lossSum float64
	for _, t := range trades {
		stats.TotalPnL += t.RealizedPnL
		switch {
		case t.RealizedPnL > 0:
			stats.Wins++
			winSum += t.RealizedPnL
			if t.RealizedPnL > stats.LargestWin {
				stats.LargestWin = t.RealizedPnL
			}
		case t.RealizedPnL < 0:
			stats.Losses++
			lossSum += t.RealizedPnL
			if t.RealizedPnL < stats.LargestLoss {
				stats.LargestLoss = t.RealizedPnL
			}
		}
	}

	stats.WinRate = float64(stats.Wins) / float64(len(trades)) * 100
	if stats.Wins > 0 {
		stats.AvgWin = winSum / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = lossSum / float64(stats.Losses)
	}
	return stats
}
