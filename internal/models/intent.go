package models

import "time"

// TradeIntent приходит из стратегического конвейера: направление, уровни
// входа/выхода и признаки арбитражного (временного) выхода.
type TradeIntent struct {
	Direction           Direction     `json:"direction"`
	EntryPrice          float64       `json:"entry_price"`
	StopLoss            float64       `json:"stop_loss"`
	TakeProfit1         float64       `json:"take_profit_1"`
	TakeProfit2         float64       `json:"take_profit_2"`
	Strategy            string        `json:"strategy_name"`
	StrategyType        string        `json:"strategy_type"`
	ConfidenceScore     float64       `json:"confidence_score"`
	ExitAfterFunding    bool          `json:"exit_after_funding"`
	MaxHoldDuration     time.Duration `json:"max_hold_duration"`
	ExpectedFundingTime time.Time     `json:"expected_funding_time"`
}
