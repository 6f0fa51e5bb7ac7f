package models

import "time"

// ClosedTrade — плоская запись закрытой позиции для журнала и уведомлений.
// Без живых ссылок, сериализуется как есть.
type ClosedTrade struct {
	PositionID      string    `json:"position_id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	EntryPrice      float64   `json:"entry_price"`
	ExitPrice       float64   `json:"exit_price"`
	Size            float64   `json:"size"`
	RealizedPnL     float64   `json:"realized_pnl"`
	PnLPct          float64   `json:"pnl_pct"`
	Strategy        string    `json:"strategy_name"`
	ConfidenceScore float64   `json:"confidence_score"`
	DurationSec     float64   `json:"duration_seconds"`
	CloseReason     string    `json:"close_reason"`
	EntryOrderID    string    `json:"entry_order_id"`
	EntryTime       time.Time `json:"timestamp_entry"`
	ClosedAt        time.Time `json:"timestamp_close"`
}
