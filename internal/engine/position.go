package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"quantbot/internal/models"

	"github.com/google/uuid"
)

type State string

const (
	StatePending     State = "pending"
	StateEntryPlaced State = "entry_placed"
	StateEntryFilled State = "entry_filled"
	StateActive      State = "active"
	StateTP1Filled   State = "tp1_filled"
	StateTP2Filled   State = "tp2_filled"
	StateStoppedOut  State = "stopped_out"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Граф переходов жизненного цикла: только вперёд, возвратов нет.
// FAILED достижим из любого состояния до ACTIVE.
var stateTransitions = map[State][]State{
	StatePending:     {StateEntryPlaced, StateFailed},
	StateEntryPlaced: {StateEntryFilled, StateFailed},
	StateEntryFilled: {StateActive, StateClosed, StateFailed},
	StateActive:      {StateTP1Filled, StateStoppedOut, StateClosed},
	StateTP1Filled:   {StateTP2Filled, StateStoppedOut, StateClosed},
	StateTP2Filled:   {StateClosed},
	StateStoppedOut:  {StateClosed},
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

func (s State) CanTransition(to State) bool {
	for _, next := range stateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type CloseReason string

const (
	CloseReasonTP1      CloseReason = "tp1"
	CloseReasonTP2      CloseReason = "tp2"
	CloseReasonStopLoss CloseReason = "sl"
	CloseReasonMaxHold  CloseReason = "max_hold_time"
	CloseReasonFunding  CloseReason = "funding_collected"
	CloseReasonManual   CloseReason = "manual"
)

type ExitKind string

const (
	ExitStop ExitKind = "sl"
	ExitTP1  ExitKind = "tp1"
	ExitTP2  ExitKind = "tp2"
)

type Placement string

const (
	PlacementPending Placement = "pending"
	PlacementReal    Placement = "real"
	PlacementVirtual Placement = "virtual"
)

// ExitOrder — выходной ордер позиции. Placement различает реальный ордер на
// бирже и виртуальный, исполняемый монитором. Виртуальный статус необратим.
type ExitOrder struct {
	Kind      ExitKind  `json:"kind"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Placement Placement `json:"placement"`
	OrderID   string    `json:"order_id"`
	Filled    bool      `json:"filled"`
	FillPrice float64   `json:"fill_price"`
	FillTime  time.Time `json:"fill_time"`
}

func (x *ExitOrder) IsVirtual() bool {
	return x.Placement == PlacementVirtual
}

func (x *ExitOrder) markVirtual(orderID string) {
	if x.Placement == PlacementVirtual {
		return
	}
	x.Placement = PlacementVirtual
	x.OrderID = orderID
}

func (x *ExitOrder) markReal(orderID string) error {
	if x.Placement == PlacementVirtual {
		return fmt.Errorf("Виртуальный выход не может стать реальным: %s", x.Kind)
	}
	x.Placement = PlacementReal
	x.OrderID = orderID
	return nil
}

// Position — единственная изменяемая сущность движка на время одной сделки.
// Все мутации после старта мониторинга идут под мьютексом движка.
type Position struct {
	ID        string
	Symbol    string
	Direction models.Direction

	EntryPrice    float64
	RequestedSize float64
	FilledSize    float64
	EntryOrderID  string
	EntryTime     time.Time

	Stop ExitOrder
	TP1  ExitOrder
	TP2  ExitOrder

	Strategy        string
	StrategyType    string
	ConfidenceScore float64

	ExitAfterFunding bool
	MaxHold          time.Duration
	FundingTime      time.Time

	State       State
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason CloseReason

	RealizedPnL   float64
	UnrealizedPnL float64

	shortID string
	// closing — ликвидация захвачена одним актором (тик монитора или
	// ручное закрытие); второй не трогает остаток.
	closing     bool
	monitorStop chan struct{}
	monitorDone chan struct{}
	stopOnce    sync.Once
}

func newPosition(symbol string, intent models.TradeIntent, now time.Time, defaultMaxHold time.Duration) *Position {
	shortID := newShortID()
	tp1Price, tp2Price := ResolveTPPrices(intent)

	maxHold := intent.MaxHoldDuration
	if maxHold == 0 && intent.ExitAfterFunding {
		maxHold = defaultMaxHold
	}

	return &Position{
		ID:        "pos-" + shortID,
		Symbol:    symbol,
		Direction: intent.Direction,

		EntryPrice: intent.EntryPrice,

		Stop: ExitOrder{Kind: ExitStop, Price: intent.StopLoss, Placement: PlacementPending},
		TP1:  ExitOrder{Kind: ExitTP1, Price: tp1Price, Placement: PlacementPending},
		TP2:  ExitOrder{Kind: ExitTP2, Price: tp2Price, Placement: PlacementPending},

		Strategy:        intent.Strategy,
		StrategyType:    intent.StrategyType,
		ConfidenceScore: intent.ConfidenceScore,

		ExitAfterFunding: intent.ExitAfterFunding,
		MaxHold:          maxHold,
		FundingTime:      intent.ExpectedFundingTime,

		State:    StatePending,
		OpenedAt: now,
		shortID:  shortID,
	}
}

func newShortID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 12 {
		return raw[:12]
	}
	return raw
}

// linkID формирует клиентский id ордера: только буквы и цифры, требование
// биржи к clOrdId.
func (p *Position) linkID(suffix string) string {
	return p.shortID + suffix
}

func (p *Position) transition(to State) error {
	if !p.State.CanTransition(to) {
		return fmt.Errorf("Недопустимый переход состояния: %s -> %s", p.State, to)
	}
	p.State = to
	return nil
}

func (p *Position) exit(kind ExitKind) *ExitOrder {
	switch kind {
	case ExitStop:
		return &p.Stop
	case ExitTP1:
		return &p.TP1
	default:
		return &p.TP2
	}
}

func (p *Position) remainingSize() float64 {
	remaining := p.FilledSize
	if p.TP1.Filled {
		remaining -= p.TP1.Size
	}
	if p.TP2.Filled {
		remaining -= p.TP2.Size
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (p *Position) stopMonitor() {
	p.stopOnce.Do(func() {
		if p.monitorStop != nil {
			close(p.monitorStop)
		}
	})
}

// PositionSummary — плоский снимок позиции для уведомлений и внешних опросов.
type PositionSummary struct {
	ID            string           `json:"position_id"`
	Symbol        string           `json:"symbol"`
	Direction     models.Direction `json:"direction"`
	State         State            `json:"state"`
	EntryPrice    float64          `json:"entry_price"`
	Size          float64          `json:"size"`
	StopPrice     float64          `json:"stop_price"`
	TP1Price      float64          `json:"tp1_price"`
	TP2Price      float64          `json:"tp2_price"`
	TP1Filled     bool             `json:"tp1_filled"`
	TP2Filled     bool             `json:"tp2_filled"`
	RealizedPnL   float64          `json:"realized_pnl"`
	UnrealizedPnL float64          `json:"unrealized_pnl"`
	Strategy      string           `json:"strategy_name"`
	CloseReason   CloseReason      `json:"close_reason"`
}

func (p *Position) summary() PositionSummary {
	return PositionSummary{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		State:         p.State,
		EntryPrice:    p.EntryPrice,
		Size:          p.FilledSize,
		StopPrice:     p.Stop.Price,
		TP1Price:      p.TP1.Price,
		TP2Price:      p.TP2.Price,
		TP1Filled:     p.TP1.Filled,
		TP2Filled:     p.TP2.Filled,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		Strategy:      p.Strategy,
		CloseReason:   p.CloseReason,
	}
}
