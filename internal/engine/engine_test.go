package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"quantbot/internal/config"
	"quantbot/internal/exchange"
	"quantbot/internal/logger"
	"quantbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient — биржа в памяти. Маркет-ордера исполняются сразу по текущей
// цене, лимитные — по флагу fillLimits. Балансы двигаются на исполнении.
type fakeClient struct {
	mu sync.Mutex

	rules exchange.InstrumentRules

	quote float64
	base  float64
	price float64

	fillLimits bool
	placeErr   func(models.Order) error

	nextID     int
	orders     map[string]*models.Order
	placed     []models.Order
	tickerReqs int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		rules: exchange.InstrumentRules{
			TickSize:  0.01,
			LotSize:   0.1,
			MinQty:    0.1,
			BaseCoin:  "SOL",
			QuoteCoin: "USDT",
		},
		quote:  1000,
		price:  100,
		orders: map[string]*models.Order{},
	}
}

func (f *fakeClient) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	return f.rules, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.placeErr != nil {
		if err := f.placeErr(order); err != nil {
			return models.Order{}, err
		}
	}

	f.nextID++
	order.ID = fmt.Sprintf("ord%d", f.nextID)
	order.Status = models.OrderStatusLive

	stored := order
	f.orders[order.ID] = &stored
	f.placed = append(f.placed, order)

	// Лимитные продажи (TP) висят в стакане: цена до них не дошла.
	if order.Type == models.OrderTypeMarket ||
		(f.fillLimits && order.Side == models.OrderSideBuy) {
		f.fillLocked(&stored)
	}
	return order, nil
}

func (f *fakeClient) fillLocked(o *models.Order) {
	price := o.Price
	if o.Type == models.OrderTypeMarket || price <= 0 {
		price = f.price
	}
	o.Status = models.OrderStatusFilled
	o.FilledQty = o.Qty
	o.AvgFillPrice = price

	if o.Side == models.OrderSideBuy {
		f.base += o.Qty
		f.quote -= o.Qty * price
	} else {
		f.base -= o.Qty
		f.quote += o.Qty * price
	}
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("Ордер не найден (code=51603)")
	}
	if o.Status == models.OrderStatusFilled {
		return fmt.Errorf("Ордер уже исполнен (code=51402)")
	}
	o.Status = models.OrderStatusCanceled
	return nil
}

func (f *fakeClient) GetOrder(ctx context.Context, symbol, orderID string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	o, ok := f.orders[orderID]
	if !ok {
		return models.Order{}, fmt.Errorf("Ордер не найден (code=51603)")
	}
	return *o, nil
}

func (f *fakeClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var open []models.Order
	for _, o := range f.orders {
		if o.Status == models.OrderStatusLive {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (f *fakeClient) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickerReqs++
	return models.Ticker{Symbol: symbol, LastPrice: f.price, Timestamp: time.Now()}, nil
}

func (f *fakeClient) GetCurrencyBalance(ctx context.Context, ccy string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ccy == f.rules.BaseCoin {
		return f.base, nil
	}
	return f.quote, nil
}

func (f *fakeClient) GetTradingBalance(ctx context.Context, ccy string) (float64, error) {
	return f.GetCurrencyBalance(ctx, ccy)
}

func (f *fakeClient) SubscribeTickers(ctx context.Context, symbol string) (<-chan models.Ticker, error) {
	return nil, fmt.Errorf("WS недоступен в тестах")
}

func (f *fakeClient) setPrice(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakeClient) tickerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickerReqs
}

// fillOrder исполняет висящий в стакане ордер, как будто цена дошла до него.
func (f *fakeClient) fillOrder(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok && o.Status == models.OrderStatusLive {
		f.fillLocked(o)
	}
}

func (f *fakeClient) placedWithSuffix(suffix string) []models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.placed {
		if strings.HasSuffix(o.LinkID, suffix) {
			out = append(out, o)
		}
	}
	return out
}

type memJournal struct {
	mu     sync.Mutex
	trades []models.ClosedTrade
}

func (m *memJournal) LogTrade(trade models.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memJournal) all() []models.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ClosedTrade, len(m.trades))
	copy(out, m.trades)
	return out
}

type memNotifier struct {
	mu      sync.Mutex
	entries int
	exits   []ExitKind
	stops   int
	closed  []models.ClosedTrade
}

func (m *memNotifier) TradeEntry(ctx context.Context, pos PositionSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries++
}

func (m *memNotifier) ExitFill(ctx context.Context, pos PositionSummary, kind ExitKind, fillPrice, pnl, remaining float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, kind)
}

func (m *memNotifier) StopLoss(ctx context.Context, pos PositionSummary, fillPrice, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *memNotifier) PositionClosed(ctx context.Context, trade models.ClosedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, trade)
}

func testConfig() *config.Config {
	return &config.Config{
		Bot: config.BotConfig{
			Symbol:         "SOL-USDT",
			BaseCoin:       "SOL",
			QuoteCoin:      "USDT",
			BalanceReserve: 0.05,
			TP1Split:       0.5,
			LimitEntry: config.LimitEntryConfig{
				Enabled:        true,
				Improvement:    0.001,
				Timeout:        60 * time.Millisecond,
				PollInterval:   10 * time.Millisecond,
				MarketFallback: true,
			},
		},
		Monitor: config.MonitorConfig{
			// Фоновый монитор в тестах спит, тики дёргаем напрямую.
			Interval:          time.Hour,
			TickerMaxAge:      10 * time.Second,
			FundingExitBuffer: 30 * time.Minute,
			DefaultMaxHold:    9 * time.Hour,
		},
		Sanitizer: config.SanitizerConfig{
			DustThreshold:   0.001,
			SettleDelay:     0,
			MinQuoteBalance: 1,
		},
	}
}

func newTestEngine(fc *fakeClient, j Journal, n Notifier) *Engine {
	log := logger.New(logger.Config{Level: "fatal"})
	e := New(testConfig(), fc, log, j, n)
	e.rules = fc.rules
	e.retryDelay = time.Millisecond
	e.rateLimitDelay = time.Millisecond
	e.claimRetryDelay = time.Millisecond
	return e
}

func testIntent() models.TradeIntent {
	return models.TradeIntent{
		Direction:   models.DirectionLong,
		EntryPrice:  100,
		StopLoss:    98.5,
		TakeProfit1: 103.5,
		TakeProfit2: 107,
		Strategy:    "breakout",
	}
}

func TestExecuteTradeLimitEntry(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	e := newTestEngine(fc, nil, nil)

	pos, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)

	assert.Equal(t, StateActive, pos.State)
	assert.InDelta(t, 9.5, pos.FilledSize, 1e-9)
	assert.InDelta(t, 99.9, pos.EntryPrice, 1e-9, "цена входа — фактический филл улучшенной лимитки")

	assert.Equal(t, models.OrderTypeLimit, fc.placed[0].Type)
	assert.Equal(t, models.OrderSideBuy, fc.placed[0].Side)

	assert.True(t, pos.Stop.IsVirtual(), "стоп на споте всегда виртуальный")
	assert.True(t, strings.HasPrefix(pos.Stop.OrderID, "VIRTUAL-"))
	assert.Equal(t, PlacementReal, pos.TP1.Placement)
	assert.Equal(t, PlacementReal, pos.TP2.Placement)

	tp1, tp2 := pos.TP1.Size, pos.TP2.Size
	assert.InDelta(t, pos.FilledSize, tp1+tp2, 1e-9)
	assert.InDelta(t, 4.7, tp1, 1e-9)
	assert.InDelta(t, 4.8, tp2, 1e-9)

	require.NotNil(t, e.CurrentPosition())
}

func TestExecuteTradeMarketFallback(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = false
	e := newTestEngine(fc, nil, nil)

	pos, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(fc.placed), 2)
	assert.Equal(t, models.OrderTypeLimit, fc.placed[0].Type)
	assert.Equal(t, models.OrderTypeMarket, fc.placed[1].Type)

	// Позиция помнит исполненный маркет, а не отменённую лимитку.
	assert.Equal(t, fc.placed[1].ID, pos.EntryOrderID)
	marketOrder, err := fc.GetOrder(context.Background(), pos.Symbol, pos.EntryOrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, marketOrder.Status)

	limitOrder, err := fc.GetOrder(context.Background(), pos.Symbol, fc.placed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, limitOrder.Status)

	assert.Equal(t, StateActive, pos.State)
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
}

func TestExecuteTradeNoFallbackFails(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = false
	e := newTestEngine(fc, nil, nil)
	e.cfg.Bot.LimitEntry.MarketFallback = false

	_, err := e.ExecuteTrade(context.Background(), testIntent())
	require.Error(t, err)
	assert.Nil(t, e.CurrentPosition(), "слот освобождён после неудачи")
}

func TestExecuteTradeInsufficientBalance(t *testing.T) {
	fc := newFakeClient()
	fc.quote = 0.5
	e := newTestEngine(fc, nil, nil)

	_, err := e.ExecuteTrade(context.Background(), testIntent())
	require.Error(t, err)
	assert.Nil(t, e.CurrentPosition())
	assert.Empty(t, fc.placed, "ни один ордер не размещён")
}

func TestValidateIntent(t *testing.T) {
	e := newTestEngine(newFakeClient(), nil, nil)

	_, err := e.ExecuteTrade(context.Background(), models.TradeIntent{
		Direction: "sideways", EntryPrice: 100, StopLoss: 98,
	})
	require.Error(t, err)

	_, err = e.ExecuteTrade(context.Background(), models.TradeIntent{
		Direction: models.DirectionLong, EntryPrice: 100, StopLoss: 101,
	})
	require.Error(t, err, "стоп лонга выше входа")

	_, err = e.ExecuteTrade(context.Background(), models.TradeIntent{
		Direction: models.DirectionShort, EntryPrice: 100, StopLoss: 98,
	})
	require.Error(t, err, "стоп шорта ниже входа")
}

func TestSingleOpenPosition(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	e := newTestEngine(fc, nil, nil)

	_, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)

	_, err = e.ExecuteTrade(context.Background(), testIntent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "уже открыта")
}

func TestSingleOpenPositionConcurrent(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	e := newTestEngine(fc, nil, nil)

	const workers = 8
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ExecuteTrade(context.Background(), testIntent()); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes, "слот позиции достаётся ровно одному")
}

// openVirtual открывает позицию, у которой оба TP деградированы до
// виртуальных: лимитные продажи отклоняются фейковой биржей.
func openVirtual(t *testing.T, fc *fakeClient, j Journal, n Notifier) (*Engine, *Position) {
	t.Helper()

	fc.fillLimits = true
	fc.placeErr = func(o models.Order) error {
		if o.Side == models.OrderSideSell && o.Type == models.OrderTypeLimit {
			return fmt.Errorf("Лимитные продажи запрещены.")
		}
		return nil
	}

	e := newTestEngine(fc, j, n)
	pos, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)
	require.True(t, pos.TP1.IsVirtual())
	require.True(t, pos.TP2.IsVirtual())
	require.Equal(t, StateActive, pos.State)

	fc.placeErr = nil
	return e, pos
}

func TestVirtualTPDegradation(t *testing.T) {
	fc := newFakeClient()
	_, pos := openVirtual(t, fc, nil, nil)

	assert.True(t, strings.HasPrefix(pos.TP1.OrderID, "VIRTUAL-TP1-"))
	assert.True(t, strings.HasPrefix(pos.TP2.OrderID, "VIRTUAL-TP2-"))
}

func TestVirtualTPFlow(t *testing.T) {
	fc := newFakeClient()
	j := &memJournal{}
	n := &memNotifier{}
	e, pos := openVirtual(t, fc, j, n)
	ctx := context.Background()

	// Цена дошла до TP1: продана половина, позиция живёт дальше.
	fc.setPrice(103.5)
	require.NoError(t, e.checkPosition(ctx, pos))

	assert.Equal(t, StateTP1Filled, pos.State)
	assert.True(t, pos.TP1.Filled)
	assert.False(t, pos.TP2.Filled)
	expectedTP1 := CalcPnL(pos.Direction, pos.EntryPrice, 103.5, pos.TP1.Size)
	assert.InDelta(t, expectedTP1, pos.RealizedPnL, 1e-9)
	require.Len(t, fc.placedWithSuffix("tp1v"), 1)

	// Цена дошла до TP2: позиция закрыта полностью.
	fc.setPrice(107)
	require.NoError(t, e.checkPosition(ctx, pos))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonTP2, pos.CloseReason)
	assert.True(t, pos.TP2.Filled)
	require.Len(t, fc.placedWithSuffix("tp2v"), 1)
	assert.Nil(t, e.CurrentPosition())

	trades := j.all()
	require.Len(t, trades, 1)
	assert.Equal(t, string(CloseReasonTP2), trades[0].CloseReason)
	assert.InDelta(t, 107.0, trades[0].ExitPrice, 1e-9)
	expectedTotal := expectedTP1 + CalcPnL(pos.Direction, pos.EntryPrice, 107, pos.TP2.Size)
	assert.InDelta(t, expectedTotal, trades[0].RealizedPnL, 1e-9)

	assert.Equal(t, []ExitKind{ExitTP1, ExitTP2}, n.exits)
	require.Len(t, n.closed, 1)
}

func TestMonitorPollsFreshTicker(t *testing.T) {
	fc := newFakeClient()
	e, pos := openVirtual(t, fc, nil, nil)
	ctx := context.Background()

	fc.setPrice(100.5)
	require.NoError(t, e.checkPosition(ctx, pos))
	fc.setPrice(101.2)
	require.NoError(t, e.checkPosition(ctx, pos))

	// Без WS потока каждый тик ходит в REST за свежей ценой. REST ответ
	// не оседает в кэше тикера: его наполняет только подписка.
	assert.Equal(t, 2, fc.tickerCalls())
	e.mu.Lock()
	assert.Zero(t, e.lastTicker.LastPrice)
	e.mu.Unlock()
}

func TestTP2WaitsForTP1(t *testing.T) {
	fc := newFakeClient()
	e, pos := openVirtual(t, fc, nil, nil)

	// Уровни искусственно перевёрнуты: TP2 достижим, TP1 нет.
	e.mu.Lock()
	pos.TP1.Price = 110
	pos.TP2.Price = 103
	e.mu.Unlock()

	fc.setPrice(104)
	require.NoError(t, e.checkPosition(context.Background(), pos))

	assert.False(t, pos.TP1.Filled)
	assert.False(t, pos.TP2.Filled, "TP2 не исполняется раньше TP1")
	assert.Equal(t, StateActive, pos.State)
}

func TestGapThroughBothTPs(t *testing.T) {
	fc := newFakeClient()
	e, pos := openVirtual(t, fc, nil, nil)

	// Гэп сразу за TP2: оба уровня исполняются в одном тике, по порядку.
	fc.setPrice(107.2)
	require.NoError(t, e.checkPosition(context.Background(), pos))

	assert.True(t, pos.TP1.Filled)
	assert.True(t, pos.TP2.Filled)
	assert.Equal(t, StateClosed, pos.State)

	sells := fc.placedWithSuffix("v")
	require.Len(t, sells, 2)
	assert.True(t, strings.HasSuffix(sells[0].LinkID, "tp1v"))
	assert.True(t, strings.HasSuffix(sells[1].LinkID, "tp2v"))
}

func TestRealTPFillFlow(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	j := &memJournal{}
	n := &memNotifier{}
	e := newTestEngine(fc, j, n)
	ctx := context.Background()

	pos, err := e.ExecuteTrade(ctx, testIntent())
	require.NoError(t, err)
	require.Equal(t, PlacementReal, pos.TP1.Placement)
	require.Equal(t, PlacementReal, pos.TP2.Placement)
	ordersBefore := len(fc.placed)

	// Биржа исполнила лежащую в стакане TP1 лимитку.
	fc.fillOrder(pos.TP1.OrderID)
	require.NoError(t, e.checkPosition(ctx, pos))

	assert.Equal(t, StateTP1Filled, pos.State)
	assert.True(t, pos.TP1.Filled)
	assert.False(t, pos.TP2.Filled)
	expectedTP1 := CalcPnL(pos.Direction, pos.EntryPrice, 103.5, pos.TP1.Size)
	assert.InDelta(t, expectedTP1, pos.RealizedPnL, 1e-9)

	fc.fillOrder(pos.TP2.OrderID)
	require.NoError(t, e.checkPosition(ctx, pos))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonTP2, pos.CloseReason)
	assert.True(t, pos.TP2.Filled)
	assert.Nil(t, e.CurrentPosition())

	// Исполнение сделала сама биржа, новых продаж движок не выставляет.
	assert.Equal(t, ordersBefore, len(fc.placed))
	assert.Empty(t, fc.placedWithSuffix("tp1v"))
	assert.Empty(t, fc.placedWithSuffix("tp2v"))
	assert.Empty(t, fc.placedWithSuffix("liq"))

	trades := j.all()
	require.Len(t, trades, 1)
	assert.Equal(t, string(CloseReasonTP2), trades[0].CloseReason)
	assert.InDelta(t, 107.0, trades[0].ExitPrice, 1e-9)
	expectedTotal := expectedTP1 + CalcPnL(pos.Direction, pos.EntryPrice, 107, pos.TP2.Size)
	assert.InDelta(t, expectedTotal, trades[0].RealizedPnL, 1e-9)
	assert.Equal(t, []ExitKind{ExitTP1, ExitTP2}, n.exits)
}

func TestStopLoss(t *testing.T) {
	fc := newFakeClient()
	j := &memJournal{}
	n := &memNotifier{}
	e, pos := openVirtual(t, fc, j, n)

	fc.setPrice(98.0)
	require.NoError(t, e.checkPosition(context.Background(), pos))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonStopLoss, pos.CloseReason)
	assert.True(t, pos.Stop.Filled)
	assert.Nil(t, e.CurrentPosition())

	expected := CalcPnL(pos.Direction, pos.EntryPrice, 98.0, pos.FilledSize)
	assert.InDelta(t, expected, pos.RealizedPnL, 1e-6)

	trades := j.all()
	require.Len(t, trades, 1)
	assert.Equal(t, string(CloseReasonStopLoss), trades[0].CloseReason)
	assert.InDelta(t, 98.0, trades[0].ExitPrice, 1e-9)
	assert.Equal(t, 1, n.stops)
}

func TestStopHasPriorityOverTP(t *testing.T) {
	fc := newFakeClient()
	e, pos := openVirtual(t, fc, nil, nil)

	// Вырожденная позиция: TP1 ниже стопа. Цена пробивает оба уровня,
	// но защита капитала срабатывает первой.
	e.mu.Lock()
	pos.TP1.Price = 98.0
	e.mu.Unlock()

	fc.setPrice(97.5)
	require.NoError(t, e.checkPosition(context.Background(), pos))

	assert.Equal(t, CloseReasonStopLoss, pos.CloseReason)
	assert.False(t, pos.TP1.Filled)
	assert.Empty(t, fc.placedWithSuffix("tp1v"))
}

func TestMaxHoldExit(t *testing.T) {
	fc := newFakeClient()
	j := &memJournal{}
	e, pos := openVirtual(t, fc, j, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.mu.Lock()
	pos.EntryTime = base
	pos.MaxHold = 2 * time.Hour
	e.mu.Unlock()
	e.now = func() time.Time { return base.Add(3 * time.Hour) }

	require.NoError(t, e.checkPosition(context.Background(), pos))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonMaxHold, pos.CloseReason)

	trades := j.all()
	require.Len(t, trades, 1)
	assert.Equal(t, string(CloseReasonMaxHold), trades[0].CloseReason)
}

func TestFundingExit(t *testing.T) {
	fc := newFakeClient()
	e, pos := openVirtual(t, fc, nil, nil)

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	e.mu.Lock()
	pos.EntryTime = base
	pos.MaxHold = 9 * time.Hour
	pos.ExitAfterFunding = true
	pos.FundingTime = base.Add(time.Hour)
	e.mu.Unlock()

	// До фандинга с буфером позиция держится.
	e.now = func() time.Time { return base.Add(80 * time.Minute) }
	require.NoError(t, e.checkPosition(context.Background(), pos))
	assert.Equal(t, StateActive, pos.State)

	// Фандинг собран, буфер прошёл.
	e.now = func() time.Time { return base.Add(95 * time.Minute) }
	require.NoError(t, e.checkPosition(context.Background(), pos))
	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonFunding, pos.CloseReason)
}

func TestManualClose(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	j := &memJournal{}
	e := newTestEngine(fc, j, nil)
	ctx := context.Background()

	pos, err := e.ExecuteTrade(ctx, testIntent())
	require.NoError(t, err)
	require.Equal(t, PlacementReal, pos.TP1.Placement)

	require.NoError(t, e.ClosePositionNow(ctx, ""))

	assert.Equal(t, StateClosed, pos.State)
	assert.Equal(t, CloseReasonManual, pos.CloseReason)
	assert.Nil(t, e.CurrentPosition())
	require.Len(t, fc.placedWithSuffix("liq"), 1)

	// Реальные TP сняты при ликвидации.
	tp1, err := fc.GetOrder(ctx, pos.Symbol, pos.TP1.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, tp1.Status)

	// Повторное закрытие — no-op.
	require.NoError(t, e.ClosePositionNow(ctx, ""))
	assert.Len(t, j.all(), 1)
	assert.Len(t, fc.placedWithSuffix("liq"), 1)
}

func TestManualCloseWithoutPosition(t *testing.T) {
	e := newTestEngine(newFakeClient(), nil, nil)
	require.NoError(t, e.ClosePositionNow(context.Background(), ""))
}

func TestManualCloseForcesTerminalOnError(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	e := newTestEngine(fc, nil, nil)
	ctx := context.Background()

	pos, err := e.ExecuteTrade(ctx, testIntent())
	require.NoError(t, err)

	fc.mu.Lock()
	fc.placeErr = func(o models.Order) error {
		if o.Side == models.OrderSideSell && o.Type == models.OrderTypeMarket {
			return fmt.Errorf("Биржа недоступна.")
		}
		return nil
	}
	fc.mu.Unlock()

	err = e.ClosePositionNow(ctx, "")
	require.Error(t, err, "ошибка ликвидации возвращается вызывающему")

	// Но позиция всё равно терминальна и слот свободен.
	assert.Equal(t, StateClosed, pos.State)
	assert.Nil(t, e.CurrentPosition())
}

func TestManualCloseBlockedByClaim(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	e := newTestEngine(fc, nil, nil)
	ctx := context.Background()

	pos, err := e.ExecuteTrade(ctx, testIntent())
	require.NoError(t, err)

	// Другой актор держит захват ликвидации дольше, чем мы готовы ждать.
	require.True(t, e.claimLiquidation(pos))

	err = e.ClosePositionNow(ctx, "")
	require.Error(t, err, "закрытие не произошло — молчать нельзя")
	assert.Equal(t, StateActive, pos.State)
	require.NotNil(t, e.CurrentPosition(), "позиция не потеряна")

	// Захват освобождён — закрытие проходит.
	e.releaseLiquidation(pos)
	require.NoError(t, e.ClosePositionNow(ctx, ""))
	assert.Equal(t, StateClosed, pos.State)
	assert.Nil(t, e.CurrentPosition())
}

func TestPlaceOrderIdempotentDuplicate(t *testing.T) {
	fc := newFakeClient()
	e := newTestEngine(fc, nil, nil)

	existing := models.Order{
		ID:     "ord-dup",
		Symbol: "SOL-USDT",
		Side:   models.OrderSideBuy,
		Type:   models.OrderTypeLimit,
		Price:  99.9,
		Qty:    9.5,
		LinkID: "abc123lim",
		Status: models.OrderStatusLive,
	}
	fc.orders[existing.ID] = &existing
	fc.placeErr = func(o models.Order) error {
		return fmt.Errorf("Ордер отклонён: Duplicated clOrdId (code=51016)")
	}

	// Повторная постановка с тем же clOrdId находит уже живой ордер.
	got, err := e.placeOrderIdempotent(context.Background(), models.Order{
		Symbol: "SOL-USDT",
		Side:   models.OrderSideBuy,
		Type:   models.OrderTypeLimit,
		Price:  99.9,
		Qty:    9.5,
		LinkID: "abc123lim",
	})
	require.NoError(t, err)
	assert.Equal(t, "ord-dup", got.ID)
}

func TestSanitizerCleansAccount(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	fc.base = 2.0

	stale := models.Order{
		ID:     "stale1",
		Symbol: "SOL-USDT",
		Side:   models.OrderSideSell,
		Type:   models.OrderTypeLimit,
		Price:  120,
		Qty:    1,
		Status: models.OrderStatusLive,
	}
	fc.orders[stale.ID] = &stale

	e := newTestEngine(fc, nil, nil)
	_, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCanceled, fc.orders["stale1"].Status, "зависший ордер снят")
	require.Len(t, fc.placedWithSuffix("san"), 1, "остаток базовой монеты продан")
	assert.InDelta(t, 2.0, fc.placedWithSuffix("san")[0].Qty, 1e-9)
}

func TestSanitizerSkipsDust(t *testing.T) {
	fc := newFakeClient()
	fc.fillLimits = true
	fc.base = 0.0005

	e := newTestEngine(fc, nil, nil)
	_, err := e.ExecuteTrade(context.Background(), testIntent())
	require.NoError(t, err)

	assert.Empty(t, fc.placedWithSuffix("san"), "пыль не продаётся")
}

func TestStatistics(t *testing.T) {
	e := newTestEngine(newFakeClient(), nil, nil)
	e.history = []models.ClosedTrade{
		{RealizedPnL: 20},
		{RealizedPnL: -10},
		{RealizedPnL: 5},
		{RealizedPnL: 0},
	}

	stats := e.Statistics()
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 50.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 15.0, stats.TotalPnL, 1e-9)
	assert.InDelta(t, 12.5, stats.AvgWin, 1e-9)
	assert.InDelta(t, -10.0, stats.AvgLoss, 1e-9)
	assert.InDelta(t, 20.0, stats.LargestWin, 1e-9)
	assert.InDelta(t, -10.0, stats.LargestLoss, 1e-9)
}
