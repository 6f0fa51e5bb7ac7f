package exchange

import (
	"context"

	"quantbot/internal/models"
)

type InstrumentRules struct {
	TickSize  float64
	LotSize   float64
	MinQty    float64
	BaseCoin  string
	QuoteCoin string
}

// Client — шлюз биржи. Любая ошибка трактуется движком как "операция не
// произошла": состояние перепроверяется, успех не предполагается.
type Client interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetCurrencyBalance(ctx context.Context, ccy string) (float64, error)
	GetTradingBalance(ctx context.Context, ccy string) (float64, error)
	SubscribeTickers(ctx context.Context, symbol string) (<-chan models.Ticker, error)
}
