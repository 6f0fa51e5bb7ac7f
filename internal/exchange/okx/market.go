package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quantbot/internal/exchange"
	"quantbot/internal/models"
)

func (c *Client) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	params := url.Values{}
	params.Set("instId", symbol)

	var resp okxResponse[struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		TS     string `json:"ts"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v5/market/ticker", params, nil, false, &resp); err != nil {
		return models.Ticker{}, err
	}
	if len(resp.Data) == 0 {
		return models.Ticker{}, fmt.Errorf("Пустой ответ тикера: %s", symbol)
	}

	item := resp.Data[0]
	last, _ := strconv.ParseFloat(item.Last, 64)
	tsMs, _ := strconv.ParseInt(item.TS, 10, 64)

	return models.Ticker{
		Symbol:    item.InstID,
		LastPrice: last,
		Timestamp: time.UnixMilli(tsMs),
	}, nil
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	params := url.Values{}
	params.Set("instType", "SPOT")
	params.Set("instId", symbol)

	var resp okxResponse[struct {
		InstID   string `json:"instId"`
		BaseCcy  string `json:"baseCcy"`
		QuoteCcy string `json:"quoteCcy"`
		TickSz   string `json:"tickSz"`
		LotSz    string `json:"lotSz"`
		MinSz    string `json:"minSz"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v5/public/instruments", params, nil, false, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}
	if len(resp.Data) == 0 {
		return exchange.InstrumentRules{}, fmt.Errorf("Инструмент не найден: %s", symbol)
	}

	item := resp.Data[0]
	tick, _ := strconv.ParseFloat(item.TickSz, 64)
	lot, _ := strconv.ParseFloat(item.LotSz, 64)
	minQty, _ := strconv.ParseFloat(item.MinSz, 64)

	return exchange.InstrumentRules{
		TickSize:  tick,
		LotSize:   lot,
		MinQty:    minQty,
		BaseCoin:  item.BaseCcy,
		QuoteCoin: item.QuoteCcy,
	}, nil
}

func parseOrderStatus(raw string) models.OrderStatus {
	switch strings.ToLower(raw) {
	case "live":
		return models.OrderStatusLive
	case "partially_filled":
		return models.OrderStatusPartiallyFilled
	case "filled":
		return models.OrderStatusFilled
	case "canceled", "cancelled", "mmp_canceled":
		return models.OrderStatusCanceled
	default:
		return models.OrderStatus(raw)
	}
}
