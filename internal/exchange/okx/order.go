package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"quantbot/internal/models"
)

func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	body := map[string]any{
		"instId":  order.Symbol,
		"tdMode":  "cash",
		"side":    string(order.Side),
		"ordType": string(order.Type),
		"sz":      formatWithStep(order.Qty, order.QtyStep),
	}
	if order.Type == models.OrderTypeLimit {
		body["px"] = formatWithStep(order.Price, order.PriceStep)
	}
	if order.Type == models.OrderTypeMarket {
		// Для market всегда торгуем в базовой валюте, не в котируемой.
		body["tgtCcy"] = "base_ccy"
	}
	if order.LinkID != "" {
		body["clOrdId"] = order.LinkID
	}

	var resp okxResponse[struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true, &resp); err != nil {
		// Код конверта у trade-эндпоинтов общий ("1"), настоящая причина
		// отказа лежит в sCode элемента.
		if len(resp.Data) > 0 {
			if item := resp.Data[0]; item.SCode != "" && item.SCode != "0" {
				return models.Order{}, fmt.Errorf("Ордер отклонён: %s (code=%s)", item.SMsg, item.SCode)
			}
		}
		return models.Order{}, err
	}
	if len(resp.Data) == 0 {
		return models.Order{}, fmt.Errorf("Пустой ответ постановки ордера.")
	}
	if item := resp.Data[0]; item.SCode != "" && item.SCode != "0" {
		return models.Order{}, fmt.Errorf("Ордер отклонён: %s (code=%s)", item.SMsg, item.SCode)
	}

	order.ID = resp.Data[0].OrdID
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"instId": symbol,
		"ordId":  orderID,
	}

	var resp okxResponse[struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true, &resp); err != nil {
		if len(resp.Data) > 0 {
			if item := resp.Data[0]; item.SCode != "" && item.SCode != "0" {
				return fmt.Errorf("Отмена отклонена: %s (code=%s)", item.SMsg, item.SCode)
			}
		}
		return err
	}
	if len(resp.Data) > 0 {
		if item := resp.Data[0]; item.SCode != "" && item.SCode != "0" {
			return fmt.Errorf("Отмена отклонена: %s (code=%s)", item.SMsg, item.SCode)
		}
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (models.Order, error) {
	params := url.Values{}
	params.Set("instId", symbol)
	params.Set("ordId", orderID)

	var resp okxResponse[rawOrder]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v5/trade/order", params, nil, true, &resp); err != nil {
		return models.Order{}, err
	}
	if len(resp.Data) == 0 {
		return models.Order{}, fmt.Errorf("Ордер не найден: %s", orderID)
	}

	return resp.Data[0].toOrder(symbol), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("instType", "SPOT")
	params.Set("instId", symbol)

	var resp okxResponse[rawOrder]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v5/trade/orders-pending", params, nil, true, &resp); err != nil {
		return nil, err
	}

	var orders []models.Order
	for _, item := range resp.Data {
		orders = append(orders, item.toOrder(symbol))
	}
	return orders, nil
}

type rawOrder struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	AccFill string `json:"accFillSz"`
	AvgPx   string `json:"avgPx"`
	State   string `json:"state"`
	CTime   string `json:"cTime"`
	UTime   string `json:"uTime"`
}

func (r rawOrder) toOrder(symbol string) models.Order {
	price, _ := strconv.ParseFloat(r.Px, 64)
	qty, _ := strconv.ParseFloat(r.Sz, 64)
	filled, _ := strconv.ParseFloat(r.AccFill, 64)
	avgPx, _ := strconv.ParseFloat(r.AvgPx, 64)
	cMs, _ := strconv.ParseInt(r.CTime, 10, 64)
	uMs, _ := strconv.ParseInt(r.UTime, 10, 64)

	return models.Order{
		ID:           r.OrdID,
		LinkID:       r.ClOrdID,
		Symbol:       symbol,
		Side:         models.OrderSide(r.Side),
		Type:         models.OrderType(r.OrdType),
		Price:        price,
		Qty:          qty,
		FilledQty:    filled,
		AvgFillPrice: avgPx,
		Status:       parseOrderStatus(r.State),
		CreateTime:   time.UnixMilli(cMs),
		UpdateTime:   time.UnixMilli(uMs),
	}
}
