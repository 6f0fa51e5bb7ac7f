package okx

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

type rawBalance struct {
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
		CashBal  string `json:"cashBal"`
	} `json:"details"`
}

// GetCurrencyBalance возвращает полный остаток монеты на торговом счёте.
func (c *Client) GetCurrencyBalance(ctx context.Context, ccy string) (float64, error) {
	bal, err := c.balance(ctx, ccy)
	if err != nil {
		return 0, err
	}
	return bal.cash, nil
}

// GetTradingBalance возвращает доступный для торговли остаток.
func (c *Client) GetTradingBalance(ctx context.Context, ccy string) (float64, error) {
	bal, err := c.balance(ctx, ccy)
	if err != nil {
		return 0, err
	}
	return bal.available, nil
}

type balanceInfo struct {
	cash      float64
	available float64
}

func (c *Client) balance(ctx context.Context, ccy string) (balanceInfo, error) {
	params := url.Values{}
	params.Set("ccy", ccy)

	var resp okxResponse[rawBalance]

	if err := c.doRequest(ctx, http.MethodGet, "/api/v5/account/balance", params, nil, true, &resp); err != nil {
		return balanceInfo{}, err
	}

	for _, item := range resp.Data {
		for _, detail := range item.Details {
			if detail.Ccy != ccy {
				continue
			}
			cash, _ := strconv.ParseFloat(detail.CashBal, 64)
			avail, _ := strconv.ParseFloat(detail.AvailBal, 64)
			return balanceInfo{cash: cash, available: avail}, nil
		}
	}
	return balanceInfo{}, nil
}
