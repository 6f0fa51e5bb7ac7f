package engine

import (
	"context"
	"strings"
	"time"

	"quantbot/internal/exchange"
	"quantbot/internal/metrics"
	"quantbot/internal/models"
)

const (
	maxRetries             = 3
	defaultRetryDelay      = 500 * time.Millisecond
	defaultRateLimitDelay  = 2 * time.Second
	defaultClaimRetryDelay = 200 * time.Millisecond
)

// withRetryOrder повторяет сетевой вызов с экспоненциальной задержкой.
// Rate limit биржи ждём отдельным, более длинным интервалом.
func (e *Engine) withRetryOrder(ctx context.Context, op string, fn func() (models.Order, error)) (models.Order, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay * time.Duration(1<<(attempt-1))
			if isRateLimitError(lastErr) {
				delay = e.rateLimitDelay
			}
			if !e.sleep(ctx, delay) {
				return models.Order{}, ctx.Err()
			}
			e.logEntry().WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt + 1,
			}).Debug("Повторная попытка запроса.")
		}

		order, err := fn()
		if err == nil {
			return order, nil
		}
		lastErr = err
	}

	return models.Order{}, lastErr
}

func (e *Engine) withRetryVoid(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay * time.Duration(1<<(attempt-1))
			if isRateLimitError(lastErr) {
				delay = e.rateLimitDelay
			}
			if !e.sleep(ctx, delay) {
				return ctx.Err()
			}
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	return lastErr
}

func (e *Engine) loadRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	var rules exchange.InstrumentRules
	err := e.withRetryVoid(ctx, "instrument_rules", func() error {
		r, err := e.client.GetInstrumentRules(ctx, symbol)
		if err != nil {
			return err
		}
		rules = r
		return nil
	})
	return rules, err
}

// placeOrderIdempotent ставит ордер, переживая повтор после сетевого
// таймаута: дубликат клиентского id означает, что первый запрос прошёл.
func (e *Engine) placeOrderIdempotent(ctx context.Context, order models.Order) (models.Order, error) {
	order.PriceStep = e.rules.TickSize
	order.QtyStep = e.rules.LotSize

	placed, err := e.withRetryOrder(ctx, "place_order", func() (models.Order, error) {
		placed, err := e.client.PlaceOrder(ctx, order)
		if err != nil && isDuplicateLinkIDError(err) {
			if found, ok := e.findByLinkID(ctx, order.Symbol, order.LinkID); ok {
				return found, nil
			}
		}
		return placed, err
	})
	if err != nil {
		return models.Order{}, err
	}

	metrics.OrderPlaced(string(order.Side), string(order.Type))
	return placed, nil
}

func (e *Engine) findByLinkID(ctx context.Context, symbol, linkID string) (models.Order, bool) {
	open, err := e.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return models.Order{}, false
	}
	for _, o := range open {
		if o.LinkID == linkID {
			return o, true
		}
	}
	return models.Order{}, false
}

// Коды OKX: 50011/50061 — rate limit, 51016 — повтор clOrdId,
// 51603 — ордер не найден.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "50011") ||
		strings.Contains(msg, "50061") ||
		strings.Contains(msg, "429") ||
		strings.Contains(strings.ToLower(msg), "too many requests")
}

func isDuplicateLinkIDError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "51016")
}

func isOrderNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "51603") || strings.Contains(msg, "51400")
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (e *Engine) roundQty(qty float64) float64 {
	return RoundDown(qty, e.rules.LotSize)
}

func (e *Engine) roundPrice(price float64) float64 {
	return RoundDown(price, e.rules.TickSize)
}

func (e *Engine) baseCoin() string {
	if e.rules.BaseCoin != "" {
		return e.rules.BaseCoin
	}
	return e.cfg.Bot.BaseCoin
}

func (e *Engine) quoteCoin() string {
	if e.rules.QuoteCoin != "" {
		return e.rules.QuoteCoin
	}
	return e.cfg.Bot.QuoteCoin
}
