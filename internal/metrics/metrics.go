// Package metrics — счётчики Prometheus для торгового цикла.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_placed_total",
		Help: "Размещённые ордера по стороне и типу.",
	}, []string{"side", "type"})

	tradesOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trades_opened_total",
		Help: "Открытые позиции по направлению.",
	}, []string{"direction"})

	tradesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_trades_failed_total",
		Help: "Сделки, не дошедшие до открытия позиции.",
	})

	tradesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_trades_closed_total",
		Help: "Закрытые позиции по причине закрытия.",
	}, []string{"reason"})

	exitsFilled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_exits_filled_total",
		Help: "Исполненные выходы по виду.",
	}, []string{"kind"})

	exitsDegraded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_exits_degraded_total",
		Help: "Выходы, деградированные до виртуальных.",
	}, []string{"kind"})

	realizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_realized_pnl_quote",
		Help: "Накопленный реализованный PnL в котируемой валюте.",
	})

	unrealizedPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_unrealized_pnl_quote",
		Help: "Нереализованный PnL открытой позиции.",
	})
)

func init() {
	prometheus.MustRegister(
		ordersTotal,
		tradesOpened,
		tradesFailed,
		tradesClosed,
		exitsFilled,
		exitsDegraded,
		realizedPnL,
		unrealizedPnL,
	)
}

func OrderPlaced(side, orderType string) {
	ordersTotal.WithLabelValues(side, orderType).Inc()
}

func TradeOpened(direction string) {
	tradesOpened.WithLabelValues(direction).Inc()
}

func TradeFailed() {
	tradesFailed.Inc()
}

func TradeClosed(reason string, pnl float64) {
	tradesClosed.WithLabelValues(reason).Inc()
	realizedPnL.Add(pnl)
	unrealizedPnL.Set(0)
}

func ExitFilled(kind string) {
	exitsFilled.WithLabelValues(kind).Inc()
}

func ExitDegraded(kind string) {
	exitsDegraded.WithLabelValues(kind).Inc()
}

func SetUnrealizedPnL(v float64) {
	unrealizedPnL.Set(v)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
