package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"quantbot/internal/logger"
	"quantbot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsReconnectMin = 1 * time.Second
	wsReconnectMax = 30 * time.Second
	wsPingInterval = 20 * time.Second
)

type wsStream struct {
	url    string
	symbol string
	log    *logger.Logger
	out    chan models.Ticker

	mu   sync.Mutex
	conn *websocket.Conn
}

type wsSubscribeRequest struct {
	Op   string  `json:"op"`
	Args []wsArg `json:"args"`
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsMessage struct {
	Event string `json:"event"`
	Msg   string `json:"msg"`
	Arg   wsArg  `json:"arg"`
	Data  []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		TS     string `json:"ts"`
	} `json:"data"`
}

// SubscribeTickers открывает публичный WS поток тикеров. Канал закрывается
// только по отмене контекста; обрывы соединения переживаются реконнектом.
func (c *Client) SubscribeTickers(ctx context.Context, symbol string) (<-chan models.Ticker, error) {
	s := &wsStream{
		url:    c.wsURL,
		symbol: symbol,
		log:    c.log,
		out:    make(chan models.Ticker, 100),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	go s.readLoop(ctx)
	go s.pingLoop(ctx)

	return s.out, nil
}

func (s *wsStream) logEntry() *logrus.Entry {
	return s.log.WithComponent("okx_ws").WithField("symbol", s.symbol)
}

func (s *wsStream) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	conn.SetReadLimit(2 << 20)

	if err := conn.WriteJSON(wsSubscribeRequest{
		Op:   "subscribe",
		Args: []wsArg{{Channel: "tickers", InstID: s.symbol}},
	}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("Не удалось подписаться на тикеры: %w", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.logEntry().Info("WS соединение установлено, подписка на тикеры отправлена.")
	return nil
}

func (s *wsStream) readLoop(ctx context.Context) {
	defer close(s.out)

	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		if string(data) == "pong" {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		if msg.Event == "error" {
			s.logEntry().WithField("msg", msg.Msg).Warn("Ошибка в WS канале.")
			continue
		}

		for _, item := range msg.Data {
			last, _ := strconv.ParseFloat(item.Last, 64)
			tsMs, _ := strconv.ParseInt(item.TS, 10, 64)
			if last <= 0 {
				continue
			}
			ticker := models.Ticker{
				Symbol:    item.InstID,
				LastPrice: last,
				Timestamp: time.UnixMilli(tsMs),
			}
			select {
			case s.out <- ticker:
			default:
				// Потребитель отстаёт, старый тикер не нужен.
			}
		}
	}
}

func (s *wsStream) reconnect(ctx context.Context) bool {
	backoff := wsReconnectMin

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		s.logEntry().Info("Попытка переподключения к WS.")
		if err := s.connect(ctx); err != nil {
			s.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = nextBackoff(backoff)
			continue
		}
		return true
	}
}

func (s *wsStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				s.logEntry().WithError(err).Debug("Не удалось отправить ping.")
			}
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > wsReconnectMax {
		return wsReconnectMax
	}
	return next
}
