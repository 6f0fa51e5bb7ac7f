package engine

import "github.com/sirupsen/logrus"

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine").WithField("symbol", e.cfg.Bot.Symbol)
}

func (e *Engine) logPosition(pos *Position) *logrus.Entry {
	return e.logEntry().WithField("position_id", pos.ID)
}
