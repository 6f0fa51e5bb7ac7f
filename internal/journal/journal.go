// Package journal — журнал закрытых сделок в формате JSON Lines.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"quantbot/internal/logger"
	"quantbot/internal/models"
)

type FileJournal struct {
	mu   sync.Mutex
	path string
	log  *logger.Logger
}

func NewFile(path string, log *logger.Logger) *FileJournal {
	return &FileJournal{path: path, log: log}
}

// LogTrade дописывает запись сделки в конец файла. Одна строка — одна
// сделка, файл остаётся читаемым построчно при любом падении.
func (j *FileJournal) LogTrade(trade models.ClosedTrade) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("Не удалось создать каталог журнала: %w", err)
		}
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("Не удалось открыть журнал: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать сделку: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("Не удалось записать сделку: %w", err)
	}

	j.log.WithComponent("journal").
		WithField("position_id", trade.PositionID).
		Debug("Сделка записана в журнал.")
	return nil
}

// ReadAll читает все записи журнала. Битые строки пропускаются с
// предупреждением: журнал append-only и мог оборваться на середине строки.
func (j *FileJournal) ReadAll() ([]models.ClosedTrade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("Не удалось открыть журнал: %w", err)
	}
	defer f.Close()

	var trades []models.ClosedTrade
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var trade models.ClosedTrade
		if err := json.Unmarshal(line, &trade); err != nil {
			j.log.WithComponent("journal").WithError(err).Warn("Пропущена битая строка журнала.")
			continue
		}
		trades = append(trades, trade)
	}
	if err := scanner.Err(); err != nil {
		return trades, fmt.Errorf("Ошибка чтения журнала: %w", err)
	}
	return trades, nil
}
