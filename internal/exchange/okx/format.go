package okx

import (
	"math"
	"strconv"
	"strings"
)

// formatWithStep печатает px/sz для REST тела: значение усекается вниз к
// шагу инструмента и выводится ровно с точностью шага. Лишние знаки OKX
// отклоняет кодом 51121.
func formatWithStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	quantized := math.Floor(value/step+1e-9) * step
	return strconv.FormatFloat(quantized, 'f', stepDecimals(step), 64)
}

// stepDecimals — число знаков после запятой у шага (0.001 -> 3).
func stepDecimals(step float64) int {
	text := strconv.FormatFloat(step, 'f', -1, 64)
	if strings.ContainsAny(text, "eE") {
		text = strconv.FormatFloat(step, 'f', 18, 64)
	}
	dot := strings.IndexByte(text, '.')
	if dot < 0 {
		return 0
	}
	return len(strings.TrimRight(text[dot+1:], "0"))
}
