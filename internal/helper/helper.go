package helper

import (
	"strconv"
	"strings"
	"time"

	"autotrader/internal/models"

	"github.com/shopspring/decimal"
)

type InstrumentClass string

const (
	ClassRegular InstrumentClass = "regular"
	ClassJPY     InstrumentClass = "jpy"
	ClassMetal   InstrumentClass = "metal"
)

// волатильные JPY-кроссы получают расширенный лимит спреда
var volatileJPY = map[string]struct{}{
	"GBP_JPY": {},
	"EUR_JPY": {},
	"AUD_JPY": {},
	"CHF_JPY": {},
}

func NormSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "/", "_")
	if !strings.Contains(s, "_") && len(s) == 6 {
		s = s[:3] + "_" + s[3:]
	}
	return s
}

func Classify(symbol string) InstrumentClass {
	s := NormSymbol(symbol)
	switch {
	case strings.HasPrefix(s, "XAU") || strings.HasPrefix(s, "XAG"):
		return ClassMetal
	case strings.Contains(s, "JPY"):
		return ClassJPY
	default:
		return ClassRegular
	}
}

func IsVolatileJPY(symbol string) bool {
	_, ok := volatileJPY[NormSymbol(symbol)]
	return ok
}

// PricePrecision — число знаков после запятой для цены инструмента.
func PricePrecision(symbol string) int32 {
	switch Classify(symbol) {
	case ClassMetal:
		return 2
	case ClassJPY:
		return 3
	default:
		return 5
	}
}

func RoundPrice(symbol string, px float64) float64 {
	v, _ := decimal.NewFromFloat(px).Round(PricePrecision(symbol)).Float64()
	return v
}

// RoundDownToTick / RoundUpToTick по точности инструмента.
func RoundDownToTick(symbol string, px float64) float64 {
	v, _ := decimal.NewFromFloat(px).RoundFloor(PricePrecision(symbol)).Float64()
	return v
}

func RoundUpToTick(symbol string, px float64) float64 {
	v, _ := decimal.NewFromFloat(px).RoundCeil(PricePrecision(symbol)).Float64()
	return v
}

// RoundStop округляет стоп в сторону от цены, чтобы округление не подтягивало его.
func RoundStop(symbol string, d models.Direction, px float64) float64 {
	if d == models.Short {
		return RoundUpToTick(symbol, px)
	}
	return RoundDownToTick(symbol, px)
}

func FormatPrice(symbol string, px float64) string {
	return decimal.NewFromFloat(px).StringFixed(PricePrecision(symbol))
}

// FloorUnits — целое число единиц, вниз.
func FloorUnits(units float64) float64 {
	v, _ := decimal.NewFromFloat(units).Floor().Float64()
	return v
}

// Legs делит "EUR_USD" на base/quote.
func Legs(symbol string) (base, quote string, ok bool) {
	s := NormSymbol(symbol)
	i := strings.IndexByte(s, '_')
	if i <= 0 || i >= len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// Fingerprint — ключ дедупликации "symbol:direction[:bucket]".
// bucket=0 — без временного окна, идея определяется парой инструмент/направление.
func Fingerprint(symbol string, d models.Direction, ts time.Time, bucket time.Duration) string {
	fp := NormSymbol(symbol) + ":" + string(d)
	if bucket > 0 && !ts.IsZero() {
		fp += ":" + strconv.FormatInt(ts.Truncate(bucket).Unix(), 10)
	}
	return fp
}

func SplitFingerprint(fp string) (symbol string, d models.Direction, ok bool) {
	parts := strings.Split(fp, ":")
	if len(parts) < 2 || parts[0] == "" {
		return "", "", false
	}
	d = models.Direction(parts[1])
	if !d.Valid() {
		return "", "", false
	}
	return parts[0], d, true
}

func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
