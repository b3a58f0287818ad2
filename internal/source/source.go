// Package source — поставщики кандидатов. Скоринг живёт снаружи, движку
// нужен только готовый список {symbol, direction, score, reasons}.
package source

import (
	"context"
	"time"

	"autotrader/internal/helper"
	"autotrader/internal/models"
)

// Source — чтение без побочных эффектов.
type Source interface {
	Opportunities(ctx context.Context) ([]models.Opportunity, error)
}

// Func позволяет передать функцию как Source.
type Func func(ctx context.Context) ([]models.Opportunity, error)

func (f Func) Opportunities(ctx context.Context) ([]models.Opportunity, error) { return f(ctx) }

// Static — фиксированный список.
type Static []models.Opportunity

func (s Static) Opportunities(context.Context) ([]models.Opportunity, error) {
	return append([]models.Opportunity(nil), s...), nil
}

// normalize приводит символы к виду EUR_USD, отбрасывает мусор и
// проставляет время, если источник его не дал.
func normalize(in []models.Opportunity, now time.Time) []models.Opportunity {
	out := make([]models.Opportunity, 0, len(in))
	for _, o := range in {
		o.Symbol = helper.NormSymbol(o.Symbol)
		if o.Symbol == "" || !o.Direction.Valid() {
			continue
		}
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		out = append(out, o)
	}
	return out
}
