package runner

import (
	"sort"
	"time"

	"autotrader/internal/helper"
	"autotrader/internal/models"
)

// Candidate — допущенная возможность вместе с её отпечатком.
type Candidate struct {
	Opp         models.Opportunity
	Fingerprint string
}

// Drop — почему кандидат не прошёл.
type Drop struct {
	Opp    models.Opportunity
	Reason string
}

const (
	DropCooldown    = "cooldown"
	DropInstrument  = "instrument_busy"
	DropCorrelation = "correlation"
	DropScore       = "min_score"
	DropCapacity    = "capacity"
)

type Gate struct {
	cfg    GateConfig
	bucket time.Duration
}

func NewGate(cfg GateConfig, bucket time.Duration) *Gate {
	return &Gate{cfg: cfg, bucket: bucket}
}

func (g *Gate) Fingerprint(o models.Opportunity) string {
	return helper.Fingerprint(o.Symbol, o.Direction, o.Timestamp, g.bucket)
}

// Filter — чистая функция: по кандидатам, активным позициям и реестру
// возвращает упорядоченный список допущенных, не длиннее free.
// Кандидаты рассматриваются по убыванию score, так что при конфликте по
// корреляции выигрывает более сильный, а уже принятые в этом батче считаются
// как открытые.
func (g *Gate) Filter(
	opps []models.Opportunity,
	active []models.Position,
	registry []models.DedupEntry,
	now time.Time,
	free int,
) ([]Candidate, []Drop) {
	ranked := append([]models.Opportunity(nil), opps...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})

	cooling := make(map[string]struct{}, len(registry))
	for _, e := range registry {
		if e.Active(now) {
			cooling[e.Fingerprint] = struct{}{}
		}
	}

	busy := make(map[string]struct{}, len(active))
	exp := newExposure(g.cfg)
	for _, p := range active {
		// closing ещё держит инструмент, пока брокер не подтвердил закрытие
		if p.Status == models.StatusClosed {
			continue
		}
		busy[helper.NormSymbol(p.Symbol)] = struct{}{}
		exp.add(p.Symbol, p.Direction)
	}

	var (
		out   []Candidate
		drops []Drop
	)
	for _, o := range ranked {
		if len(out) >= free {
			drops = append(drops, Drop{Opp: o, Reason: DropCapacity})
			continue
		}

		fp := g.Fingerprint(o)
		if _, ok := cooling[fp]; ok {
			drops = append(drops, Drop{Opp: o, Reason: DropCooldown})
			continue
		}
		sym := helper.NormSymbol(o.Symbol)
		if _, ok := busy[sym]; ok {
			drops = append(drops, Drop{Opp: o, Reason: DropInstrument})
			continue
		}
		if !exp.allows(o.Symbol, o.Direction) {
			drops = append(drops, Drop{Opp: o, Reason: DropCorrelation})
			continue
		}
		if o.Score < g.cfg.MinScore {
			drops = append(drops, Drop{Opp: o, Reason: DropScore})
			continue
		}

		out = append(out, Candidate{Opp: o, Fingerprint: fp})
		busy[sym] = struct{}{}
		cooling[fp] = struct{}{}
		exp.add(o.Symbol, o.Direction)
	}
	return out, drops
}

type legKey struct {
	currency string
	sign     int
}

// exposure считает ноги: long EUR_USD = +EUR и -USD.
type exposure struct {
	cfg    GateConfig
	legs   map[legKey]int
	groups []int
}

func newExposure(cfg GateConfig) *exposure {
	return &exposure{cfg: cfg, legs: make(map[legKey]int), groups: make([]int, len(cfg.CorrelationGroups))}
}

func legsOf(symbol string, d models.Direction) []legKey {
	base, quote, ok := helper.Legs(symbol)
	if !ok {
		return nil
	}
	s := int(d.Sign())
	return []legKey{{base, s}, {quote, -s}}
}

func (e *exposure) groupsOf(symbol string) []int {
	sym := helper.NormSymbol(symbol)
	var idx []int
	for i, g := range e.cfg.CorrelationGroups {
		for _, m := range g {
			if helper.NormSymbol(m) == sym {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

func (e *exposure) allows(symbol string, d models.Direction) bool {
	if e.cfg.MaxLegExposure > 0 {
		for _, k := range legsOf(symbol, d) {
			if e.legs[k]+1 > e.cfg.MaxLegExposure {
				return false
			}
		}
	}
	if e.cfg.MaxGroupExposure > 0 {
		for _, i := range e.groupsOf(symbol) {
			if e.groups[i]+1 > e.cfg.MaxGroupExposure {
				return false
			}
		}
	}
	return true
}

func (e *exposure) add(symbol string, d models.Direction) {
	for _, k := range legsOf(symbol, d) {
		e.legs[k]++
	}
	for _, i := range e.groupsOf(symbol) {
		e.groups[i]++
	}
}
