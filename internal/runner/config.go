package runner

import "time"

type Config struct {
	Engine  EngineConfig
	Gate    GateConfig
	Dedup   DedupConfig
	Planner PlannerConfig
	Monitor MonitorConfig
}

type EngineConfig struct {
	TickInterval  time.Duration
	MaxConcurrent int
	// 0 — без лимита.
	MaxTradesPerDay      int
	MaxConsecutiveLosses int
	// LossPause — сколько держать паузу после серии убытков. 0 — до выигрыша.
	LossPause     time.Duration
	BrokerTimeout time.Duration
	ShutdownGrace time.Duration
	// OpeningGrace — сколько ждать, пока только что открытая позиция появится у брокера.
	OpeningGrace time.Duration
	// CloseGhosts — чужие позиции у брокера закрывать, а не брать под мониторинг.
	CloseGhosts bool
	AutoStart   bool
}

type GateConfig struct {
	MinScore float64
	// MaxLegExposure — сколько позиций может держать одну валюту в одну сторону. 0 — без лимита.
	MaxLegExposure    int
	CorrelationGroups [][]string
	MaxGroupExposure  int
}

type DedupConfig struct {
	// Cooldown — окно после допуска или неоднозначного исхода.
	Cooldown time.Duration
	// RetryCooldown — после transient-ошибки исполнения.
	RetryCooldown time.Duration
	// RejectCooldown — после отказа брокера.
	RejectCooldown time.Duration
	// Bucket — временное окно в отпечатке, 0 — отпечаток = symbol:direction.
	Bucket time.Duration
}

type PlannerConfig struct {
	RiskPct       float64
	MinUnits      float64
	MaxUnits      float64
	MinTradeUnit  float64
	StopVolMult   float64
	TargetVolMult float64
	// FallbackVolPct — волатильность в % от цены, если ни источник, ни брокер её не дали.
	FallbackVolPct float64
	SpreadRegular  float64
	SpreadJPY      float64
	SpreadMetal    float64
	MaxQuoteAge    time.Duration
}

type MonitorConfig struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	// Пороги в долях волатильности позиции.
	TrailActivation float64
	TrailFraction   float64
	PartialTrigger  float64
	PartialFraction float64
	// BreakevenTriggerR — перенос в безубыток при профите >= N*R. 0 — выключено.
	BreakevenTriggerR float64
	// MaxHold — выход по времени. 0 — выключено.
	MaxHold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			TickInterval:         time.Minute,
			MaxConcurrent:        3,
			MaxTradesPerDay:      10,
			MaxConsecutiveLosses: 3,
			LossPause:            24 * time.Hour,
			BrokerTimeout:        15 * time.Second,
			ShutdownGrace:        20 * time.Second,
			OpeningGrace:         30 * time.Second,
			AutoStart:            true,
		},
		Gate: GateConfig{
			MinScore:         65,
			MaxLegExposure:   1,
			MaxGroupExposure: 1,
		},
		Dedup: DedupConfig{
			Cooldown:       4 * time.Hour,
			RetryCooldown:  5 * time.Minute,
			RejectCooldown: time.Hour,
		},
		Planner: PlannerConfig{
			RiskPct:        1.0,
			MinUnits:       1000,
			MaxUnits:       100000,
			MinTradeUnit:   1,
			StopVolMult:    1.6,
			TargetVolMult:  2.8,
			FallbackVolPct: 0.2,
			SpreadRegular:  0.0003,
			SpreadJPY:      0.05,
			SpreadMetal:    0.06,
			MaxQuoteAge:    2 * time.Minute,
		},
		Monitor: MonitorConfig{
			PollInterval:      10 * time.Second,
			ErrorBackoff:      30 * time.Second,
			TrailActivation:   1.0,
			TrailFraction:     1.1,
			PartialTrigger:    1.5,
			PartialFraction:   0.4,
			BreakevenTriggerR: 1.0,
		},
	}
}
