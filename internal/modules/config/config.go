package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autotrader/internal/runner"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	tokenOandaENV     = "OANDA_TOKEN"
	databaseDSN       = "DATABASE_DSN"
	envPrefix         = "AUTOTRADER"
)

// Config ...
type Config struct {
	Service struct {
		Name      string `yaml:"name"`
		Host      string `yaml:"host"`
		AdminPort int    `yaml:"admin_port"`
		LogLevel  string `yaml:"log_level"`
	} `yaml:"service"`

	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"tracing"`

	Storage struct {
		// memory | file | postgres | sqlite
		Driver   string `yaml:"driver"`
		Path     string `yaml:"path"`
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"storage"`

	Broker struct {
		// oanda | paper
		Kind        string        `yaml:"kind"`
		Environment string        `yaml:"environment"` // practice | live
		AccountID   string        `yaml:"account_id"`
		Token       string        `yaml:"-"`
		Timeout     time.Duration `yaml:"timeout"`
		Granularity string        `yaml:"granularity"`
		ATRPeriod   int           `yaml:"atr_period"`
		Paper       struct {
			Balance    float64               `yaml:"balance"`
			Currency   string                `yaml:"currency"`
			Quotes     map[string][2]float64 `yaml:"quotes"`
			Volatility map[string]float64    `yaml:"volatility"`
		} `yaml:"paper"`
	} `yaml:"broker"`

	Source struct {
		// http | file
		Kind    string        `yaml:"kind"`
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Path    string        `yaml:"path"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"source"`

	Telegram struct {
		Token  string `yaml:"-"`
		ChatID int64  `yaml:"chat_id"`
	} `yaml:"telegram"`

	Notify struct {
		Buffer  int           `yaml:"buffer"`
		Timeout time.Duration `yaml:"timeout"`
		Log     bool          `yaml:"log"`
	} `yaml:"notify"`

	Engine struct {
		TickInterval         time.Duration `yaml:"tick_interval"`
		MaxConcurrent        int           `yaml:"max_concurrent"`
		MaxTradesPerDay      int           `yaml:"max_trades_per_day"`
		MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
		LossPause            time.Duration `yaml:"loss_pause"`
		BrokerTimeout        time.Duration `yaml:"broker_timeout"`
		ShutdownGrace        time.Duration `yaml:"shutdown_grace"`
		OpeningGrace         time.Duration `yaml:"opening_grace"`
		CloseGhosts          bool          `yaml:"close_ghosts"`
		AutoStart            bool          `yaml:"auto_start"`
	} `yaml:"engine"`

	Gate struct {
		MinScore          float64    `yaml:"min_score"`
		MaxLegExposure    int        `yaml:"max_leg_exposure"`
		CorrelationGroups [][]string `yaml:"correlation_groups"`
		MaxGroupExposure  int        `yaml:"max_group_exposure"`
	} `yaml:"gate"`

	Dedup struct {
		Cooldown       time.Duration `yaml:"cooldown"`
		RetryCooldown  time.Duration `yaml:"retry_cooldown"`
		RejectCooldown time.Duration `yaml:"reject_cooldown"`
		Bucket         time.Duration `yaml:"bucket"`
	} `yaml:"dedup"`

	Planner struct {
		RiskPct        float64       `yaml:"risk_pct"`
		MinUnits       float64       `yaml:"min_units"`
		MaxUnits       float64       `yaml:"max_units"`
		MinTradeUnit   float64       `yaml:"min_trade_unit"`
		StopVolMult    float64       `yaml:"stop_vol_mult"`
		TargetVolMult  float64       `yaml:"target_vol_mult"`
		FallbackVolPct float64       `yaml:"fallback_vol_pct"`
		SpreadRegular  float64       `yaml:"spread_regular"`
		SpreadJPY      float64       `yaml:"spread_jpy"`
		SpreadMetal    float64       `yaml:"spread_metal"`
		MaxQuoteAge    time.Duration `yaml:"max_quote_age"`
	} `yaml:"planner"`

	Monitor struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		ErrorBackoff      time.Duration `yaml:"error_backoff"`
		TrailActivation   float64       `yaml:"trail_activation"`
		TrailFraction     float64       `yaml:"trail_fraction"`
		PartialTrigger    float64       `yaml:"partial_trigger"`
		PartialFraction   float64       `yaml:"partial_fraction"`
		BreakevenTriggerR float64       `yaml:"breakeven_trigger_r"`
		MaxHold           time.Duration `yaml:"max_hold"`
	} `yaml:"monitor"`
}

func NewConfig() (*Config, error) {
	_ = godotenv.Load()

	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	file, err := os.Open("configs/" + configFileName)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer func() {
		_ = file.Close()
	}()

	config := Default()
	if err = yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, errors.Wrap(err, "decode config file")
	}

	config.applyEnv(newEnv())

	if token := os.Getenv(tokenTelegramENV); token != "" {
		config.Telegram.Token = token
	}
	if token := os.Getenv(tokenOandaENV); token != "" {
		config.Broker.Token = token
	}
	if dsn := os.Getenv(databaseDSN); dsn != "" {
		config.Storage.DSN = dsn
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default — значения по умолчанию, файл конфига их перекрывает.
func Default() *Config {
	c := &Config{}
	c.Service.Name = "autotrader"
	c.Service.AdminPort = 8081
	c.Service.LogLevel = "info"
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	c.Storage.Driver = "file"
	c.Storage.Path = "data/state.json"
	c.Storage.MaxConns = 4
	c.Broker.Kind = "paper"
	c.Broker.Environment = "practice"
	c.Broker.Timeout = 15 * time.Second
	c.Broker.Granularity = "H1"
	c.Broker.ATRPeriod = 14
	c.Broker.Paper.Balance = 10000
	c.Broker.Paper.Currency = "USD"
	c.Source.Kind = "file"
	c.Source.Path = "configs/opportunities.yaml"
	c.Source.Timeout = 10 * time.Second
	c.Notify.Buffer = 256
	c.Notify.Timeout = 5 * time.Second
	c.Notify.Log = true

	d := runner.DefaultConfig()
	c.Engine.TickInterval = d.Engine.TickInterval
	c.Engine.MaxConcurrent = d.Engine.MaxConcurrent
	c.Engine.MaxTradesPerDay = d.Engine.MaxTradesPerDay
	c.Engine.MaxConsecutiveLosses = d.Engine.MaxConsecutiveLosses
	c.Engine.LossPause = d.Engine.LossPause
	c.Engine.BrokerTimeout = d.Engine.BrokerTimeout
	c.Engine.ShutdownGrace = d.Engine.ShutdownGrace
	c.Engine.OpeningGrace = d.Engine.OpeningGrace
	c.Engine.CloseGhosts = d.Engine.CloseGhosts
	c.Engine.AutoStart = d.Engine.AutoStart
	c.Gate.MinScore = d.Gate.MinScore
	c.Gate.MaxLegExposure = d.Gate.MaxLegExposure
	c.Gate.MaxGroupExposure = d.Gate.MaxGroupExposure
	c.Dedup.Cooldown = d.Dedup.Cooldown
	c.Dedup.RetryCooldown = d.Dedup.RetryCooldown
	c.Dedup.RejectCooldown = d.Dedup.RejectCooldown
	c.Planner.RiskPct = d.Planner.RiskPct
	c.Planner.MinUnits = d.Planner.MinUnits
	c.Planner.MaxUnits = d.Planner.MaxUnits
	c.Planner.MinTradeUnit = d.Planner.MinTradeUnit
	c.Planner.StopVolMult = d.Planner.StopVolMult
	c.Planner.TargetVolMult = d.Planner.TargetVolMult
	c.Planner.FallbackVolPct = d.Planner.FallbackVolPct
	c.Planner.SpreadRegular = d.Planner.SpreadRegular
	c.Planner.SpreadJPY = d.Planner.SpreadJPY
	c.Planner.SpreadMetal = d.Planner.SpreadMetal
	c.Planner.MaxQuoteAge = d.Planner.MaxQuoteAge
	c.Monitor.PollInterval = d.Monitor.PollInterval
	c.Monitor.ErrorBackoff = d.Monitor.ErrorBackoff
	c.Monitor.TrailActivation = d.Monitor.TrailActivation
	c.Monitor.TrailFraction = d.Monitor.TrailFraction
	c.Monitor.PartialTrigger = d.Monitor.PartialTrigger
	c.Monitor.PartialFraction = d.Monitor.PartialFraction
	c.Monitor.BreakevenTriggerR = d.Monitor.BreakevenTriggerR
	c.Monitor.MaxHold = d.Monitor.MaxHold
	return c
}

// Runner — параметры движка.
func (c *Config) Runner() runner.Config {
	return runner.Config{
		Engine: runner.EngineConfig{
			TickInterval:         c.Engine.TickInterval,
			MaxConcurrent:        c.Engine.MaxConcurrent,
			MaxTradesPerDay:      c.Engine.MaxTradesPerDay,
			MaxConsecutiveLosses: c.Engine.MaxConsecutiveLosses,
			LossPause:            c.Engine.LossPause,
			BrokerTimeout:        c.Engine.BrokerTimeout,
			ShutdownGrace:        c.Engine.ShutdownGrace,
			OpeningGrace:         c.Engine.OpeningGrace,
			CloseGhosts:          c.Engine.CloseGhosts,
			AutoStart:            c.Engine.AutoStart,
		},
		Gate: runner.GateConfig{
			MinScore:          c.Gate.MinScore,
			MaxLegExposure:    c.Gate.MaxLegExposure,
			CorrelationGroups: c.Gate.CorrelationGroups,
			MaxGroupExposure:  c.Gate.MaxGroupExposure,
		},
		Dedup: runner.DedupConfig{
			Cooldown:       c.Dedup.Cooldown,
			RetryCooldown:  c.Dedup.RetryCooldown,
			RejectCooldown: c.Dedup.RejectCooldown,
			Bucket:         c.Dedup.Bucket,
		},
		Planner: runner.PlannerConfig{
			RiskPct:        c.Planner.RiskPct,
			MinUnits:       c.Planner.MinUnits,
			MaxUnits:       c.Planner.MaxUnits,
			MinTradeUnit:   c.Planner.MinTradeUnit,
			StopVolMult:    c.Planner.StopVolMult,
			TargetVolMult:  c.Planner.TargetVolMult,
			FallbackVolPct: c.Planner.FallbackVolPct,
			SpreadRegular:  c.Planner.SpreadRegular,
			SpreadJPY:      c.Planner.SpreadJPY,
			SpreadMetal:    c.Planner.SpreadMetal,
			MaxQuoteAge:    c.Planner.MaxQuoteAge,
		},
		Monitor: runner.MonitorConfig{
			PollInterval:      c.Monitor.PollInterval,
			ErrorBackoff:      c.Monitor.ErrorBackoff,
			TrailActivation:   c.Monitor.TrailActivation,
			TrailFraction:     c.Monitor.TrailFraction,
			PartialTrigger:    c.Monitor.PartialTrigger,
			PartialFraction:   c.Monitor.PartialFraction,
			BreakevenTriggerR: c.Monitor.BreakevenTriggerR,
			MaxHold:           c.Monitor.MaxHold,
		},
	}
}

func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	check(c.Engine.TickInterval > 0, "engine.tick_interval must be > 0")
	check(c.Engine.MaxConcurrent >= 1, "engine.max_concurrent must be >= 1")
	check(c.Engine.BrokerTimeout > 0, "engine.broker_timeout must be > 0")
	check(c.Engine.LossPause >= 0, "engine.loss_pause must be >= 0")
	check(c.Planner.RiskPct > 0 && c.Planner.RiskPct <= 100, "planner.risk_pct must be in (0, 100]")
	check(c.Planner.MinUnits > 0 && c.Planner.MinUnits <= c.Planner.MaxUnits, "planner.min_units must be in (0, max_units]")
	check(c.Planner.StopVolMult > 0, "planner.stop_vol_mult must be > 0")
	check(c.Planner.TargetVolMult > 0, "planner.target_vol_mult must be > 0")
	check(c.Monitor.PollInterval > 0, "monitor.poll_interval must be > 0")
	check(c.Monitor.PartialFraction >= 0 && c.Monitor.PartialFraction < 1, "monitor.partial_fraction must be in [0, 1)")
	check(c.Dedup.Cooldown > 0, "dedup.cooldown must be > 0")

	switch c.Storage.Driver {
	case "memory":
	case "file", "sqlite":
		check(c.Storage.Path != "", "storage.path is required for "+c.Storage.Driver)
	case "postgres":
		check(c.Storage.DSN != "", "DATABASE_DSN is required for postgres storage")
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Broker.Kind {
	case "paper":
	case "oanda":
		check(c.Broker.AccountID != "", "broker.account_id is required for oanda")
		check(c.Broker.Token != "", "OANDA_TOKEN is required for oanda")
		check(c.Broker.Environment == "practice" || c.Broker.Environment == "live", "broker.environment must be practice or live")
	default:
		problems = append(problems, fmt.Sprintf("unknown broker.kind %q", c.Broker.Kind))
	}

	switch c.Source.Kind {
	case "http":
		check(c.Source.URL != "", "source.url is required for http source")
	case "file":
		check(c.Source.Path != "", "source.path is required for file source")
	default:
		problems = append(problems, fmt.Sprintf("unknown source.kind %q", c.Source.Kind))
	}

	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
