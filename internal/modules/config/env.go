package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// newEnv — viper только как слой переопределений из окружения:
// engine.max_concurrent <- AUTOTRADER_ENGINE_MAX_CONCURRENT.
func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func (c *Config) applyEnv(v *viper.Viper) {
	strs := map[string]*string{
		"service.host":          &c.Service.Host,
		"service.log_level":     &c.Service.LogLevel,
		"storage.driver":        &c.Storage.Driver,
		"storage.path":          &c.Storage.Path,
		"broker.kind":           &c.Broker.Kind,
		"broker.environment":    &c.Broker.Environment,
		"broker.account_id":     &c.Broker.AccountID,
		"broker.granularity":    &c.Broker.Granularity,
		"source.kind":           &c.Source.Kind,
		"source.url":            &c.Source.URL,
		"source.token":          &c.Source.Token,
		"source.path":           &c.Source.Path,
		"tracing.host":          &c.Tracing.Host,
		"broker.paper.currency": &c.Broker.Paper.Currency,
	}
	for k, p := range strs {
		if v.IsSet(k) {
			*p = v.GetString(k)
		}
	}

	ints := map[string]*int{
		"service.admin_port":            &c.Service.AdminPort,
		"tracing.port":                  &c.Tracing.Port,
		"broker.atr_period":             &c.Broker.ATRPeriod,
		"notify.buffer":                 &c.Notify.Buffer,
		"engine.max_concurrent":         &c.Engine.MaxConcurrent,
		"engine.max_trades_per_day":     &c.Engine.MaxTradesPerDay,
		"engine.max_consecutive_losses": &c.Engine.MaxConsecutiveLosses,
		"gate.max_leg_exposure":         &c.Gate.MaxLegExposure,
		"gate.max_group_exposure":       &c.Gate.MaxGroupExposure,
	}
	for k, p := range ints {
		if v.IsSet(k) {
			*p = v.GetInt(k)
		}
	}

	floats := map[string]*float64{
		"broker.paper.balance":        &c.Broker.Paper.Balance,
		"gate.min_score":              &c.Gate.MinScore,
		"planner.risk_pct":            &c.Planner.RiskPct,
		"planner.min_units":           &c.Planner.MinUnits,
		"planner.max_units":           &c.Planner.MaxUnits,
		"planner.stop_vol_mult":       &c.Planner.StopVolMult,
		"planner.target_vol_mult":     &c.Planner.TargetVolMult,
		"monitor.trail_activation":    &c.Monitor.TrailActivation,
		"monitor.trail_fraction":      &c.Monitor.TrailFraction,
		"monitor.partial_trigger":     &c.Monitor.PartialTrigger,
		"monitor.partial_fraction":    &c.Monitor.PartialFraction,
		"monitor.breakeven_trigger_r": &c.Monitor.BreakevenTriggerR,
	}
	for k, p := range floats {
		if v.IsSet(k) {
			*p = v.GetFloat64(k)
		}
	}

	durations := map[string]*time.Duration{
		"broker.timeout":        &c.Broker.Timeout,
		"source.timeout":        &c.Source.Timeout,
		"engine.tick_interval":  &c.Engine.TickInterval,
		"engine.broker_timeout": &c.Engine.BrokerTimeout,
		"engine.shutdown_grace": &c.Engine.ShutdownGrace,
		"engine.opening_grace":  &c.Engine.OpeningGrace,
		"engine.loss_pause":     &c.Engine.LossPause,
		"dedup.cooldown":        &c.Dedup.Cooldown,
		"dedup.retry_cooldown":  &c.Dedup.RetryCooldown,
		"dedup.reject_cooldown": &c.Dedup.RejectCooldown,
		"dedup.bucket":          &c.Dedup.Bucket,
		"planner.max_quote_age": &c.Planner.MaxQuoteAge,
		"monitor.poll_interval": &c.Monitor.PollInterval,
		"monitor.error_backoff": &c.Monitor.ErrorBackoff,
		"monitor.max_hold":      &c.Monitor.MaxHold,
	}
	for k, p := range durations {
		if v.IsSet(k) {
			*p = v.GetDuration(k)
		}
	}

	bools := map[string]*bool{
		"tracing.enabled":     &c.Tracing.Enabled,
		"notify.log":          &c.Notify.Log,
		"engine.close_ghosts": &c.Engine.CloseGhosts,
		"engine.auto_start":   &c.Engine.AutoStart,
	}
	for k, p := range bools {
		if v.IsSet(k) {
			*p = v.GetBool(k)
		}
	}

	if v.IsSet("telegram.chat_id") {
		c.Telegram.ChatID = v.GetInt64("telegram.chat_id")
	}
}
