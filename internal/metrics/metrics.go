// Package metrics — prometheus-метрики движка. Регистрируются в init()
// и отдаются health-модулем на /metrics.
//
//   - autotrader_ticks_total{result}          – циклы: ok|skipped|reconcile_error|error|panic
//   - autotrader_admissions_total{outcome}    – admitted|rejected|failed|dropped
//   - autotrader_active_positions             – активные позиции после цикла
//   - autotrader_monitors                     – живые мониторы
//   - autotrader_closes_total{reason}         – закрытия по причинам
//   - autotrader_broker_errors_total{op,kind} – ошибки брокера
//   - autotrader_stop_moves_total             – подтяжки стопа
//   - autotrader_partials_total               – частичные выходы
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_ticks_total",
			Help: "Control loop cycles by result",
		},
		[]string{"result"},
	)

	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_admissions_total",
			Help: "Candidates by admission outcome",
		},
		[]string{"outcome"},
	)

	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotrader_active_positions",
			Help: "Active positions after the last cycle",
		},
	)

	Monitors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autotrader_monitors",
			Help: "Running position monitors",
		},
	)

	Closes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_closes_total",
			Help: "Closed positions by reason",
		},
		[]string{"reason"},
	)

	BrokerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_broker_errors_total",
			Help: "Broker call failures by operation and kind",
		},
		[]string{"op", "kind"},
	)

	StopMoves = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autotrader_stop_moves_total",
			Help: "Trailing or break-even stop adjustments",
		},
	)

	Partials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autotrader_partials_total",
			Help: "Partial exits taken",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Ticks,
		Admissions,
		ActivePositions,
		Monitors,
		Closes,
		BrokerErrors,
		StopMoves,
		Partials,
	)
}
