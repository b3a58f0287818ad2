package runner

import (
	"context"
	"strconv"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/models"
	"autotrader/pkg/tracing"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
)

// namespace для детерминированных client order id
var orderNamespace = uuid.MustParse("6f1c7a52-3b0e-4c52-9a57-2f4b1d9e8a10")

// ClientOrderID — один и тот же кандидат в одном цикле всегда даёт один id,
// по нему сверка узнаёт "свою" сделку после потерянного ответа.
func ClientOrderID(fingerprint string, cycle int64) string {
	return uuid.NewSHA1(orderNamespace, []byte(fingerprint+"|"+strconv.FormatInt(cycle, 10))).String()
}

type Executor struct {
	broker  broker.Broker
	timeout time.Duration
}

func NewExecutor(b broker.Broker, timeout time.Duration) *Executor {
	return &Executor{broker: b, timeout: timeout}
}

// Execute отправляет ровно один ордер и не ретраит. Неклассифицированная
// ошибка и таймаут считаются неоднозначными: исход покажет сверка.
func (e *Executor) Execute(ctx context.Context, plan models.OrderPlan) (models.Fill, error) {
	span, ctx := tracing.StartSpan(ctx, "engine.execute",
		opentracing.Tag{Key: "symbol", Value: plan.Symbol},
		opentracing.Tag{Key: "client_id", Value: plan.ClientID})
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	fill, err := e.broker.Submit(ctx, plan)
	tracing.Finish(span, err)
	if err != nil {
		if broker.KindOf(err) == broker.KindUnknown {
			err = broker.Ambiguous("submit", err)
		}
		return models.Fill{}, errors.Wrapf(err, "submit %s %s", plan.Symbol, plan.Direction)
	}
	if fill.PositionID == "" {
		return models.Fill{}, broker.Ambiguous("submit", errors.New("empty position id"))
	}
	return fill, nil
}
