// Package broker — контракт брокера и классификация его ошибок.
package broker

import (
	"context"

	"autotrader/internal/models"

	"github.com/pkg/errors"
)

// ErrPositionNotFound — брокер не знает такой сделки (или уже забыл её).
var ErrPositionNotFound = errors.New("broker: position not found")

type Broker interface {
	OpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
	// Position отдаёт и закрытые сделки (State=closed), если брокер их помнит.
	Position(ctx context.Context, id string) (models.BrokerPosition, error)
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	// Volatility — ATR в единицах цены.
	Volatility(ctx context.Context, symbol string) (float64, error)
	Submit(ctx context.Context, plan models.OrderPlan) (models.Fill, error)
	// Close закрывает units единиц, 0 — всю позицию.
	Close(ctx context.Context, id string, units float64) error
	UpdateStop(ctx context.Context, id string, price float64) error
	Account(ctx context.Context) (models.Account, error)
}

// MarketData — часть брокера, нужная paper-брокеру как источник цен.
type MarketData interface {
	Quote(ctx context.Context, symbol string) (models.Quote, error)
	Volatility(ctx context.Context, symbol string) (float64, error)
}

type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient — таймаут, rate limit, 5xx на чтении. Повтор на следующем тике.
	KindTransient
	// KindAmbiguous — ордер мог исполниться, ответ потерян. Решает только сверка.
	KindAmbiguous
	// KindRejected — брокер отверг (валидация, маржа). Для этого кандидата окончательно.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAmbiguous:
		return "ambiguous"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Op + " (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func Transient(op string, err error) error { return &Error{Op: op, Kind: KindTransient, Err: err} }
func Ambiguous(op string, err error) error { return &Error{Op: op, Kind: KindAmbiguous, Err: err} }
func Rejected(op string, err error) error  { return &Error{Op: op, Kind: KindRejected, Err: err} }

// KindOf достаёт Kind из цепочки ошибок.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}
