package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autotrader/internal/broker"
	"autotrader/internal/metrics"
	"autotrader/internal/models"
	"autotrader/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

const (
	PracticeURL = "https://api-fxpractice.oanda.com"
	LiveURL     = "https://api-fxtrade.oanda.com"

	OrderTag = models.OrderTag
)

type Config struct {
	BaseURL     string
	Token       string
	AccountID   string
	Timeout     time.Duration
	Granularity string // свечи для ATR, по умолчанию H1
	ATRPeriod   int
}

// Client — адаптер OANDA v20 REST под broker.Broker.
type Client struct {
	http        *http.Client
	baseURL     string
	token       string
	accountID   string
	granularity string
	atrPeriod   int
}

var _ broker.Broker = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.Token == "" || cfg.AccountID == "" {
		return nil, errors.New("oanda: token and account id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = PracticeURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Granularity == "" {
		cfg.Granularity = "H1"
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	return &Client{
		http:        &http.Client{Timeout: cfg.Timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		accountID:   cfg.AccountID,
		granularity: cfg.Granularity,
		atrPeriod:   cfg.ATRPeriod,
	}, nil
}

// httpError — не-2xx ответ.
type httpError struct {
	Status  int
	Code    string
	Message string
}

func (e *httpError) Error() string {
	return "http " + strconv.Itoa(e.Status) + ": " + e.Code + " " + e.Message
}

func (c *Client) accountPath(parts ...string) string {
	return "/v3/accounts/" + c.accountID + "/" + strings.Join(parts, "/")
}

// do выполняет запрос. Возвращает статус (0 — до ответа не дошли) и ошибку.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "marshal")
		}
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, errors.Wrap(err, "read body")
	}

	if resp.StatusCode/100 != 2 {
		var e apiErrorBody
		_ = sonic.Unmarshal(data, &e)
		if e.ErrorMessage == "" && e.ErrorCode == "" {
			e.ErrorMessage = string(data)
		}
		return resp.StatusCode, &httpError{Status: resp.StatusCode, Code: e.ErrorCode, Message: e.ErrorMessage}
	}

	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return resp.StatusCode, errors.Wrap(err, "decode")
		}
	}
	return resp.StatusCode, nil
}

// classify раскладывает ошибку по broker.Kind. mutating — запрос мог
// изменить состояние у брокера (submit): тогда потерянный ответ неоднозначен.
func classify(op string, status int, err error, mutating bool) error {
	if err == nil {
		return nil
	}
	var out error
	switch {
	case status == 0 || status >= 500:
		if mutating {
			out = broker.Ambiguous(op, err)
		} else {
			out = broker.Transient(op, err)
		}
	case status == http.StatusTooManyRequests:
		out = broker.Transient(op, err)
	case status == http.StatusNotFound:
		out = errors.Wrapf(broker.ErrPositionNotFound, "%s: %v", op, err)
	default:
		out = broker.Rejected(op, err)
	}

	metrics.BrokerErrors.WithLabelValues(op, broker.KindOf(out).String()).Inc()
	logger.Warn("[OANDA] %s failed: %v", op, out)
	return out
}

func num(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
