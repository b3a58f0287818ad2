package source

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"autotrader/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// HTTP читает JSON-фид: либо массив, либо {"opportunities": [...]}.
type HTTP struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

func NewHTTP(url, token string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{url: url, token: token, client: &http.Client{Timeout: timeout}, now: time.Now}
}

func (h *HTTP) Opportunities(ctx context.Context) ([]models.Opportunity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Errorf("http %d: %s", resp.StatusCode, string(data))
	}

	var list []models.Opportunity
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		err = sonic.Unmarshal(data, &list)
	} else {
		var wrapped struct {
			Opportunities []models.Opportunity `json:"opportunities"`
		}
		err = sonic.Unmarshal(data, &wrapped)
		list = wrapped.Opportunities
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode opportunities")
	}
	return normalize(list, h.now()), nil
}
