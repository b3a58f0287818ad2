package service

import (
	"context"
	"net/http"

	"autotrader/internal/models"
)

func (c *Client) Account(ctx context.Context) (models.Account, error) {
	var r accountResponse
	status, err := c.do(ctx, http.MethodGet, c.accountPath("summary"), nil, &r)
	if err != nil {
		return models.Account{}, classify("account", status, err, false)
	}
	return models.Account{
		Balance:         num(r.Account.Balance),
		NAV:             num(r.Account.NAV),
		MarginAvailable: num(r.Account.MarginAvailable),
		Currency:        r.Account.Currency,
	}, nil
}
