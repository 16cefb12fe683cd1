// Package feed предоставляет клиент для внешнего источника событий продаж.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с фидом продаж партнёрской сети.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// SaleEvent описывает одно событие продажи из фида.
// ID события служит внешним ключом дедупликации.
type SaleEvent struct {
	ID              string    `json:"id"`
	AccountID       int64     `json:"account_id,omitempty"`
	StoreID         int64     `json:"store_id"`
	ClickID         string    `json:"click_id,omitempty"`
	CouponID        string    `json:"coupon_id,omitempty"`
	SaleAmount      float64   `json:"sale_amount"`
	TransactionDate time.Time `json:"transaction_date"`
}

// NewClient создаёт HTTP-клиент фида продаж по указанному адресу.
// Сетевые сбои и ответы 5xx повторяются на уровне HTTP-клиента.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// GetSales запрашивает события продаж после указанного курсора.
// Возвращает события, HTTP-статус и задержку из Retry-After для 429.
func (c *Client) GetSales(ctx context.Context, after string) ([]SaleEvent, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("feed client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	endpoint := base + "/api/sales"
	if after != "" {
		endpoint += "?after=" + url.QueryEscape(after)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result []SaleEvent
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return result, resp.StatusCode, 0, nil
}
