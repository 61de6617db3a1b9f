// Package foodapi 是 Open Food Facts 的只读客户端，出站请求受速率限制。
package foodapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/retry"
)

// Client 所有请求共享一个令牌桶，保证对上游的礼貌预算。
type Client struct {
	cfg     config.FoodAPIConfig
	http    *http.Client
	limiter *rate.Limiter
	policy  retry.Policy
}

func NewClient(cfg config.FoodAPIConfig) *Client {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy: retry.Policy{
			Name:           "foodapi",
			AttemptTimeout: cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
		},
	}
}

type searchResponse struct {
	Products []Product `json:"products"`
}

type productResponse struct {
	Status  int     `json:"status"`
	Product Product `json:"product"`
}

// SearchByName 返回搜索结果中第一个可规整的商品。
func (c *Client) SearchByName(ctx context.Context, name string) (*Record, error) {
	pageSize := c.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 5
	}
	q := url.Values{}
	q.Set("search_terms", name)
	q.Set("search_simple", "1")
	q.Set("action", "process")
	q.Set("json", "1")
	q.Set("page_size", strconv.Itoa(pageSize))

	var resp searchResponse
	if err := c.getJSON(ctx, "foodapi.search", "/cgi/search.pl?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	for _, p := range resp.Products {
		rec, err := Normalize(p)
		if err != nil {
			log.Debugf("[FoodAPI] 跳过无法规整的商品 %s: %v", p.Code, err)
			continue
		}
		return rec, nil
	}
	return nil, model.NewNotFoundError("foodapi.search", "no usable product for %q", name)
}

// LookupBarcode 按条码查询商品。
func (c *Client) LookupBarcode(ctx context.Context, barcode string) (*Record, error) {
	var resp productResponse
	if err := c.getJSON(ctx, "foodapi.barcode", "/api/v2/product/"+url.PathEscape(barcode)+".json", &resp); err != nil {
		return nil, err
	}
	if resp.Status != 1 {
		return nil, model.NewNotFoundError("foodapi.barcode", "product %s not found", barcode)
	}
	if resp.Product.Code == "" {
		resp.Product.Code = barcode
	}
	return Normalize(resp.Product)
}

// getJSON 每次尝试前先向令牌桶申请配额，瞬时错误按策略重试。
func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.TransportError(op, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.TransportError(op, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return model.NewNotFoundError(op, "%s", path)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return retry.StatusError(op, resp.StatusCode, string(body))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.MalformedResponse(op, err)
		}
		return nil
	})
}
