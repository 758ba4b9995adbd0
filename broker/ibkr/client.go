package ibkr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradevault/broker"
)

// DefaultGatewayURL 本地 Client Portal Gateway 地址
// IBKR 要求请求经过本地网关转发，网关负责与券商侧的会话保持
const DefaultGatewayURL = "https://localhost:5000/v1/api"

// Client IBKR Client Portal REST 客户端
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.RWMutex
	accessToken string
}

// NewClient 创建 IBKR 客户端
func NewClient(accessToken string) *Client {
	return &Client{
		baseURL:     DefaultGatewayURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
	}
}

// SetBaseURL 覆盖网关地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// SetAccessToken 更新访问令牌（令牌刷新后调用）
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// do 发送带 Bearer 认证的请求
// 网关进程未启动时表现为连接拒绝，这类故障与凭证无效严格区分
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body interface{}, out interface{}) (err error) {
	start := time.Now()
	defer func() { broker.ObserveAPICall("ibkr", path, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return broker.WrapNetwork(err)
	}

	fullURL := c.baseURL + path
	if params != nil && len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("编码请求失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	c.mu.RUnlock()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网关不可达（未启动 / 端口错误）不是凭证问题
		return broker.NewError(broker.ErrBrokerUnavailable, "IBKR 网关不可达: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.WrapNetwork(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return broker.NewError(broker.ErrInvalidCredentials, "IBKR 认证失败: %s", string(respBody)).
			WithBrokerCode("401")
	case resp.StatusCode == http.StatusForbidden:
		return broker.NewError(broker.ErrInsufficientPermissions, "IBKR 权限不足: %s", string(respBody)).
			WithBrokerCode("403")
	case resp.StatusCode == http.StatusTooManyRequests:
		return broker.NewRateLimitError(0, "IBKR 限流: %s", string(respBody)).WithBrokerCode("429")
	case resp.StatusCode >= 500:
		return broker.NewError(broker.ErrBrokerUnavailable, "IBKR 服务异常: HTTP %d", resp.StatusCode).
			WithBrokerCode(fmt.Sprintf("%d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return broker.NewError(broker.ErrUnknown, "HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// AccountInfo 账户信息
type AccountInfo struct {
	AccountID    string `json:"accountId"`
	AccountTitle string `json:"accountTitle"`
	Currency     string `json:"currency"`
	Type         string `json:"type"`
	TradingType  string `json:"tradingType"`
}

// GetAccounts 获取全部账户（IBKR 一份凭证可管理多个子账户）
func (c *Client) GetAccounts(ctx context.Context) ([]AccountInfo, error) {
	var accounts []AccountInfo
	if err := c.do(ctx, http.MethodGet, "/portfolio/accounts", nil, nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// LedgerEntry 单币种资金账本
type LedgerEntry struct {
	Currency            string  `json:"currency"`
	CashBalance         float64 `json:"cashbalance"`
	SettledCash         float64 `json:"settledcash"`
	NetLiquidationValue float64 `json:"netliquidationvalue"`
	UnrealizedPnL       float64 `json:"unrealizedpnl"`
	StockMarketValue    float64 `json:"stockmarketvalue"`
}

// GetLedger 获取账户资金账本（按币种分组，BASE 为汇总项）
func (c *Client) GetLedger(ctx context.Context, accountID string) (map[string]LedgerEntry, error) {
	ledger := make(map[string]LedgerEntry)
	path := "/portfolio/" + accountID + "/ledger"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// GetPositions 获取账户持仓，返回原始报文列表
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]map[string]interface{}, error) {
	var positions []map[string]interface{}
	path := "/portfolio/" + accountID + "/positions/0"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// GetTrades 获取近期成交，返回原始报文列表
// Client Portal 只保留最近数天的成交，更久的历史需要 Flex 报表
func (c *Client) GetTrades(ctx context.Context, days int) ([]map[string]interface{}, error) {
	params := url.Values{}
	if days > 0 {
		params.Set("days", fmt.Sprintf("%d", days))
	}

	var trades []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/iserver/account/trades", params, nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// AuthStatus 会话认证状态
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

// GetAuthStatus 查询会话认证状态
func (c *Client) GetAuthStatus(ctx context.Context) (*AuthStatus, error) {
	var status AuthStatus
	if err := c.do(ctx, http.MethodPost, "/iserver/auth/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Tickle 会话保活
func (c *Client) Tickle(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/tickle", nil, nil, nil)
}

// RefreshToken 用刷新令牌换取新的访问令牌
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", broker.NewError(broker.ErrBrokerUnavailable, "IBKR 网关不可达: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", broker.WrapNetwork(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", broker.NewError(broker.ErrInvalidCredentials, "IBKR 令牌刷新失败: HTTP %d %s",
			resp.StatusCode, string(respBody))
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &token); err != nil {
		return "", fmt.Errorf("解析令牌失败: %w", err)
	}
	if token.AccessToken == "" {
		return "", broker.NewError(broker.ErrInvalidCredentials, "IBKR 返回空访问令牌")
	}
	return token.AccessToken, nil
}
