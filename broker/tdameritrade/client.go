package tdameritrade

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

// DefaultRestURL TD Ameritrade API 地址
const DefaultRestURL = "https://api.tdameritrade.com/v1"

// Client TD Ameritrade REST 客户端（OAuth2 Bearer 认证）
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.RWMutex
	accessToken string
}

// NewClient 创建 TD Ameritrade 客户端
// clientID 为开发者应用的 consumer key，刷新令牌时需要
func NewClient(accessToken, clientID string) *Client {
	return &Client{
		baseURL:     DefaultRestURL,
		clientID:    clientID,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

// SetBaseURL 覆盖 API 地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// SetAccessToken 更新访问令牌（令牌刷新后调用）
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// get 发送带 Bearer 认证的 GET 请求
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) (err error) {
	start := time.Now()
	defer func() { broker.ObserveAPICall("tdameritrade", path, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return broker.WrapNetwork(err)
	}

	fullURL := c.baseURL + path
	if params != nil && len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	c.mu.RLock()
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return broker.WrapNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.WrapNetwork(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 认证失败: %s", string(respBody)).
			WithBrokerCode("401")
	case resp.StatusCode == http.StatusForbidden:
		return broker.NewError(broker.ErrInsufficientPermissions, "TD Ameritrade 权限不足: %s", string(respBody)).
			WithBrokerCode("403")
	case resp.StatusCode == http.StatusTooManyRequests:
		return broker.NewRateLimitError(0, "TD Ameritrade 限流: %s", string(respBody)).WithBrokerCode("429")
	case resp.StatusCode >= 500:
		return broker.NewError(broker.ErrBrokerUnavailable, "TD Ameritrade 服务异常: HTTP %d", resp.StatusCode).
			WithBrokerCode(fmt.Sprintf("%d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return broker.NewError(broker.ErrUnknown, "HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

// CurrentBalances 账户当前余额
type CurrentBalances struct {
	CashBalance        float64 `json:"cashBalance"`
	AvailableFunds     float64 `json:"availableFunds"`
	LiquidationValue   float64 `json:"liquidationValue"`
	LongMarketValue    float64 `json:"longMarketValue"`
	ShortMarketValue   float64 `json:"shortMarketValue"`
	BuyingPower        float64 `json:"buyingPower"`
	MaintenanceRequire float64 `json:"maintenanceRequirement"`
}

// SecuritiesAccount 证券账户（含余额与持仓）
type SecuritiesAccount struct {
	AccountID       string                   `json:"accountId"`
	Type            string                   `json:"type"`
	IsDayTrader     bool                     `json:"isDayTrader"`
	CurrentBalances CurrentBalances          `json:"currentBalances"`
	Positions       []map[string]interface{} `json:"positions"`
}

// accountWrapper API 返回的账户外层结构
type accountWrapper struct {
	SecuritiesAccount SecuritiesAccount `json:"securitiesAccount"`
}

// GetAccounts 获取全部账户（含持仓字段）
func (c *Client) GetAccounts(ctx context.Context) ([]SecuritiesAccount, error) {
	params := url.Values{}
	params.Set("fields", "positions")

	var wrappers []accountWrapper
	if err := c.get(ctx, "/accounts", params, &wrappers); err != nil {
		return nil, err
	}

	accounts := make([]SecuritiesAccount, 0, len(wrappers))
	for _, w := range wrappers {
		accounts = append(accounts, w.SecuritiesAccount)
	}
	return accounts, nil
}

// GetAccount 获取单个账户（含持仓字段）
func (c *Client) GetAccount(ctx context.Context, accountID string) (*SecuritiesAccount, error) {
	params := url.Values{}
	params.Set("fields", "positions")

	var wrapper accountWrapper
	if err := c.get(ctx, "/accounts/"+accountID, params, &wrapper); err != nil {
		return nil, err
	}
	return &wrapper.SecuritiesAccount, nil
}

// GetTransactions 获取交易流水，返回原始报文列表
// type=TRADE 只取成交，入金 / 分红等其他流水类型不属于成交记录
func (c *Client) GetTransactions(ctx context.Context, accountID string, startDate, endDate time.Time) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("type", "TRADE")
	if !startDate.IsZero() {
		params.Set("startDate", startDate.Format("2006-01-02"))
	}
	if !endDate.IsZero() {
		params.Set("endDate", endDate.Format("2006-01-02"))
	}

	var txns []map[string]interface{}
	if err := c.get(ctx, "/accounts/"+accountID+"/transactions", params, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

// RefreshToken 用刷新令牌换取新的访问令牌
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", broker.WrapNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", broker.WrapNetwork(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 令牌刷新失败: HTTP %d %s",
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
		return "", broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 返回空访问令牌")
	}
	return token.AccessToken, nil
}
