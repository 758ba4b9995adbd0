package binance

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"tradevault/broker"
)

const (
	// 主网 API 地址
	MainnetRestURL = "https://api.binance.com"
	// 测试网 API 地址
	TestnetRestURL = "https://testnet.binance.vision"

	// 合约主网 API 地址
	FuturesMainnetRestURL = "https://fapi.binance.com"
	// 合约测试网 API 地址
	FuturesTestnetRestURL = "https://testnet.binancefuture.com"
)

// Client Binance 现货 REST API 客户端
// 签名算法：对字面查询字符串 k1=v1&k2=v2...&timestamp=<ms> 做
// HMAC-SHA256(secret) 取十六进制摘要，追加 &signature=<hex>，
// API Key 放在 X-MBX-APIKEY 请求头
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient 创建 Binance 客户端
func NewClient(apiKey, apiSecret string, useTestnet bool) *Client {
	baseURL := MainnetRestURL
	if useTestnet {
		baseURL = TestnetRestURL
	}

	return &Client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// 客户端侧限速：避免多交易对并发拉取成交时触发交易所限流
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		now:     time.Now,
	}
}

// SetBaseURL 覆盖 API 地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Sign 对查询字符串生成签名
func (c *Client) Sign(queryString string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(queryString))
	return hex.EncodeToString(h.Sum(nil))
}

// signedRequest 发送签名请求
// 时间戳必须取调用时刻的墙钟时间：服务端会拒绝超出 recvWindow 的时钟偏移
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, broker.WrapNetwork(err)
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("recvWindow", "5000")
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))

	queryString := params.Encode()
	queryString += "&signature=" + c.Sign(queryString)

	start := time.Now()
	data, err := c.do(ctx, method, path+"?"+queryString, true)
	broker.ObserveAPICall("binance", path, start, err)
	return data, err
}

// publicRequest 发送公开请求（无需签名）
func (c *Client) publicRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, broker.WrapNetwork(err)
	}

	fullPath := path
	if len(params) > 0 {
		fullPath += "?" + params.Encode()
	}

	start := time.Now()
	data, err := c.do(ctx, http.MethodGet, fullPath, false)
	broker.ObserveAPICall("binance", path, start, err)
	return data, err
}

// do 执行 HTTP 请求并做统一错误映射
func (c *Client) do(ctx context.Context, method, pathWithQuery string, signed bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.WrapNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, broker.WrapNetwork(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp, respBody)
	}

	return respBody, nil
}

// apiError Binance 错误响应
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapHTTPError 把 Binance 错误响应映射为统一错误码
func mapHTTPError(resp *http.Response, body []byte) error {
	// 418/429 为限流信号，Retry-After 头给出建议等待秒数
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return broker.NewRateLimitError(retryAfter, "Binance 限流: %s", string(body)).
			WithBrokerCode(strconv.Itoa(resp.StatusCode))
	}

	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Code == 0 {
		return broker.NewError(broker.ErrUnknown, "HTTP %d: %s", resp.StatusCode, string(body))
	}

	brokerCode := strconv.Itoa(ae.Code)
	switch ae.Code {
	case -2014, -2015, -1022, -1002:
		// 无效 API Key / 签名不匹配 / 未授权
		return broker.NewError(broker.ErrInvalidCredentials, "Binance 认证失败: %s", ae.Msg).
			WithBrokerCode(brokerCode)
	case -1003:
		return broker.NewRateLimitError(0, "Binance 限流: %s", ae.Msg).WithBrokerCode(brokerCode)
	case -1121:
		return broker.NewError(broker.ErrInvalidSymbol, "无效交易对: %s", ae.Msg).WithBrokerCode(brokerCode)
	case -2010:
		return broker.NewError(broker.ErrOrderRejected, "订单被拒绝: %s", ae.Msg).WithBrokerCode(brokerCode)
	case -2011:
		return broker.NewError(broker.ErrOrderRejected, "撤单被拒绝: %s", ae.Msg).WithBrokerCode(brokerCode)
	default:
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return broker.NewError(broker.ErrInsufficientPermissions, "Binance 权限不足: %s", ae.Msg).
				WithBrokerCode(brokerCode)
		}
		return broker.NewError(broker.ErrUnknown, "Binance API 错误: %s", ae.Msg).WithBrokerCode(brokerCode)
	}
}

// decodeRawList 解码为保留原始字段的 map 列表
// 使用 json.Number 避免大整数（成交 ID）精度丢失
func decodeRawList(data []byte) ([]map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	return raw, nil
}

// AccountBalance 账户内单一资产
type AccountBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// AccountInfo 现货账户信息
type AccountInfo struct {
	CanTrade    bool             `json:"canTrade"`
	CanWithdraw bool             `json:"canWithdraw"`
	CanDeposit  bool             `json:"canDeposit"`
	AccountType string           `json:"accountType"`
	Balances    []AccountBalance `json:"balances"`
	Permissions []string         `json:"permissions"`
}

// GetAccount 获取现货账户信息
func (c *Client) GetAccount(ctx context.Context) (*AccountInfo, error) {
	data, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/account", nil)
	if err != nil {
		return nil, err
	}

	var account AccountInfo
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("解析账户信息失败: %w", err)
	}
	return &account, nil
}

// GetMyTrades 按交易对查询成交历史，返回原始报文列表
// Binance 没有跨交易对的全量成交接口，只能逐交易对查询
func (c *Client) GetMyTrades(ctx context.Context, symbol string, startTime, endTime time.Time, limit int) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !startTime.IsZero() {
		params.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
	}
	if !endTime.IsZero() {
		params.Set("endTime", strconv.FormatInt(endTime.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	return decodeRawList(data)
}

// GetOpenOrders 查询未成交订单，返回原始报文列表
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]map[string]interface{}, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	data, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	return decodeRawList(data)
}

// GetOrder 查询单个订单
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	data, err := c.signedRequest(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("解析订单失败: %w", err)
	}
	return raw, nil
}

// CancelOrder 撤销订单
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// CancelAllOrders 撤销指定交易对的全部挂单
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/api/v3/openOrders", params)
	return err
}

// SymbolInfo 交易对信息
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Filters    []struct {
		FilterType  string `json:"filterType"`
		StepSize    string `json:"stepSize"`
		MinNotional string `json:"minNotional"`
		TickSize    string `json:"tickSize"`
	} `json:"filters"`
	QuotePrecision     int `json:"quotePrecision"`
	BaseAssetPrecision int `json:"baseAssetPrecision"`
}

// GetExchangeInfo 获取全部交易对信息
func (c *Client) GetExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	data, err := c.publicRequest(ctx, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("解析交易对信息失败: %w", err)
	}
	return result.Symbols, nil
}

// Ticker24h 24 小时行情
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// GetTicker24h 获取 24 小时行情
func (c *Client) GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	data, err := c.publicRequest(ctx, "/api/v3/ticker/24hr", params)
	if err != nil {
		return nil, err
	}

	var ticker Ticker24h
	if err := json.Unmarshal(data, &ticker); err != nil {
		return nil, fmt.Errorf("解析行情失败: %w", err)
	}
	return &ticker, nil
}

// GetKlines 获取 K 线数据
// Binance K 线为位置数组: [开盘时间, 开, 高, 低, 收, 成交量, ...]
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([][]interface{}, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	data, err := c.publicRequest(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var klines [][]interface{}
	if err := json.Unmarshal(data, &klines); err != nil {
		return nil, fmt.Errorf("解析K线失败: %w", err)
	}
	return klines, nil
}
