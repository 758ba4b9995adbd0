package bybit

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
	MainnetRestURL = "https://api.bybit.com"
	// 测试网 API 地址
	TestnetRestURL = "https://api-testnet.bybit.com"

	// recvWindow 服务端允许的时钟偏移窗口（毫秒）
	recvWindow = "5000"
)

// Client Bybit V5 REST API 客户端
// 签名算法：对 <timestamp><apiKey><recvWindow><queryString> 的字面拼接
// 做 HMAC-SHA256(secret) 取十六进制摘要，通过 X-BAPI-* 请求头传递
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient 创建 Bybit 客户端
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
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		now:     time.Now,
	}
}

// SetBaseURL 覆盖 API 地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Sign 对签名串生成签名
func (c *Client) Sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// request 发送签名 GET 请求
// 时间戳取调用时刻的墙钟时间，超出 recvWindow 的偏移会被服务端拒绝
func (c *Client) request(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, broker.WrapNetwork(err)
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	queryString := ""
	if params != nil {
		queryString = params.Encode()
	}

	// 签名串：timestamp + apiKey + recvWindow + queryString
	signature := c.Sign(timestamp + c.apiKey + recvWindow + queryString)

	fullURL := c.baseURL + path
	if queryString != "" {
		fullURL += "?" + queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(nil))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	c.setAuthHeaders(req, timestamp, signature)

	return c.send(req, path)
}

// post 发送签名 POST 请求
// 签名串把查询串换成 JSON 请求体：timestamp + apiKey + recvWindow + body
func (c *Client) post(ctx context.Context, path string, body map[string]interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, broker.WrapNetwork(err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("编码请求失败: %w", err)
	}

	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	signature := c.Sign(timestamp + c.apiKey + recvWindow + string(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	c.setAuthHeaders(req, timestamp, signature)

	return c.send(req, path)
}

// setAuthHeaders 设置 V5 认证请求头
func (c *Client) setAuthHeaders(req *http.Request, timestamp, signature string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
}

// send 执行请求并做统一错误映射
func (c *Client) send(req *http.Request, endpoint string) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() { broker.ObserveAPICall("bybit", endpoint, start, err) }()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.WrapNetwork(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, broker.WrapNetwork(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, broker.NewRateLimitError(0, "Bybit 限流: %s", string(respBody)).
			WithBrokerCode(strconv.Itoa(resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, broker.NewError(broker.ErrUnknown, "HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	if apiResp.RetCode != 0 {
		return nil, mapRetCode(apiResp.RetCode, apiResp.RetMsg)
	}
	return apiResp.Result, nil
}

// mapRetCode 把 Bybit 业务错误码映射为统一错误码
func mapRetCode(retCode int, retMsg string) error {
	brokerCode := strconv.Itoa(retCode)
	switch retCode {
	case 10003, 10004, 33004:
		// 无效 API Key / 签名错误 / Key 已过期
		return broker.NewError(broker.ErrInvalidCredentials, "Bybit 认证失败: %s", retMsg).
			WithBrokerCode(brokerCode)
	case 10005:
		return broker.NewError(broker.ErrInsufficientPermissions, "Bybit 权限不足: %s", retMsg).
			WithBrokerCode(brokerCode)
	case 10006, 10018:
		return broker.NewRateLimitError(0, "Bybit 限流: %s", retMsg).WithBrokerCode(brokerCode)
	case 110007, 170131:
		return broker.NewError(broker.ErrInsufficientBalance, "Bybit 余额不足: %s", retMsg).
			WithBrokerCode(brokerCode)
	case 10016:
		return broker.NewError(broker.ErrBrokerUnavailable, "Bybit 服务不可用: %s", retMsg).
			WithBrokerCode(brokerCode)
	default:
		return broker.NewError(broker.ErrUnknown, "Bybit API 错误: %s", retMsg).WithBrokerCode(brokerCode)
	}
}

// decodeRawList 解码 result.list 为保留原始字段的 map 列表
func decodeRawList(result json.RawMessage) ([]map[string]interface{}, error) {
	var wrapper struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("解析列表失败: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(wrapper.List))
	dec.UseNumber()
	var raws []map[string]interface{}
	if err := dec.Decode(&raws); err != nil {
		return nil, fmt.Errorf("解析列表失败: %w", err)
	}
	return raws, nil
}

// WalletCoin 统一账户内单一币种
type WalletCoin struct {
	Coin                string `json:"coin"`
	WalletBalance       string `json:"walletBalance"`
	Locked              string `json:"locked"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	UsdValue            string `json:"usdValue"`
}

// WalletBalance 统一账户余额
type WalletBalance struct {
	TotalEquity           string       `json:"totalEquity"`
	TotalAvailableBalance string       `json:"totalAvailableBalance"`
	TotalMarginBalance    string       `json:"totalMarginBalance"`
	TotalPerpUPL          string       `json:"totalPerpUPL"`
	TotalInitialMargin    string       `json:"totalInitialMargin"`
	Coin                  []WalletCoin `json:"coin"`
}

// GetWalletBalance 获取统一账户余额
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	result, err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", params)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		List []WalletBalance `json:"list"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("解析余额失败: %w", err)
	}
	if len(wrapper.List) == 0 {
		return nil, broker.NewError(broker.ErrUnknown, "Bybit 未返回账户数据")
	}
	return &wrapper.List[0], nil
}

// GetExecutions 获取成交明细，返回原始报文列表
func (c *Client) GetExecutions(ctx context.Context, category, symbol string, startTime, endTime time.Time, limit int) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("category", category)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if !startTime.IsZero() {
		params.Set("startTime", strconv.FormatInt(startTime.UnixMilli(), 10))
	}
	if !endTime.IsZero() {
		params.Set("endTime", strconv.FormatInt(endTime.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	result, err := c.request(ctx, http.MethodGet, "/v5/execution/list", params)
	if err != nil {
		return nil, err
	}
	return decodeRawList(result)
}

// GetPositions 获取持仓，返回原始报文列表
func (c *Client) GetPositions(ctx context.Context, category, settleCoin string) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("category", category)
	if settleCoin != "" {
		params.Set("settleCoin", settleCoin)
	}

	result, err := c.request(ctx, http.MethodGet, "/v5/position/list", params)
	if err != nil {
		return nil, err
	}
	return decodeRawList(result)
}

// GetOpenOrders 获取未成交订单，返回原始报文列表
func (c *Client) GetOpenOrders(ctx context.Context, category, symbol string) ([]map[string]interface{}, error) {
	params := url.Values{}
	params.Set("category", category)
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	result, err := c.request(ctx, http.MethodGet, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	return decodeRawList(result)
}

// GetOrder 按订单 ID 查询单个订单
// 活跃单在 realtime 接口，已完结单要落到 history 接口；都没有时返回 nil
func (c *Client) GetOrder(ctx context.Context, category, symbol, orderID string) (map[string]interface{}, error) {
	params := url.Values{}
	params.Set("category", category)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("orderId", orderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		result, err := c.request(ctx, http.MethodGet, path, params)
		if err != nil {
			return nil, err
		}
		raws, err := decodeRawList(result)
		if err != nil {
			return nil, err
		}
		if len(raws) > 0 {
			return raws[0], nil
		}
	}
	return nil, nil
}

// CancelOrder 撤销订单
func (c *Client) CancelOrder(ctx context.Context, category, symbol, orderID string) error {
	_, err := c.post(ctx, "/v5/order/cancel", map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	return err
}

// CancelAllOrders 撤销指定类别的全部挂单
// 合约类别不带 symbol 时必须给出结算币种
func (c *Client) CancelAllOrders(ctx context.Context, category, symbol string) error {
	body := map[string]interface{}{"category": category}
	if symbol != "" {
		body["symbol"] = symbol
	} else if category == "linear" {
		body["settleCoin"] = "USDT"
	}

	_, err := c.post(ctx, "/v5/order/cancel-all", body)
	return err
}

// GetKlines 获取 K 线数据
// Bybit K 线为位置数组: [开盘时间, 开, 高, 低, 收, 成交量, 成交额]，按时间倒序
func (c *Client) GetKlines(ctx context.Context, category, symbol, interval string, limit int) ([][]string, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	result, err := c.request(ctx, http.MethodGet, "/v5/market/kline", params)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		List [][]string `json:"list"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("解析K线失败: %w", err)
	}
	return wrapper.List, nil
}

// Instrument 交易对信息
type Instrument struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderAmt string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

// GetInstruments 获取交易对信息
func (c *Client) GetInstruments(ctx context.Context, category string) ([]Instrument, error) {
	params := url.Values{}
	params.Set("category", category)

	result, err := c.request(ctx, http.MethodGet, "/v5/market/instruments-info", params)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		List []Instrument `json:"list"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("解析交易对信息失败: %w", err)
	}
	return wrapper.List, nil
}

// TickerData 行情数据
type TickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Ask1Price    string `json:"ask1Price"`
	Volume24h    string `json:"volume24h"`
	Price24hPcnt string `json:"price24hPcnt"`
}

// GetTicker 获取行情
func (c *Client) GetTicker(ctx context.Context, category, symbol string) (*TickerData, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)

	result, err := c.request(ctx, http.MethodGet, "/v5/market/tickers", params)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		List []TickerData `json:"list"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("解析行情失败: %w", err)
	}
	if len(wrapper.List) == 0 {
		return nil, broker.NewError(broker.ErrInvalidSymbol, "未找到 %s 的行情", symbol)
	}
	return &wrapper.List[0], nil
}
