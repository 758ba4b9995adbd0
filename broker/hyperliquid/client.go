package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tradevault/broker"
)

const (
	// 主网 API 地址
	MainnetRestURL = "https://api.hyperliquid.xyz"
	// 测试网 API 地址
	TestnetRestURL = "https://api.hyperliquid-testnet.xyz"
)

// Client Hyperliquid info API 客户端
// 链上数据公开可查，读取接口不需要签名：
// 所有查询都是 POST /info，请求体用 type 字段区分查询类型
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient 创建 Hyperliquid 客户端
func NewClient(useTestnet bool) *Client {
	baseURL := MainnetRestURL
	if useTestnet {
		baseURL = TestnetRestURL
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
	}
}

// SetBaseURL 覆盖 API 地址（测试用）
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// info 发送 info 查询
func (c *Client) info(ctx context.Context, payload map[string]interface{}, out interface{}) (err error) {
	endpoint, _ := payload["type"].(string)
	start := time.Now()
	defer func() { broker.ObserveAPICall("hyperliquid", endpoint, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return broker.WrapNetwork(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
	case resp.StatusCode == http.StatusTooManyRequests:
		return broker.NewRateLimitError(0, "Hyperliquid 限流: %s", string(respBody))
	case resp.StatusCode >= 500:
		return broker.NewError(broker.ErrBrokerUnavailable, "Hyperliquid 服务不可用: HTTP %d", resp.StatusCode)
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

// MarginSummary 保证金概览
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

// ClearinghouseState 账户清算所状态（余额 + 持仓）
type ClearinghouseState struct {
	MarginSummary  MarginSummary            `json:"marginSummary"`
	Withdrawable   string                   `json:"withdrawable"`
	AssetPositions []map[string]interface{} `json:"assetPositions"`
}

// GetClearinghouseState 获取账户状态
func (c *Client) GetClearinghouseState(ctx context.Context, address string) (*ClearinghouseState, error) {
	var state ClearinghouseState
	err := c.info(ctx, map[string]interface{}{
		"type": "clearinghouseState",
		"user": address,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetUserFills 获取用户成交记录，返回原始报文列表
func (c *Client) GetUserFills(ctx context.Context, address string) ([]map[string]interface{}, error) {
	var fills []map[string]interface{}
	err := c.info(ctx, map[string]interface{}{
		"type": "userFills",
		"user": address,
	}, &fills)
	if err != nil {
		return nil, err
	}
	return fills, nil
}

// GetUserFillsByTime 按时间窗口获取成交记录
func (c *Client) GetUserFillsByTime(ctx context.Context, address string, startTime, endTime time.Time) ([]map[string]interface{}, error) {
	payload := map[string]interface{}{
		"type":      "userFillsByTime",
		"user":      address,
		"startTime": startTime.UnixMilli(),
	}
	if !endTime.IsZero() {
		payload["endTime"] = endTime.UnixMilli()
	}

	var fills []map[string]interface{}
	if err := c.info(ctx, payload, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// GetOpenOrders 获取未成交订单，返回原始报文列表
func (c *Client) GetOpenOrders(ctx context.Context, address string) ([]map[string]interface{}, error) {
	var orders []map[string]interface{}
	err := c.info(ctx, map[string]interface{}{
		"type": "openOrders",
		"user": address,
	}, &orders)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// UniverseAsset 可交易合约
type UniverseAsset struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

// Meta 交易所元数据
type ExchangeMeta struct {
	Universe []UniverseAsset `json:"universe"`
}

// GetMeta 获取可交易合约列表
func (c *Client) GetMeta(ctx context.Context) (*ExchangeMeta, error) {
	var meta ExchangeMeta
	if err := c.info(ctx, map[string]interface{}{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetCandleSnapshot 获取 K 线快照，返回原始报文列表
// 返回按时间升序的蜡烛对象，o/h/l/c/v 为字符串数值
func (c *Client) GetCandleSnapshot(ctx context.Context, coin, interval string, startTime, endTime time.Time) ([]map[string]interface{}, error) {
	var candles []map[string]interface{}
	err := c.info(ctx, map[string]interface{}{
		"type": "candleSnapshot",
		"req": map[string]interface{}{
			"coin":      coin,
			"interval":  interval,
			"startTime": startTime.UnixMilli(),
			"endTime":   endTime.UnixMilli(),
		},
	}, &candles)
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// GetAllMids 获取全部合约的中间价
func (c *Client) GetAllMids(ctx context.Context) (map[string]string, error) {
	var mids map[string]string
	if err := c.info(ctx, map[string]interface{}{"type": "allMids"}, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}
