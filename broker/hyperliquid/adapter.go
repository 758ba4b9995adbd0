package hyperliquid

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradevault/broker"
	"tradevault/logger"
)

// brokerMeta 静态元数据（构造一次，所有实例共享）
// 只读集成：凭证是公开的钱包地址，不持有任何私钥，不支持下单
var brokerMeta = &broker.Metadata{
	ID:             "hyperliquid",
	Name:           "Hyperliquid",
	Category:       broker.CategoryCryptoDEX,
	ConnectionType: broker.ConnectionWallet,
	Features: []broker.Feature{
		broker.FeatureTrades,
		broker.FeaturePositions,
		broker.FeatureBalances,
		broker.FeatureMarketData,
		broker.FeatureTestnet,
	},
	AssetTypes:      []broker.AssetType{broker.AssetFutures},
	RateLimits:      broker.RateLimits{RequestsPerMinute: 300},
	SupportsTestnet: true,
	Website:         "https://hyperliquid.xyz",
	DocsURL:         "https://hyperliquid.gitbook.io/hyperliquid-docs",
}

// Meta 返回 Hyperliquid 静态元数据
func Meta() *broker.Metadata {
	return brokerMeta
}

// Adapter Hyperliquid 适配器
// 通过公开 info API 轮询链上账户状态，Credentials.APIKey 承载钱包地址
type Adapter struct {
	*broker.BaseAdapter

	mu      sync.Mutex
	client  *Client
	address string
}

var _ broker.MarketDataProvider = (*Adapter)(nil)

// New 创建未连接的 Hyperliquid 适配器
func New() (broker.Broker, error) {
	return &Adapter{BaseAdapter: broker.NewBaseAdapter(brokerMeta)}, nil
}

// SetClient 覆盖客户端（测试用）
func (a *Adapter) SetClient(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// restClient 获取当前客户端与钱包地址
func (a *Adapter) restClient() (*Client, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, a.address
}

// validAddress 校验 EVM 地址格式（0x + 40 位十六进制）
func validAddress(addr string) bool {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Connect 保存钱包地址并验证可查询
func (a *Adapter) Connect(ctx context.Context, creds *broker.Credentials) error {
	if err := creds.Validate(broker.ConnectionWallet); err != nil {
		return err
	}
	if !validAddress(creds.APIKey) {
		return broker.NewError(broker.ErrInvalidCredentials, "无效的钱包地址: 须为 0x 开头的 40 位十六进制")
	}

	a.mu.Lock()
	if a.client == nil {
		a.client = NewClient(creds.Testnet)
	}
	a.address = creds.APIKey
	a.mu.Unlock()

	a.SetCredentials(creds)
	if err := a.TestConnection(ctx); err != nil {
		a.SetDisconnected()
		a.SetError(err)
		if broker.IsCode(err, broker.ErrNetworkError) || broker.IsCode(err, broker.ErrBrokerUnavailable) {
			return err
		}
		return broker.NewError(broker.ErrInvalidCredentials, "Hyperliquid 连接验证失败: %v", err)
	}

	a.SetConnected()
	logger.Info("✅ [Hyperliquid] 已连接 (testnet=%v)", creds.Testnet)
	return nil
}

// Disconnect 断开连接（幂等，永不失败）
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.address = ""
	a.mu.Unlock()

	a.SetDisconnected()
	logger.Info("🔌 [Hyperliquid] 已断开连接")
	return nil
}

// TestConnection 验证地址可查询
// 链上地址没有认证失败的概念，只要能返回结构完整的账户状态即视为有效
func (a *Adapter) TestConnection(ctx context.Context) error {
	client, address := a.restClient()
	if client == nil || address == "" {
		return broker.NewError(broker.ErrInvalidCredentials, "Hyperliquid 未配置钱包地址")
	}
	_, err := client.GetClearinghouseState(ctx, address)
	if err != nil {
		a.SetError(err)
	}
	return err
}

// GetAccount 获取账户快照（USDC 本位的永续合约账户）
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, address := a.restClient()
	state, err := client.GetClearinghouseState(ctx, address)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	accountValue := parseFloat(state.MarginSummary.AccountValue)
	marginUsed := parseFloat(state.MarginSummary.TotalMarginUsed)
	withdrawable := parseFloat(state.Withdrawable)

	return &broker.Account{
		AccountID:        address,
		Currency:         "USDC",
		Balance:          accountValue,
		AvailableBalance: withdrawable,
		MarginUsed:       marginUsed,
		MarginAvailable:  accountValue - marginUsed,
	}, nil
}

// GetBalances 获取余额
// 永续账户是 USDC 单币种保证金，返回单条 USDC 余额
func (a *Adapter) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, address := a.restClient()
	state, err := client.GetClearinghouseState(ctx, address)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	accountValue := parseFloat(state.MarginSummary.AccountValue)
	withdrawable := parseFloat(state.Withdrawable)

	bal := &broker.Balance{
		Asset:    "USDC",
		Free:     withdrawable,
		Locked:   accountValue - withdrawable,
		Total:    accountValue,
		USDValue: accountValue,
	}
	bal.Normalize()
	if bal.IsZero() {
		return []*broker.Balance{}, nil
	}
	return []*broker.Balance{bal}, nil
}

// GetTrades 获取成交记录
// 指定了起始时间时用窗口接口，否则拉取最近全量成交
func (a *Adapter) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &broker.TradeQuery{}
	}

	client, address := a.restClient()

	var (
		raws []map[string]interface{}
		err  error
	)
	if !query.StartTime.IsZero() {
		raws, err = client.GetUserFillsByTime(ctx, address, query.StartTime, query.EndTime)
	} else {
		raws, err = client.GetUserFills(ctx, address)
	}
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	trades := make([]*broker.Trade, 0, len(raws))
	for _, raw := range raws {
		if query.Symbol != "" && broker.RawString(raw, "coin") != query.Symbol {
			continue
		}
		trade, err := a.MapTrade(raw)
		if err != nil {
			logger.Warn("⚠️ [Hyperliquid] 映射成交失败，已跳过: %v", err)
			continue
		}
		trades = append(trades, trade)
	}

	// 按成交时间倒序
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.After(trades[j].ExecutedAt)
	})
	if query.Limit > 0 && len(trades) > query.Limit {
		trades = trades[:query.Limit]
	}
	return trades, nil
}

// MapTrade 把链上成交（fill）映射为统一模型
// 同一笔成交映射出的 ID 恒定: hyperliquid_<tid>
func (a *Adapter) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	tid := broker.RawString(raw, "tid")
	if tid == "" || tid == "0" {
		return nil, broker.NewError(broker.ErrUnknown, "成交报文缺少 tid 字段")
	}

	// side: B 买入 / A 卖出
	side := broker.SideSell
	if broker.RawString(raw, "side") == "B" {
		side = broker.SideBuy
	}

	qty := broker.RawFloat(raw, "sz")
	price := broker.RawFloat(raw, "px")

	trade := &broker.Trade{
		ID:           broker.TradeID(brokerMeta.ID, tid),
		OrderID:      broker.RawString(raw, "oid"),
		Symbol:       broker.RawString(raw, "coin"),
		Side:         side,
		Type:         broker.OrderTypeMarket,
		Quantity:     qty,
		Price:        price,
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       broker.OrderStatusFilled,
		Fee:          broker.RawFloat(raw, "fee"),
		FeeCurrency:  broker.RawString(raw, "feeToken"),
		PositionSide: broker.PositionBoth,
		ExecutedAt:   time.UnixMilli(broker.RawInt64(raw, "time")),
		Raw:          raw,
	}
	// 平仓成交携带已实现盈亏
	if _, ok := raw["closedPnl"]; ok {
		pnl := broker.RawFloat(raw, "closedPnl")
		trade.RealizedPnL = &pnl
	}
	return trade, nil
}

// GetPositions 从清算所状态解析当前持仓
// szi 为带符号的仓位数量，负值表示空头
func (a *Adapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, address := a.restClient()
	state, err := client.GetClearinghouseState(ctx, address)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	positions := make([]*broker.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		pos, ok := ap["position"].(map[string]interface{})
		if !ok {
			continue
		}

		qty := broker.RawFloat(pos, "szi")
		if qty == 0 {
			continue
		}
		side := broker.PositionLong
		if qty < 0 {
			side = broker.PositionShort
			qty = -qty
		}

		leverage := 0.0
		marginType := broker.MarginCross
		if lev, ok := pos["leverage"].(map[string]interface{}); ok {
			leverage = broker.RawFloat(lev, "value")
			if broker.RawString(lev, "type") == "isolated" {
				marginType = broker.MarginIsolated
			}
		}

		positions = append(positions, &broker.Position{
			Symbol:           broker.RawString(pos, "coin"),
			Side:             side,
			Quantity:         qty,
			EntryPrice:       broker.RawFloat(pos, "entryPx"),
			UnrealizedPnL:    broker.RawFloat(pos, "unrealizedPnl"),
			Leverage:         leverage,
			LiquidationPrice: broker.RawFloat(pos, "liquidationPx"),
			MarginType:       marginType,
			AssetType:        broker.AssetFutures,
			UpdatedAt:        time.Now(),
		})
	}
	return positions, nil
}

// Sync 统一同步流程
func (a *Adapter) Sync(ctx context.Context, opts *broker.SyncOptions) *broker.SyncResult {
	return a.RunSync(ctx, a, opts)
}

// GetSymbols 获取可交易合约元数据
func (a *Adapter) GetSymbols(ctx context.Context) ([]*broker.Symbol, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, _ := a.restClient()
	meta, err := client.GetMeta(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]*broker.Symbol, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		status := "trading"
		if asset.IsDelisted {
			status = "delisted"
		}
		symbols = append(symbols, &broker.Symbol{
			Symbol:       asset.Name,
			BaseAsset:    asset.Name,
			QuoteAsset:   "USDC",
			Status:       status,
			QtyPrecision: asset.SzDecimals,
		})
	}
	return symbols, nil
}

// GetTicker 获取中间价快照
// info API 没有完整行情接口，买卖价与成交量留空
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*broker.Ticker, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, _ := a.restClient()
	mids, err := client.GetAllMids(ctx)
	if err != nil {
		return nil, err
	}

	mid, ok := mids[symbol]
	if !ok {
		return nil, broker.NewError(broker.ErrInvalidSymbol, "未找到 %s 的行情", symbol)
	}

	return &broker.Ticker{
		Symbol:    symbol,
		LastPrice: parseFloat(mid),
		UpdatedAt: time.Now(),
	}, nil
}

// GetOHLCV 获取 K 线数据
// candleSnapshot 要求显式时间窗口，按 limit 个周期从当前时刻回推起点
func (a *Adapter) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*broker.OHLCV, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	span, err := intervalDuration(interval)
	if err != nil {
		return nil, err
	}

	end := time.Now()
	client, _ := a.restClient()
	raws, err := client.GetCandleSnapshot(ctx, symbol, interval, end.Add(-time.Duration(limit)*span), end)
	if err != nil {
		return nil, err
	}

	result := make([]*broker.OHLCV, 0, len(raws))
	for _, raw := range raws {
		result = append(result, &broker.OHLCV{
			OpenTime: time.UnixMilli(broker.RawInt64(raw, "t")),
			Open:     broker.RawFloat(raw, "o"),
			High:     broker.RawFloat(raw, "h"),
			Low:      broker.RawFloat(raw, "l"),
			Close:    broker.RawFloat(raw, "c"),
			Volume:   broker.RawFloat(raw, "v"),
		})
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// intervalDuration 解析 K 线周期
func intervalDuration(interval string) (time.Duration, error) {
	switch interval {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	default:
		return 0, broker.NewError(broker.ErrUnknown, "不支持的 K 线周期: %s", interval)
	}
}

// parseFloat 宽松解析数值字符串
func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
