package bybit

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"tradevault/broker"
	"tradevault/logger"
)

// tradeCategories 拉取成交时覆盖的产品类别
// 统一账户下现货与 USDT 合约共用同一份凭证
var tradeCategories = []string{"spot", "linear"}

// brokerMeta 静态元数据（构造一次，所有实例共享）
var brokerMeta = &broker.Metadata{
	ID:             "bybit",
	Name:           "Bybit",
	Category:       broker.CategoryCryptoCEX,
	ConnectionType: broker.ConnectionAPIKey,
	Features: []broker.Feature{
		broker.FeatureTrades,
		broker.FeaturePositions,
		broker.FeatureBalances,
		broker.FeatureOrders,
		broker.FeatureMarketData,
		broker.FeatureTestnet,
	},
	AssetTypes:      []broker.AssetType{broker.AssetSpot, broker.AssetFutures},
	RateLimits:      broker.RateLimits{RequestsPerMinute: 600, OrdersPerSecond: 10},
	SupportsTestnet: true,
	Website:         "https://www.bybit.com",
	DocsURL:         "https://bybit-exchange.github.io/docs/v5/intro",
}

// Meta 返回 Bybit 静态元数据
func Meta() *broker.Metadata {
	return brokerMeta
}

// Adapter Bybit 适配器（V5 统一账户）
type Adapter struct {
	*broker.BaseAdapter

	mu     sync.Mutex
	client *Client
}

var (
	_ broker.OrderManager       = (*Adapter)(nil)
	_ broker.MarketDataProvider = (*Adapter)(nil)
	_ broker.PositionMapper     = (*Adapter)(nil)
)

// New 创建未连接的 Bybit 适配器
func New() (broker.Broker, error) {
	return &Adapter{BaseAdapter: broker.NewBaseAdapter(brokerMeta)}, nil
}

// SetClient 覆盖客户端（测试用）
func (a *Adapter) SetClient(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// restClient 获取当前客户端
func (a *Adapter) restClient() *Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Connect 保存凭证并验证连接
// 验证失败时不保留凭证，保持断开状态
func (a *Adapter) Connect(ctx context.Context, creds *broker.Credentials) error {
	if err := creds.Validate(broker.ConnectionAPIKey); err != nil {
		return err
	}

	a.mu.Lock()
	if a.client == nil {
		a.client = NewClient(creds.APIKey, creds.APISecret, creds.Testnet)
	}
	a.mu.Unlock()

	a.SetCredentials(creds)
	if err := a.TestConnection(ctx); err != nil {
		a.SetDisconnected()
		a.SetError(err)
		if broker.IsCode(err, broker.ErrNetworkError) {
			return err
		}
		return broker.NewError(broker.ErrInvalidCredentials, "Bybit 连接验证失败: %v", err)
	}

	a.SetConnected()
	logger.Info("✅ [Bybit] 已连接 (testnet=%v)", creds.Testnet)
	return nil
}

// Disconnect 断开连接（幂等，永不失败）
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()

	a.SetDisconnected()
	logger.Info("🔌 [Bybit] 已断开连接")
	return nil
}

// TestConnection 通过统一账户余额接口验证凭证
func (a *Adapter) TestConnection(ctx context.Context) error {
	client := a.restClient()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "Bybit 未配置凭证")
	}
	_, err := client.GetWalletBalance(ctx)
	if err != nil {
		a.SetError(err)
	}
	return err
}

// GetAccount 获取统一账户快照
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	wallet, err := a.restClient().GetWalletBalance(ctx)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	equity, _ := strconv.ParseFloat(wallet.TotalEquity, 64)
	available, _ := strconv.ParseFloat(wallet.TotalAvailableBalance, 64)
	marginUsed, _ := strconv.ParseFloat(wallet.TotalInitialMargin, 64)
	upl, _ := strconv.ParseFloat(wallet.TotalPerpUPL, 64)

	return &broker.Account{
		AccountID:        "unified",
		Currency:         "USD",
		Balance:          equity,
		AvailableBalance: available,
		MarginUsed:       marginUsed,
		MarginAvailable:  available,
		UnrealizedPnL:    upl,
	}, nil
}

// GetBalances 获取统一账户内全部非零币种余额
func (a *Adapter) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	wallet, err := a.restClient().GetWalletBalance(ctx)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	balances := make([]*broker.Balance, 0, len(wallet.Coin))
	for _, c := range wallet.Coin {
		total, _ := strconv.ParseFloat(c.WalletBalance, 64)
		locked, _ := strconv.ParseFloat(c.Locked, 64)
		usdValue, _ := strconv.ParseFloat(c.UsdValue, 64)

		bal := &broker.Balance{
			Asset:    c.Coin,
			Free:     total - locked,
			Locked:   locked,
			Total:    total,
			USDValue: usdValue,
		}
		bal.Normalize()
		if bal.IsZero() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// GetTrades 获取成交记录
// 逐类别（现货 / USDT 合约）拉取执行明细后合并，单类别失败只跳过
func (a *Adapter) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &broker.TradeQuery{}
	}

	client := a.restClient()

	var trades []*broker.Trade
	for _, category := range tradeCategories {
		raws, err := client.GetExecutions(ctx, category, query.Symbol, query.StartTime, query.EndTime, query.Limit)
		if err != nil {
			logger.Warn("⚠️ [Bybit] 拉取 %s 成交失败，已跳过: %v", category, err)
			continue
		}
		for _, raw := range raws {
			trade, err := a.MapTrade(raw)
			if err != nil {
				logger.Warn("⚠️ [Bybit] 映射成交失败，已跳过: %v", err)
				continue
			}
			trades = append(trades, trade)
		}
	}

	// 按成交时间倒序
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.After(trades[j].ExecutedAt)
	})
	return trades, nil
}

// MapTrade 把 Bybit 执行明细映射为统一模型
// 同一笔成交映射出的 ID 恒定: bybit_<execId>
func (a *Adapter) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	execID := broker.RawString(raw, "execId")
	if execID == "" {
		return nil, broker.NewError(broker.ErrUnknown, "成交报文缺少 execId 字段")
	}

	side := broker.SideSell
	if broker.RawString(raw, "side") == "Buy" {
		side = broker.SideBuy
	}

	orderType := broker.OrderTypeMarket
	if broker.RawString(raw, "orderType") == "Limit" {
		orderType = broker.OrderTypeLimit
	}

	qty := broker.RawFloat(raw, "execQty")
	price := broker.RawFloat(raw, "execPrice")

	trade := &broker.Trade{
		ID:           broker.TradeID(brokerMeta.ID, execID),
		OrderID:      broker.RawString(raw, "orderId"),
		Symbol:       broker.RawString(raw, "symbol"),
		Side:         side,
		Type:         orderType,
		Quantity:     qty,
		Price:        price,
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       broker.OrderStatusFilled,
		Fee:          broker.RawFloat(raw, "execFee"),
		FeeCurrency:  broker.RawString(raw, "feeCurrency"),
		ExecutedAt:   time.UnixMilli(broker.RawInt64(raw, "execTime")),
		Raw:          raw,
	}
	// 平仓执行携带已实现盈亏
	if _, ok := raw["closedPnl"]; ok {
		pnl := broker.RawFloat(raw, "closedPnl")
		trade.RealizedPnL = &pnl
	}
	return trade, nil
}

// GetPositions 获取 USDT 合约持仓
func (a *Adapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	raws, err := a.restClient().GetPositions(ctx, "linear", "USDT")
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	positions := make([]*broker.Position, 0, len(raws))
	for _, raw := range raws {
		pos, err := a.MapPosition(raw)
		if err != nil {
			logger.Warn("⚠️ [Bybit] 映射持仓失败，已跳过: %v", err)
			continue
		}
		if pos == nil {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// MapPosition 把 Bybit 持仓报文映射为统一模型
// 零仓位（已平仓残留条目）返回 nil 而不是错误
func (a *Adapter) MapPosition(raw map[string]interface{}) (*broker.Position, error) {
	symbol := broker.RawString(raw, "symbol")
	if symbol == "" {
		return nil, broker.NewError(broker.ErrUnknown, "持仓报文缺少 symbol 字段")
	}

	qty := broker.RawFloat(raw, "size")
	if qty == 0 {
		return nil, nil
	}

	side := broker.PositionLong
	if broker.RawString(raw, "side") == "Sell" {
		side = broker.PositionShort
	}

	marginType := broker.MarginCross
	if broker.RawInt64(raw, "tradeMode") == 1 {
		marginType = broker.MarginIsolated
	}

	return &broker.Position{
		Symbol:           symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       broker.RawFloat(raw, "avgPrice"),
		CurrentPrice:     broker.RawFloat(raw, "markPrice"),
		UnrealizedPnL:    broker.RawFloat(raw, "unrealisedPnl"),
		RealizedPnL:      broker.RawFloat(raw, "curRealisedPnl"),
		Leverage:         broker.RawFloat(raw, "leverage"),
		LiquidationPrice: broker.RawFloat(raw, "liqPrice"),
		MarginType:       marginType,
		AssetType:        broker.AssetFutures,
		UpdatedAt:        time.Now(),
	}, nil
}

// Sync 统一同步流程
func (a *Adapter) Sync(ctx context.Context, opts *broker.SyncOptions) *broker.SyncResult {
	return a.RunSync(ctx, a, opts)
}

// GetOpenOrders 查询未成交订单（现货 + USDT 合约）
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]*broker.Order, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	var orders []*broker.Order
	for _, category := range tradeCategories {
		raws, err := a.restClient().GetOpenOrders(ctx, category, symbol)
		if err != nil {
			logger.Warn("⚠️ [Bybit] 查询 %s 挂单失败，已跳过: %v", category, err)
			continue
		}
		for _, raw := range raws {
			orders = append(orders, mapOrder(raw))
		}
	}
	return orders, nil
}

// GetOrder 按订单 ID 查询单个订单
// 订单归属类别未知，逐类别查找
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*broker.Order, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client := a.restClient()
	for _, category := range tradeCategories {
		raw, err := client.GetOrder(ctx, category, symbol, orderID)
		if err != nil {
			logger.Warn("⚠️ [Bybit] 查询 %s 订单失败，已跳过: %v", category, err)
			continue
		}
		if raw != nil {
			return mapOrder(raw), nil
		}
	}
	return nil, broker.NewError(broker.ErrUnknown, "未找到订单 %s", orderID)
}

// CancelOrder 撤销订单
// 逐类别尝试，任一类别接受即视为已撤销
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.EnsureConnected(); err != nil {
		return err
	}

	client := a.restClient()
	var lastErr error
	for _, category := range tradeCategories {
		if err := client.CancelOrder(ctx, category, symbol, orderID); err != nil {
			lastErr = err
			continue
		}
		logger.Info("🔄 [Bybit] 已撤销订单 %s (%s)", orderID, category)
		return nil
	}
	return lastErr
}

// CancelAllOrders 撤销全部挂单（现货 + USDT 合约）
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.EnsureConnected(); err != nil {
		return err
	}

	client := a.restClient()
	var lastErr error
	for _, category := range tradeCategories {
		if err := client.CancelAllOrders(ctx, category, symbol); err != nil {
			logger.Warn("⚠️ [Bybit] 撤销 %s 挂单失败: %v", category, err)
			lastErr = err
		}
	}
	return lastErr
}

// mapOrder 把订单原始报文映射为统一模型
func mapOrder(raw map[string]interface{}) *broker.Order {
	qty := broker.RawFloat(raw, "qty")
	filled := broker.RawFloat(raw, "cumExecQty")

	side := broker.SideSell
	if broker.RawString(raw, "side") == "Buy" {
		side = broker.SideBuy
	}

	orderType := broker.OrderTypeMarket
	if broker.RawString(raw, "orderType") == "Limit" {
		orderType = broker.OrderTypeLimit
	}

	return &broker.Order{
		ID:           broker.TradeID(brokerMeta.ID, broker.RawString(raw, "orderId")),
		OrderID:      broker.RawString(raw, "orderId"),
		Symbol:       broker.RawString(raw, "symbol"),
		Side:         side,
		Type:         orderType,
		Quantity:     qty,
		Price:        broker.RawFloat(raw, "price"),
		StopPrice:    broker.RawFloat(raw, "triggerPrice"),
		FilledQty:    filled,
		RemainingQty: qty - filled,
		AvgFillPrice: broker.RawFloat(raw, "avgPrice"),
		TimeInForce:  broker.RawString(raw, "timeInForce"),
		Status:       mapOrderStatus(broker.RawString(raw, "orderStatus")),
		CreatedAt:    time.UnixMilli(broker.RawInt64(raw, "createdTime")),
		UpdatedAt:    time.UnixMilli(broker.RawInt64(raw, "updatedTime")),
		Raw:          raw,
	}
}

// mapOrderStatus 映射订单状态
func mapOrderStatus(s string) broker.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return broker.OrderStatusNew
	case "PartiallyFilled":
		return broker.OrderStatusPartiallyFilled
	case "Filled":
		return broker.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return broker.OrderStatusCanceled
	case "Rejected":
		return broker.OrderStatusRejected
	case "Deactivated":
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusNew
	}
}

// GetSymbols 获取现货可交易标的元数据
func (a *Adapter) GetSymbols(ctx context.Context) ([]*broker.Symbol, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	instruments, err := a.restClient().GetInstruments(ctx, "spot")
	if err != nil {
		return nil, err
	}

	symbols := make([]*broker.Symbol, 0, len(instruments))
	for _, ins := range instruments {
		step, _ := strconv.ParseFloat(ins.LotSizeFilter.QtyStep, 64)
		minNotional, _ := strconv.ParseFloat(ins.LotSizeFilter.MinOrderAmt, 64)

		symbols = append(symbols, &broker.Symbol{
			Symbol:      ins.Symbol,
			BaseAsset:   ins.BaseCoin,
			QuoteAsset:  ins.QuoteCoin,
			Status:      ins.Status,
			StepSize:    step,
			MinNotional: minNotional,
		})
	}
	return symbols, nil
}

// GetTicker 获取行情快照
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*broker.Ticker, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	t, err := a.restClient().GetTicker(ctx, "spot", symbol)
	if err != nil {
		return nil, err
	}

	last, _ := strconv.ParseFloat(t.LastPrice, 64)
	bid, _ := strconv.ParseFloat(t.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(t.Ask1Price, 64)
	volume, _ := strconv.ParseFloat(t.Volume24h, 64)
	change, _ := strconv.ParseFloat(t.Price24hPcnt, 64)

	return &broker.Ticker{
		Symbol:       t.Symbol,
		LastPrice:    last,
		BidPrice:     bid,
		AskPrice:     ask,
		Volume24h:    volume,
		ChangePct24h: change * 100, // Bybit 返回小数形式的涨跌幅
		UpdatedAt:    time.Now(),
	}, nil
}

// GetOHLCV 获取 K 线数据
func (a *Adapter) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*broker.OHLCV, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	klines, err := a.restClient().GetKlines(ctx, "spot", symbol, mapInterval(interval), limit)
	if err != nil {
		return nil, err
	}

	result := make([]*broker.OHLCV, 0, len(klines))
	for _, k := range klines {
		if len(k) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(k[0], 10, 64)
		result = append(result, &broker.OHLCV{
			OpenTime: time.UnixMilli(ts),
			Open:     parseKlineFloat(k[1]),
			High:     parseKlineFloat(k[2]),
			Low:      parseKlineFloat(k[3]),
			Close:    parseKlineFloat(k[4]),
			Volume:   parseKlineFloat(k[5]),
		})
	}

	// Bybit 返回倒序 K 线，翻转为时间升序
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// mapInterval 把通用周期写法映射为 Bybit V5 的周期标识
func mapInterval(interval string) string {
	switch interval {
	case "1m":
		return "1"
	case "3m":
		return "3"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "30m":
		return "30"
	case "1h":
		return "60"
	case "2h":
		return "120"
	case "4h":
		return "240"
	case "6h":
		return "360"
	case "12h":
		return "720"
	case "1d":
		return "D"
	case "1w":
		return "W"
	default:
		return interval
	}
}

// parseKlineFloat K 线字段为字符串形式的数值
func parseKlineFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
