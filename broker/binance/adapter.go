package binance

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"tradevault/broker"
	"tradevault/logger"
)

// maxTradeSymbols 成交拉取的交易对数量上限
// Binance 没有全量成交接口，只能按交易对逐个查询；
// 限制数量避免把请求配额耗在长尾资产上
const maxTradeSymbols = 10

// quoteAssets 作为计价资产出现的稳定币，不参与交易对推导
var quoteAssets = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"BUSD":  true,
	"FDUSD": true,
}

// brokerMeta 静态元数据（构造一次，所有实例共享）
var brokerMeta = &broker.Metadata{
	ID:             "binance",
	Name:           "Binance",
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
	RateLimits:      broker.RateLimits{RequestsPerMinute: 1200, OrdersPerSecond: 10},
	SupportsTestnet: true,
	Website:         "https://www.binance.com",
	DocsURL:         "https://binance-docs.github.io/apidocs/spot/en/",
}

// Meta 返回 Binance 静态元数据
func Meta() *broker.Metadata {
	return brokerMeta
}

// Adapter Binance 适配器
// 现货走自建签名客户端，合约持仓通过官方 SDK 乐观探测
type Adapter struct {
	*broker.BaseAdapter

	mu            sync.Mutex
	client        *Client
	futuresClient *futures.Client
}

var (
	_ broker.OrderManager       = (*Adapter)(nil)
	_ broker.MarketDataProvider = (*Adapter)(nil)
)

// New 创建未连接的 Binance 适配器
func New() (broker.Broker, error) {
	return &Adapter{BaseAdapter: broker.NewBaseAdapter(brokerMeta)}, nil
}

// SetClient 覆盖现货客户端（测试用）
func (a *Adapter) SetClient(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// SetFuturesClient 覆盖合约客户端（测试用，nil 表示不探测合约）
func (a *Adapter) SetFuturesClient(fc *futures.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.futuresClient = fc
}

// spotClient 获取当前现货客户端
func (a *Adapter) spotClient() *Client {
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
	// 合约客户端：仅用于持仓探测，账户未开通合约时调用会失败并被忽略
	// BaseURL 按实例设置而不是翻 futures.UseTestnet 全局开关，
	// 主网与测试网连接可以同时在线
	fc := futures.NewClient(creds.APIKey, creds.APISecret)
	fc.BaseURL = FuturesMainnetRestURL
	if creds.Testnet {
		fc.BaseURL = FuturesTestnetRestURL
	}
	a.futuresClient = fc
	a.mu.Unlock()

	a.SetCredentials(creds)
	if err := a.TestConnection(ctx); err != nil {
		a.SetDisconnected()
		a.SetError(err)
		if broker.IsCode(err, broker.ErrNetworkError) {
			return err
		}
		return broker.NewError(broker.ErrInvalidCredentials, "Binance 连接验证失败: %v", err)
	}

	a.SetConnected()
	logger.Info("✅ [Binance] 已连接 (testnet=%v)", creds.Testnet)
	return nil
}

// Disconnect 断开连接（幂等，永不失败）
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.futuresClient = nil
	a.mu.Unlock()

	a.SetDisconnected()
	logger.Info("🔌 [Binance] 已断开连接")
	return nil
}

// TestConnection 通过账户接口验证凭证
func (a *Adapter) TestConnection(ctx context.Context) error {
	client := a.spotClient()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "Binance 未配置凭证")
	}
	_, err := client.GetAccount(ctx)
	if err != nil {
		a.SetError(err)
	}
	return err
}

// GetAccount 获取账户快照（现货统一钱包）
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	info, err := a.spotClient().GetAccount(ctx)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	account := &broker.Account{
		AccountID:   "spot",
		Currency:    "USDT",
		Permissions: info.Permissions,
	}
	// 现货账户没有保证金概念，余额取 USDT 可用+冻结
	for _, b := range info.Balances {
		if b.Asset != "USDT" {
			continue
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		account.Balance = free + locked
		account.AvailableBalance = free
	}
	return account, nil
}

// GetBalances 获取全部非零资产余额
func (a *Adapter) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	info, err := a.spotClient().GetAccount(ctx)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	balances := make([]*broker.Balance, 0, len(info.Balances))
	for _, b := range info.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)

		bal := &broker.Balance{
			Asset:  b.Asset,
			Free:   free,
			Locked: locked,
			Total:  free + locked,
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
// 已知限制：Binance 没有全量成交接口，这里从当前非零余额推导
// 交易对（资产 + USDT）逐个查询。已完全清仓的资产不会出现在
// 余额里，其历史成交会被漏掉；上限 maxTradeSymbols 防止配额耗尽
func (a *Adapter) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &broker.TradeQuery{}
	}

	client := a.spotClient()

	var symbols []string
	if query.Symbol != "" {
		symbols = []string{query.Symbol}
	} else {
		info, err := client.GetAccount(ctx)
		if err != nil {
			a.SetError(err)
			return nil, err
		}
		symbols = deriveSymbols(info.Balances)
	}

	// 并发逐交易对拉取，单个交易对失败只跳过不中断
	var (
		mu     sync.Mutex
		trades []*broker.Trade
		wg     sync.WaitGroup
	)
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()

			raws, err := client.GetMyTrades(ctx, symbol, query.StartTime, query.EndTime, query.Limit)
			if err != nil {
				logger.Warn("⚠️ [Binance] 拉取 %s 成交失败，已跳过: %v", symbol, err)
				return
			}
			for _, raw := range raws {
				trade, err := a.MapTrade(raw)
				if err != nil {
					logger.Warn("⚠️ [Binance] 映射成交失败，已跳过: %v", err)
					continue
				}
				mu.Lock()
				trades = append(trades, trade)
				mu.Unlock()
			}
		}(symbol)
	}
	wg.Wait()

	// 按成交时间倒序
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.After(trades[j].ExecutedAt)
	})
	return trades, nil
}

// deriveSymbols 从非零余额推导交易对（资产 + USDT），上限 maxTradeSymbols
func deriveSymbols(balances []AccountBalance) []string {
	var symbols []string
	for _, b := range balances {
		if len(symbols) >= maxTradeSymbols {
			break
		}
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free+locked <= 0 || quoteAssets[b.Asset] {
			continue
		}
		symbols = append(symbols, b.Asset+"USDT")
	}
	return symbols
}

// MapTrade 把 Binance 原始成交报文映射为统一模型
// 同一笔成交映射出的 ID 恒定: binance_<成交ID>
func (a *Adapter) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	nativeID := broker.RawInt64(raw, "id")
	if nativeID == 0 {
		return nil, broker.NewError(broker.ErrUnknown, "成交报文缺少 id 字段")
	}

	side := broker.SideSell
	if broker.RawBool(raw, "isBuyer") {
		side = broker.SideBuy
	}
	// 挂单方按限价处理，吃单方按市价处理（原始报文不含订单类型）
	orderType := broker.OrderTypeMarket
	if broker.RawBool(raw, "isMaker") {
		orderType = broker.OrderTypeLimit
	}

	qty := broker.RawFloat(raw, "qty")
	price := broker.RawFloat(raw, "price")

	return &broker.Trade{
		ID:           broker.TradeID(brokerMeta.ID, strconv.FormatInt(nativeID, 10)),
		OrderID:      strconv.FormatInt(broker.RawInt64(raw, "orderId"), 10),
		Symbol:       broker.RawString(raw, "symbol"),
		Side:         side,
		Type:         orderType,
		Quantity:     qty,
		Price:        price,
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       broker.OrderStatusFilled,
		Fee:          broker.RawFloat(raw, "commission"),
		FeeCurrency:  broker.RawString(raw, "commissionAsset"),
		ExecutedAt:   time.UnixMilli(broker.RawInt64(raw, "time")),
		Raw:          raw,
	}, nil
}

// GetPositions 乐观探测合约持仓
// 账户未开通合约时返回空列表而不是错误：功能缺失不是故障
func (a *Adapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	fc := a.futuresClient
	a.mu.Unlock()
	if fc == nil {
		return []*broker.Position{}, nil
	}

	risks, err := fc.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		logger.Debug("🔍 [Binance] 合约持仓查询失败（可能未开通合约）: %v", err)
		return []*broker.Position{}, nil
	}

	positions := make([]*broker.Position, 0, len(risks))
	for _, r := range risks {
		qty, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if qty == 0 {
			continue
		}

		side := broker.PositionLong
		if qty < 0 {
			side = broker.PositionShort
			qty = -qty
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		leverage, _ := strconv.ParseFloat(r.Leverage, 64)
		liq, _ := strconv.ParseFloat(r.LiquidationPrice, 64)

		marginType := broker.MarginCross
		if r.MarginType == "isolated" {
			marginType = broker.MarginIsolated
		}

		positions = append(positions, &broker.Position{
			Symbol:           r.Symbol,
			Side:             side,
			Quantity:         qty,
			EntryPrice:       entry,
			CurrentPrice:     mark,
			UnrealizedPnL:    pnl,
			Leverage:         leverage,
			LiquidationPrice: liq,
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

// GetOpenOrders 查询未成交订单
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol string) ([]*broker.Order, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	raws, err := a.spotClient().GetOpenOrders(ctx, symbol)
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	orders := make([]*broker.Order, 0, len(raws))
	for _, raw := range raws {
		orders = append(orders, mapOrder(raw))
	}
	return orders, nil
}

// GetOrder 查询单个订单
func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (*broker.Order, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	raw, err := a.spotClient().GetOrder(ctx, symbol, orderID)
	if err != nil {
		a.SetError(err)
		return nil, err
	}
	return mapOrder(raw), nil
}

// CancelOrder 撤销订单
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.EnsureConnected(); err != nil {
		return err
	}
	return a.spotClient().CancelOrder(ctx, symbol, orderID)
}

// CancelAllOrders 撤销指定交易对的全部挂单
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := a.EnsureConnected(); err != nil {
		return err
	}
	return a.spotClient().CancelAllOrders(ctx, symbol)
}

// mapOrder 把订单原始报文映射为统一模型
func mapOrder(raw map[string]interface{}) *broker.Order {
	qty := broker.RawFloat(raw, "origQty")
	filled := broker.RawFloat(raw, "executedQty")

	return &broker.Order{
		ID:           broker.TradeID(brokerMeta.ID, strconv.FormatInt(broker.RawInt64(raw, "orderId"), 10)),
		OrderID:      strconv.FormatInt(broker.RawInt64(raw, "orderId"), 10),
		Symbol:       broker.RawString(raw, "symbol"),
		Side:         mapSide(broker.RawString(raw, "side")),
		Type:         mapOrderType(broker.RawString(raw, "type")),
		Quantity:     qty,
		Price:        broker.RawFloat(raw, "price"),
		StopPrice:    broker.RawFloat(raw, "stopPrice"),
		FilledQty:    filled,
		RemainingQty: qty - filled,
		TimeInForce:  broker.RawString(raw, "timeInForce"),
		Status:       mapOrderStatus(broker.RawString(raw, "status")),
		CreatedAt:    time.UnixMilli(broker.RawInt64(raw, "time")),
		UpdatedAt:    time.UnixMilli(broker.RawInt64(raw, "updateTime")),
		Raw:          raw,
	}
}

// mapSide 映射买卖方向
func mapSide(s string) broker.Side {
	if s == "BUY" {
		return broker.SideBuy
	}
	return broker.SideSell
}

// mapOrderType 映射订单类型
func mapOrderType(t string) broker.OrderType {
	switch t {
	case "LIMIT", "LIMIT_MAKER":
		return broker.OrderTypeLimit
	case "MARKET":
		return broker.OrderTypeMarket
	case "STOP_LOSS", "TAKE_PROFIT":
		return broker.OrderTypeStop
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return broker.OrderTypeStopLimit
	default:
		return broker.OrderTypeLimit
	}
}

// mapOrderStatus 映射订单状态
func mapOrderStatus(s string) broker.OrderStatus {
	switch s {
	case "NEW":
		return broker.OrderStatusNew
	case "PARTIALLY_FILLED":
		return broker.OrderStatusPartiallyFilled
	case "FILLED":
		return broker.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return broker.OrderStatusCanceled
	case "REJECTED":
		return broker.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusNew
	}
}

// GetSymbols 获取全部可交易标的元数据
func (a *Adapter) GetSymbols(ctx context.Context) ([]*broker.Symbol, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	infos, err := a.spotClient().GetExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]*broker.Symbol, 0, len(infos))
	for _, info := range infos {
		s := &broker.Symbol{
			Symbol:         info.Symbol,
			BaseAsset:      info.BaseAsset,
			QuoteAsset:     info.QuoteAsset,
			Status:         info.Status,
			PricePrecision: info.QuotePrecision,
			QtyPrecision:   info.BaseAssetPrecision,
		}
		for _, f := range info.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				s.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			case "NOTIONAL", "MIN_NOTIONAL":
				s.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			}
		}
		symbols = append(symbols, s)
	}
	return symbols, nil
}

// GetTicker 获取行情快照
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (*broker.Ticker, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	t, err := a.spotClient().GetTicker24h(ctx, symbol)
	if err != nil {
		return nil, err
	}

	last, _ := strconv.ParseFloat(t.LastPrice, 64)
	bid, _ := strconv.ParseFloat(t.BidPrice, 64)
	ask, _ := strconv.ParseFloat(t.AskPrice, 64)
	volume, _ := strconv.ParseFloat(t.Volume, 64)
	change, _ := strconv.ParseFloat(t.PriceChangePercent, 64)

	return &broker.Ticker{
		Symbol:       t.Symbol,
		LastPrice:    last,
		BidPrice:     bid,
		AskPrice:     ask,
		Volume24h:    volume,
		ChangePct24h: change,
		UpdatedAt:    time.Now(),
	}, nil
}

// GetOHLCV 获取 K 线数据
func (a *Adapter) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*broker.OHLCV, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	klines, err := a.spotClient().GetKlines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}

	result := make([]*broker.OHLCV, 0, len(klines))
	for _, k := range klines {
		if len(k) < 6 {
			continue
		}
		openTime, _ := k[0].(float64)
		result = append(result, &broker.OHLCV{
			OpenTime: time.UnixMilli(int64(openTime)),
			Open:     parseKlineFloat(k[1]),
			High:     parseKlineFloat(k[2]),
			Low:      parseKlineFloat(k[3]),
			Close:    parseKlineFloat(k[4]),
			Volume:   parseKlineFloat(k[5]),
		})
	}
	return result, nil
}

// parseKlineFloat K线字段为字符串形式的数值
func parseKlineFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
