package ibkr

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"tradevault/broker"
	"tradevault/logger"
	"tradevault/metrics"
)

// brokerMeta 静态元数据（构造一次，所有实例共享）
var brokerMeta = &broker.Metadata{
	ID:             "ibkr",
	Name:           "Interactive Brokers",
	Category:       broker.CategoryStocks,
	ConnectionType: broker.ConnectionOAuth,
	Features: []broker.Feature{
		broker.FeatureTrades,
		broker.FeaturePositions,
		broker.FeatureBalances,
	},
	AssetTypes: []broker.AssetType{
		broker.AssetStock,
		broker.AssetOption,
		broker.AssetFutures,
		broker.AssetBond,
		broker.AssetForex,
	},
	RateLimits: broker.RateLimits{RequestsPerMinute: 60},
	Website:    "https://www.interactivebrokers.com",
	DocsURL:    "https://interactivebrokers.github.io/cpwebapi/",
}

// Meta 返回 IBKR 静态元数据
func Meta() *broker.Metadata {
	return brokerMeta
}

// Adapter Interactive Brokers 适配器
// 经本地 Client Portal Gateway 访问，OAuth Bearer 认证。
// 一份凭证可管理多个子账户，数据操作针对选中的账户
type Adapter struct {
	*broker.BaseAdapter

	mu              sync.Mutex
	client          *Client
	accounts        []AccountInfo
	selectedAccount string
}

// New 创建未连接的 IBKR 适配器
func New() (broker.Broker, error) {
	return &Adapter{BaseAdapter: broker.NewBaseAdapter(brokerMeta)}, nil
}

// SetClient 覆盖客户端（测试用）
func (a *Adapter) SetClient(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// restClient 获取当前客户端与选中账户
func (a *Adapter) restClient() (*Client, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, a.selectedAccount
}

// Connect 保存凭证并验证连接
// 验证同时拉取账户列表，记录默认操作账户
func (a *Adapter) Connect(ctx context.Context, creds *broker.Credentials) error {
	if err := creds.Validate(broker.ConnectionOAuth); err != nil {
		return err
	}

	a.mu.Lock()
	if a.client == nil {
		a.client = NewClient(creds.AccessToken)
	} else {
		a.client.SetAccessToken(creds.AccessToken)
	}
	a.mu.Unlock()

	a.SetCredentials(creds)
	if err := a.TestConnection(ctx); err != nil {
		a.SetDisconnected()
		a.SetError(err)
		// 网关不可达与凭证无效是两类故障，保留原始错误码
		if broker.IsCode(err, broker.ErrBrokerUnavailable) || broker.IsCode(err, broker.ErrNetworkError) {
			return err
		}
		return broker.NewError(broker.ErrInvalidCredentials, "IBKR 连接验证失败: %v", err)
	}

	a.SetConnected()
	logger.Info("✅ [IBKR] 已连接, 选中账户 %s (共 %d 个)", a.selectedAccount, len(a.accounts))
	return nil
}

// Disconnect 断开连接（幂等，永不失败）
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.accounts = nil
	a.selectedAccount = ""
	a.mu.Unlock()

	a.SetDisconnected()
	logger.Info("🔌 [IBKR] 已断开连接")
	return nil
}

// TestConnection 通过账户列表接口验证凭证
// 凭证指定了 AccountID 时选中该账户，否则选中列表中的第一个
func (a *Adapter) TestConnection(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "IBKR 未配置凭证")
	}

	accounts, err := client.GetAccounts(ctx)
	if err != nil {
		a.SetError(err)
		return err
	}
	if len(accounts) == 0 {
		return broker.NewError(broker.ErrInsufficientPermissions, "IBKR 凭证下没有可访问的账户")
	}

	selected := accounts[0].AccountID
	if creds := a.Credentials(); creds != nil && creds.AccountID != "" {
		for _, acc := range accounts {
			if acc.AccountID == creds.AccountID {
				selected = acc.AccountID
				break
			}
		}
	}

	a.mu.Lock()
	a.accounts = accounts
	a.selectedAccount = selected
	a.mu.Unlock()
	return nil
}

// RefreshAuth 用刷新令牌换取新的访问令牌并更新凭证
func (a *Adapter) RefreshAuth(ctx context.Context) error {
	creds := a.Credentials()
	if creds == nil || creds.RefreshToken == "" {
		return broker.NewError(broker.ErrInvalidCredentials, "IBKR 缺少刷新令牌，无法续期")
	}

	client, _ := a.restClient()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "IBKR 未连接")
	}

	newToken, err := client.RefreshToken(ctx, creds.RefreshToken)
	if err != nil {
		metrics.GetPrometheusMetrics().RecordAuthRefresh(brokerMeta.ID, "error")
		return err
	}

	client.SetAccessToken(newToken)
	updated := *creds
	updated.AccessToken = newToken
	a.SetCredentials(&updated)
	metrics.GetPrometheusMetrics().RecordAuthRefresh(brokerMeta.ID, "success")
	logger.Info("🔄 [IBKR] 访问令牌已刷新")
	return nil
}

// callWithRefresh 执行数据操作，401 时刷新令牌后重试恰好一次
// 重试后仍失败则原样返回，避免刷新风暴
func (a *Adapter) callWithRefresh(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !broker.IsCode(err, broker.ErrInvalidCredentials) {
		return err
	}
	if be, ok := broker.AsError(err); !ok || be.BrokerCode != "401" {
		return err
	}

	if refreshErr := a.RefreshAuth(ctx); refreshErr != nil {
		return err
	}
	return fn()
}

// GetAccounts 获取全部可访问账户
func (a *Adapter) GetAccounts(ctx context.Context) ([]*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	infos := a.accounts
	a.mu.Unlock()

	accounts := make([]*broker.Account, 0, len(infos))
	for _, info := range infos {
		accounts = append(accounts, &broker.Account{
			AccountID: info.AccountID,
			Currency:  info.Currency,
		})
	}
	return accounts, nil
}

// GetAccount 获取选中账户的资金快照（取账本的 BASE 汇总项）
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var ledger map[string]LedgerEntry
	err := a.callWithRefresh(ctx, func() error {
		var e error
		ledger, e = client.GetLedger(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	base := ledger["BASE"]
	return &broker.Account{
		AccountID:        accountID,
		Currency:         base.Currency,
		Balance:          base.NetLiquidationValue,
		AvailableBalance: base.SettledCash,
		UnrealizedPnL:    base.UnrealizedPnL,
	}, nil
}

// GetBalances 获取选中账户按币种拆分的现金余额
// BASE 是网关折算出的汇总项，不作为独立余额返回
func (a *Adapter) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var ledger map[string]LedgerEntry
	err := a.callWithRefresh(ctx, func() error {
		var e error
		ledger, e = client.GetLedger(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	currencies := make([]string, 0, len(ledger))
	for currency := range ledger {
		if currency == "BASE" {
			continue
		}
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	balances := make([]*broker.Balance, 0, len(currencies))
	for _, currency := range currencies {
		entry := ledger[currency]

		// 未结算部分视为锁定
		bal := &broker.Balance{
			Asset:  currency,
			Free:   entry.SettledCash,
			Locked: entry.CashBalance - entry.SettledCash,
			Total:  entry.CashBalance,
		}
		bal.Normalize()
		if bal.IsZero() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// GetTrades 获取近期成交
// Client Portal 按天数窗口返回，本地再按查询条件过滤
func (a *Adapter) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &broker.TradeQuery{}
	}

	days := 0
	if !query.StartTime.IsZero() {
		days = int(time.Since(query.StartTime).Hours()/24) + 1
	}

	client, accountID := a.restClient()

	var raws []map[string]interface{}
	err := a.callWithRefresh(ctx, func() error {
		var e error
		raws, e = client.GetTrades(ctx, days)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	trades := make([]*broker.Trade, 0, len(raws))
	for _, raw := range raws {
		// 多账户凭证下只保留选中账户的成交
		if acc := broker.RawString(raw, "account"); acc != "" && acc != accountID {
			continue
		}
		trade, err := a.MapTrade(raw)
		if err != nil {
			logger.Warn("⚠️ [IBKR] 映射成交失败，已跳过: %v", err)
			continue
		}
		if query.Symbol != "" && trade.Symbol != query.Symbol {
			continue
		}
		if !query.StartTime.IsZero() && trade.ExecutedAt.Before(query.StartTime) {
			continue
		}
		if !query.EndTime.IsZero() && trade.ExecutedAt.After(query.EndTime) {
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

// MapTrade 把 IBKR 成交报文映射为统一模型
// 同一笔成交映射出的 ID 恒定: ibkr_<execution_id>
func (a *Adapter) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	execID := broker.RawString(raw, "execution_id")
	if execID == "" {
		return nil, broker.NewError(broker.ErrUnknown, "成交报文缺少 execution_id 字段")
	}

	side := broker.SideSell
	if broker.RawString(raw, "side") == "B" {
		side = broker.SideBuy
	}

	qty := broker.RawFloat(raw, "size")
	price := broker.RawFloat(raw, "price")

	return &broker.Trade{
		ID:           broker.TradeID(brokerMeta.ID, execID),
		OrderID:      broker.RawString(raw, "order_ref"),
		Symbol:       broker.RawString(raw, "symbol"),
		Side:         side,
		Type:         broker.OrderTypeMarket,
		Quantity:     qty,
		Price:        price,
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       broker.OrderStatusFilled,
		Fee:          broker.RawFloat(raw, "commission"),
		FeeCurrency:  broker.RawString(raw, "currency"),
		ExecutedAt:   time.UnixMilli(broker.RawInt64(raw, "trade_time_r")),
		Raw:          raw,
	}, nil
}

// GetPositions 获取选中账户持仓
// IBKR 返回的 position 带符号，负值表示空头（做空股票 / 卖出期权）
func (a *Adapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var raws []map[string]interface{}
	err := a.callWithRefresh(ctx, func() error {
		var e error
		raws, e = client.GetPositions(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	positions := make([]*broker.Position, 0, len(raws))
	for _, raw := range raws {
		qty := broker.RawFloat(raw, "position")
		if qty == 0 {
			continue
		}

		side := broker.PositionLong
		if qty < 0 {
			side = broker.PositionShort
			qty = -qty
		}

		avgCost := broker.RawFloat(raw, "avgCost")
		positions = append(positions, &broker.Position{
			Symbol:        broker.RawString(raw, "ticker"),
			Side:          side,
			Quantity:      qty,
			EntryPrice:    broker.RawFloat(raw, "avgPrice"),
			CurrentPrice:  broker.RawFloat(raw, "mktPrice"),
			UnrealizedPnL: broker.RawFloat(raw, "unrealizedPnl"),
			RealizedPnL:   broker.RawFloat(raw, "realizedPnl"),
			CostBasis:     math.Abs(avgCost * qty),
			AssetType:     mapAssetClass(broker.RawString(raw, "assetClass")),
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

// mapAssetClass 映射 IBKR 资产类别
func mapAssetClass(assetClass string) broker.AssetType {
	switch assetClass {
	case "STK":
		return broker.AssetStock
	case "OPT":
		return broker.AssetOption
	case "FUT":
		return broker.AssetFutures
	case "BOND":
		return broker.AssetBond
	case "CASH":
		return broker.AssetForex
	default:
		return broker.AssetStock
	}
}

// Sync 统一同步流程
func (a *Adapter) Sync(ctx context.Context, opts *broker.SyncOptions) *broker.SyncResult {
	return a.RunSync(ctx, a, opts)
}
