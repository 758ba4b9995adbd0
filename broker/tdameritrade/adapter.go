package tdameritrade

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradevault/broker"
	"tradevault/logger"
	"tradevault/metrics"
)

// brokerMeta 静态元数据（构造一次，所有实例共享）
var brokerMeta = &broker.Metadata{
	ID:             "tdameritrade",
	Name:           "TD Ameritrade",
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
	},
	RateLimits: broker.RateLimits{RequestsPerMinute: 120},
	Website:    "https://www.tdameritrade.com",
	DocsURL:    "https://developer.tdameritrade.com/apis",
}

// Meta 返回 TD Ameritrade 静态元数据
func Meta() *broker.Metadata {
	return brokerMeta
}

// Adapter TD Ameritrade 适配器（OAuth Bearer 认证）
// 访问令牌有效期只有 30 分钟，数据操作遇到 401 时
// 用刷新令牌被动续期一次后重试
type Adapter struct {
	*broker.BaseAdapter

	mu              sync.Mutex
	client          *Client
	selectedAccount string
}

// New 创建未连接的 TD Ameritrade 适配器
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
func (a *Adapter) Connect(ctx context.Context, creds *broker.Credentials) error {
	if err := creds.Validate(broker.ConnectionOAuth); err != nil {
		return err
	}

	a.mu.Lock()
	if a.client == nil {
		// Passphrase 字段承载开发者应用的 consumer key
		a.client = NewClient(creds.AccessToken, creds.Passphrase)
	} else {
		a.client.SetAccessToken(creds.AccessToken)
	}
	a.mu.Unlock()

	a.SetCredentials(creds)
	if err := a.TestConnection(ctx); err != nil {
		a.SetDisconnected()
		a.SetError(err)
		if broker.IsCode(err, broker.ErrBrokerUnavailable) || broker.IsCode(err, broker.ErrNetworkError) {
			return err
		}
		return broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 连接验证失败: %v", err)
	}

	a.SetConnected()
	logger.Info("✅ [TDAmeritrade] 已连接, 账户 %s", a.selectedAccount)
	return nil
}

// Disconnect 断开连接（幂等，永不失败）
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.client = nil
	a.selectedAccount = ""
	a.mu.Unlock()

	a.SetDisconnected()
	logger.Info("🔌 [TDAmeritrade] 已断开连接")
	return nil
}

// TestConnection 通过账户接口验证凭证并记录操作账户
func (a *Adapter) TestConnection(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 未配置凭证")
	}

	accounts, err := client.GetAccounts(ctx)
	if err != nil {
		a.SetError(err)
		return err
	}
	if len(accounts) == 0 {
		return broker.NewError(broker.ErrInsufficientPermissions, "TD Ameritrade 凭证下没有可访问的账户")
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
	a.selectedAccount = selected
	a.mu.Unlock()
	return nil
}

// RefreshAuth 用刷新令牌换取新的访问令牌并更新凭证
func (a *Adapter) RefreshAuth(ctx context.Context) error {
	creds := a.Credentials()
	if creds == nil || creds.RefreshToken == "" {
		return broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 缺少刷新令牌，无法续期")
	}

	client, _ := a.restClient()
	if client == nil {
		return broker.NewError(broker.ErrInvalidCredentials, "TD Ameritrade 未连接")
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
	logger.Info("🔄 [TDAmeritrade] 访问令牌已刷新")
	return nil
}

// callWithRefresh 执行数据操作，401 时刷新令牌后重试恰好一次
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

// GetAccount 获取账户资金快照
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var account *SecuritiesAccount
	err := a.callWithRefresh(ctx, func() error {
		var e error
		account, e = client.GetAccount(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	return &broker.Account{
		AccountID:        account.AccountID,
		Currency:         "USD",
		Balance:          account.CurrentBalances.LiquidationValue,
		AvailableBalance: account.CurrentBalances.AvailableFunds,
		MarginUsed:       account.CurrentBalances.MaintenanceRequire,
		MarginAvailable:  account.CurrentBalances.BuyingPower,
	}, nil
}

// GetBalances 获取美元现金余额
// 美股账户是 USD 单币种，证券市值不算现金余额
func (a *Adapter) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var account *SecuritiesAccount
	err := a.callWithRefresh(ctx, func() error {
		var e error
		account, e = client.GetAccount(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	cash := account.CurrentBalances.CashBalance
	available := account.CurrentBalances.AvailableFunds
	if available > cash {
		available = cash
	}

	bal := &broker.Balance{
		Asset:  "USD",
		Free:   available,
		Locked: cash - available,
		Total:  cash,
	}
	bal.Normalize()
	if bal.IsZero() {
		return []*broker.Balance{}, nil
	}
	return []*broker.Balance{bal}, nil
}

// GetTrades 获取成交记录（type=TRADE 的交易流水）
func (a *Adapter) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}
	if query == nil {
		query = &broker.TradeQuery{}
	}

	client, accountID := a.restClient()

	var raws []map[string]interface{}
	err := a.callWithRefresh(ctx, func() error {
		var e error
		raws, e = client.GetTransactions(ctx, accountID, query.StartTime, query.EndTime)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	trades := make([]*broker.Trade, 0, len(raws))
	for _, raw := range raws {
		trade, err := a.MapTrade(raw)
		if err != nil {
			logger.Warn("⚠️ [TDAmeritrade] 映射成交失败，已跳过: %v", err)
			continue
		}
		if query.Symbol != "" && trade.Symbol != query.Symbol {
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

// MapTrade 把 TD Ameritrade 交易流水映射为统一模型
// 同一笔成交映射出的 ID 恒定: tdameritrade_<transactionId>
func (a *Adapter) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	txnID := broker.RawString(raw, "transactionId")
	if txnID == "" || txnID == "0" {
		return nil, broker.NewError(broker.ErrUnknown, "交易流水缺少 transactionId 字段")
	}

	item, _ := raw["transactionItem"].(map[string]interface{})
	if item == nil {
		return nil, broker.NewError(broker.ErrUnknown, "交易流水缺少 transactionItem 字段")
	}

	side := broker.SideSell
	instruction := broker.RawString(item, "instruction")
	if instruction == "BUY" || instruction == "BUY_TO_OPEN" || instruction == "BUY_TO_CLOSE" {
		side = broker.SideBuy
	}

	symbol := ""
	if instrument, ok := item["instrument"].(map[string]interface{}); ok {
		symbol = broker.RawString(instrument, "symbol")
	}

	// 手续费按各分项合计
	fee := 0.0
	if fees, ok := raw["fees"].(map[string]interface{}); ok {
		for key := range fees {
			fee += broker.RawFloat(fees, key)
		}
	}

	executedAt, err := parseTransactionTime(broker.RawString(raw, "transactionDate"))
	if err != nil {
		return nil, broker.NewError(broker.ErrUnknown, "交易流水时间格式无效: %v", err)
	}

	qty := broker.RawFloat(item, "amount")
	price := broker.RawFloat(item, "price")

	return &broker.Trade{
		ID:           broker.TradeID(brokerMeta.ID, txnID),
		OrderID:      broker.RawString(raw, "orderId"),
		Symbol:       symbol,
		Side:         side,
		Type:         broker.OrderTypeMarket,
		Quantity:     qty,
		Price:        price,
		FilledQty:    qty,
		AvgFillPrice: price,
		Status:       broker.OrderStatusFilled,
		Fee:          fee,
		FeeCurrency:  "USD",
		ExecutedAt:   executedAt,
		Raw:          raw,
	}, nil
}

// parseTransactionTime 解析流水时间
// API 返回的时区偏移不带冒号 (+0000)，与 RFC3339 略有出入
func parseTransactionTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05-0700", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// GetPositions 从账户快照解析持仓
// 多空数量分别在 longQuantity/shortQuantity 字段
func (a *Adapter) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	if err := a.EnsureConnected(); err != nil {
		return nil, err
	}

	client, accountID := a.restClient()

	var account *SecuritiesAccount
	err := a.callWithRefresh(ctx, func() error {
		var e error
		account, e = client.GetAccount(ctx, accountID)
		return e
	})
	if err != nil {
		a.SetError(err)
		return nil, err
	}

	positions := make([]*broker.Position, 0, len(account.Positions))
	for _, raw := range account.Positions {
		long := broker.RawFloat(raw, "longQuantity")
		short := broker.RawFloat(raw, "shortQuantity")

		qty := long
		side := broker.PositionLong
		if short > 0 {
			qty = short
			side = broker.PositionShort
		}
		if qty == 0 {
			continue
		}

		symbol := ""
		assetType := broker.AssetStock
		if instrument, ok := raw["instrument"].(map[string]interface{}); ok {
			symbol = broker.RawString(instrument, "symbol")
			if broker.RawString(instrument, "assetType") == "OPTION" {
				assetType = broker.AssetOption
			}
		}

		avgPrice := broker.RawFloat(raw, "averagePrice")
		positions = append(positions, &broker.Position{
			Symbol:        symbol,
			Side:          side,
			Quantity:      qty,
			EntryPrice:    avgPrice,
			UnrealizedPnL: broker.RawFloat(raw, "currentDayProfitLoss"),
			CostBasis:     avgPrice * qty,
			AssetType:     assetType,
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

// Sync 统一同步流程
func (a *Adapter) Sync(ctx context.Context, opts *broker.SyncOptions) *broker.SyncResult {
	return a.RunSync(ctx, a, opts)
}
