package broker

import "context"

// Broker 券商能力契约
// 每个适配器把一种具体的外部接入协议（HMAC 签名 REST、OAuth Bearer、
// DEX info 轮询）翻译为统一的数据模型
//
// 并发约定：Connect/Disconnect 必须与其他操作串行（或保证 Connect
// happens-before 其余调用）；数据查询操作本身不持内部后台线程，
// 超时由底层 HTTP 客户端与调用方的 context 控制
type Broker interface {
	// Metadata 返回静态元数据（纯函数，无 I/O）
	Metadata() *Metadata

	// Status 返回连接状态的只读快照
	Status() ConnectionStatus

	// Connect 保存凭证并验证连接
	// 验证失败时返回 INVALID_CREDENTIALS 且保持断开状态
	Connect(ctx context.Context, creds *Credentials) error

	// Disconnect 清除凭证并断开，幂等且永不失败
	Disconnect(ctx context.Context) error

	// TestConnection 验证当前凭证是否可用
	TestConnection(ctx context.Context) error

	// GetAccount 获取账户快照
	GetAccount(ctx context.Context) (*Account, error)

	// GetBalances 获取全部资产余额
	GetBalances(ctx context.Context) ([]*Balance, error)

	// GetTrades 获取成交记录
	GetTrades(ctx context.Context, query *TradeQuery) ([]*Trade, error)

	// GetPositions 获取当前持仓
	GetPositions(ctx context.Context) ([]*Position, error)

	// Sync 一次性拉取成交/持仓/余额
	// 永不返回错误：子操作的失败全部累积到 SyncResult.Errors/Warnings
	Sync(ctx context.Context, opts *SyncOptions) *SyncResult

	// MapTrade 把券商原始成交报文映射为统一模型
	// 同一笔原始成交必须映射出相同的 ID（重复同步幂等）
	MapTrade(raw map[string]interface{}) (*Trade, error)
}

// AccountLister 多账户券商的可选能力
type AccountLister interface {
	GetAccounts(ctx context.Context) ([]*Account, error)
}

// AuthRefresher OAuth 券商的令牌刷新能力
// 约定：收到 401 的操作只允许刷新一次并重试一次，二次 401 视为硬失败
type AuthRefresher interface {
	RefreshAuth(ctx context.Context) error
}

// OrderManager 订单管理可选能力
type OrderManager interface {
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) error
}

// MarketDataProvider 行情查询可选能力
type MarketDataProvider interface {
	GetSymbols(ctx context.Context) ([]*Symbol, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]*OHLCV, error)
}

// PositionMapper 持仓原始报文映射可选能力
type PositionMapper interface {
	MapPosition(raw map[string]interface{}) (*Position, error)
}

// GetBalance 默认单项查询：按资产过滤余额列表
// 适配器只需实现复数形式，单项查询统一由此派生
func GetBalance(ctx context.Context, b Broker, asset string) (*Balance, error) {
	balances, err := b.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	for _, bal := range balances {
		if bal.Asset == asset {
			return bal, nil
		}
	}
	return nil, nil // 无此资产不是错误
}

// GetTrade 默认单项查询：按成交 ID 过滤
func GetTrade(ctx context.Context, b Broker, tradeID string) (*Trade, error) {
	trades, err := b.GetTrades(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, t := range trades {
		if t.ID == tradeID {
			return t, nil
		}
	}
	return nil, nil
}

// GetPosition 默认单项查询：按交易对过滤持仓
func GetPosition(ctx context.Context, b Broker, symbol string) (*Position, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, NewError(ErrPositionNotFound, "未找到 %s 的持仓", symbol)
}
