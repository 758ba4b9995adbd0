package broker

import (
	"fmt"
	"math"
	"time"
)

// Category 券商类别
type Category string

const (
	CategoryCryptoCEX Category = "crypto_cex" // 中心化加密货币交易所
	CategoryCryptoDEX Category = "crypto_dex" // 去中心化交易所
	CategoryStocks    Category = "stocks"     // 股票券商
	CategoryForex     Category = "forex"      // 外汇
	CategoryFutures   Category = "futures"    // 期货
	CategoryOptions   Category = "options"    // 期权
)

// ConnectionType 连接认证方式
type ConnectionType string

const (
	ConnectionAPIKey ConnectionType = "api_key" // API Key + Secret 签名
	ConnectionOAuth  ConnectionType = "oauth"   // OAuth2 Bearer Token
	ConnectionWallet ConnectionType = "wallet"  // 公开钱包地址（无需签名）
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus 订单/成交状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// PositionSide 持仓方向
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
	PositionBoth  PositionSide = "both"
)

// MarginType 保证金模式
type MarginType string

const (
	MarginCross    MarginType = "cross"
	MarginIsolated MarginType = "isolated"
)

// AssetType 资产类型
type AssetType string

const (
	AssetSpot    AssetType = "spot"
	AssetMargin  AssetType = "margin"
	AssetFutures AssetType = "futures"
	AssetStock   AssetType = "stock"
	AssetOption  AssetType = "option"
	AssetBond    AssetType = "bond"
	AssetForex   AssetType = "forex"
)

// Feature 适配器支持的功能
type Feature string

const (
	FeatureTrades     Feature = "trades"
	FeaturePositions  Feature = "positions"
	FeatureBalances   Feature = "balances"
	FeatureOrders     Feature = "orders"
	FeatureMarketData Feature = "market_data"
	FeatureTestnet    Feature = "testnet"
)

// Credentials 券商凭证
// 由外部存储层解密后传入，本层绝不记录、持久化或回显明文密钥
// api_key/api_secret 与 access_token 二选一，具体要求由各适配器的
// ConnectionType 决定（钱包类适配器的 APIKey 字段承载钱包地址）
type Credentials struct {
	APIKey       string
	APISecret    string
	Passphrase   string
	Testnet      bool
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
}

// Validate 按连接方式校验凭证完整性
func (c *Credentials) Validate(ct ConnectionType) error {
	if c == nil {
		return NewError(ErrInvalidCredentials, "凭证为空")
	}
	switch ct {
	case ConnectionAPIKey:
		if c.APIKey == "" || c.APISecret == "" {
			return NewError(ErrInvalidCredentials, "缺少 API Key 或 Secret")
		}
	case ConnectionOAuth:
		if c.AccessToken == "" {
			return NewError(ErrInvalidCredentials, "缺少 OAuth Access Token")
		}
	case ConnectionWallet:
		if c.APIKey == "" {
			return NewError(ErrInvalidCredentials, "缺少钱包地址")
		}
	}
	return nil
}

// RateLimits 限流参数（仅作为调用方调度的参考，本层不主动限速）
type RateLimits struct {
	RequestsPerMinute int
	OrdersPerSecond   int
}

// Metadata 适配器静态元数据（每个适配器构造一次，不可变）
// 这是契约中唯一面向展示层的部分
type Metadata struct {
	ID             string
	Name           string
	Category       Category
	ConnectionType ConnectionType
	Features       []Feature
	AssetTypes     []AssetType
	RateLimits     RateLimits
	SupportsTestnet bool
	Website        string
	DocsURL        string
}

// HasFeature 判断是否支持指定功能
func (m *Metadata) HasFeature(f Feature) bool {
	for _, v := range m.Features {
		if v == f {
			return true
		}
	}
	return false
}

// Account 账户快照
// 加密货币交易所通常是统一钱包，股票券商是具体的子账户
type Account struct {
	AccountID        string
	Currency         string
	Balance          float64
	AvailableBalance float64
	MarginUsed       float64
	MarginAvailable  float64
	UnrealizedPnL    float64
	Permissions      []string
}

// balanceTolerance Balance 不变式的浮点容差
const balanceTolerance = 1e-8

// Balance 单一资产余额
// 不变式：Total == Free + Locked（映射时必须保证，见 Normalize）
type Balance struct {
	Asset    string
	Free     float64
	Locked   float64
	Total    float64
	USDValue float64 // 0 表示无估值数据
}

// Normalize 校正余额不变式
// 上游数值与 Free+Locked 偏差超过容差时以重算值为准（不信任上游的 Total）
func (b *Balance) Normalize() {
	sum := b.Free + b.Locked
	if math.Abs(b.Total-sum) > balanceTolerance {
		b.Total = sum
	}
}

// IsZero 判断余额是否为零
func (b *Balance) IsZero() bool {
	return b.Total <= balanceTolerance
}

// Trade 已成交记录（部分或全部成交的执行）
// ID 必须以所属适配器的 metadata.ID 为前缀（如 binance_12345），
// 以保证跨券商全局唯一，且同一笔成交重复同步得到相同 ID
type Trade struct {
	ID           string
	OrderID      string // 券商订单号
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	Price        float64
	FilledQty    float64
	AvgFillPrice float64
	Status       OrderStatus
	Fee          float64
	FeeCurrency  string
	RealizedPnL  *float64 // nil 表示券商未提供（由消费方自行计算）
	Leverage     float64  // 0 表示非杠杆
	PositionSide PositionSide
	ExecutedAt   time.Time
	Raw          map[string]interface{} // 券商原始报文（审计用，不含凭证信息）
}

// TradeID 构造带券商前缀的全局唯一成交 ID
func TradeID(brokerID, nativeID string) string {
	return fmt.Sprintf("%s_%s", brokerID, nativeID)
}

// Position 当前持仓敞口
// 短暂对象：每次 GetPositions 从券商实时状态重新计算，本层不做差分合并
type Position struct {
	Symbol           string
	Side             PositionSide
	Quantity         float64
	EntryPrice       float64
	CurrentPrice     float64
	UnrealizedPnL    float64
	RealizedPnL      float64
	Leverage         float64
	LiquidationPrice float64
	MarginType       MarginType
	CostBasis        float64 // 股票/期权类持仓的成本基础
	AssetType        AssetType
	UpdatedAt        time.Time
}

// Order 未成交的挂单
type Order struct {
	ID           string
	OrderID      string
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     float64
	Price        float64
	StopPrice    float64
	FilledQty    float64
	RemainingQty float64
	AvgFillPrice float64
	TimeInForce  string
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Raw          map[string]interface{}
}

// Symbol 可交易标的元数据
// 供下单前做数量舍入与最小名义价值校验（下单流程本身在外部）
type Symbol struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	Status         string // trading / halted 等
	StepSize       float64
	MinNotional    float64
	PricePrecision int
	QtyPrecision   int
}

// Ticker 行情快照
type Ticker struct {
	Symbol       string
	LastPrice    float64
	BidPrice     float64
	AskPrice     float64
	Volume24h    float64
	ChangePct24h float64
	UpdatedAt    time.Time
}

// OHLCV K线数据
type OHLCV struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// TradeQuery 成交查询条件
type TradeQuery struct {
	StartTime time.Time // 零值表示不限制
	EndTime   time.Time
	Symbol    string // 空表示全部
	Limit     int    // 0 表示使用适配器默认值
}

// SyncOptions 同步请求参数
type SyncOptions struct {
	StartTime        time.Time
	EndTime          time.Time
	Symbols          []string
	IncludeTrades    bool
	IncludePositions bool
	IncludeBalances  bool
}

// DefaultSyncOptions 默认同步参数：最近 30 天，全量子资源
func DefaultSyncOptions() *SyncOptions {
	now := time.Now()
	return &SyncOptions{
		StartTime:        now.AddDate(0, 0, -30),
		EndTime:          now,
		IncludeTrades:    true,
		IncludePositions: true,
		IncludeBalances:  true,
	}
}

// SyncResult 同步结果
// 部分失败不会让同步整体失败：错误被收集到 Errors/Warnings，
// Success 由 len(Errors)==0 计算得出
type SyncResult struct {
	BrokerID         string
	TradesImported   int
	PositionsUpdated int
	BalancesUpdated  int
	Trades           []*Trade
	Positions        []*Position
	Balances         []*Balance
	TradesFetched    bool // 成交拉取成功（与条数无关）
	PositionsFetched bool
	BalancesFetched  bool
	Errors           []string
	Warnings         []string
	Success          bool
	CompletedAt      time.Time
}

// ConnectionStatus 适配器实例的连接状态
// 实例化时为断开状态，由 Connect/Disconnect 翻转，
// 任何操作获得新的限流/错误信息时机会性更新
type ConnectionStatus struct {
	Connected          bool
	LastConnectedAt    time.Time
	LastSyncAt         time.Time
	Error              string
	RateLimitRemaining int
	RateLimitReset     time.Time
}
