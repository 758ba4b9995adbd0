package storage

import (
	"encoding/json"
	"time"

	"tradevault/broker"
)

// TradeRecord 成交落库模型
// 主键是带券商前缀的全局唯一成交 ID（如 binance_28457），
// 重复同步依赖主键冲突做幂等 upsert
type TradeRecord struct {
	ID           string    `gorm:"primaryKey;size:128" json:"id"`
	BrokerID     string    `gorm:"index:idx_broker_symbol_time;size:32" json:"broker_id"`
	ConnectionID string    `gorm:"index;size:64" json:"connection_id"`
	OrderID      string    `gorm:"size:64" json:"order_id"`
	Symbol       string    `gorm:"index:idx_broker_symbol_time;size:32" json:"symbol"`
	Side         string    `gorm:"size:8" json:"side"`
	Type         string    `gorm:"size:16" json:"type"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	Fee          float64   `json:"fee"`
	FeeCurrency  string    `gorm:"size:16" json:"fee_currency"`
	RealizedPnL  *float64  `gorm:"column:realized_pnl" json:"realized_pnl"`
	Status       string    `gorm:"size:24" json:"status"`
	ExecutedAt   time.Time `gorm:"index:idx_broker_symbol_time" json:"executed_at"`
	Raw          string    `gorm:"type:text" json:"-"` // 券商原始报文（审计用）
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewTradeRecord 把统一成交模型转为落库模型
func NewTradeRecord(connectionID string, brokerID string, t *broker.Trade) *TradeRecord {
	record := &TradeRecord{
		ID:           t.ID,
		BrokerID:     brokerID,
		ConnectionID: connectionID,
		OrderID:      t.OrderID,
		Symbol:       t.Symbol,
		Side:         string(t.Side),
		Type:         string(t.Type),
		Quantity:     t.Quantity,
		Price:        t.Price,
		Fee:          t.Fee,
		FeeCurrency:  t.FeeCurrency,
		RealizedPnL:  t.RealizedPnL,
		Status:       string(t.Status),
		ExecutedAt:   t.ExecutedAt,
	}
	if t.Raw != nil {
		if data, err := json.Marshal(t.Raw); err == nil {
			record.Raw = string(data)
		}
	}
	return record
}

// PositionRecord 持仓快照模型
// 每次同步整体替换对应连接的快照，不做差分合并
type PositionRecord struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID     string    `gorm:"index;size:64" json:"connection_id"`
	BrokerID         string    `gorm:"size:32" json:"broker_id"`
	Symbol           string    `gorm:"size:32" json:"symbol"`
	Side             string    `gorm:"size:8" json:"side"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	Leverage         float64   `json:"leverage"`
	LiquidationPrice float64   `json:"liquidation_price"`
	MarginType       string    `gorm:"size:16" json:"margin_type"`
	CostBasis        float64   `json:"cost_basis"`
	AssetType        string    `gorm:"size:16" json:"asset_type"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewPositionRecord 把统一持仓模型转为落库模型
func NewPositionRecord(connectionID, brokerID string, p *broker.Position) *PositionRecord {
	return &PositionRecord{
		ConnectionID:     connectionID,
		BrokerID:         brokerID,
		Symbol:           p.Symbol,
		Side:             string(p.Side),
		Quantity:         p.Quantity,
		EntryPrice:       p.EntryPrice,
		CurrentPrice:     p.CurrentPrice,
		UnrealizedPnL:    p.UnrealizedPnL,
		Leverage:         p.Leverage,
		LiquidationPrice: p.LiquidationPrice,
		MarginType:       string(p.MarginType),
		CostBasis:        p.CostBasis,
		AssetType:        string(p.AssetType),
		UpdatedAt:        p.UpdatedAt,
	}
}

// BalanceRecord 余额快照模型（每次同步整体替换）
type BalanceRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID string    `gorm:"index;size:64" json:"connection_id"`
	BrokerID     string    `gorm:"size:32" json:"broker_id"`
	Asset        string    `gorm:"size:16" json:"asset"`
	Free         float64   `json:"free"`
	Locked       float64   `json:"locked"`
	Total        float64   `json:"total"`
	USDValue     float64   `json:"usd_value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewBalanceRecord 把统一余额模型转为落库模型
func NewBalanceRecord(connectionID, brokerID string, b *broker.Balance) *BalanceRecord {
	return &BalanceRecord{
		ConnectionID: connectionID,
		BrokerID:     brokerID,
		Asset:        b.Asset,
		Free:         b.Free,
		Locked:       b.Locked,
		Total:        b.Total,
		USDValue:     b.USDValue,
		UpdatedAt:    time.Now(),
	}
}

// SyncRun 同步执行历史
type SyncRun struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionID     string    `gorm:"index;size:64" json:"connection_id"`
	BrokerID         string    `gorm:"size:32" json:"broker_id"`
	TradesImported   int       `json:"trades_imported"`
	PositionsUpdated int       `json:"positions_updated"`
	BalancesUpdated  int       `json:"balances_updated"`
	Success          bool      `gorm:"index" json:"success"`
	Errors           string    `gorm:"type:text" json:"errors"`   // 换行分隔
	Warnings         string    `gorm:"type:text" json:"warnings"` // 换行分隔
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `gorm:"index" json:"completed_at"`
}

// ConnectionRecord 券商连接配置
// 凭证以外部加密后的密文入库，本层不接触明文密钥
type ConnectionRecord struct {
	ConnectionID  string    `gorm:"primaryKey;size:64" json:"connection_id"`
	BrokerID      string    `gorm:"index;size:32" json:"broker_id"`
	Label         string    `gorm:"size:64" json:"label"`
	Testnet       bool      `json:"testnet"`
	EncryptedCred string    `gorm:"type:text" json:"-"`
	AutoSync      bool      `json:"auto_sync"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
