package storage

import (
	"context"
	"fmt"
	"time"
)

// Config 存储配置
type Config struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // silent, error, warn, info
}

// TradeFilter 成交查询条件
type TradeFilter struct {
	BrokerID     string
	ConnectionID string
	Symbol       string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// SyncRunFilter 同步历史查询条件
type SyncRunFilter struct {
	ConnectionID string
	OnlyFailed   bool
	Limit        int
}

// Storage 交易日志存储接口
type Storage interface {
	// UpsertTrades 幂等写入成交：主键冲突时更新，重复同步不产生重复记录
	UpsertTrades(ctx context.Context, trades []*TradeRecord) (int64, error)
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*TradeRecord, error)
	CountTrades(ctx context.Context, filter *TradeFilter) (int64, error)

	// ReplacePositions 整体替换连接的持仓快照
	ReplacePositions(ctx context.Context, connectionID string, positions []*PositionRecord) error
	GetPositions(ctx context.Context, connectionID string) ([]*PositionRecord, error)

	// ReplaceBalances 整体替换连接的余额快照
	ReplaceBalances(ctx context.Context, connectionID string, balances []*BalanceRecord) error
	GetBalances(ctx context.Context, connectionID string) ([]*BalanceRecord, error)

	// 同步执行历史
	SaveSyncRun(ctx context.Context, run *SyncRun) error
	GetSyncRuns(ctx context.Context, filter *SyncRunFilter) ([]*SyncRun, error)

	// 券商连接配置
	SaveConnection(ctx context.Context, conn *ConnectionRecord) error
	GetConnections(ctx context.Context) ([]*ConnectionRecord, error)
	GetConnection(ctx context.Context, connectionID string) (*ConnectionRecord, error)
	DeleteConnection(ctx context.Context, connectionID string) error

	// Ping 健康检查
	Ping(ctx context.Context) error

	// Close 关闭连接
	Close() error
}

// NewStorage 根据配置创建存储实例
func NewStorage(config *Config) (Storage, error) {
	switch config.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
		return NewGormStorage(config)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", config.Type)
	}
}
