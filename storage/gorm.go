package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStorage GORM 存储实现
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage 创建 GORM 存储实例并自动迁移表结构
func NewGormStorage(config *Config) (*GormStorage, error) {
	var dialector gorm.Dialector
	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", config.Type)
	}

	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层连接失败: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&TradeRecord{},
		&PositionRecord{},
		&BalanceRecord{},
		&SyncRun{},
		&ConnectionRecord{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormStorage{db: db}, nil
}

// UpsertTrades 幂等写入成交
// 主键 (带券商前缀的成交 ID) 冲突时更新可变字段，
// 返回本批实际写入/更新的行数
func (g *GormStorage) UpsertTrades(ctx context.Context, trades []*TradeRecord) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"quantity", "price", "fee", "fee_currency", "realized_pnl", "status", "raw", "updated_at",
		}),
	}).Create(trades)
	if result.Error != nil {
		return 0, fmt.Errorf("写入成交失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// applyTradeFilter 组装成交查询条件
func applyTradeFilter(query *gorm.DB, filter *TradeFilter) *gorm.DB {
	if filter == nil {
		return query
	}
	if filter.BrokerID != "" {
		query = query.Where("broker_id = ?", filter.BrokerID)
	}
	if filter.ConnectionID != "" {
		query = query.Where("connection_id = ?", filter.ConnectionID)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.StartTime != nil {
		query = query.Where("executed_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("executed_at <= ?", filter.EndTime)
	}
	return query
}

// GetTrades 查询成交（按成交时间倒序）
func (g *GormStorage) GetTrades(ctx context.Context, filter *TradeFilter) ([]*TradeRecord, error) {
	query := applyTradeFilter(g.db.WithContext(ctx).Model(&TradeRecord{}), filter)
	query = query.Order("executed_at DESC")
	if filter != nil && filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter != nil && filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var trades []*TradeRecord
	if err := query.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("查询成交失败: %w", err)
	}
	return trades, nil
}

// CountTrades 统计成交数量
func (g *GormStorage) CountTrades(ctx context.Context, filter *TradeFilter) (int64, error) {
	var count int64
	query := applyTradeFilter(g.db.WithContext(ctx).Model(&TradeRecord{}), filter)
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计成交失败: %w", err)
	}
	return count, nil
}

// ReplacePositions 事务内整体替换持仓快照
func (g *GormStorage) ReplacePositions(ctx context.Context, connectionID string, positions []*PositionRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", connectionID).Delete(&PositionRecord{}).Error; err != nil {
			return fmt.Errorf("清理旧持仓失败: %w", err)
		}
		if len(positions) == 0 {
			return nil
		}
		if err := tx.Create(positions).Error; err != nil {
			return fmt.Errorf("写入持仓失败: %w", err)
		}
		return nil
	})
}

// GetPositions 查询连接的持仓快照
func (g *GormStorage) GetPositions(ctx context.Context, connectionID string) ([]*PositionRecord, error) {
	var positions []*PositionRecord
	err := g.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("symbol ASC").
		Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("查询持仓失败: %w", err)
	}
	return positions, nil
}

// ReplaceBalances 事务内整体替换余额快照
func (g *GormStorage) ReplaceBalances(ctx context.Context, connectionID string, balances []*BalanceRecord) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", connectionID).Delete(&BalanceRecord{}).Error; err != nil {
			return fmt.Errorf("清理旧余额失败: %w", err)
		}
		if len(balances) == 0 {
			return nil
		}
		if err := tx.Create(balances).Error; err != nil {
			return fmt.Errorf("写入余额失败: %w", err)
		}
		return nil
	})
}

// GetBalances 查询连接的余额快照
func (g *GormStorage) GetBalances(ctx context.Context, connectionID string) ([]*BalanceRecord, error) {
	var balances []*BalanceRecord
	err := g.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("asset ASC").
		Find(&balances).Error
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balances, nil
}

// SaveSyncRun 记录一次同步执行
func (g *GormStorage) SaveSyncRun(ctx context.Context, run *SyncRun) error {
	if err := g.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("记录同步历史失败: %w", err)
	}
	return nil
}

// GetSyncRuns 查询同步历史（按完成时间倒序）
func (g *GormStorage) GetSyncRuns(ctx context.Context, filter *SyncRunFilter) ([]*SyncRun, error) {
	query := g.db.WithContext(ctx).Model(&SyncRun{})
	if filter != nil {
		if filter.ConnectionID != "" {
			query = query.Where("connection_id = ?", filter.ConnectionID)
		}
		if filter.OnlyFailed {
			query = query.Where("success = ?", false)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
	}

	var runs []*SyncRun
	if err := query.Order("completed_at DESC").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("查询同步历史失败: %w", err)
	}
	return runs, nil
}

// SaveConnection 保存券商连接配置（存在则更新）
func (g *GormStorage) SaveConnection(ctx context.Context, conn *ConnectionRecord) error {
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "connection_id"}},
		UpdateAll: true,
	}).Create(conn).Error
	if err != nil {
		return fmt.Errorf("保存连接配置失败: %w", err)
	}
	return nil
}

// GetConnections 查询全部连接配置
func (g *GormStorage) GetConnections(ctx context.Context) ([]*ConnectionRecord, error) {
	var conns []*ConnectionRecord
	if err := g.db.WithContext(ctx).Order("connection_id ASC").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("查询连接配置失败: %w", err)
	}
	return conns, nil
}

// GetConnection 查询单个连接配置，不存在返回 nil
func (g *GormStorage) GetConnection(ctx context.Context, connectionID string) (*ConnectionRecord, error) {
	var conn ConnectionRecord
	err := g.db.WithContext(ctx).Where("connection_id = ?", connectionID).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询连接配置失败: %w", err)
	}
	return &conn, nil
}

// DeleteConnection 删除连接配置
func (g *GormStorage) DeleteConnection(ctx context.Context, connectionID string) error {
	if err := g.db.WithContext(ctx).Where("connection_id = ?", connectionID).Delete(&ConnectionRecord{}).Error; err != nil {
		return fmt.Errorf("删除连接配置失败: %w", err)
	}
	return nil
}

// Ping 健康检查
func (g *GormStorage) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormStorage) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
