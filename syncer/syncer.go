package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradevault/broker"
	"tradevault/lock"
	"tradevault/logger"
	"tradevault/metrics"
	"tradevault/storage"
)

// ErrSyncInProgress 该连接的同步正被其他实例持有
var ErrSyncInProgress = errors.New("同步已在进行中")

// Options 同步器参数
type Options struct {
	Interval    time.Duration              // 自动同步间隔，默认 5 分钟
	LockTTL     time.Duration              // 同步锁 TTL，默认 10 分钟
	SyncOptions func() *broker.SyncOptions // 每次同步的参数，nil 时用默认 30 天窗口

	// OnComplete 每次同步完成后的回调（成功与部分失败都会触发），
	// 用于向 WebSocket 等外部通道推送结果
	OnComplete func(connectionID string, result *broker.SyncResult)
}

// Syncer 同步编排器
// 对每个连接：抢分布式锁 -> 拉取券商数据 -> 幂等落库 -> 记录历史与指标。
// 锁被占用时直接跳过，保证多实例部署下同一连接不会并发同步
type Syncer struct {
	registry *broker.Registry
	store    storage.Storage
	locker   lock.DistributedLock
	pm       *metrics.PrometheusMetrics

	interval time.Duration
	lockTTL  time.Duration
	newOpts  func() *broker.SyncOptions

	onComplete func(connectionID string, result *broker.SyncResult)

	mu       sync.Mutex
	autoSync map[string]bool // 未登记的连接默认参与自动同步
	running  bool
	cancel   context.CancelFunc
}

// New 创建同步编排器
func New(registry *broker.Registry, store storage.Storage, locker lock.DistributedLock, opts *Options) *Syncer {
	s := &Syncer{
		registry: registry,
		store:    store,
		locker:   locker,
		pm:       metrics.GetPrometheusMetrics(),
		interval: 5 * time.Minute,
		lockTTL:  10 * time.Minute,
		newOpts:  broker.DefaultSyncOptions,
		autoSync: make(map[string]bool),
	}
	if opts != nil {
		if opts.Interval > 0 {
			s.interval = opts.Interval
		}
		if opts.LockTTL > 0 {
			s.lockTTL = opts.LockTTL
		}
		if opts.SyncOptions != nil {
			s.newOpts = opts.SyncOptions
		}
		s.onComplete = opts.OnComplete
	}
	return s
}

// SetAutoSync 设置连接是否参与自动同步（手动触发不受影响）
func (s *Syncer) SetAutoSync(connectionID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync[connectionID] = enabled
}

// SyncConnection 同步单个连接并落库
func (s *Syncer) SyncConnection(ctx context.Context, connectionID string) (*broker.SyncResult, error) {
	adapter, ok := s.registry.GetConnection(connectionID)
	if !ok {
		return nil, fmt.Errorf("连接不存在: %s", connectionID)
	}
	brokerID := adapter.Metadata().ID
	key := lock.SyncKey(connectionID)

	acquired, err := s.locker.TryLock(ctx, key, s.lockTTL)
	if err != nil {
		s.pm.RecordLockAcquire(key, "error")
		return nil, fmt.Errorf("获取同步锁失败: %w", err)
	}
	if !acquired {
		s.pm.RecordLockAcquire(key, "conflict")
		s.pm.RecordSyncSkipped(connectionID, brokerID)
		logger.Info("⏭️ 跳过同步 %s: 锁被其他实例持有", connectionID)
		return nil, ErrSyncInProgress
	}
	s.pm.RecordLockAcquire(key, "success")
	defer func() {
		if err := s.locker.Unlock(context.Background(), key); err != nil {
			logger.Warn("⚠️ 释放同步锁失败 %s: %v", key, err)
		}
	}()

	logger.Info("🔄 开始同步连接 %s (%s)", connectionID, brokerID)
	started := time.Now()
	result := adapter.Sync(ctx, s.newOpts())

	if err := s.persist(ctx, connectionID, brokerID, started, result); err != nil {
		logger.Error("⚠️ 同步结果落库失败 %s: %v", connectionID, err)
		result.Errors = append(result.Errors, fmt.Sprintf("落库失败: %v", err))
		result.Success = false
	}

	status := "success"
	if !result.Success {
		status = "partial"
	}
	s.pm.RecordSyncRun(connectionID, brokerID, status, time.Since(started))
	s.pm.RecordTradesImported(connectionID, brokerID, result.TradesImported)
	if result.PositionsFetched {
		s.pm.SetPositionsTracked(connectionID, brokerID, result.PositionsUpdated)
	}
	if result.BalancesFetched {
		s.pm.SetBalancesTracked(connectionID, brokerID, result.BalancesUpdated)
	}

	if result.Success {
		logger.Info("✅ 同步完成 %s: %d 成交, %d 持仓, %d 余额",
			connectionID, result.TradesImported, result.PositionsUpdated, result.BalancesUpdated)
	} else {
		logger.Warn("⚠️ 同步部分失败 %s: %s", connectionID, strings.Join(result.Errors, "; "))
	}

	if s.onComplete != nil {
		s.onComplete(connectionID, result)
	}
	return result, nil
}

// persist 把同步结果幂等写入存储
// 成交按主键 upsert；持仓/余额只有在对应拉取成功时才整体替换快照，
// 拉取失败保留上一次的快照
func (s *Syncer) persist(ctx context.Context, connectionID, brokerID string, started time.Time, result *broker.SyncResult) error {
	if result.TradesFetched && len(result.Trades) > 0 {
		records := make([]*storage.TradeRecord, 0, len(result.Trades))
		for _, t := range result.Trades {
			records = append(records, storage.NewTradeRecord(connectionID, brokerID, t))
		}
		if _, err := s.store.UpsertTrades(ctx, records); err != nil {
			return err
		}
	}

	if result.PositionsFetched {
		records := make([]*storage.PositionRecord, 0, len(result.Positions))
		for _, p := range result.Positions {
			records = append(records, storage.NewPositionRecord(connectionID, brokerID, p))
		}
		if err := s.store.ReplacePositions(ctx, connectionID, records); err != nil {
			return err
		}
	}

	if result.BalancesFetched {
		records := make([]*storage.BalanceRecord, 0, len(result.Balances))
		for _, b := range result.Balances {
			records = append(records, storage.NewBalanceRecord(connectionID, brokerID, b))
		}
		if err := s.store.ReplaceBalances(ctx, connectionID, records); err != nil {
			return err
		}
	}

	run := &storage.SyncRun{
		ConnectionID:     connectionID,
		BrokerID:         brokerID,
		TradesImported:   result.TradesImported,
		PositionsUpdated: result.PositionsUpdated,
		BalancesUpdated:  result.BalancesUpdated,
		Success:          result.Success,
		Errors:           strings.Join(result.Errors, "\n"),
		Warnings:         strings.Join(result.Warnings, "\n"),
		StartedAt:        started,
		CompletedAt:      result.CompletedAt,
	}
	if err := s.store.SaveSyncRun(ctx, run); err != nil {
		return err
	}

	// 连接配置存在时回写最后同步时间
	if conn, err := s.store.GetConnection(ctx, connectionID); err == nil && conn != nil {
		conn.LastSyncAt = result.CompletedAt
		if err := s.store.SaveConnection(ctx, conn); err != nil {
			logger.Warn("⚠️ 更新连接同步时间失败 %s: %v", connectionID, err)
		}
	}
	return nil
}

// SyncAll 同步全部参与自动同步的连接
func (s *Syncer) SyncAll(ctx context.Context) {
	for connectionID := range s.registry.Connections() {
		s.mu.Lock()
		enabled, tracked := s.autoSync[connectionID]
		s.mu.Unlock()
		if tracked && !enabled {
			continue
		}

		if _, err := s.SyncConnection(ctx, connectionID); err != nil && !errors.Is(err, ErrSyncInProgress) {
			logger.Error("⚠️ 同步连接 %s 失败: %v", connectionID, err)
		}
	}
}

// Start 启动周期性自动同步
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("同步器已经在运行")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	logger.Info("🔄 自动同步已启动，间隔 %v", s.interval)
	go s.loop(runCtx)
	return nil
}

// Stop 停止自动同步
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cancel()
}

func (s *Syncer) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 启动后立即跑一轮
	s.SyncAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}
