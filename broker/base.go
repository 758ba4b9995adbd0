package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BaseAdapter 适配器公共基座
// 集中管理凭证持有与连接状态变更，保证所有适配器以统一方式上报状态。
// 凭证只在已连接的适配器实例内存中保留，Disconnect 时立即清除
type BaseAdapter struct {
	meta *Metadata

	mu     sync.RWMutex
	creds  *Credentials
	status ConnectionStatus
}

// NewBaseAdapter 创建基座（初始为断开状态）
func NewBaseAdapter(meta *Metadata) *BaseAdapter {
	return &BaseAdapter{meta: meta}
}

// Metadata 返回静态元数据
func (b *BaseAdapter) Metadata() *Metadata {
	return b.meta
}

// Status 返回连接状态快照
func (b *BaseAdapter) Status() ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Credentials 返回当前持有的凭证（仅适配器内部使用，绝不对外输出）
func (b *BaseAdapter) Credentials() *Credentials {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.creds
}

// SetCredentials 保存凭证
func (b *BaseAdapter) SetCredentials(creds *Credentials) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creds = creds
}

// SetConnected 标记连接成功，记录连接时间并清除错误
func (b *BaseAdapter) SetConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Connected = true
	b.status.LastConnectedAt = time.Now()
	b.status.Error = ""
}

// SetDisconnected 标记断开并清除凭证（幂等）
func (b *BaseAdapter) SetDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Connected = false
	b.creds = nil
}

// SetError 记录最近一次错误（不改变连接状态）
func (b *BaseAdapter) SetError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.Error = err.Error()
}

// SetSyncTime 记录最近一次同步完成时间
func (b *BaseAdapter) SetSyncTime(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.LastSyncAt = t
}

// UpdateRateLimit 机会性更新限流信息（来自响应头等）
func (b *BaseAdapter) UpdateRateLimit(remaining int, reset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.RateLimitRemaining = remaining
	b.status.RateLimitReset = reset
}

// EnsureConnected 校验连接状态
// 断开状态下的任何数据操作都返回 INVALID_CREDENTIALS
func (b *BaseAdapter) EnsureConnected() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.status.Connected || b.creds == nil {
		return NewError(ErrInvalidCredentials, "%s 未连接，请先调用 Connect", b.meta.Name)
	}
	return nil
}

// RunSync 统一的同步流程
// 逐项拉取成交/持仓/余额，任何子操作失败只记录不中断，
// 整体永不返回错误（契约要求 Sync 不抛出）
func (b *BaseAdapter) RunSync(ctx context.Context, adapter Broker, opts *SyncOptions) *SyncResult {
	result := &SyncResult{BrokerID: b.meta.ID}

	if opts == nil {
		opts = DefaultSyncOptions()
	}

	if err := b.EnsureConnected(); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.CompletedAt = time.Now()
		return result
	}

	if opts.IncludeTrades {
		query := &TradeQuery{StartTime: opts.StartTime, EndTime: opts.EndTime}
		if len(opts.Symbols) == 1 {
			query.Symbol = opts.Symbols[0]
		}
		trades, err := adapter.GetTrades(ctx, query)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("拉取成交失败: %v", err))
		} else {
			result.Trades = trades
			result.TradesImported = len(trades)
			result.TradesFetched = true
		}
	}

	if opts.IncludePositions {
		positions, err := adapter.GetPositions(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("拉取持仓失败: %v", err))
		} else {
			result.Positions = positions
			result.PositionsUpdated = len(positions)
			result.PositionsFetched = true
		}
	}

	if opts.IncludeBalances {
		balances, err := adapter.GetBalances(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("拉取余额失败: %v", err))
		} else {
			for _, bal := range balances {
				bal.Normalize()
			}
			result.Balances = balances
			result.BalancesUpdated = len(balances)
			result.BalancesFetched = true
		}
	}

	result.Success = len(result.Errors) == 0
	result.CompletedAt = time.Now()
	b.SetSyncTime(result.CompletedAt)
	return result
}
