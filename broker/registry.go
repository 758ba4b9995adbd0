package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tradevault/logger"
	"tradevault/metrics"
)

// Factory 适配器构造函数
type Factory func() (Broker, error)

// registration 注册表条目：静态元数据 + 构造函数
type registration struct {
	meta    *Metadata
	factory Factory
}

// Registry 券商注册表
// 维护 id -> 构造函数的可变映射，以及按连接 ID 缓存的已连接实例。
// 注册表是唯一持有跨券商状态的组件
type Registry struct {
	mu        sync.RWMutex
	factories map[string]*registration

	cacheMu   sync.RWMutex
	instances map[string]Broker // connectionID -> 已连接实例
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]*registration),
		instances: make(map[string]Broker),
	}
}

// Register 注册券商适配器（支持运行时扩展）
func (r *Registry) Register(meta *Metadata, factory Factory) error {
	if meta == nil || meta.ID == "" {
		return fmt.Errorf("注册失败: 元数据不完整")
	}
	if factory == nil {
		return fmt.Errorf("注册失败: %s 的构造函数为空", meta.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[meta.ID]; exists {
		return fmt.Errorf("券商 %s 已注册", meta.ID)
	}
	r.factories[meta.ID] = &registration{meta: meta, factory: factory}
	logger.Debug("📋 [Registry] 已注册券商: %s", meta.ID)
	return nil
}

// Unregister 注销券商适配器
// 先断开所有缓存键以该券商 ID 为前缀的在线实例，再移除注册项
func (r *Registry) Unregister(ctx context.Context, brokerID string) error {
	r.mu.Lock()
	_, exists := r.factories[brokerID]
	if exists {
		delete(r.factories, brokerID)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("券商 %s 未注册", brokerID)
	}

	// 清理该券商的在线连接
	prefix := brokerID + "_"
	r.cacheMu.Lock()
	var victims []string
	for key := range r.instances {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, key)
		}
	}
	r.cacheMu.Unlock()

	for _, key := range victims {
		if err := r.DisconnectBroker(ctx, key); err != nil {
			logger.Warn("⚠️ [Registry] 注销 %s 时断开连接 %s 失败: %v", brokerID, key, err)
		}
	}
	return nil
}

// CreateBroker 创建未连接的适配器实例
func (r *Registry) CreateBroker(brokerID string) (Broker, error) {
	r.mu.RLock()
	reg, exists := r.factories[brokerID]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("不支持的券商: %s", brokerID)
	}
	return reg.factory()
}

// ConnectBroker 连接券商并缓存实例
// 未指定 connectionID 时缓存键为 <brokerID>_default。
// 命中缓存且实例状态仍为已连接时直接复用，不重复发起连接验证
// （幂等性/性能保证，而不只是缓存命中）
func (r *Registry) ConnectBroker(ctx context.Context, brokerID string, creds *Credentials, connectionID string) (Broker, error) {
	key := connectionID
	if key == "" {
		key = brokerID + "_default"
	}

	r.cacheMu.RLock()
	cached, hit := r.instances[key]
	r.cacheMu.RUnlock()

	if hit && cached.Status().Connected {
		logger.Debug("📋 [Registry] 复用已连接实例: %s", key)
		return cached, nil
	}

	instance, err := r.CreateBroker(brokerID)
	if err != nil {
		return nil, err
	}

	if err := instance.Connect(ctx, creds); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.instances[key] = instance
	r.cacheMu.Unlock()

	metrics.GetPrometheusMetrics().SetConnectionStatus(key, brokerID, true)
	logger.Info("🔗 [Registry] 券商已连接: %s (连接 %s)", brokerID, key)
	return instance, nil
}

// GetConnection 按连接 ID 查找缓存实例
func (r *Registry) GetConnection(connectionID string) (Broker, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	instance, ok := r.instances[connectionID]
	return instance, ok
}

// Connections 返回全部缓存连接的状态快照
func (r *Registry) Connections() map[string]ConnectionStatus {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	statuses := make(map[string]ConnectionStatus, len(r.instances))
	for key, instance := range r.instances {
		statuses[key] = instance.Status()
	}
	return statuses
}

// DisconnectBroker 断开指定连接并从缓存中移除
func (r *Registry) DisconnectBroker(ctx context.Context, connectionID string) error {
	r.cacheMu.Lock()
	instance, ok := r.instances[connectionID]
	if ok {
		delete(r.instances, connectionID)
	}
	r.cacheMu.Unlock()

	if !ok {
		return fmt.Errorf("连接 %s 不存在", connectionID)
	}
	metrics.GetPrometheusMetrics().SetConnectionStatus(connectionID, instance.Metadata().ID, false)
	return instance.Disconnect(ctx)
}

// DisconnectAll 并发断开全部缓存连接
// 单个实例断开失败不阻塞其他实例的清理：失败的实例保留在缓存中
// 以便调用方重试，成功的实例全部逐出
func (r *Registry) DisconnectAll(ctx context.Context) []error {
	r.cacheMu.RLock()
	snapshot := make(map[string]Broker, len(r.instances))
	for key, instance := range r.instances {
		snapshot[key] = instance
	}
	r.cacheMu.RUnlock()

	type outcome struct {
		key string
		err error
	}

	results := make(chan outcome, len(snapshot))
	var wg sync.WaitGroup
	for key, instance := range snapshot {
		wg.Add(1)
		go func(key string, instance Broker) {
			defer wg.Done()
			results <- outcome{key: key, err: instance.Disconnect(ctx)}
		}(key, instance)
	}
	wg.Wait()
	close(results)

	var errs []error
	for res := range results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("断开 %s 失败: %w", res.key, res.err))
			continue
		}
		r.cacheMu.Lock()
		instance := snapshot[res.key]
		delete(r.instances, res.key)
		r.cacheMu.Unlock()
		metrics.GetPrometheusMetrics().SetConnectionStatus(res.key, instance.Metadata().ID, false)
	}

	if len(errs) == 0 {
		logger.Info("🔌 [Registry] 已断开全部券商连接 (%d 个)", len(snapshot))
	}
	return errs
}

// SupportedBrokers 返回全部已注册券商的元数据（按 ID 排序）
func (r *Registry) SupportedBrokers() []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metas := make([]*Metadata, 0, len(r.factories))
	for _, reg := range r.factories {
		metas = append(metas, reg.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })
	return metas
}

// BrokersByCategory 按类别筛选（纯投影，无网络调用）
func (r *Registry) BrokersByCategory(category Category) []*Metadata {
	var metas []*Metadata
	for _, meta := range r.SupportedBrokers() {
		if meta.Category == category {
			metas = append(metas, meta)
		}
	}
	return metas
}

// CryptoExchanges 返回全部加密货币交易所（CEX + DEX）
func (r *Registry) CryptoExchanges() []*Metadata {
	var metas []*Metadata
	for _, meta := range r.SupportedBrokers() {
		if meta.Category == CategoryCryptoCEX || meta.Category == CategoryCryptoDEX {
			metas = append(metas, meta)
		}
	}
	return metas
}

// TraditionalBrokers 返回全部传统券商（股票/外汇/期货/期权）
func (r *Registry) TraditionalBrokers() []*Metadata {
	var metas []*Metadata
	for _, meta := range r.SupportedBrokers() {
		switch meta.Category {
		case CategoryStocks, CategoryForex, CategoryFutures, CategoryOptions:
			metas = append(metas, meta)
		}
	}
	return metas
}
