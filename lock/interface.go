package lock

import (
	"context"
	"fmt"
	"time"
)

// DistributedLock 分布式锁接口
// 用于多实例部署时避免同一个券商连接被并发同步：
// 同步任务先 TryLock(SyncKey(connectionID))，拿不到锁直接跳过本轮
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 超时
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间（长同步任务续期用）
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 关闭连接
	Close() error
}

// SyncKey 构造券商连接同步任务的锁键
func SyncKey(connectionID string) string {
	return fmt.Sprintf("sync:%s", connectionID)
}

// NopLock 空实现（单实例模式，锁永远成功）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
