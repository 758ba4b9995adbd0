// Package brokers 汇集全部内置券商适配器
// 新增适配器时在 RegisterDefaults 里追加一行即可
package brokers

import (
	"fmt"

	"tradevault/broker"
	"tradevault/broker/binance"
	"tradevault/broker/bybit"
	"tradevault/broker/hyperliquid"
	"tradevault/broker/ibkr"
	"tradevault/broker/tdameritrade"
)

// RegisterDefaults 把内置适配器全部注册到指定注册表
func RegisterDefaults(r *broker.Registry) error {
	entries := []struct {
		meta    *broker.Metadata
		factory broker.Factory
	}{
		{binance.Meta(), binance.New},
		{bybit.Meta(), bybit.New},
		{hyperliquid.Meta(), hyperliquid.New},
		{ibkr.Meta(), ibkr.New},
		{tdameritrade.Meta(), tdameritrade.New},
	}

	for _, e := range entries {
		if err := r.Register(e.meta, e.factory); err != nil {
			return fmt.Errorf("注册 %s 失败: %w", e.meta.ID, err)
		}
	}
	return nil
}

// NewDefaultRegistry 创建注册了全部内置适配器的注册表
func NewDefaultRegistry() (*broker.Registry, error) {
	r := broker.NewRegistry()
	if err := RegisterDefaults(r); err != nil {
		return nil, err
	}
	return r, nil
}
