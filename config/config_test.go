package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: ":9090"
  gin_mode: test

database:
  type: postgres
  dsn: "host=localhost user=tv dbname=tradevault"
  max_open_conns: 20

lock:
  enabled: true
  type: redis
  redis:
    addr: "localhost:6379"

sync:
  interval: 120
  lookback_days: 7

connections:
  - broker_id: binance
    label: "币安主账户"
    auto_sync: true
    credentials:
      api_key: test_key
      api_secret: test_secret
  - connection_id: bybit_sub1
    broker_id: bybit
    credentials:
      api_key: k2
      api_secret: s2
      testnet: true
`

func TestLoadConfigFromBytes(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("监听地址错误: %s", cfg.Server.Addr)
	}
	if cfg.Database.Type != "postgres" {
		t.Errorf("数据库类型错误: %s", cfg.Database.Type)
	}
	if !cfg.Lock.Enabled || cfg.Lock.Redis.Addr != "localhost:6379" {
		t.Error("锁配置解析错误")
	}
	if cfg.Sync.Interval != 120 || cfg.Sync.LookbackDays != 7 {
		t.Error("同步配置解析错误")
	}
	// 未显式配置的字段保留默认值
	if !cfg.Sync.Trades || !cfg.Sync.Positions || !cfg.Sync.Balances {
		t.Error("同步子资源应默认开启")
	}
	if len(cfg.Connections) != 2 {
		t.Fatalf("期望 2 个连接, 得到 %d", len(cfg.Connections))
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("默认监听地址错误: %s", cfg.Server.Addr)
	}
	if cfg.Database.Type != "sqlite" {
		t.Errorf("默认数据库类型错误: %s", cfg.Database.Type)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("默认配置应通过校验: %v", err)
	}
}

func TestEffectiveID(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if got := cfg.Connections[0].EffectiveID(); got != "binance_default" {
		t.Errorf("默认连接 ID 错误: %s", got)
	}
	if got := cfg.Connections[1].EffectiveID(); got != "bybit_sub1" {
		t.Errorf("显式连接 ID 错误: %s", got)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "不支持的数据库",
			yaml: "database:\n  type: mongodb\n  dsn: x\n",
			want: "不支持的数据库类型",
		},
		{
			name: "redis 锁缺少地址",
			yaml: "lock:\n  enabled: true\n  type: redis\n",
			want: "redis.addr",
		},
		{
			name: "连接缺少券商",
			yaml: "connections:\n  - label: test\n",
			want: "broker_id",
		},
		{
			name: "连接 ID 重复",
			yaml: "connections:\n  - broker_id: binance\n  - broker_id: binance\n",
			want: "重复",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("应返回校验错误")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("错误信息应包含 %q: %v", tt.want, err)
			}
		})
	}
}

func TestToBrokerCredentials(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	creds := cfg.Connections[1].Credentials.ToBrokerCredentials()
	if creds.APIKey != "k2" || creds.APISecret != "s2" || !creds.Testnet {
		t.Errorf("凭证转换错误: %+v", creds)
	}
}

func TestStorageAndLockConfig(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	sc := cfg.StorageConfig()
	if sc.Type != "postgres" || sc.MaxOpenConns != 20 {
		t.Errorf("存储配置转换错误: %+v", sc)
	}

	lc := cfg.LockConfig()
	if !lc.Enabled || lc.Redis.Addr != "localhost:6379" {
		t.Errorf("锁配置转换错误: %+v", lc)
	}
}

func TestSyncOptions(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	opts := cfg.SyncOptions()
	window := opts.EndTime.Sub(opts.StartTime)
	if window < 6*24*time.Hour || window > 8*24*time.Hour {
		t.Errorf("回溯窗口应约为 7 天: %v", window)
	}
	if cfg.SyncInterval() != 2*time.Minute {
		t.Errorf("同步间隔错误: %v", cfg.SyncInterval())
	}
}
