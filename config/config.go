package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tradevault/broker"
	"tradevault/lock"
	"tradevault/storage"
)

// CredentialConfig 券商凭证
// 只在进程内存与已连接的适配器实例中存在，
// 任何日志与接口响应都不得输出其中的密钥字段
type CredentialConfig struct {
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
	Passphrase   string `yaml:"passphrase"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	AccountID    string `yaml:"account_id"`
	Testnet      bool   `yaml:"testnet"`
}

// ToBrokerCredentials 转为适配器使用的凭证模型
func (c *CredentialConfig) ToBrokerCredentials() *broker.Credentials {
	return &broker.Credentials{
		APIKey:       c.APIKey,
		APISecret:    c.APISecret,
		Passphrase:   c.Passphrase,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		AccountID:    c.AccountID,
		Testnet:      c.Testnet,
	}
}

// ConnectionConfig 单个券商连接
type ConnectionConfig struct {
	ConnectionID string           `yaml:"connection_id"` // 为空时取 <broker_id>_default
	BrokerID     string           `yaml:"broker_id"`
	Label        string           `yaml:"label"`
	AutoSync     bool             `yaml:"auto_sync"`
	Credentials  CredentialConfig `yaml:"credentials"`
}

// EffectiveID 连接 ID，未显式配置时按券商生成默认值
func (c *ConnectionConfig) EffectiveID() string {
	if c.ConnectionID != "" {
		return c.ConnectionID
	}
	return fmt.Sprintf("%s_default", c.BrokerID)
}

// Config 系统配置
type Config struct {
	Server struct {
		Addr    string `yaml:"addr"`     // 监听地址，默认 :8080
		GinMode string `yaml:"gin_mode"` // debug / release / test
	} `yaml:"server"`

	Database struct {
		Type            string `yaml:"type"` // sqlite / postgres / mysql
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
		LogLevel        string `yaml:"log_level"`
	} `yaml:"database"`

	Lock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"` // redis
		Prefix     string `yaml:"prefix"`
		DefaultTTL int    `yaml:"default_ttl"` // 秒
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"lock"`

	Sync struct {
		Interval     int  `yaml:"interval"`      // 自动同步间隔（秒），默认 300
		LookbackDays int  `yaml:"lookback_days"` // 首次同步回溯天数，默认 30
		Trades       bool `yaml:"trades"`
		Positions    bool `yaml:"positions"`
		Balances     bool `yaml:"balances"`
	} `yaml:"sync"`

	System struct {
		LogLevel string `yaml:"log_level"`
		Timezone string `yaml:"timezone"`
	} `yaml:"system"`

	Metrics struct {
		Enabled         bool `yaml:"enabled"`
		SystemCollector bool `yaml:"system_collector"` // 采集 CPU/内存等主机指标
	} `yaml:"metrics"`

	Connections []ConnectionConfig `yaml:"connections"`
}

// DefaultConfig 带默认值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.GinMode = "release"
	cfg.Database.Type = "sqlite"
	cfg.Database.DSN = "tradevault.db"
	cfg.Sync.Interval = 300
	cfg.Sync.LookbackDays = 30
	cfg.Sync.Trades = true
	cfg.Sync.Positions = true
	cfg.Sync.Balances = true
	cfg.System.LogLevel = "info"
	cfg.Metrics.Enabled = true
	return cfg
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("数据库 DSN 不能为空")
	}

	if c.Lock.Enabled && c.Lock.Type == "redis" && c.Lock.Redis.Addr == "" {
		return fmt.Errorf("启用 Redis 锁时必须配置 redis.addr")
	}

	if c.Sync.Interval < 0 {
		return fmt.Errorf("同步间隔不能为负数")
	}

	seen := make(map[string]bool)
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.BrokerID == "" {
			return fmt.Errorf("第 %d 个连接缺少 broker_id", i+1)
		}
		id := conn.EffectiveID()
		if seen[id] {
			return fmt.Errorf("连接 ID 重复: %s", id)
		}
		seen[id] = true
	}

	return nil
}

// StorageConfig 转为存储层配置
func (c *Config) StorageConfig() *storage.Config {
	return &storage.Config{
		Type:            c.Database.Type,
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(c.Database.ConnMaxLifetime) * time.Second,
		LogLevel:        c.Database.LogLevel,
	}
}

// LockConfig 转为分布式锁配置
func (c *Config) LockConfig() *lock.Config {
	return &lock.Config{
		Enabled:    c.Lock.Enabled,
		Type:       c.Lock.Type,
		Prefix:     c.Lock.Prefix,
		DefaultTTL: time.Duration(c.Lock.DefaultTTL) * time.Second,
		Redis: lock.RedisConfig{
			Addr:     c.Lock.Redis.Addr,
			Password: c.Lock.Redis.Password,
			DB:       c.Lock.Redis.DB,
			PoolSize: c.Lock.Redis.PoolSize,
		},
	}
}

// SyncOptions 转为同步参数
func (c *Config) SyncOptions() *broker.SyncOptions {
	now := time.Now()
	return &broker.SyncOptions{
		StartTime:        now.AddDate(0, 0, -c.Sync.LookbackDays),
		EndTime:          now,
		IncludeTrades:    c.Sync.Trades,
		IncludePositions: c.Sync.Positions,
		IncludeBalances:  c.Sync.Balances,
	}
}

// SyncInterval 自动同步间隔
func (c *Config) SyncInterval() time.Duration {
	if c.Sync.Interval <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Sync.Interval) * time.Second
}
