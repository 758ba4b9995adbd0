package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tradevault/broker"
	"tradevault/brokers"
	"tradevault/config"
	"tradevault/lock"
	"tradevault/logger"
	"tradevault/metrics"
	"tradevault/storage"
	"tradevault/syncer"
	"tradevault/web"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 配置文件不存在时用默认配置启动（sqlite + 无预置连接）
	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("❌ 加载配置失败: %v", err)
		}
	} else {
		logger.Warn("⚠️ 未找到配置文件 %s，使用默认配置", *configPath)
		cfg = config.DefaultConfig()
	}

	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if cfg.System.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.System.Timezone); err == nil {
			logger.SetLocation(loc)
		} else {
			logger.Warn("⚠️ 无效的时区 %s: %v", cfg.System.Timezone, err)
		}
	}
	if err := logger.InitWebLogger(); err != nil {
		logger.Warn("⚠️ 初始化 Web 日志失败: %v", err)
	}
	defer logger.Close()

	logger.Info("🚀 TradeVault v%s 启动中...", Version)

	gin.SetMode(cfg.Server.GinMode)

	// 存储
	store, err := storage.NewStorage(cfg.StorageConfig())
	if err != nil {
		logger.Fatal("❌ 初始化存储失败: %v", err)
	}
	defer store.Close()
	logger.Info("✅ 存储已就绪 (%s)", cfg.Database.Type)

	// 分布式锁（未启用时为 NopLock）
	locker, err := lock.NewDistributedLock(cfg.LockConfig())
	if err != nil {
		logger.Fatal("❌ 初始化分布式锁失败: %v", err)
	}
	defer locker.Close()

	// 券商注册表
	registry, err := brokers.NewDefaultRegistry()
	if err != nil {
		logger.Fatal("❌ 初始化券商注册表失败: %v", err)
	}
	logger.Info("📋 已注册 %d 个券商适配器", len(registry.SupportedBrokers()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 同步编排器（WebSocket 推送在服务创建后挂接）
	var srv *web.Server
	sync := syncer.New(registry, store, locker, &syncer.Options{
		Interval:    cfg.SyncInterval(),
		SyncOptions: cfg.SyncOptions,
		OnComplete: func(connectionID string, result *broker.SyncResult) {
			if srv != nil {
				srv.Hub().BroadcastSyncResult(connectionID, result)
			}
		},
	})

	// 自动连接配置文件里的连接
	connectConfigured(ctx, cfg, registry, store, sync)

	srv = web.NewServer(registry, store, sync)

	// 指标
	var collector *metrics.SystemCollector
	if cfg.Metrics.Enabled && cfg.Metrics.SystemCollector {
		collector = metrics.NewSystemCollector(30 * time.Second)
		collector.Start()
		defer collector.Stop()
	}

	// 自动同步
	if cfg.Sync.Interval > 0 && len(registry.Connections()) > 0 {
		if err := sync.Start(ctx); err != nil {
			logger.Warn("⚠️ 启动自动同步失败: %v", err)
		}
		defer sync.Stop()
	}

	// 配置热加载：目前只动态应用日志级别
	if watcher, err := config.NewWatcher(*configPath); err == nil {
		if err := watcher.Start(ctx); err == nil {
			defer watcher.Stop()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case newCfg := <-watcher.Updates():
						logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
						logger.Info("🔄 配置已重新加载，日志级别: %s", newCfg.System.LogLevel)
					case err := <-watcher.Errors():
						logger.Warn("⚠️ 配置热加载失败: %v", err)
					}
				}
			}()
		}
	}

	// HTTP 服务
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(cfg.Server.Addr)
	}()

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("🛑 收到退出信号，开始优雅关闭...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("❌ HTTP 服务异常退出: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("⚠️ HTTP 服务关闭失败: %v", err)
	}

	// 断开全部券商连接，清除内存中的凭证
	if errs := registry.DisconnectAll(shutdownCtx); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("⚠️ 断开连接失败: %v", err)
		}
	}

	logger.Info("👋 已退出")
}

// connectConfigured 连接配置文件声明的券商账户
// 单个连接失败只告警，不阻塞其余连接与服务启动
func connectConfigured(ctx context.Context, cfg *config.Config, registry *broker.Registry, store storage.Storage, sync *syncer.Syncer) {
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		connectionID := conn.EffectiveID()

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := registry.ConnectBroker(connectCtx, conn.BrokerID, conn.Credentials.ToBrokerCredentials(), connectionID)
		cancel()
		if err != nil {
			logger.Error("❌ 连接 %s (%s) 失败: %v", connectionID, conn.BrokerID, err)
			continue
		}
		logger.Info("🔗 已连接 %s (%s)", connectionID, conn.BrokerID)

		record := &storage.ConnectionRecord{
			ConnectionID: connectionID,
			BrokerID:     conn.BrokerID,
			Label:        conn.Label,
			Testnet:      conn.Credentials.Testnet,
			AutoSync:     conn.AutoSync,
		}
		if err := store.SaveConnection(ctx, record); err != nil {
			logger.Warn("⚠️ 保存连接配置失败 %s: %v", connectionID, err)
		}
		sync.SetAutoSync(connectionID, conn.AutoSync)
	}
}
