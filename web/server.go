package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradevault/broker"
	"tradevault/logger"
	"tradevault/storage"
	"tradevault/syncer"
)

// Server HTTP 服务
type Server struct {
	engine   *gin.Engine
	registry *broker.Registry
	store    storage.Storage
	syncer   *syncer.Syncer
	hub      *Hub
	httpSrv  *http.Server
}

// NewServer 创建 HTTP 服务并装配路由
func NewServer(registry *broker.Registry, store storage.Storage, sync *syncer.Syncer) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), GinLoggerMiddleware(gin.Mode() == gin.DebugMode))

	s := &Server{
		engine:   engine,
		registry: registry,
		store:    store,
		syncer:   sync,
		hub:      NewHub(),
	}
	go s.hub.Run()
	s.setupRoutes()
	return s
}

// Hub 返回 WebSocket 中心（用于外部推送同步事件）
func (s *Server) Hub() *Hub {
	return s.hub
}

// Engine 返回底层 gin 实例（测试用）
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)

	// Prometheus 抓取端点
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	{
		api.GET("/brokers", s.listBrokers)
		api.GET("/brokers/:id", s.getBroker)

		api.GET("/connections", s.listConnections)
		api.POST("/connections", s.createConnection)
		api.DELETE("/connections/:id", s.deleteConnection)
		api.POST("/connections/:id/test", s.testConnection)
		api.POST("/connections/:id/sync", s.syncConnection)
		api.GET("/connections/:id/account", s.getAccount)
		api.GET("/connections/:id/positions", s.listPositions)
		api.GET("/connections/:id/balances", s.listBalances)

		api.GET("/trades", s.listTrades)
		api.GET("/syncs", s.listSyncRuns)
	}
}

// Start 启动 HTTP 服务（阻塞直到退出）
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	logger.Info("🌐 HTTP 服务启动于 %s", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
