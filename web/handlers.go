package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradevault/broker"
	"tradevault/logger"
	"tradevault/storage"
	"tradevault/syncer"
)

// brokerInfo 券商元数据响应
type brokerInfo struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	ConnectionType  string   `json:"connection_type"`
	Features        []string `json:"features"`
	AssetTypes      []string `json:"asset_types"`
	SupportsTestnet bool     `json:"supports_testnet"`
	Website         string   `json:"website,omitempty"`
	DocsURL         string   `json:"docs_url,omitempty"`
}

func newBrokerInfo(m *broker.Metadata) *brokerInfo {
	info := &brokerInfo{
		ID:              m.ID,
		Name:            m.Name,
		Category:        string(m.Category),
		ConnectionType:  string(m.ConnectionType),
		SupportsTestnet: m.SupportsTestnet,
		Website:         m.Website,
		DocsURL:         m.DocsURL,
	}
	for _, f := range m.Features {
		info.Features = append(info.Features, string(f))
	}
	for _, a := range m.AssetTypes {
		info.AssetTypes = append(info.AssetTypes, string(a))
	}
	return info
}

// connectionInfo 连接状态响应（不含任何凭证字段）
type connectionInfo struct {
	ConnectionID    string    `json:"connection_id"`
	BrokerID        string    `json:"broker_id"`
	Label           string    `json:"label,omitempty"`
	Connected       bool      `json:"connected"`
	AutoSync        bool      `json:"auto_sync"`
	LastConnectedAt time.Time `json:"last_connected_at,omitzero"`
	LastSyncAt      time.Time `json:"last_sync_at,omitzero"`
	Error           string    `json:"error,omitempty"`
}

// credentialsRequest 连接凭证请求体
// 只进不出：任何响应与日志都不回显其中的字段
type credentialsRequest struct {
	APIKey       string `json:"api_key"`
	APISecret    string `json:"api_secret"`
	Passphrase   string `json:"passphrase"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id"`
	Testnet      bool   `json:"testnet"`
}

func (r *credentialsRequest) toBrokerCredentials() *broker.Credentials {
	return &broker.Credentials{
		APIKey:       r.APIKey,
		APISecret:    r.APISecret,
		Passphrase:   r.Passphrase,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		AccountID:    r.AccountID,
		Testnet:      r.Testnet,
	}
}

type createConnectionRequest struct {
	BrokerID     string             `json:"broker_id" binding:"required"`
	ConnectionID string             `json:"connection_id"`
	Label        string             `json:"label"`
	AutoSync     bool               `json:"auto_sync"`
	Credentials  credentialsRequest `json:"credentials"`
}

// httpStatusFor 按统一错误码映射 HTTP 状态
func httpStatusFor(err error) int {
	brokerErr, ok := broker.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch brokerErr.Code {
	case broker.ErrInvalidCredentials:
		return http.StatusUnauthorized
	case broker.ErrInsufficientPermissions:
		return http.StatusForbidden
	case broker.ErrRateLimited:
		return http.StatusTooManyRequests
	case broker.ErrPositionNotFound, broker.ErrInvalidSymbol:
		return http.StatusNotFound
	case broker.ErrBrokerUnavailable, broker.ErrNetworkError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func respondError(c *gin.Context, err error) {
	status := httpStatusFor(err)
	body := gin.H{"error": err.Error()}
	if brokerErr, ok := broker.AsError(err); ok {
		body["code"] = string(brokerErr.Code)
		body["retryable"] = brokerErr.Retryable
	}
	c.JSON(status, body)
}

func (s *Server) listBrokers(c *gin.Context) {
	var metas []*broker.Metadata
	switch c.Query("category") {
	case "":
		metas = s.registry.SupportedBrokers()
	case "crypto":
		metas = s.registry.CryptoExchanges()
	case "traditional":
		metas = s.registry.TraditionalBrokers()
	default:
		metas = s.registry.BrokersByCategory(broker.Category(c.Query("category")))
	}

	infos := make([]*brokerInfo, 0, len(metas))
	for _, m := range metas {
		infos = append(infos, newBrokerInfo(m))
	}
	c.JSON(http.StatusOK, gin.H{"brokers": infos})
}

func (s *Server) getBroker(c *gin.Context) {
	id := c.Param("id")
	for _, m := range s.registry.SupportedBrokers() {
		if m.ID == id {
			c.JSON(http.StatusOK, newBrokerInfo(m))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("不支持的券商: %s", id)})
}

func (s *Server) listConnections(c *gin.Context) {
	statuses := s.registry.Connections()

	// 落库的连接配置补充标签与自动同步标记
	records := make(map[string]*storage.ConnectionRecord)
	if conns, err := s.store.GetConnections(c.Request.Context()); err == nil {
		for _, r := range conns {
			records[r.ConnectionID] = r
		}
	}

	infos := make([]*connectionInfo, 0, len(statuses))
	for connectionID, status := range statuses {
		info := &connectionInfo{
			ConnectionID:    connectionID,
			Connected:       status.Connected,
			LastConnectedAt: status.LastConnectedAt,
			LastSyncAt:      status.LastSyncAt,
			Error:           status.Error,
		}
		if adapter, ok := s.registry.GetConnection(connectionID); ok {
			info.BrokerID = adapter.Metadata().ID
		}
		if record, ok := records[connectionID]; ok {
			info.Label = record.Label
			info.AutoSync = record.AutoSync
		}
		infos = append(infos, info)
	}
	c.JSON(http.StatusOK, gin.H{"connections": infos})
}

func (s *Server) createConnection(c *gin.Context) {
	var req createConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("请求体无效: %v", err)})
		return
	}

	connectionID := req.ConnectionID
	if connectionID == "" {
		connectionID = fmt.Sprintf("%s_default", req.BrokerID)
	}

	adapter, err := s.registry.ConnectBroker(c.Request.Context(), req.BrokerID, req.Credentials.toBrokerCredentials(), connectionID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 只持久化连接元信息，凭证仅存在于适配器实例内
	record := &storage.ConnectionRecord{
		ConnectionID: connectionID,
		BrokerID:     req.BrokerID,
		Label:        req.Label,
		Testnet:      req.Credentials.Testnet,
		AutoSync:     req.AutoSync,
	}
	if err := s.store.SaveConnection(c.Request.Context(), record); err != nil {
		logger.Warn("⚠️ 保存连接配置失败 %s: %v", connectionID, err)
	}
	if s.syncer != nil {
		s.syncer.SetAutoSync(connectionID, req.AutoSync)
	}

	logger.Info("🔗 连接已建立: %s (%s)", connectionID, req.BrokerID)
	status := adapter.Status()
	c.JSON(http.StatusCreated, &connectionInfo{
		ConnectionID:    connectionID,
		BrokerID:        req.BrokerID,
		Label:           req.Label,
		Connected:       status.Connected,
		AutoSync:        req.AutoSync,
		LastConnectedAt: status.LastConnectedAt,
	})
}

func (s *Server) deleteConnection(c *gin.Context) {
	connectionID := c.Param("id")

	if err := s.registry.DisconnectBroker(c.Request.Context(), connectionID); err != nil {
		respondError(c, err)
		return
	}
	if err := s.store.DeleteConnection(c.Request.Context(), connectionID); err != nil {
		logger.Warn("⚠️ 删除连接配置失败 %s: %v", connectionID, err)
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": connectionID, "disconnected": true})
}

func (s *Server) testConnection(c *gin.Context) {
	connectionID := c.Param("id")
	adapter, ok := s.registry.GetConnection(connectionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("连接不存在: %s", connectionID)})
		return
	}

	if err := adapter.TestConnection(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": connectionID, "ok": true})
}

func (s *Server) syncConnection(c *gin.Context) {
	connectionID := c.Param("id")

	result, err := s.syncer.SyncConnection(c.Request.Context(), connectionID)
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id":     connectionID,
		"success":           result.Success,
		"trades_imported":   result.TradesImported,
		"positions_updated": result.PositionsUpdated,
		"balances_updated":  result.BalancesUpdated,
		"errors":            result.Errors,
		"warnings":          result.Warnings,
		"completed_at":      result.CompletedAt,
	})
}

func (s *Server) getAccount(c *gin.Context) {
	connectionID := c.Param("id")
	adapter, ok := s.registry.GetConnection(connectionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("连接不存在: %s", connectionID)})
		return
	}

	account, err := adapter.GetAccount(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) listPositions(c *gin.Context) {
	connectionID := c.Param("id")
	positions, err := s.store.GetPositions(c.Request.Context(), connectionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": connectionID, "positions": positions})
}

func (s *Server) listBalances(c *gin.Context) {
	connectionID := c.Param("id")
	balances, err := s.store.GetBalances(c.Request.Context(), connectionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connection_id": connectionID, "balances": balances})
}

func (s *Server) listTrades(c *gin.Context) {
	filter := &storage.TradeFilter{
		BrokerID:     c.Query("broker_id"),
		ConnectionID: c.Query("connection_id"),
		Symbol:       c.Query("symbol"),
	}
	if start, err := parseTimeParam(c.Query("start")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	} else if start != nil {
		filter.StartTime = start
	}
	if end, err := parseTimeParam(c.Query("end")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	} else if end != nil {
		filter.EndTime = end
	}
	filter.Limit = intParam(c, "limit", 100)
	filter.Offset = intParam(c, "offset", 0)

	trades, err := s.store.GetTrades(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := s.store.CountTrades(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "total": total})
}

func (s *Server) listSyncRuns(c *gin.Context) {
	filter := &storage.SyncRunFilter{
		ConnectionID: c.Query("connection_id"),
		OnlyFailed:   c.Query("only_failed") == "true",
		Limit:        intParam(c, "limit", 50),
	}

	runs, err := s.store.GetSyncRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncs": runs})
}

func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("时间格式无效（需要 RFC3339）: %s", value)
	}
	return &t, nil
}

func intParam(c *gin.Context, name string, fallback int) int {
	value := c.Query(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
