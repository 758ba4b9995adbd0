package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradevault/broker"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源（生产环境应该限制）
	},
}

// Hub WebSocket 中心，向所有客户端广播同步事件
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub 创建 WebSocket 中心
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 运行广播循环
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// syncEvent 推送给前端的同步结果
type syncEvent struct {
	Type             string    `json:"type"`
	ConnectionID     string    `json:"connection_id"`
	BrokerID         string    `json:"broker_id"`
	Success          bool      `json:"success"`
	TradesImported   int       `json:"trades_imported"`
	PositionsUpdated int       `json:"positions_updated"`
	BalancesUpdated  int       `json:"balances_updated"`
	Errors           []string  `json:"errors,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// BroadcastSyncResult 广播一次同步结果
func (h *Hub) BroadcastSyncResult(connectionID string, result *broker.SyncResult) {
	event := &syncEvent{
		Type:             "sync_result",
		ConnectionID:     connectionID,
		BrokerID:         result.BrokerID,
		Success:          result.Success,
		TradesImported:   result.TradesImported,
		PositionsUpdated: result.PositionsUpdated,
		BalancesUpdated:  result.BalancesUpdated,
		Errors:           result.Errors,
		CompletedAt:      result.CompletedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Channel 满了，丢弃消息
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	s.hub.register <- conn

	// 保持连接直到客户端断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.unregister <- conn
			break
		}
	}
}
