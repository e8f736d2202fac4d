package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"brokerinbox/backend/internal/auth/jwt"
	"brokerinbox/backend/internal/domain"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// TokenValidator 校验审核人员令牌
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// Fanout 跨实例事件分发，多实例部署时由 Redis Pub/Sub 实现
type Fanout interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handle func(payload []byte))
}

// ClientGauge 记录在线连接数
type ClientGauge interface {
	SetWebsocketClients(n int)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// EventType 推送给审核人员的事件类型
type EventType string

const (
	EventAwaitingReview EventType = "transaction.awaiting_review"
	EventApproved       EventType = "transaction.approved"
	EventRejected       EventType = "transaction.rejected"
	EventPing           EventType = "ping"
)

// Message WebSocket 消息结构
type Message struct {
	Type      EventType       `json:"type"`
	TenantID  string          `json:"tenantId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TransactionEvent 交易事件数据
type TransactionEvent struct {
	TransactionID   string                   `json:"transactionId"`
	Status          domain.TransactionStatus `json:"status"`
	FromEmail       string                   `json:"fromEmail"`
	Subject         string                   `json:"subject"`
	MatchType       domain.MatchType         `json:"matchType,omitempty"`
	MatchConfidence float64                  `json:"matchConfidence"`
	ReceivedAt      time.Time                `json:"receivedAt"`
}

// Client 一个已认证的审核人员连接，只接收所属租户的事件
type Client struct {
	ID       string
	TenantID string
	UserID   string

	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub 按租户管理 WebSocket 连接
type Hub struct {
	clients        map[string]*Client
	tenants        map[string]map[string]*Client // tenantID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *Message
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	tokens         TokenValidator
	fanout         Fanout
	gauge          ClientGauge
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许全部
//   - tokens: 审核人员令牌校验器
//   - log: 日志记录器
func NewHub(allowedOrigins []string, tokens TokenValidator, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		tenants:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Message, sendBuffer),
		log:            log,
		allowedOrigins: allowedOrigins,
		tokens:         tokens,
	}
}

// UseFanout 启用跨实例分发，须在 Run 之前调用
func (h *Hub) UseFanout(f Fanout) { h.fanout = f }

// UseGauge 设置连接数指标
func (h *Hub) UseGauge(g ClientGauge) { h.gauge = g }

// Run 启动Hub，ctx 取消时关闭全部连接
func (h *Hub) Run(ctx context.Context) {
	if h.fanout != nil {
		go h.fanout.Subscribe(ctx, h.deliverRemote)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("Websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.tenants[client.TenantID] == nil {
				h.tenants[client.TenantID] = make(map[string]*Client)
			}
			h.tenants[client.TenantID][client.ID] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.reportClients(n)
			h.log.Debug("Websocket client registered",
				zap.String("client_id", client.ID),
				zap.String("tenant_id", client.TenantID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				if peers := h.tenants[client.TenantID]; peers != nil {
					delete(peers, client.ID)
					if len(peers) == 0 {
						delete(h.tenants, client.TenantID)
					}
				}
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.reportClients(n)

		case msg := <-h.broadcast:
			h.broadcastToTenant(msg)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyTransaction 向交易所属租户的审核人员推送事件。
// 不阻塞调用方，队列已满时丢弃事件。
func (h *Hub) NotifyTransaction(ctx context.Context, tx *domain.Transaction, event EventType) {
	data, err := json.Marshal(TransactionEvent{
		TransactionID:   tx.ID,
		Status:          tx.Status,
		FromEmail:       tx.FromEmail,
		Subject:         tx.Subject,
		MatchType:       tx.MatchType,
		MatchConfidence: tx.MatchConfidence,
		ReceivedAt:      tx.ReceivedAt,
	})
	if err != nil {
		h.log.Error("Failed to marshal transaction event", zap.Error(err))
		return
	}
	msg := &Message{
		Type:      event,
		TenantID:  tx.TenantID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	if h.fanout != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			err = h.fanout.Publish(ctx, payload)
		}
		if err == nil {
			return
		}
		h.log.Warn("Failed to publish event, delivering locally",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	h.enqueue(msg)
}

// deliverRemote 处理来自其他实例（含本实例）发布的事件
func (h *Hub) deliverRemote(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.Warn("Dropping malformed fanout event", zap.Error(err))
		return
	}
	h.enqueue(&msg)
}

func (h *Hub) enqueue(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Websocket broadcast queue full, dropping event",
			zap.String("tenant_id", msg.TenantID),
			zap.String("type", string(msg.Type)))
	}
}

// broadcastToTenant 向租户的所有连接广播
func (h *Hub) broadcastToTenant(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.tenants[msg.TenantID] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("Client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: EventPing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.tenants = make(map[string]map[string]*Client)
	h.mu.Unlock()
	h.reportClients(0)
}

func (h *Hub) reportClients(n int) {
	if h.gauge != nil {
		h.gauge.SetWebsocketClients(n)
	}
}

var errMissingToken = errors.New("missing token")

// authenticate 从查询参数或 Authorization 头读取令牌
func (h *Hub) authenticate(c *gin.Context) (*jwt.Claims, error) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		return nil, errMissingToken
	}
	return h.tokens.ValidateToken(token)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		claims, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("Websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "msg": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("Failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")))
			return
		}

		client := &Client{
			ID:       uuid.NewString(),
			TenantID: claims.TenantID,
			UserID:   claims.UserID,
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			hub:      hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// readPump 只处理控制帧，客户端发来的数据消息被忽略
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Websocket read error", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
