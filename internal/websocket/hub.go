package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"walletrelay/backend/internal/auth/jwt"
	"walletrelay/backend/internal/domain"
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail MessageType = "new_mail"
	MessageTypePing    MessageType = "ping"
	MessageTypePong    MessageType = "pong"
	MessageTypeError   MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Wallet    string          `json:"wallet,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个已认证钱包的在线连接
type Client struct {
	ID     string
	Wallet string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	log    *zap.Logger
}

// Hub 管理所有在线钱包的 WebSocket 连接。
//
// 一个钱包可以有多个并发连接（多设备），新消息信号广播给该
// 钱包的全部连接。只推送元数据，密文永远不走这条通道。
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	wallets        map[string]map[string]*Client // wallet -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	jwtManager     *jwt.Manager
}

type broadcastMessage struct {
	wallet  string
	message *Message
}

// NewHub 创建 WebSocket Hub
func NewHub(allowedOrigins []string, jwtManager *jwt.Manager, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		wallets:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		jwtManager:     jwtManager,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.wallets[client.Wallet] == nil {
				h.wallets[client.Wallet] = make(map[string]*Client)
			}
			h.wallets[client.Wallet][client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered",
				zap.String("id", client.ID),
				zap.String("wallet", client.Wallet))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				if clients, exists := h.wallets[client.Wallet]; exists {
					delete(clients, client.ID)
					if len(clients) == 0 {
						delete(h.wallets, client.Wallet)
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToWallet(msg.wallet, msg.message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NewMailData 新消息通知数据（只含元数据，不含密文）
type NewMailData struct {
	MessageID   string `json:"messageId"`
	From        string `json:"from"`
	MessageType string `json:"messageType"`
	BoxSize     int64  `json:"boxSize"`
	EnqueuedAt  string `json:"enqueuedAt"`
}

// NotifyNewMail 向收件人的全部在线连接推送新消息信号
func (h *Hub) NotifyNewMail(wallet string, envelope *domain.Envelope) {
	data, err := json.Marshal(NewMailData{
		MessageID:   envelope.ID,
		From:        envelope.From,
		MessageType: string(envelope.MessageType),
		BoxSize:     envelope.BoxSize,
		EnqueuedAt:  envelope.EnqueuedAt.Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}

	msg := &Message{
		Type:      MessageTypeNewMail,
		Wallet:    wallet,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- &broadcastMessage{wallet: wallet, message: msg}:
	default:
		// 广播队列满时丢弃，通知本来就是尽力而为
		h.log.Warn("websocket broadcast queue full", zap.String("wallet", wallet))
	}
}

// OnlineCount 返回当前在线连接数
func (h *Hub) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcastToWallet 向某钱包的全部连接发送消息
func (h *Hub) broadcastToWallet(wallet string, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.wallets[wallet] {
		select {
		case client.send <- payload:
		default:
			// 发送缓冲满的连接跳过，由 ping 超时机制清理
		}
	}
}

// pingAllClients 定期向所有客户端发送 ping
func (h *Hub) pingAllClients() {
	msg := &Message{Type: MessageTypePing, Timestamp: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- payload:
		default:
		}
	}
}

// closeAllClients 关闭所有连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
	}
	h.clients = make(map[string]*Client)
	h.wallets = make(map[string]map[string]*Client)
}

// HandleConnection 处理 WebSocket 升级请求。
// GET /api/v1/ws?token=<access token>
func (h *Hub) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}

	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	upgrader := upgraderFactory(h.allowedOrigins)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		Wallet: claims.Wallet,
		conn:   conn,
		send:   make(chan []byte, 64),
		hub:    h,
		log:    h.log,
	}

	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump 读取客户端消息（只处理 pong，其余忽略）
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == MessageTypePong {
			_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		}
	}
}

// writePump 把发送缓冲写到连接
func (c *Client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
