// cmd/push-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"couponhub/internal/pkg/bootstrap"
	"couponhub/internal/pkg/constants"
	"couponhub/internal/pkg/logger"
	"couponhub/internal/pkg/mq"
	"couponhub/internal/service/coupon/domain"
)

const serviceName = "push-gateway"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	nodeID   = "push-gateway-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool { // 简化处理，允许所有跨域
			return true
		},
	}
)

// Hub 维护所有活跃的连接，并负责按用户投递消息
type Hub struct {
	clients    map[int64]*Client // 使用UserID作为Key
	register   chan *Client
	unregister chan *Client
	lock       sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[int64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			// 同一用户重复连接时踢掉旧连接
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			h.lock.Unlock()
			log.Printf("Client %d registered on node %s", client.userID, nodeID)
		case client := <-h.unregister:
			h.lock.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			h.lock.Unlock()
			log.Printf("Client %d unregistered.", client.userID)
		}
	}
}

// deliver 把消息投递给指定用户。用户不在本节点时返回 false。
// 发送必须在读锁内完成：send channel 的 close 只发生在 run 的写锁临界区，
// 锁外发送会和关闭竞争，撞上就是 panic。发送是非阻塞的，持锁不影响吞吐。
func (h *Hub) deliver(userID int64, message []byte) bool {
	h.lock.RLock()
	defer h.lock.RUnlock()

	client, ok := h.clients[userID]
	if !ok {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		// 发送缓冲已满，连接大概率已死，交给 readPump 清理
		return false
	}
}

// Client 是一个WebSocket连接的代表
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID int64
}

// writePump 把 send channel 中的消息写入 websocket，并维持心跳
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 消费客户端消息（目前只有心跳），连接断开时触发注销
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	var userID int64
	if _, err := fmt.Sscanf(r.URL.Query().Get("user_id"), "%d", &userID); err != nil || userID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), userID: userID}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// timeoutNotification 是推送给前端的消息格式
type timeoutNotification struct {
	Type     string `json:"type"`
	CouponID int64  `json:"coupon_id"`
	Message  string `json:"message"`
}

// consumeTimeoutEvents 订阅清扫器的回收事件并推送给在线用户。
// 用户不在线时直接丢弃：这是提示性通知，不做离线补投。
func consumeTimeoutEvents(ctx context.Context, hub *Hub, reader *kafka.Reader) {
	logger.Ctx(ctx).Printf("✅ Push gateway consuming topic '%s'.", reader.Config().Topic)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Ctx(ctx).Printf("ERROR: could not read message: %v. Retrying...", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var event domain.ReservationTimeoutEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Ctx(ctx).Printf("ERROR: failed to unmarshal timeout event: %v. Message skipped.", err)
			continue
		}

		payload, _ := json.Marshal(timeoutNotification{
			Type:     "COUPON_RESERVATION_TIMEOUT",
			CouponID: event.CouponID,
			Message:  "Your coupon reservation has expired and the coupon is available again.",
		})
		if hub.deliver(event.UserID, payload) {
			logger.Ctx(ctx).Printf("Pushed timeout notification to user %d", event.UserID)
		}
	}
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	hub := newHub()
	go hub.run()

	// 每个节点都加入同一个消费组会导致事件只被一个节点收到，
	// 而目标用户可能连在别的节点上。所以每个节点用独立消费组，
	// 广播式消费，各自只推送连在本节点的用户。
	reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, constants.TopicReservationTimeout,
		constants.PushGatewayGroup+"-"+nodeID)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	go consumeTimeoutEvents(consumerCtx, hub, reader)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8092,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})
		},
		OnShutdown: func(ctx context.Context) {
			stopConsumer()
			reader.Close()
		},
	})
}
