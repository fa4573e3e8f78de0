package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 来源限制由 CORS 层负责
		return true
	},
}

// handleOrderStream 推送单个订单的状态更新。
//
// 先订阅再发送 connected 帧，之后的每次转换都不会漏掉。
// 所有写操作都在本 goroutine 内完成，读循环只负责转交 ping 请求。
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.notifier.Subscribe(ctx, orderID)
	if err != nil {
		s.log.Error("Failed to subscribe", zap.String("order_id", orderID), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "Failed to subscribe", err.Error())
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写回错误响应
		s.log.Warn("WebSocket upgrade failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	defer conn.Close()

	s.monitor.RecordWSConnection(1)
	defer s.monitor.RecordWSConnection(-1)
	s.log.Info("WebSocket client connected", zap.String("order_id", orderID))

	if err := s.writeJSON(conn, ConnectedFrame{
		Type:      "connected",
		OrderID:   orderID,
		Message:   "WebSocket connection established",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return
	}

	pings := make(chan struct{}, 4)
	go s.readLoop(conn, cancel, pings)

	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("WebSocket client disconnected", zap.String("order_id", orderID))
			return

		case msg, ok := <-sub.C:
			if !ok {
				// notifier 关闭
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := s.writeJSON(conn, msg); err != nil {
				s.log.Warn("WebSocket write failed", zap.String("order_id", orderID), zap.Error(err))
				return
			}
			s.log.Debug("Sent order update",
				zap.String("order_id", orderID),
				zap.String("status", string(msg.Status)))

		case <-pings:
			if err := s.writeJSON(conn, ClientFrame{Type: "pong"}); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop 读取客户端帧直到连接断开。两个心跳周期内没有任何入站帧视为断线。
func (s *Server) readLoop(conn *websocket.Conn, cancel context.CancelFunc, pings chan<- struct{}) {
	defer cancel()

	idle := 2 * s.cfg.WSPingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Debug("Ignoring invalid client frame", zap.Error(err))
			continue
		}
		if frame.Type != "ping" {
			continue
		}
		select {
		case pings <- struct{}{}:
		default:
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}
