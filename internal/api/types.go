package api

import (
	"encoding/json"
	"net/http"
	"time"

	"order-engine-go/order"
)

// CreateOrderResponse POST /api/orders 的响应
type CreateOrderResponse struct {
	OrderID string       `json:"orderId"`
	Status  order.Status `json:"status"`
	Message string       `json:"message"`
}

// ListOrdersResponse GET /api/orders 的响应
type ListOrdersResponse struct {
	Orders []*order.Order `json:"orders"`
	Count  int            `json:"count"`
}

// HealthResponse GET /health 的响应
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// ErrorResponse 统一错误体
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// FieldError 校验失败的字段
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ConnectedFrame WebSocket 建立后的第一帧
type ConnectedFrame struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame 客户端发来的控制帧
type ClientFrame struct {
	Type string `json:"type"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
