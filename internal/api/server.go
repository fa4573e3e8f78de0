package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"order-engine-go/infrastructure/logger"
	"order-engine-go/infrastructure/monitor"
	"order-engine-go/internal/notify"
	"order-engine-go/internal/store"
	"order-engine-go/order"
)

// Submitter 创建订单并入队
type Submitter interface {
	Submit(ctx context.Context, req order.CreateRequest) (*order.Order, error)
}

// OrderReader 订单查询
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	ListByStatus(ctx context.Context, status order.Status, limit int) ([]*order.Order, error)
}

// HealthFunc 返回各依赖的检查结果，nil 表示正常
type HealthFunc func(ctx context.Context) map[string]error

// Config HTTP 层参数
type Config struct {
	CORSOrigins    []string
	WSPingInterval time.Duration
	MetricsPath    string // 为空不暴露 metrics
}

// Deps HTTP 层依赖
type Deps struct {
	Orders   Submitter
	Store    OrderReader
	Notifier notify.Notifier
	Health   HealthFunc
	Monitor  *monitor.Monitor
	Logger   *logger.Logger
}

// Server REST 与 WebSocket 入口
type Server struct {
	cfg      Config
	router   *mux.Router
	orders   Submitter
	store    OrderReader
	notifier notify.Notifier
	health   HealthFunc
	monitor  *monitor.Monitor
	log      *logger.Logger
}

// NewServer 创建 API server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.WSPingInterval <= 0 {
		cfg.WSPingInterval = 30 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		orders:   deps.Orders,
		store:    deps.Store,
		notifier: deps.Notifier,
		health:   deps.Health,
		monitor:  deps.Monitor,
		log:      log.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", s.handleCreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/orders/{orderId}", s.handleOrderStream)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.cfg.MetricsPath != "" && s.monitor != nil {
		s.router.Handle(s.cfg.MetricsPath, s.monitor.Handler()).Methods(http.MethodGet)
	}
}

// Handler 带 CORS 的根 handler
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req order.CreateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	if err := dec.Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation error",
			Message: "request body must be a JSON object with pair, amount and direction",
		})
		return
	}

	o, err := s.orders.Submit(r.Context(), req)
	if err != nil {
		var verr *order.ValidationError
		if errors.As(err, &verr) {
			respondJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation error",
				Message: verr.Error(),
				Details: []FieldError{{Field: verr.Field, Reason: verr.Reason}},
			})
			return
		}
		s.log.Error("Failed to create order", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create order", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, CreateOrderResponse{
		OrderID: o.ID,
		Status:  o.Status,
		Message: "Order created and queued for processing",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["orderId"]
	o, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Order not found", "")
			return
		}
		s.log.Error("Failed to fetch order", zap.String("order_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch order", "")
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := order.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		respondError(w, http.StatusBadRequest, "Validation error", "unknown status "+string(status))
		return
	}

	limit := store.DefaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Validation error", "limit must be a positive integer")
			return
		}
		limit = n
	}

	orders, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		s.log.Error("Failed to list orders", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list orders", "")
		return
	}
	respondJSON(w, http.StatusOK, ListOrdersResponse{Orders: orders, Count: len(orders)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Services:  map[string]string{},
	}
	code := http.StatusOK
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for name, err := range s.health(ctx) {
			if err != nil {
				resp.Services[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Services[name] = "connected"
		}
	}
	respondJSON(w, code, resp)
}

// ==============================
// Middleware
// ==============================

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		// WebSocket 升级需要原始 ResponseWriter
		if route == "/ws/orders/{orderId}" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.monitor.RecordHTTPRequest(route, rec.code)
	})
}
