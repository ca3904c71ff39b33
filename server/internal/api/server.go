package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"piper/server/internal/config"
	"piper/server/internal/gateway"
	"piper/server/internal/model"
	"piper/server/internal/orchestrator"
	"piper/server/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger

	// gateways 管理所有活跃的会话网关 (sessionID -> Gateway)
	gateways   map[string]*gateway.Gateway
	gatewaysMu sync.RWMutex

	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		orchestrator:   orch,
		logger:         logger.Named("api"),
		gateways:       make(map[string]*gateway.Gateway),
		allowedOrigins: make(map[string]bool, len(cfg.Server.AllowedOrigins)),
	}
	for _, o := range cfg.Server.AllowedOrigins {
		s.allowedOrigins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || s.allowedOrigins[origin]
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api/sessions")
	api.POST("", s.handleCreateSession)
	api.GET("/:id", s.handleGetSession)
	api.DELETE("/:id", s.handleEndSession)
	api.POST("/:id/events", s.handleSessionEvents)
	api.POST("/:id/break", s.handleBreak)
	api.GET("/:id/timeline", s.handleTimeline)
	api.GET("/:id/stream", s.handleSessionStream)
	return engine
}

// HTTPServer 按配置构造 http.Server。
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.config.Server.Addr(),
		Handler:      s.Routes(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}
}

// Close 关闭所有活跃的网关。
func (s *Server) Close() {
	s.gatewaysMu.RLock()
	gws := make([]*gateway.Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		gws = append(gws, gw)
	}
	s.gatewaysMu.RUnlock()

	for _, gw := range gws {
		_ = gw.Close()
	}
}

// handleHealthz 返回服务健康状态与运行计数。
func (s *Server) handleHealthz(c *gin.Context) {
	s.gatewaysMu.RLock()
	active := len(s.gateways)
	s.gatewaysMu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"gateways": active,
		"stats":    s.orchestrator.Stats(),
	})
}

// handleCreateSession 创建新会话。
func (s *Server) handleCreateSession(c *gin.Context) {
	resp, err := s.orchestrator.CreateSession(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSession 返回会话当前状态。
func (s *Server) handleGetSession(c *gin.Context) {
	state, err := s.orchestrator.State(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "state": state})
}

// handleEndSession 结束会话，时间线保留。
func (s *Server) handleEndSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.orchestrator.EndSession(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	s.gatewaysMu.RLock()
	gw := s.gateways[sessionID]
	s.gatewaysMu.RUnlock()
	if gw != nil {
		_ = gw.Close()
	}
	c.Status(http.StatusNoContent)
}

type eventRequest struct {
	Event model.Event       `json:"event"`
	Task  model.TaskContext `json:"task"`
}

// handleSessionEvents 接收一个儿童事件，返回本轮 UIPackage。
func (s *Server) handleSessionEvents(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	pkg, err := s.orchestrator.ProcessEvent(c.Request.Context(), c.Param("id"), req.Event, req.Task)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

// handleBreak 记录一次休息。
func (s *Server) handleBreak(c *gin.Context) {
	state, err := s.orchestrator.TakeBreak(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

// handleTimeline 返回会话审计时间线。
func (s *Server) handleTimeline(c *gin.Context) {
	entries, err := s.orchestrator.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []model.TimelineEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// handleSessionStream 升级为 WebSocket，由 Gateway 串行处理该会话的事件。
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	log := s.logger.With(zap.String("session_id", sessionID))

	if _, err := s.orchestrator.State(c.Request.Context(), sessionID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	gw := gateway.NewGateway(sessionID, conn, s.orchestrator, s.config.Gateway, gateway.QueueOptions{
		Capacity:     s.config.Session.QueueCapacity,
		EventTimeout: s.config.Session.EventTimeout,
	}, s.logger)

	s.gatewaysMu.Lock()
	if prev := s.gateways[sessionID]; prev != nil {
		// 同一会话只保留最新的连接
		go prev.Close()
	}
	s.gateways[sessionID] = gw
	active := len(s.gateways)
	s.gatewaysMu.Unlock()
	log.Info("gateway registered", zap.Int("active", active))

	defer func() {
		s.gatewaysMu.Lock()
		if s.gateways[sessionID] == gw {
			delete(s.gateways, sessionID)
		}
		s.gatewaysMu.Unlock()
		_ = gw.Close()
	}()

	gw.Start()
	// 阻塞直到连接关闭
	<-gw.Done()
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request cancelled"})
	default:
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// requestLogger 用 zap 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
