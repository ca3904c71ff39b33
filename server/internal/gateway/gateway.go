package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"piper/server/internal/config"
	"piper/server/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Processor 是网关背后的安全闸门管线（由 Orchestrator 实现）
type Processor interface {
	ProcessEvent(ctx context.Context, sessionID string, evt model.Event, task model.TaskContext) (*model.UIPackage, error)
	TakeBreak(ctx context.Context, sessionID string) (model.State, error)
}

// Gateway 维护单个会话的客户端 WebSocket 通道
// 职责：
// 1. 读取客户端帧并按到达顺序放入会话事件队列
// 2. 出队后交给 Processor，把 UIPackage 推回客户端
// 3. 心跳保活，连接断开时释放全部资源
type Gateway struct {
	sessionID string

	conn     *websocket.Conn
	connLock sync.Mutex

	processor Processor
	queue     *EventQueue

	closeOnce sync.Once
	closeChan chan struct{}

	// 序列号生成器（用于ServerMessage）
	seqCounter int64
	seqLock    sync.Mutex

	config config.GatewayConfig
	logger *zap.Logger
}

// NewGateway 创建一个新的 Gateway 实例
func NewGateway(sessionID string, conn *websocket.Conn, processor Processor, cfg config.GatewayConfig, queue QueueOptions, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		sessionID: sessionID,
		conn:      conn,
		processor: processor,
		closeChan: make(chan struct{}),
		config:    cfg,
		logger:    logger.Named("gateway").With(zap.String("session_id", sessionID)),
	}
	g.queue = NewEventQueue(sessionID, g.handleClientMessage, queue, g.logger)
	return g
}

// Start 启动读循环与心跳
func (g *Gateway) Start() {
	go g.clientReadLoop()
	go g.pingLoop()
	g.logger.Info("gateway started")
}

// Done 在网关关闭后返回
func (g *Gateway) Done() <-chan struct{} {
	return g.closeChan
}

// clientReadLoop 从客户端读取 JSON 帧
func (g *Gateway) clientReadLoop() {
	defer g.Close()

	// Close 会把 g.conn 置空，读循环持有自己的引用
	conn := g.conn
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-g.closeChan:
				default:
					g.logger.Warn("client read error", zap.Error(err))
				}
			}
			return
		}

		if messageType != websocket.TextMessage {
			g.sendErrorToClient("", "binary frames are not supported")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.sendErrorToClient("", fmt.Sprintf("unmarshal client message: %v", err))
			continue
		}
		if msg.ClientTS.IsZero() {
			msg.ClientTS = time.Now()
		}

		if err := g.queue.Enqueue(&msg); err != nil {
			g.sendErrorToClient(msg.EventID, err.Error())
		}
	}
}

// handleClientMessage 在会话队列中串行执行
func (g *Gateway) handleClientMessage(ctx context.Context, msg *ClientMessage) error {
	err := g.dispatch(ctx, msg)
	if err != nil {
		g.sendErrorToClient(msg.EventID, err.Error())
	}
	return err
}

func (g *Gateway) dispatch(ctx context.Context, msg *ClientMessage) error {
	switch msg.Type {
	case MessageChildEvent:
		if msg.Event == nil {
			return errors.New("child_event requires an event")
		}
		evt := *msg.Event
		if evt.EventID == "" {
			evt.EventID = msg.EventID
		}
		pkg, err := g.processor.ProcessEvent(ctx, g.sessionID, evt, msg.Task)
		if err != nil {
			return fmt.Errorf("process event: %w", err)
		}
		return g.sendToClient(&ServerMessage{Type: MessageUIPackage, EventID: msg.EventID, Package: pkg})

	case MessageBreakTaken:
		state, err := g.processor.TakeBreak(ctx, g.sessionID)
		if err != nil {
			return fmt.Errorf("take break: %w", err)
		}
		return g.sendToClient(&ServerMessage{Type: MessageBreakAck, EventID: msg.EventID, State: &state})

	default:
		return fmt.Errorf("unknown message type: %q", msg.Type)
	}
}

// sendToClient 发送消息到客户端
func (g *Gateway) sendToClient(msg *ServerMessage) error {
	g.seqLock.Lock()
	g.seqCounter++
	msg.Seq = g.seqCounter
	g.seqLock.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}

	g.connLock.Lock()
	defer g.connLock.Unlock()

	if g.conn == nil {
		return errors.New("client connection is closed")
	}
	if g.config.WriteTimeout > 0 {
		_ = g.conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout))
	}
	if err := g.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendErrorToClient 发送错误消息到客户端，不断开连接
func (g *Gateway) sendErrorToClient(eventID, errMsg string) {
	if err := g.sendToClient(&ServerMessage{Type: MessageError, EventID: eventID, Error: errMsg}); err != nil {
		g.logger.Debug("send error frame failed", zap.Error(err))
	}
}

// pingLoop 心跳保活
func (g *Gateway) pingLoop() {
	interval := g.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.closeChan:
			return
		case <-ticker.C:
			g.connLock.Lock()
			if g.conn != nil {
				if err := g.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					g.logger.Debug("ping failed", zap.Error(err))
				}
			}
			g.connLock.Unlock()
		}
	}
}

// Close 关闭网关（幂等）
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		close(g.closeChan)

		// 先停队列，保证不会再有写入
		_ = g.queue.Close()

		g.connLock.Lock()
		defer g.connLock.Unlock()
		if g.conn != nil {
			_ = g.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			closeErr = g.conn.Close()
			g.conn = nil
		}

		stats := g.queue.GetStats()
		g.logger.Info("gateway closed",
			zap.Int64("events", stats.ProcessedEvents),
			zap.Int64("dropped", stats.DroppedEvents))
	})

	return closeErr
}
