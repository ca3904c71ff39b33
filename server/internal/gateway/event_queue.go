package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueClosed = errors.New("event queue closed")
	ErrQueueFull   = errors.New("event queue full")
)

const (
	// 队列容量：超过此值的事件将被拒绝（背压控制）
	defaultQueueCapacity = 100
	// 事件处理超时
	defaultEventTimeout = 10 * time.Second
	// 超过此值记录慢事件
	slowEventThreshold = 5 * time.Second
)

// EventHandler 处理出队的客户端消息。
// 返回 error 表示处理失败，队列会记录但继续运行。
type EventHandler func(ctx context.Context, msg *ClientMessage) error

// EventQueue 为单个会话提供串行事件处理（Actor Model）
// 解决问题：
// 1. 同一会话的事件不会并发归约状态
// 2. 事件按到达顺序处理，UIPackage 不会乱序下发
type EventQueue struct {
	sessionID    string
	eventHandler EventHandler
	eventChan    chan *queuedEvent
	eventTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *zap.Logger

	// 统计信息
	mu              sync.Mutex
	totalEvents     int64
	processedEvents int64
	failedEvents    int64
	droppedEvents   int64
}

type queuedEvent struct {
	msg       *ClientMessage
	timestamp time.Time
	resultCh  chan error // 用于同步等待结果（可选）
}

// QueueOptions 队列参数，零值使用默认值。
type QueueOptions struct {
	Capacity     int
	EventTimeout time.Duration
}

// QueueStats 队列统计信息
type QueueStats struct {
	SessionID       string `json:"session_id"`
	TotalEvents     int64  `json:"total_events"`
	ProcessedEvents int64  `json:"processed_events"`
	FailedEvents    int64  `json:"failed_events"`
	DroppedEvents   int64  `json:"dropped_events"`
	PendingEvents   int    `json:"pending_events"`
	QueueCapacity   int    `json:"queue_capacity"`
}

// NewEventQueue 创建事件队列并启动单线程处理器
func NewEventQueue(sessionID string, handler EventHandler, opts QueueOptions, logger *zap.Logger) *EventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultQueueCapacity
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = defaultEventTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	eq := &EventQueue{
		sessionID:    sessionID,
		eventHandler: handler,
		eventChan:    make(chan *queuedEvent, opts.Capacity),
		eventTimeout: opts.EventTimeout,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(zap.String("session_id", sessionID)),
	}

	eq.wg.Add(1)
	go eq.processLoop()

	eq.logger.Debug("event queue created", zap.Int("capacity", opts.Capacity))

	return eq
}

// Enqueue 将事件加入队列（异步，非阻塞）
func (eq *EventQueue) Enqueue(msg *ClientMessage) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	event := &queuedEvent{
		msg:       msg,
		timestamp: time.Now(),
	}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
		eq.logger.Debug("event enqueued",
			zap.String("type", string(msg.Type)),
			zap.Int("queue_size", len(eq.eventChan)))
		return nil
	default:
		eq.mu.Lock()
		eq.droppedEvents++
		eq.mu.Unlock()
		eq.logger.Warn("queue full, dropping event", zap.String("type", string(msg.Type)))
		return ErrQueueFull
	}
}

// EnqueueSync 将事件加入队列并等待处理完成（同步）
func (eq *EventQueue) EnqueueSync(msg *ClientMessage, timeout time.Duration) error {
	select {
	case <-eq.ctx.Done():
		return ErrQueueClosed
	default:
	}

	if timeout == 0 {
		timeout = eq.eventTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	event := &queuedEvent{
		msg:       msg,
		timestamp: time.Now(),
		resultCh:  make(chan error, 1),
	}

	select {
	case eq.eventChan <- event:
		eq.mu.Lock()
		eq.totalEvents++
		eq.mu.Unlock()
	case <-timer.C:
		return errors.New("timeout enqueuing event")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}

	// 等待处理结果
	select {
	case err := <-event.resultCh:
		return err
	case <-timer.C:
		return errors.New("timeout waiting for event processing")
	case <-eq.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理事件（单线程）
func (eq *EventQueue) processLoop() {
	defer eq.wg.Done()

	for {
		select {
		case <-eq.ctx.Done():
			return
		case event := <-eq.eventChan:
			// 关闭后不再处理积压事件
			if eq.ctx.Err() != nil {
				return
			}
			eq.processEvent(event)
		}
	}
}

// processEvent 处理单个事件
func (eq *EventQueue) processEvent(event *queuedEvent) {
	startTime := time.Now()
	queueLatency := startTime.Sub(event.timestamp)

	ctx, cancel := context.WithTimeout(eq.ctx, eq.eventTimeout)
	defer cancel()

	err := eq.eventHandler(ctx, event.msg)

	processingTime := time.Since(startTime)
	fields := []zap.Field{
		zap.String("type", string(event.msg.Type)),
		zap.String("event_id", event.msg.EventID),
		zap.Duration("queue_latency", queueLatency),
		zap.Duration("processing_time", processingTime),
	}

	eq.mu.Lock()
	eq.processedEvents++
	if err != nil {
		eq.failedEvents++
	}
	eq.mu.Unlock()

	if err != nil {
		eq.logger.Warn("event processing failed", append(fields, zap.Error(err))...)
	} else {
		eq.logger.Debug("event processed", fields...)
	}

	if event.resultCh != nil {
		select {
		case event.resultCh <- err:
		default:
		}
	}

	if processingTime > slowEventThreshold {
		eq.logger.Warn("slow event processing", fields...)
	}
}

// Close 关闭事件队列，等待正在处理的事件结束。未处理的事件被丢弃。
func (eq *EventQueue) Close() error {
	eq.cancel()
	eq.wg.Wait()

	stats := eq.GetStats()
	eq.logger.Debug("event queue closed",
		zap.Int64("total", stats.TotalEvents),
		zap.Int64("processed", stats.ProcessedEvents),
		zap.Int64("dropped", stats.DroppedEvents),
		zap.Int("pending", stats.PendingEvents))

	return nil
}

// GetStats 获取队列统计信息
func (eq *EventQueue) GetStats() QueueStats {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	return QueueStats{
		SessionID:       eq.sessionID,
		TotalEvents:     eq.totalEvents,
		ProcessedEvents: eq.processedEvents,
		FailedEvents:    eq.failedEvents,
		DroppedEvents:   eq.droppedEvents,
		PendingEvents:   len(eq.eventChan),
		QueueCapacity:   cap(eq.eventChan),
	}
}
