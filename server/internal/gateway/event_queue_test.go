package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processedEvents []string
	var mu sync.Mutex

	handler := func(ctx context.Context, msg *ClientMessage) error {
		mu.Lock()
		defer mu.Unlock()
		processedEvents = append(processedEvents, msg.EventID)
		time.Sleep(5 * time.Millisecond) // 模拟处理时间
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{}, nil)
	defer eq.Close()

	// 快速发送多个事件
	events := []string{"e1", "e2", "e3", "e4", "e5"}
	for _, id := range events {
		require.NoError(t, eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: id}))
	}

	require.Eventually(t, func() bool {
		return eq.GetStats().ProcessedEvents == int64(len(events))
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// 验证事件按顺序处理
	assert.Equal(t, events, processedEvents)
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	var processedCount int64
	handler := func(ctx context.Context, msg *ClientMessage) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{}, nil)
	defer eq.Close()

	// 并发发送事件，总数不超过容量
	numGoroutines := 10
	eventsPerGoroutine := 10
	var wg sync.WaitGroup

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: "test"})
			}
		}()
	}
	wg.Wait()

	expected := int64(numGoroutines * eventsPerGoroutine)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processedCount) == expected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEventQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, msg *ClientMessage) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{Capacity: 3}, nil)
	defer eq.Close()
	defer close(release)

	// 快速发送超过队列容量的事件
	var dropped int
	for i := 0; i < 10; i++ {
		if err := eq.Enqueue(&ClientMessage{Type: MessageChildEvent}); err != nil {
			assert.ErrorIs(t, err, ErrQueueFull)
			dropped++
		}
	}

	assert.Greater(t, dropped, 0, "expected some events to be dropped due to backpressure")
	assert.Equal(t, int64(dropped), eq.GetStats().DroppedEvents)
	assert.Equal(t, 3, eq.GetStats().QueueCapacity)
}

func TestEventQueue_ErrorHandling(t *testing.T) {
	testError := errors.New("test error")
	handler := func(ctx context.Context, msg *ClientMessage) error {
		if msg.EventID == "bad" {
			return testError
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{}, nil)
	defer eq.Close()

	_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: "1"})
	_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: "bad"})
	_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: "3"})

	// 即使有错误，所有事件都应该被处理
	require.Eventually(t, func() bool {
		return eq.GetStats().ProcessedEvents == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), eq.GetStats().FailedEvents)
}

func TestEventQueue_SyncEnqueue(t *testing.T) {
	testError := errors.New("boom")
	handler := func(ctx context.Context, msg *ClientMessage) error {
		if msg.EventID == "fail" {
			return testError
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{}, nil)
	defer eq.Close()

	require.NoError(t, eq.EnqueueSync(&ClientMessage{Type: MessageBreakTaken, EventID: "ok"}, time.Second))
	// 同步调用把处理结果原样返回
	assert.ErrorIs(t, eq.EnqueueSync(&ClientMessage{Type: MessageBreakTaken, EventID: "fail"}, time.Second), testError)
}

func TestEventQueue_Timeout(t *testing.T) {
	// 处理器只会因 ctx 结束而返回
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{EventTimeout: 5 * time.Second}, nil)
	defer eq.Close()

	err := eq.EnqueueSync(&ClientMessage{Type: MessageChildEvent, EventID: "slow"}, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestEventQueue_HandlerDeadline(t *testing.T) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{EventTimeout: 20 * time.Millisecond}, nil)
	defer eq.Close()

	err := eq.EnqueueSync(&ClientMessage{Type: MessageChildEvent}, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventQueue_CloseWhileProcessing(t *testing.T) {
	var processedCount int64
	handler := func(ctx context.Context, msg *ClientMessage) error {
		atomic.AddInt64(&processedCount, 1)
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{}, nil)
	for i := 0; i < 10; i++ {
		_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent})
	}

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, eq.Close())

	// 关闭后拒绝新事件
	assert.ErrorIs(t, eq.Enqueue(&ClientMessage{Type: MessageChildEvent}), ErrQueueClosed)
	assert.ErrorIs(t, eq.EnqueueSync(&ClientMessage{Type: MessageChildEvent}, time.Second), ErrQueueClosed)
	assert.Less(t, atomic.LoadInt64(&processedCount), int64(10))
}

func BenchmarkEventQueue_Enqueue(b *testing.B) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueOptions{Capacity: 1024}, nil)
	defer eq.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eq.Enqueue(&ClientMessage{Type: MessageChildEvent, EventID: "test"})
	}
}
