// Package events 实现会话事件管道：操作层发布事件，Recorder 消费事件
// 落入历史仓储并对安全相关事件派发告警。
package events

import (
	"context"
)

// Handler 处理来自队列的单条事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向队列投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Publisher
	Consumer
}
