package events

import (
	"context"
	"log/slog"
	"time"

	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/observability/alerting"
	"OpenMCP-Remote/pkg/logger"
)

// Archiver 把事件落入历史仓储。
type Archiver interface {
	Save(ctx context.Context, event Event) error
}

// Recorder 消费事件队列：事件写入历史仓储，安全相关事件另行派发告警。
type Recorder struct {
	consumer    Consumer
	archiver    Archiver
	alerter     alerting.Dispatcher
	workerCount int
	logger      *slog.Logger
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithRecorderLogger 指定日志输出。
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRecorderWorkerCount 设置消费协程数量。
func WithRecorderWorkerCount(workers int) RecorderOption {
	return func(r *Recorder) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RecorderOption {
	return func(r *Recorder) {
		r.alerter = dispatcher
	}
}

// NewRecorder 构造 Recorder。
func NewRecorder(consumer Consumer, archiver Archiver, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		consumer:    consumer,
		archiver:    archiver,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动事件消费循环，阻塞到 ctx 取消。
func (r *Recorder) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *Recorder) handle(ctx context.Context, event Event) error {
	if r.archiver != nil {
		if err := r.archiver.Save(ctx, event); err != nil {
			r.log().Error("事件写入历史仓储失败",
				slog.String("event_id", event.ID),
				slog.String("kind", string(event.Kind)),
				slog.Any("error", err))
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "事件归档失败")
		}
	}
	if event.SecuritySensitive() && r.alerter != nil {
		alert := alerting.Event{
			Code:         xerrors.Code(event.ErrorCode),
			Message:      event.Detail,
			Severity:     xerrors.SeverityCritical,
			ConnectionID: event.ConnectionID,
			Host:         event.Host,
			OccurredAt:   time.Unix(event.OccurredAt, 0),
		}
		if alert.Code == "" {
			alert.Code = xerrors.Code(string(event.Kind))
		}
		if alert.Message == "" {
			alert.Message = string(event.Kind)
		}
		if err := r.alerter.Notify(ctx, alert); err != nil {
			r.log().Warn("告警派发失败",
				slog.String("event_id", event.ID),
				slog.Any("error", err))
		}
	}
	return nil
}

func (r *Recorder) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return logger.L()
}
