package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenBounty-Chain/pkg/logger"
)

// Kind 表示生命周期事件的类型。
type Kind string

// 对外广播的事件类型
const (
	KindJobFunded           Kind = "job.funded"
	KindJobResolved         Kind = "job.resolved"
	KindJobExpired          Kind = "job.expired"
	KindJobCancelled        Kind = "job.cancelled"
	KindJobRefunded         Kind = "job.refunded"
	KindSubmissionFinished  Kind = "submission.finished"
	KindPayoutSent          Kind = "payout.sent"
	KindPayoutFailed        Kind = "payout.failed"
)

// Event 描述一次需要对外广播的生命周期事件。
type Event struct {
	Kind         Kind
	JobID        string
	SubmissionID string
	WorkerID     string
	TxRef        string
	Units        int64
	Reason       string
	Metadata     map[string]string
	OccurredAt   time.Time
}

// Notifier 负责将事件发送到某个具体渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[string]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Name()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入审计日志，始终可用。
type LogNotifier struct{}

// Name 返回渠道名称。
func (n *LogNotifier) Name() string { return "log" }

// Notify 写入审计日志。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Info("lifecycle event",
		slog.String("kind", string(event.Kind)),
		slog.String("job_id", event.JobID),
		slog.String("submission_id", event.SubmissionID),
		slog.String("worker_id", event.WorkerID),
		slog.String("tx_ref", event.TxRef),
		slog.Int64("units", event.Units),
		slog.String("reason", event.Reason),
	)
	return nil
}

// WebhookSender 定义发送 webhook 所需的能力。
type WebhookSender interface {
	Send(ctx context.Context, payload Event) error
}

// WebhookNotifier 通过 webhook 推送事件。
type WebhookNotifier struct {
	Sender WebhookSender
}

// Name 返回渠道名称。
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify 推送事件。发送器未配置时跳过并记录警告。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("job_id", event.JobID))
		return nil
	}
	return n.Sender.Send(ctx, event)
}
