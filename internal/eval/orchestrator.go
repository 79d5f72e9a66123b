package eval

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenBounty-Chain/internal/errors"
	"OpenBounty-Chain/internal/guard"
	"OpenBounty-Chain/internal/job"
	"OpenBounty-Chain/internal/judge"
	"OpenBounty-Chain/internal/notify"
	"OpenBounty-Chain/internal/observability/metrics"
	"OpenBounty-Chain/pkg/logger"
)

// DefaultBudget 是单次评审的硬性时间预算。
const DefaultBudget = 120 * time.Second

// Orchestrator 从队列消费提交，执行注入检测与评审流水线，
// 并通过条件更新落盘终态。超时或外部完结之后的迟到结果会被
// 条件更新拦截并丢弃。
type Orchestrator struct {
	lifecycle   *job.Lifecycle
	store       job.Store
	guard       *guard.Guard
	pipeline    *judge.Pipeline
	agents      job.AgentDirectory
	dispatcher  notify.Dispatcher
	workerCount int
	budget      time.Duration
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(o *Orchestrator) {
		if workers > 0 {
			o.workerCount = workers
		}
	}
}

// WithBudget 覆盖评审时间预算。
func WithBudget(budget time.Duration) Option {
	return func(o *Orchestrator) {
		if budget > 0 {
			o.budget = budget
		}
	}
}

// WithAgentDirectory 配置工作者画像，用于更新完成率统计。
func WithAgentDirectory(agents job.AgentDirectory) Option {
	return func(o *Orchestrator) {
		o.agents = agents
	}
}

// WithDispatcher 配置事件广播。
func WithDispatcher(dispatcher notify.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = dispatcher
	}
}

// NewOrchestrator 构造评审协调器。
func NewOrchestrator(lifecycle *job.Lifecycle, g *guard.Guard, pipeline *judge.Pipeline, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		lifecycle:   lifecycle,
		store:       lifecycle.Store(),
		guard:       g,
		pipeline:    pipeline,
		workerCount: 1,
		budget:      DefaultBudget,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Start 启动评审消费循环，阻塞直到 ctx 取消。
func (o *Orchestrator) Start(ctx context.Context, consumer job.Consumer) error {
	if consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置评审消费者")
	}
	return consumer.Consume(ctx, o.workerCount, o.Handle)
}

// Handle 处理单个提交。返回 nil 表示提交已有终态，不需要重投。
func (o *Orchestrator) Handle(ctx context.Context, submissionID string) error {
	sub, err := o.store.ClaimSubmission(ctx, submissionID)
	if err != nil {
		if stdErrors.Is(err, job.ErrSubmissionNotFound) || stdErrors.Is(err, job.ErrSubmissionFinalized) {
			logger.L().Debug("跳过提交", slog.String("submission_id", submissionID), slog.String("reason", err.Error()))
			return nil
		}
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			return nil
		}
		logger.L().Error("认领提交失败", slog.Any("error", err), slog.String("submission_id", submissionID))
		return err
	}

	started := time.Now()
	j, err := o.store.GetJob(ctx, sub.JobID)
	if err != nil {
		logger.L().Error("读取提交所属任务失败", slog.Any("error", err), slog.String("submission_id", submissionID))
		o.fail(ctx, sub, job.Verdict{Reason: "internal evaluation error"})
		return nil
	}
	if j.Status != job.JobStatusFunded {
		// 任务已不在可结算状态，提交随之关闭。
		o.fail(ctx, sub, job.Verdict{Reason: "job no longer accepts evaluations"})
		return nil
	}

	outcome, verdict := o.evaluate(ctx, j, sub)
	if outcome == nil {
		metrics.ObserveEvaluation("failed", time.Since(started))
		o.fail(ctx, sub, verdict)
		return nil
	}

	score := outcome.Score
	result := job.Verdict{Score: &score, Reason: outcome.Reason, Trace: outcome.Trace}
	metrics.ObserveEvaluation(outcomeLabel(outcome.Passed), time.Since(started))
	if !outcome.Passed {
		o.fail(ctx, sub, result)
		return nil
	}

	if err := o.lifecycle.Resolve(ctx, sub.JobID, sub.ID, result); err != nil {
		if stdErrors.Is(err, job.ErrAlreadyResolved) {
			// 其他提交抢先结算，本次通过不再兑现。
			o.fail(ctx, sub, job.Verdict{Score: &score, Reason: "job resolved by another submission", Trace: outcome.Trace})
			return nil
		}
		if stdErrors.Is(err, job.ErrSubmissionFinalized) {
			return nil
		}
		logger.L().Error("结算任务失败", slog.Any("error", err),
			slog.String("job_id", sub.JobID), slog.String("submission_id", sub.ID))
		return err
	}
	logger.Audit().Info("提交评审通过",
		slog.String("job_id", sub.JobID),
		slog.String("submission_id", sub.ID),
		slog.String("worker", sub.WorkerID),
		slog.Int("score", score),
	)
	o.emitFinished(ctx, sub, true, outcome.Reason)
	return nil
}

// evaluate 在时间预算内执行注入检测与评审流水线。任何 panic 都被
// 吞掉并转成内部错误结论，绝不让单个提交拖垮消费协程。
func (o *Orchestrator) evaluate(ctx context.Context, j *job.Job, sub *job.Submission) (outcome *judge.Outcome, failure job.Verdict) {
	evalCtx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("评审过程 panic",
				slog.Any("panic", r),
				slog.String("job_id", j.ID),
				slog.String("submission_id", sub.ID),
			)
			outcome = nil
			failure = job.Verdict{Reason: "internal evaluation error"}
		}
	}()

	if o.guard != nil {
		result := o.guard.Inspect(evalCtx, sub.Content)
		if result.Blocked {
			zero := 0
			metrics.ObserveGuardBlock(result.Layer)
			logger.Audit().Warn("提交被注入检测拦截",
				slog.String("job_id", j.ID),
				slog.String("submission_id", sub.ID),
				slog.String("layer", result.Layer),
				slog.String("reason", result.Reason),
			)
			return nil, job.Verdict{
				Score:  &zero,
				Reason: result.Reason,
				Trace:  []job.StepTrace{{Round: "guard:" + result.Layer, Summary: result.Reason}},
			}
		}
	}

	out, err := o.pipeline.Evaluate(evalCtx, j, sub)
	if err != nil {
		if evalCtx.Err() != nil {
			wrapped := xerrors.Wrap(job.CodeEvalTimeout, err, "评审超出时间预算")
			logger.L().Warn("评审超时", slog.Any("error", wrapped),
				slog.String("job_id", j.ID), slog.String("submission_id", sub.ID))
			return nil, job.Verdict{Reason: fmt.Sprintf("evaluation timed out after %s", o.budget)}
		}
		wrapped := xerrors.Wrap(job.CodeEvalInternal, err, "评审流水线失败")
		logger.L().Error("评审流水线失败", slog.Any("error", wrapped),
			slog.String("job_id", j.ID), slog.String("submission_id", sub.ID))
		return nil, job.Verdict{Reason: "internal evaluation error"}
	}
	return out, job.Verdict{}
}

// fail 通过条件更新把提交置为 failed。已有终态的提交保持不变。
func (o *Orchestrator) fail(ctx context.Context, sub *job.Submission, verdict job.Verdict) {
	if err := o.store.FailSubmission(ctx, sub.ID, verdict); err != nil {
		if stdErrors.Is(err, job.ErrSubmissionFinalized) || stdErrors.Is(err, job.ErrSubmissionNotFound) {
			logger.L().Debug("丢弃迟到的评审结果", slog.String("submission_id", sub.ID))
			return
		}
		logger.L().Error("标记提交失败状态出错", slog.Any("error", err), slog.String("submission_id", sub.ID))
		return
	}
	logger.Audit().Info("提交评审未通过",
		slog.String("job_id", sub.JobID),
		slog.String("submission_id", sub.ID),
		slog.String("worker", sub.WorkerID),
		slog.String("reason", verdict.Reason),
	)
	o.emitFinished(ctx, sub, false, verdict.Reason)
}

func outcomeLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

func (o *Orchestrator) emitFinished(ctx context.Context, sub *job.Submission, passed bool, reason string) {
	// 获胜者的统计随打款一起更新，这里只记录未通过的结果。
	if o.agents != nil && !passed {
		if err := o.agents.RecordOutcome(ctx, sub.WorkerID, false, 0); err != nil {
			logger.L().Warn("更新工作者统计失败", slog.Any("error", err), slog.String("worker", sub.WorkerID))
		}
	}
	if o.dispatcher == nil {
		return
	}
	event := notify.Event{
		Kind:         notify.KindSubmissionFinished,
		JobID:        sub.JobID,
		SubmissionID: sub.ID,
		WorkerID:     sub.WorkerID,
		Reason:       reason,
		Metadata:     map[string]string{"passed": fmt.Sprintf("%t", passed)},
	}
	if err := o.dispatcher.Notify(ctx, event); err != nil {
		logger.L().Warn("事件广播失败", slog.Any("error", err), slog.String("submission_id", sub.ID))
	}
}
