package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenBounty-Chain/internal/errors"
	"OpenBounty-Chain/internal/notify"
	"OpenBounty-Chain/internal/observability/metrics"
	"OpenBounty-Chain/internal/settlement"
	"OpenBounty-Chain/pkg/logger"
)

// AgentDirectory 提供工作者画像：完成率用于声誉门槛，钱包地址用于打款。
type AgentDirectory interface {
	// CompletionRate 返回工作者的历史完成率。没有历史记录时 known 为 false，
	// 此时声誉门槛不适用。
	CompletionRate(ctx context.Context, agentID string) (rate float64, known bool, err error)
	// WalletAddress 返回工作者的收款地址。
	WalletAddress(ctx context.Context, agentID string) (string, error)
	// RecordOutcome 在提交完结后更新工作者的统计数据。
	RecordOutcome(ctx context.Context, agentID string, passed bool, earnedUnits int64) error
}

// LifecycleConfig 控制生命周期服务的默认参数。
type LifecycleConfig struct {
	// MinPriceUnits 是任务赏金下限（USDC 最小单位）。
	MinPriceUnits int64
	// DefaultMaxRetries 是单个工作者的默认重试上限。
	DefaultMaxRetries int
	// DefaultMaxSubmissions 是任务级默认提交总数上限。
	DefaultMaxSubmissions int
	// DefaultTTL 在创建任务未指定截止时间时生效。
	DefaultTTL time.Duration
	// FeeRateBP 是平台手续费（基点）。
	FeeRateBP int
}

func (cfg *LifecycleConfig) applyDefaults() {
	if cfg.MinPriceUnits <= 0 {
		cfg.MinPriceUnits = unitsPerUSDC
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.DefaultMaxSubmissions <= 0 {
		cfg.DefaultMaxSubmissions = 50
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 72 * time.Hour
	}
	if cfg.FeeRateBP < 0 {
		cfg.FeeRateBP = 0
	}
}

// Lifecycle 是悬赏任务的生命周期服务：创建、注资、认领、提交、
// 结算、过期与退款都经由它完成。
type Lifecycle struct {
	store      Store
	producer   Producer
	gateway    settlement.Gateway
	agents     AgentDirectory
	dispatcher notify.Dispatcher
	cfg        LifecycleConfig

	// 退款和打款按任务串行化，数据库条件更新仍是最终防线。
	payMu   sync.Mutex
	payLock map[string]*sync.Mutex
}

// NewLifecycle 构造生命周期服务。agents 和 dispatcher 可以为 nil。
func NewLifecycle(store Store, producer Producer, gateway settlement.Gateway, agents AgentDirectory, dispatcher notify.Dispatcher, cfg LifecycleConfig) *Lifecycle {
	cfg.applyDefaults()
	return &Lifecycle{
		store:      store,
		producer:   producer,
		gateway:    gateway,
		agents:     agents,
		dispatcher: dispatcher,
		cfg:        cfg,
		payLock:    make(map[string]*sync.Mutex),
	}
}

// CreateJobRequest 描述创建任务所需的参数。
type CreateJobRequest struct {
	Title          string
	Description    string
	Rubric         string
	PriceUnits     int64
	PosterID       string
	MaxRetries     int
	MaxSubmissions int
	MinReputation  *float64
	ExpiresAt      int64
}

// Create 创建新任务，初始状态为 open。
func (l *Lifecycle) Create(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if l.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, xerrors.New(CodeJobValidation, "任务标题不能为空")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, xerrors.New(CodeJobValidation, "任务描述不能为空")
	}
	if strings.TrimSpace(req.PosterID) == "" {
		return nil, xerrors.New(CodeJobValidation, "发布者不能为空")
	}
	if req.PriceUnits < l.cfg.MinPriceUnits {
		return nil, xerrors.New(CodeJobValidation, "赏金低于最低限额",
			xerrors.WithMetadata("min_price", FormatUSDC(l.cfg.MinPriceUnits)))
	}
	if req.MinReputation != nil && (*req.MinReputation < 0 || *req.MinReputation > 1) {
		return nil, xerrors.New(CodeJobValidation, "声誉门槛必须在 [0, 1] 区间内")
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = l.cfg.DefaultMaxRetries
	}
	maxSubmissions := req.MaxSubmissions
	if maxSubmissions <= 0 {
		maxSubmissions = l.cfg.DefaultMaxSubmissions
	}
	expiresAt := req.ExpiresAt
	now := time.Now()
	if expiresAt <= 0 {
		expiresAt = now.Add(l.cfg.DefaultTTL).Unix()
	}
	if expiresAt <= now.Unix() {
		return nil, xerrors.New(CodeJobValidation, "截止时间必须晚于当前时间")
	}

	j := &Job{
		ID:             uuid.NewString(),
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Rubric:         req.Rubric,
		PriceUnits:     req.PriceUnits,
		PosterID:       req.PosterID,
		Status:         JobStatusOpen,
		MaxRetries:     maxRetries,
		MaxSubmissions: maxSubmissions,
		MinReputation:  req.MinReputation,
		ExpiresAt:      expiresAt,
		FeeRateBP:      l.cfg.FeeRateBP,
	}
	if err := l.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	logger.L().Info("任务已创建",
		slog.String("job_id", j.ID),
		slog.String("poster", j.PosterID),
		slog.String("price", FormatUSDC(j.PriceUnits)),
	)
	return j, nil
}

// Fund 校验链上存款并把任务迁移到 funded。
func (l *Lifecycle) Fund(ctx context.Context, jobID, txRef string) (*Job, error) {
	if l.gateway == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算通道未初始化")
	}
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != JobStatusOpen {
		return nil, ErrNotFundable
	}

	dep, err := l.gateway.VerifyDeposit(ctx, txRef, j.PriceUnits)
	if err != nil {
		return nil, xerrors.Wrap(CodeDepositInvalid, err, "存款校验未通过")
	}
	if dep.Units > j.PriceUnits {
		// 超额入账不拦截，按实际金额入账并记录。
		logger.L().Warn("存款金额超出赏金，按实际金额入账",
			slog.String("job_id", jobID),
			slog.String("expected", FormatUSDC(j.PriceUnits)),
			slog.String("actual", FormatUSDC(dep.Units)),
		)
	}

	if err := l.store.MarkFunded(ctx, jobID, dep.TxRef, dep.Sender, dep.Units); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已注资",
		slog.String("job_id", jobID),
		slog.String("tx_ref", dep.TxRef),
		slog.String("sender", dep.Sender),
		slog.Int64("units", dep.Units),
	)
	l.emit(ctx, notify.Event{Kind: notify.KindJobFunded, JobID: jobID, TxRef: dep.TxRef, Units: dep.Units})
	return l.store.GetJob(ctx, jobID)
}

// Claim 让工作者认领任务。
func (l *Lifecycle) Claim(ctx context.Context, jobID, workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return xerrors.New(CodeJobValidation, "工作者不能为空")
	}
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if expired, err := l.maybeExpire(ctx, j); err != nil {
		return err
	} else if expired {
		return ErrNotSubmittable
	}
	if j.PosterID == workerID {
		return ErrSelfDealing
	}
	if j.MinReputation != nil && l.agents != nil {
		rate, known, err := l.agents.CompletionRate(ctx, workerID)
		if err != nil {
			return err
		}
		// 没有历史记录的新工作者不受声誉门槛限制。
		if known && rate < *j.MinReputation {
			return ErrReputationTooLow
		}
	}
	return l.store.AddParticipant(ctx, jobID, workerID)
}

// Unclaim 让工作者退出任务。评审中的提交会阻止退出。
func (l *Lifecycle) Unclaim(ctx context.Context, jobID, workerID string) error {
	return l.store.RemoveParticipant(ctx, jobID, workerID)
}

// Submit 登记提交并送入评审队列。
func (l *Lifecycle) Submit(ctx context.Context, jobID, workerID, content string) (*Submission, error) {
	if l.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "评审队列未初始化")
	}
	if strings.TrimSpace(content) == "" {
		return nil, xerrors.New(CodeJobValidation, "提交内容不能为空")
	}
	if len(content) > MaxContentBytes {
		return nil, ErrContentTooLarge
	}
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if expired, err := l.maybeExpire(ctx, j); err != nil {
		return nil, err
	} else if expired {
		return nil, ErrNotSubmittable
	}
	if j.PosterID == workerID {
		return nil, ErrSelfDealing
	}

	sub := &Submission{
		ID:       uuid.NewString(),
		JobID:    jobID,
		WorkerID: workerID,
		Content:  content,
		Status:   SubmissionPending,
	}
	if err := l.store.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	if err := l.producer.Publish(ctx, sub.ID); err != nil {
		logger.L().Error("提交入队失败", slog.Any("error", err), slog.String("submission_id", sub.ID))
		// 入队失败的提交直接判为失败，避免永远停留在 pending。
		if _, claimErr := l.store.ClaimSubmission(ctx, sub.ID); claimErr == nil {
			_ = l.store.FailSubmission(ctx, sub.ID, Verdict{Reason: "failed to enqueue for evaluation"})
		}
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布提交到队列失败")
	}
	logger.Audit().Info("提交已入队",
		slog.String("job_id", jobID),
		slog.String("submission_id", sub.ID),
		slog.String("worker", workerID),
		slog.Int("attempt", sub.Attempt),
	)
	return sub, nil
}

// Cancel 取消任务，仅发布者可以操作。已入账的任务取消后立即尝试
// 自动退款，退款失败不回滚取消，留待人工重试。
func (l *Lifecycle) Cancel(ctx context.Context, jobID, callerID string) error {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.PosterID != callerID {
		return xerrors.New(CodeJobValidation, "只有发布者可以取消任务")
	}
	wasFunded := j.Status == JobStatusFunded
	if err := l.store.MarkCancelled(ctx, jobID); err != nil {
		return err
	}
	logger.Audit().Info("任务已取消", slog.String("job_id", jobID))
	l.emit(ctx, notify.Event{Kind: notify.KindJobCancelled, JobID: jobID})

	if wasFunded && j.DepositUnits > 0 {
		if _, err := l.Refund(ctx, jobID, callerID); err != nil {
			logger.L().Warn("取消后自动退款失败，留待人工退款",
				slog.Any("error", err),
				slog.String("job_id", jobID),
			)
		}
	}
	return nil
}

// Expire 把超期的 funded 任务置为 expired。
func (l *Lifecycle) Expire(ctx context.Context, jobID string) error {
	now := time.Now().Unix()
	if err := l.store.MarkExpired(ctx, jobID, now); err != nil {
		return err
	}
	logger.Audit().Info("任务已过期", slog.String("job_id", jobID))
	l.emit(ctx, notify.Event{Kind: notify.KindJobExpired, JobID: jobID})
	return nil
}

// Refund 把已入账的赏金退还给存款方，仅发布者可以发起，
// 重复调用只会打款一次。
func (l *Lifecycle) Refund(ctx context.Context, jobID, callerID string) (string, error) {
	if l.gateway == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "结算通道未初始化")
	}
	unlock := l.lockJob(jobID)
	defer unlock()

	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if j.PosterID != callerID {
		return "", xerrors.New(CodeJobValidation, "只有发布者可以申请退款")
	}
	if j.RefundTxRef != "" {
		return j.RefundTxRef, ErrAlreadyRefunded
	}
	if (j.Status != JobStatusExpired && j.Status != JobStatusCancelled) || j.DepositUnits <= 0 {
		return "", ErrNotRefundable
	}

	txRef, err := l.gateway.Send(ctx, j.DepositSender, j.DepositUnits)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSettlementFailure, err, "退款转账失败")
	}
	if err := l.store.MarkRefunded(ctx, jobID, txRef); err != nil {
		// 退款已上链但落盘失败，必须人工核对。
		logger.L().Error("退款已发送但记录失败",
			slog.Any("error", err),
			slog.String("job_id", jobID),
			slog.String("tx_ref", txRef),
		)
		return txRef, err
	}
	logger.Audit().Info("退款已发送",
		slog.String("job_id", jobID),
		slog.String("tx_ref", txRef),
		slog.String("destination", j.DepositSender),
		slog.Int64("units", j.DepositUnits),
	)
	l.emit(ctx, notify.Event{Kind: notify.KindJobRefunded, JobID: jobID, TxRef: txRef, Units: j.DepositUnits})
	return txRef, nil
}

// Resolve 执行先到先得的结算：任务进入 resolved 并触发打款。
// 只有评审通过的提交才会走到这里。
func (l *Lifecycle) Resolve(ctx context.Context, jobID, submissionID string, verdict Verdict) error {
	if err := l.store.ResolveJob(ctx, jobID, submissionID, verdict); err != nil {
		return err
	}
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	logger.Audit().Info("任务已结算",
		slog.String("job_id", jobID),
		slog.String("submission_id", submissionID),
		slog.String("winner", j.WinnerID),
	)
	l.emit(ctx, notify.Event{Kind: notify.KindJobResolved, JobID: jobID, SubmissionID: submissionID, WorkerID: j.WinnerID})

	l.payout(ctx, j)
	return nil
}

// payout 向获胜者打款并更新发放状态。打款失败不回滚结算，
// 状态留在 failed 供重试。
func (l *Lifecycle) payout(ctx context.Context, j *Job) {
	if l.gateway == nil {
		logger.L().Warn("结算通道未配置，跳过打款", slog.String("job_id", j.ID))
		_ = l.store.SetPayout(ctx, j.ID, PayoutSkipped, "")
		if j.PayoutStatus == PayoutPending {
			l.recordWin(ctx, j.WinnerID, 0)
		}
		return
	}
	unlock := l.lockJob(j.ID)
	defer unlock()

	// 重试打款时不再重复累计获胜统计。
	firstAttempt := j.PayoutStatus == PayoutPending

	destination := j.WinnerID
	if l.agents != nil {
		addr, err := l.agents.WalletAddress(ctx, j.WinnerID)
		if err != nil || strings.TrimSpace(addr) == "" {
			logger.L().Error("获胜者没有可用的收款地址",
				slog.Any("error", err),
				slog.String("job_id", j.ID),
				slog.String("winner", j.WinnerID),
			)
			_ = l.store.SetPayout(ctx, j.ID, PayoutFailed, "")
			metrics.ObservePayout(string(PayoutFailed))
			if firstAttempt {
				l.recordWin(ctx, j.WinnerID, 0)
			}
			l.emit(ctx, notify.Event{Kind: notify.KindPayoutFailed, JobID: j.ID, WorkerID: j.WinnerID, Reason: "missing wallet address"})
			return
		}
		destination = addr
	}

	units := j.PayoutUnits()
	txRef, err := l.gateway.Send(ctx, destination, units)
	if err != nil {
		wrapped := xerrors.Wrap(CodePayoutFailure, err, "赏金打款失败")
		logger.L().Error("赏金打款失败",
			slog.Any("error", wrapped),
			slog.String("job_id", j.ID),
			slog.String("winner", j.WinnerID),
		)
		_ = l.store.SetPayout(ctx, j.ID, PayoutFailed, "")
		metrics.ObservePayout(string(PayoutFailed))
		if firstAttempt {
			l.recordWin(ctx, j.WinnerID, 0)
		}
		l.emit(ctx, notify.Event{Kind: notify.KindPayoutFailed, JobID: j.ID, WorkerID: j.WinnerID, Reason: wrapped.Error()})
		return
	}
	if err := l.store.SetPayout(ctx, j.ID, PayoutSuccess, txRef); err != nil {
		logger.L().Error("打款已发送但记录失败",
			slog.Any("error", err),
			slog.String("job_id", j.ID),
			slog.String("tx_ref", txRef),
		)
		return
	}
	metrics.ObservePayout(string(PayoutSuccess))
	logger.Audit().Info("赏金已发放",
		slog.String("job_id", j.ID),
		slog.String("winner", j.WinnerID),
		slog.String("tx_ref", txRef),
		slog.Int64("units", units),
	)
	if firstAttempt {
		l.recordWin(ctx, j.WinnerID, units)
	}
	l.emit(ctx, notify.Event{Kind: notify.KindPayoutSent, JobID: j.ID, WorkerID: j.WinnerID, TxRef: txRef, Units: units})
}

func (l *Lifecycle) recordWin(ctx context.Context, workerID string, earnedUnits int64) {
	if l.agents == nil {
		return
	}
	if err := l.agents.RecordOutcome(ctx, workerID, true, earnedUnits); err != nil {
		logger.L().Warn("更新获胜者统计失败", slog.Any("error", err), slog.String("winner", workerID))
	}
}

// RetryPayout 对打款失败的任务重新发起打款。
func (l *Lifecycle) RetryPayout(ctx context.Context, jobID string) error {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != JobStatusResolved {
		return xerrors.New(CodeJobStateConflict, "任务未结算，不能打款")
	}
	if j.PayoutStatus == PayoutSuccess {
		return nil
	}
	l.payout(ctx, j)
	return nil
}

// Get 返回指定任务。funded 任务在读取时做惰性过期。
func (l *Lifecycle) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := l.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if expired, err := l.maybeExpire(ctx, j); err != nil {
		return nil, err
	} else if expired {
		return l.store.GetJob(ctx, jobID)
	}
	return j, nil
}

// GetSubmission 返回指定提交。
func (l *Lifecycle) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	return l.store.GetSubmission(ctx, submissionID)
}

// ListSubmissions 返回任务的全部提交。
func (l *Lifecycle) ListSubmissions(ctx context.Context, jobID string) ([]*Submission, error) {
	return l.store.ListSubmissions(ctx, jobID)
}

// List 返回符合过滤条件的任务列表。
func (l *Lifecycle) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	options := BuildListOptions(opts)
	return l.store.ListJobs(ctx, options)
}

// SweepExpired 扫描并关闭所有已超期的 funded 任务，返回处理数量。
func (l *Lifecycle) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := time.Now().Unix()
	jobs, err := l.store.ListExpiredFunded(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, j := range jobs {
		if err := l.store.MarkExpired(ctx, j.ID, now); err != nil {
			if stdErrors.Is(err, ErrNotExpirable) {
				continue
			}
			return expired, err
		}
		expired++
		logger.Audit().Info("任务已过期", slog.String("job_id", j.ID))
		l.emit(ctx, notify.Event{Kind: notify.KindJobExpired, JobID: j.ID})
	}
	return expired, nil
}

// Close 释放资源。
func (l *Lifecycle) Close() error {
	if l.producer != nil {
		if err := l.producer.Close(); err != nil {
			return err
		}
	}
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

func (l *Lifecycle) maybeExpire(ctx context.Context, j *Job) (bool, error) {
	now := time.Now().Unix()
	if j.Status != JobStatusFunded || !j.Expired(now) {
		return false, nil
	}
	if err := l.store.MarkExpired(ctx, j.ID, now); err != nil {
		if stdErrors.Is(err, ErrNotExpirable) {
			return true, nil
		}
		return false, err
	}
	logger.Audit().Info("任务已过期", slog.String("job_id", j.ID))
	l.emit(ctx, notify.Event{Kind: notify.KindJobExpired, JobID: j.ID})
	return true, nil
}

func (l *Lifecycle) emit(ctx context.Context, event notify.Event) {
	if l.dispatcher == nil {
		return
	}
	if err := l.dispatcher.Notify(ctx, event); err != nil {
		logger.L().Warn("事件广播失败", slog.Any("error", err), slog.String("kind", string(event.Kind)))
	}
}

func (l *Lifecycle) lockJob(jobID string) func() {
	l.payMu.Lock()
	mu, ok := l.payLock[jobID]
	if !ok {
		mu = &sync.Mutex{}
		l.payLock[jobID] = mu
	}
	l.payMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Store 暴露底层存储，供评审协调器做条件更新。
func (l *Lifecycle) Store() Store {
	return l.store
}
