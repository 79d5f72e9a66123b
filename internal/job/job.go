package job

import (
	xerrors "OpenBounty-Chain/internal/errors"
)

// JobStatus 表示悬赏任务在生命周期中的状态。
type JobStatus string

const (
	JobStatusOpen      JobStatus = "open"
	JobStatusFunded    JobStatus = "funded"
	JobStatusResolved  JobStatus = "resolved"
	JobStatusExpired   JobStatus = "expired"
	JobStatusCancelled JobStatus = "cancelled"
)

// SubmissionStatus 表示提交物的评审状态。
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "pending"
	SubmissionJudging SubmissionStatus = "judging"
	SubmissionPassed  SubmissionStatus = "passed"
	SubmissionFailed  SubmissionStatus = "failed"
)

// PayoutStatus 跟踪赏金发放的独立状态，不能从 Job 状态反推。
type PayoutStatus string

const (
	PayoutNone    PayoutStatus = ""
	PayoutPending PayoutStatus = "pending"
	PayoutSuccess PayoutStatus = "success"
	PayoutFailed  PayoutStatus = "failed"
	PayoutSkipped PayoutStatus = "skipped"
)

// MaxContentBytes 限制单次提交内容的序列化大小。
const MaxContentBytes = 50 * 1024

// Job 描述一个带 USDC 赏金的任务。金额一律使用 USDC 最小单位（6 位小数）。
type Job struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Rubric         string       `json:"rubric,omitempty"`
	PriceUnits     int64        `json:"price_units"`
	PosterID       string       `json:"poster_id"`
	Status         JobStatus    `json:"status"`
	Participants   []string     `json:"participants,omitempty"`
	WinnerID       string       `json:"winner_id,omitempty"`
	MaxRetries     int          `json:"max_retries"`
	MaxSubmissions int          `json:"max_submissions"`
	MinReputation  *float64     `json:"min_reputation,omitempty"`
	ExpiresAt      int64        `json:"expires_at,omitempty"`
	DepositTxRef   string       `json:"deposit_tx_ref,omitempty"`
	DepositSender  string       `json:"deposit_sender,omitempty"`
	DepositUnits   int64        `json:"deposit_units,omitempty"`
	PayoutStatus   PayoutStatus `json:"payout_status,omitempty"`
	PayoutTxRef    string       `json:"payout_tx_ref,omitempty"`
	RefundTxRef    string       `json:"refund_tx_ref,omitempty"`
	FeeRateBP      int          `json:"fee_rate_bp"`
	CreatedAt      int64        `json:"created_at"`
	UpdatedAt      int64        `json:"updated_at"`
}

// HasParticipant 判断指定工作者是否已认领该任务。
func (j *Job) HasParticipant(workerID string) bool {
	for _, p := range j.Participants {
		if p == workerID {
			return true
		}
	}
	return false
}

// Expired 判断任务是否已超过截止时间。
func (j *Job) Expired(now int64) bool {
	return j.ExpiresAt > 0 && now >= j.ExpiresAt
}

// PayoutUnits 返回扣除手续费之后应发放给获胜者的金额。
func (j *Job) PayoutUnits() int64 {
	fee := j.PriceUnits * int64(j.FeeRateBP) / 10000
	return j.PriceUnits - fee
}

// StepTrace 记录评审流水线中单个回合的结论，用于审计。
type StepTrace struct {
	Round   string `json:"round"`
	Summary string `json:"summary"`
	Score   *int   `json:"score,omitempty"`
}

// Submission 是某个工作者针对 Job 的一次尝试。
type Submission struct {
	ID        string           `json:"id"`
	JobID     string           `json:"job_id"`
	WorkerID  string           `json:"worker_id"`
	Content   string           `json:"content"`
	Status    SubmissionStatus `json:"status"`
	Score     *int             `json:"score,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Trace     []StepTrace      `json:"trace,omitempty"`
	Attempt   int              `json:"attempt"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
}

// Terminal 判断提交是否已进入终态。
func (s *Submission) Terminal() bool {
	return s.Status == SubmissionPassed || s.Status == SubmissionFailed
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrSubmissionNotFound 表示指定的提交不存在。
	ErrSubmissionNotFound = xerrors.New(CodeSubmissionNotFound, "submission not found")
	// ErrValidation 表示入参校验失败，不会产生任何持久化副作用。
	ErrValidation = xerrors.New(CodeJobValidation, "job validation failed")
	// ErrNotFundable 表示任务当前状态不允许注资。
	ErrNotFundable = xerrors.New(CodeJobStateConflict, "job is not fundable")
	// ErrDepositInvalid 表示链上存款校验未通过。
	ErrDepositInvalid = xerrors.New(CodeDepositInvalid, "deposit verification failed")
	// ErrDuplicateDeposit 表示存款交易引用已被其他任务使用。
	ErrDuplicateDeposit = xerrors.New(CodeDepositDuplicate, "deposit reference already used")
	// ErrAlreadyClaimed 表示工作者重复认领同一任务。
	ErrAlreadyClaimed = xerrors.New(CodeJobStateConflict, "worker already claimed this job")
	// ErrNotParticipant 表示工作者尚未认领该任务。
	ErrNotParticipant = xerrors.New(CodeJobStateConflict, "worker is not a participant")
	// ErrSelfDealing 禁止发布者认领或赢得自己的任务。
	ErrSelfDealing = xerrors.New(CodeJobValidation, "poster cannot work own job")
	// ErrReputationTooLow 表示工作者完成率低于任务要求。
	ErrReputationTooLow = xerrors.New(CodeJobValidation, "worker completion rate below job threshold")
	// ErrNotSubmittable 表示任务当前状态不接受提交。
	ErrNotSubmittable = xerrors.New(CodeJobStateConflict, "job does not accept submissions")
	// ErrRetryLimitExceeded 表示该工作者的重试次数已用尽。
	ErrRetryLimitExceeded = xerrors.New(CodeRetryLimit, "per-worker retry limit exceeded")
	// ErrSubmissionCapExceeded 表示任务总提交数已达上限。
	ErrSubmissionCapExceeded = xerrors.New(CodeSubmissionCap, "job submission cap exceeded")
	// ErrContentTooLarge 表示提交内容超过大小限制。
	ErrContentTooLarge = xerrors.New(CodeContentTooLarge, "submission content too large")
	// ErrAlreadyResolved 表示任务已由其他提交抢先结算。
	ErrAlreadyResolved = xerrors.New(CodeJobStateConflict, "job already resolved by another submission")
	// ErrWorkerJudging 表示工作者仍有提交在评审中，不能退出。
	ErrWorkerJudging = xerrors.New(CodeJobStateConflict, "worker has a submission under judging")
	// ErrNotCancellable 表示任务当前状态不允许取消。
	ErrNotCancellable = xerrors.New(CodeJobStateConflict, "job is not cancellable")
	// ErrNotExpirable 表示任务当前状态不允许判定过期。
	ErrNotExpirable = xerrors.New(CodeJobStateConflict, "job is not expirable")
	// ErrNotRefundable 表示任务当前状态不允许退款。
	ErrNotRefundable = xerrors.New(CodeJobStateConflict, "job is not refundable")
	// ErrAlreadyRefunded 表示退款已经执行过，拒绝重复打款。
	ErrAlreadyRefunded = xerrors.New(CodeRefundDuplicate, "job already refunded")
	// ErrSubmissionFinalized 表示提交已进入终态，拒绝迟到的写入。
	ErrSubmissionFinalized = xerrors.New(CodeJobStateConflict, "submission already finalized")
)

const (
	CodeJobNotFound        xerrors.Code = "JOB_NOT_FOUND"
	CodeSubmissionNotFound xerrors.Code = "SUBMISSION_NOT_FOUND"
	CodeJobValidation      xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobStateConflict   xerrors.Code = "JOB_STATE_CONFLICT"
	CodeDepositInvalid     xerrors.Code = "DEPOSIT_INVALID"
	CodeDepositDuplicate   xerrors.Code = "DEPOSIT_DUPLICATE"
	CodeRefundDuplicate    xerrors.Code = "REFUND_DUPLICATE"
	CodeRetryLimit         xerrors.Code = "RETRY_LIMIT_EXCEEDED"
	CodeSubmissionCap      xerrors.Code = "SUBMISSION_CAP_EXCEEDED"
	CodeContentTooLarge    xerrors.Code = "CONTENT_TOO_LARGE"
	CodeEvalTimeout        xerrors.Code = "EVAL_TIMEOUT"
	CodeEvalInternal       xerrors.Code = "EVAL_INTERNAL"
	CodeGuardBlocked       xerrors.Code = "GUARD_BLOCKED"
	CodePayoutFailure      xerrors.Code = "PAYOUT_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionNotFound, xerrors.Attributes{
		Message:   "submission not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:   "job validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobStateConflict, xerrors.Attributes{
		Message:   "invalid transition for current job state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDepositInvalid, xerrors.Attributes{
		Message:   "deposit verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDepositDuplicate, xerrors.Attributes{
		Message:   "deposit reference already used",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRefundDuplicate, xerrors.Attributes{
		Message:   "refund already sent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRetryLimit, xerrors.Attributes{
		Message:   "per-worker retry limit exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSubmissionCap, xerrors.Attributes{
		Message:   "job submission cap exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeContentTooLarge, xerrors.Attributes{
		Message:   "submission content too large",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEvalTimeout, xerrors.Attributes{
		Message:   "evaluation timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeEvalInternal, xerrors.Attributes{
		Message:   "internal evaluation error",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeGuardBlocked, xerrors.Attributes{
		Message:   "submission blocked by guard",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePayoutFailure, xerrors.Attributes{
		Message:   "payout transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidJobStatus 检查任务状态枚举值。
func IsValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusOpen, JobStatusFunded, JobStatusResolved, JobStatusExpired, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidSubmissionStatus 检查提交状态枚举值。
func IsValidSubmissionStatus(status SubmissionStatus) bool {
	switch status {
	case SubmissionPending, SubmissionJudging, SubmissionPassed, SubmissionFailed:
		return true
	default:
		return false
	}
}
