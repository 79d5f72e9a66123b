package job

import (
	"context"
)

// Verdict 是评审流水线对一次提交的最终结论。
type Verdict struct {
	Score  *int
	Reason string
	Trace  []StepTrace
}

// Store 定义悬赏账本的持久化接口。所有状态迁移都是条件更新：
// 仅当记录仍处于期望的前置状态时才生效，并发竞争者只有一个会成功。
type Store interface {
	// CreateJob 插入新任务，初始状态必须是 open。
	CreateJob(ctx context.Context, j *Job) error
	// GetJob 查询指定任务。
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListJobs 返回符合过滤条件的任务。
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)

	// MarkFunded 在核验存款后把任务从 open 迁移到 funded。
	// 存款交易引用全局唯一，重复引用返回 ErrDuplicateDeposit。
	MarkFunded(ctx context.Context, id, txRef, sender string, units int64) error
	// AddParticipant 为 funded 任务登记工作者，重复认领返回 ErrAlreadyClaimed。
	AddParticipant(ctx context.Context, jobID, workerID string) error
	// RemoveParticipant 注销工作者。若其仍有提交在评审中返回 ErrWorkerJudging。
	RemoveParticipant(ctx context.Context, jobID, workerID string) error

	// CreateSubmission 在任务仍为 funded 时登记一次提交，并在同一事务内
	// 校验该工作者的重试上限与任务的总提交上限。
	CreateSubmission(ctx context.Context, sub *Submission) error
	// GetSubmission 查询指定提交。
	GetSubmission(ctx context.Context, id string) (*Submission, error)
	// ListSubmissions 返回任务下的全部提交，按创建时间升序。
	ListSubmissions(ctx context.Context, jobID string) ([]*Submission, error)
	// ClaimSubmission 把提交从 pending 迁移到 judging，供评审工作者认领。
	ClaimSubmission(ctx context.Context, id string) (*Submission, error)
	// FailSubmission 把提交从 judging 迁移到 failed 并落盘评审结论。
	// 提交已进入终态时返回 ErrSubmissionFinalized，迟到的结果就此丢弃。
	FailSubmission(ctx context.Context, id string, verdict Verdict) error

	// ResolveJob 是先到先得的结算迁移：任务 funded→resolved、获胜提交
	// judging→passed、其余未完结提交统一置为 failed，三者在同一事务内完成。
	// 任务已被其他提交结算时返回 ErrAlreadyResolved。
	ResolveJob(ctx context.Context, jobID, submissionID string, verdict Verdict) error

	// MarkCancelled 取消任务。open 任务直接取消；funded 任务仅在没有提交
	// 处于 judging 时允许取消，pending 提交随任务一起置为 failed。
	MarkCancelled(ctx context.Context, jobID string) error
	// MarkExpired 把超过截止时间的 funded 任务置为 expired，并在同一事务内
	// 将所有未完结提交置为 failed。
	MarkExpired(ctx context.Context, jobID string, now int64) error
	// MarkRefunded 为 expired/cancelled 且已注资的任务记录退款引用。
	// 重复退款返回 ErrAlreadyRefunded。
	MarkRefunded(ctx context.Context, jobID, txRef string) error
	// SetPayout 更新已结算任务的赏金发放状态与交易引用。
	SetPayout(ctx context.Context, jobID string, status PayoutStatus, txRef string) error

	// ListExpiredFunded 返回截止时间早于 now 的 funded 任务，供后台扫描。
	ListExpiredFunded(ctx context.Context, now int64, limit int) ([]*Job, error)

	Close() error
}
