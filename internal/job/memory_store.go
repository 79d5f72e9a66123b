package job

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenBounty-Chain/internal/errors"
)

// MemoryStore 以内存方式保存悬赏账本，主要用于测试和单机演示。
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	submissions map[string]*Submission
	depositRefs map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:        make(map[string]*Job),
		submissions: make(map[string]*Submission),
		depositRefs: make(map[string]string),
	}
}

// CreateJob 实现 Store 接口。
func (m *MemoryStore) CreateJob(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if j.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.jobs[j.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "任务 ID 已存在")
	}
	now := time.Now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	j.Status = JobStatusOpen
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

// GetJob 返回任务。
func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(j), nil
}

// ListJobs 返回符合条件的任务。
func (m *MemoryStore) ListJobs(_ context.Context, opts ListOptions) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !matchesListFilters(j, opts) {
			continue
		}
		results = append(results, cloneJob(j))
	}

	sort.Slice(results, func(i, k int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[k].UpdatedAt {
				return results[i].ID < results[k].ID
			}
			return results[i].UpdatedAt < results[k].UpdatedAt
		}
		if results[i].UpdatedAt == results[k].UpdatedAt {
			return results[i].ID < results[k].ID
		}
		return results[i].UpdatedAt > results[k].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Job{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// MarkFunded 把任务从 open 迁移到 funded，并占用存款引用。
func (m *MemoryStore) MarkFunded(_ context.Context, id, txRef, sender string, units int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(txRef) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "存款交易引用不能为空")
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if owner, used := m.depositRefs[txRef]; used && owner != id {
		return ErrDuplicateDeposit
	}
	if j.Status != JobStatusOpen {
		return ErrNotFundable
	}
	m.depositRefs[txRef] = id
	j.Status = JobStatusFunded
	j.DepositTxRef = txRef
	j.DepositSender = sender
	j.DepositUnits = units
	j.UpdatedAt = time.Now().Unix()
	return nil
}

// AddParticipant 为 funded 任务登记工作者。
func (m *MemoryStore) AddParticipant(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != JobStatusFunded {
		return ErrNotSubmittable
	}
	if j.HasParticipant(workerID) {
		return ErrAlreadyClaimed
	}
	j.Participants = append(j.Participants, workerID)
	j.UpdatedAt = time.Now().Unix()
	return nil
}

// RemoveParticipant 注销工作者。评审中的提交会阻止退出。
func (m *MemoryStore) RemoveParticipant(_ context.Context, jobID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !j.HasParticipant(workerID) {
		return ErrNotParticipant
	}
	for _, sub := range m.submissions {
		if sub.JobID == jobID && sub.WorkerID == workerID &&
			(sub.Status == SubmissionPending || sub.Status == SubmissionJudging) {
			return ErrWorkerJudging
		}
	}
	kept := j.Participants[:0]
	for _, p := range j.Participants {
		if p != workerID {
			kept = append(kept, p)
		}
	}
	j.Participants = kept
	j.UpdatedAt = time.Now().Unix()
	return nil
}

// CreateSubmission 登记提交并在同一临界区内校验上限。
func (m *MemoryStore) CreateSubmission(_ context.Context, sub *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission 不能为空")
	}
	if sub.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	if _, ok := m.submissions[sub.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "提交 ID 已存在")
	}
	j, ok := m.jobs[sub.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != JobStatusFunded {
		return ErrNotSubmittable
	}
	if !j.HasParticipant(sub.WorkerID) {
		return ErrNotParticipant
	}

	total := 0
	workerAttempts := 0
	for _, existing := range m.submissions {
		if existing.JobID != sub.JobID {
			continue
		}
		total++
		if existing.WorkerID == sub.WorkerID {
			workerAttempts++
		}
	}
	if j.MaxSubmissions > 0 && total >= j.MaxSubmissions {
		return ErrSubmissionCapExceeded
	}
	if j.MaxRetries > 0 && workerAttempts >= j.MaxRetries {
		return ErrRetryLimitExceeded
	}

	now := time.Now().Unix()
	sub.Status = SubmissionPending
	sub.Attempt = workerAttempts + 1
	if sub.CreatedAt == 0 {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.submissions[sub.ID] = cloneSubmission(sub)
	return nil
}

// GetSubmission 返回提交。
func (m *MemoryStore) GetSubmission(_ context.Context, id string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return cloneSubmission(sub), nil
}

// ListSubmissions 返回任务下的全部提交。
func (m *MemoryStore) ListSubmissions(_ context.Context, jobID string) ([]*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]*Submission, 0, 8)
	for _, sub := range m.submissions {
		if sub.JobID == jobID {
			results = append(results, cloneSubmission(sub))
		}
	}
	sort.Slice(results, func(i, k int) bool {
		if results[i].CreatedAt == results[k].CreatedAt {
			return results[i].ID < results[k].ID
		}
		return results[i].CreatedAt < results[k].CreatedAt
	})
	return results, nil
}

// ClaimSubmission 把提交从 pending 迁移到 judging。
func (m *MemoryStore) ClaimSubmission(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	if sub.Status != SubmissionPending {
		if sub.Terminal() {
			return cloneSubmission(sub), ErrSubmissionFinalized
		}
		return cloneSubmission(sub), xerrors.New(xerrors.CodeConflict, "提交已被其他工作者认领")
	}
	sub.Status = SubmissionJudging
	sub.UpdatedAt = time.Now().Unix()
	return cloneSubmission(sub), nil
}

// FailSubmission 把提交从 judging 迁移到 failed。
func (m *MemoryStore) FailSubmission(_ context.Context, id string, verdict Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[id]
	if !ok {
		return ErrSubmissionNotFound
	}
	if sub.Status != SubmissionJudging {
		return ErrSubmissionFinalized
	}
	applyVerdict(sub, SubmissionFailed, verdict)
	return nil
}

// ResolveJob 执行先到先得的结算迁移。
func (m *MemoryStore) ResolveJob(_ context.Context, jobID, submissionID string, verdict Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	sub, ok := m.submissions[submissionID]
	if !ok {
		return ErrSubmissionNotFound
	}
	if sub.JobID != jobID {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交不属于该任务")
	}
	if j.Status != JobStatusFunded {
		return ErrAlreadyResolved
	}
	if sub.Status != SubmissionJudging {
		return ErrSubmissionFinalized
	}

	now := time.Now().Unix()
	j.Status = JobStatusResolved
	j.WinnerID = sub.WorkerID
	j.PayoutStatus = PayoutPending
	j.UpdatedAt = now

	applyVerdict(sub, SubmissionPassed, verdict)

	// 其余未完结提交随任务一起关闭，不留下孤儿 judging。
	for _, other := range m.submissions {
		if other.JobID != jobID || other.ID == submissionID || other.Terminal() {
			continue
		}
		other.Status = SubmissionFailed
		other.Reason = "job resolved by another submission"
		other.UpdatedAt = now
	}
	return nil
}

// MarkCancelled 取消任务。funded 任务只在没有提交正处于 judging 时
// 才能取消，pending 提交随任务一起关闭。
func (m *MemoryStore) MarkCancelled(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now().Unix()
	switch j.Status {
	case JobStatusOpen:
	case JobStatusFunded:
		for _, sub := range m.submissions {
			if sub.JobID == jobID && sub.Status == SubmissionJudging {
				return ErrNotCancellable
			}
		}
		for _, sub := range m.submissions {
			if sub.JobID != jobID || sub.Status != SubmissionPending {
				continue
			}
			sub.Status = SubmissionFailed
			sub.Reason = "job cancelled before evaluation started"
			sub.UpdatedAt = now
		}
	default:
		return ErrNotCancellable
	}
	j.Status = JobStatusCancelled
	j.UpdatedAt = now
	return nil
}

// MarkExpired 把超期 funded 任务置为 expired。
func (m *MemoryStore) MarkExpired(_ context.Context, jobID string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != JobStatusFunded || !j.Expired(now) {
		return ErrNotExpirable
	}
	j.Status = JobStatusExpired
	j.UpdatedAt = now
	for _, sub := range m.submissions {
		if sub.JobID != jobID || sub.Terminal() {
			continue
		}
		sub.Status = SubmissionFailed
		sub.Reason = "job expired before evaluation finished"
		sub.UpdatedAt = now
	}
	return nil
}

// MarkRefunded 记录退款交易引用，重复调用拒绝。
func (m *MemoryStore) MarkRefunded(_ context.Context, jobID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.RefundTxRef != "" {
		return ErrAlreadyRefunded
	}
	if (j.Status != JobStatusExpired && j.Status != JobStatusCancelled) || j.DepositUnits <= 0 {
		return ErrNotRefundable
	}
	j.RefundTxRef = txRef
	j.UpdatedAt = time.Now().Unix()
	return nil
}

// SetPayout 更新赏金发放状态。
func (m *MemoryStore) SetPayout(_ context.Context, jobID string, status PayoutStatus, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != JobStatusResolved {
		return xerrors.New(xerrors.CodeConflict, "任务未结算，不能更新发放状态")
	}
	j.PayoutStatus = status
	if txRef != "" {
		j.PayoutTxRef = txRef
	}
	j.UpdatedAt = time.Now().Unix()
	return nil
}

// ListExpiredFunded 返回已超期但仍为 funded 的任务。
func (m *MemoryStore) ListExpiredFunded(_ context.Context, now int64, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	results := make([]*Job, 0, limit)
	for _, j := range m.jobs {
		if j.Status == JobStatusFunded && j.Expired(now) {
			results = append(results, cloneJob(j))
		}
	}
	sort.Slice(results, func(i, k int) bool {
		if results[i].ExpiresAt == results[k].ExpiresAt {
			return results[i].ID < results[k].ID
		}
		return results[i].ExpiresAt < results[k].ExpiresAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func applyVerdict(sub *Submission, status SubmissionStatus, verdict Verdict) {
	sub.Status = status
	if verdict.Score != nil {
		score := *verdict.Score
		sub.Score = &score
	}
	sub.Reason = verdict.Reason
	if len(verdict.Trace) > 0 {
		sub.Trace = append([]StepTrace(nil), verdict.Trace...)
	}
	sub.UpdatedAt = time.Now().Unix()
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Participants = append([]string(nil), j.Participants...)
	if j.MinReputation != nil {
		v := *j.MinReputation
		clone.MinReputation = &v
	}
	return &clone
}

func cloneSubmission(sub *Submission) *Submission {
	clone := *sub
	if sub.Score != nil {
		score := *sub.Score
		clone.Score = &score
	}
	clone.Trace = append([]StepTrace(nil), sub.Trace...)
	return &clone
}

func matchesListFilters(j *Job, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if j.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.PosterID != "" && j.PosterID != opts.PosterID {
		return false
	}
	if opts.WorkerID != "" && !j.HasParticipant(opts.WorkerID) {
		return false
	}
	if opts.UpdatedGTE > 0 && j.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && j.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(j.Title), q) &&
			!strings.Contains(strings.ToLower(j.Description), q) &&
			!strings.Contains(strings.ToLower(j.PosterID), q) &&
			!strings.Contains(strings.ToLower(j.ID), q) {
			return false
		}
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
