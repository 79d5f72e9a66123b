package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenBounty-Chain/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录悬赏账本。所有状态迁移通过条件 UPDATE
// 加影响行数判定实现，依赖数据库保证并发下的先到先得。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const jobsSchema = `CREATE TABLE IF NOT EXISTS bounty_jobs (
        id VARCHAR(64) PRIMARY KEY,
        title VARCHAR(255) NOT NULL,
        description TEXT NOT NULL,
        rubric TEXT,
        price_units BIGINT NOT NULL,
        poster_id VARCHAR(128) NOT NULL,
        status VARCHAR(32) NOT NULL,
        participants TEXT,
        winner_id VARCHAR(128) DEFAULT '',
        max_retries INT NOT NULL DEFAULT 3,
        max_submissions INT NOT NULL DEFAULT 0,
        min_reputation DOUBLE NULL,
        expires_at BIGINT NOT NULL DEFAULT 0,
        deposit_tx_ref VARCHAR(128) NULL,
        deposit_sender VARCHAR(128) DEFAULT '',
        deposit_units BIGINT NOT NULL DEFAULT 0,
        payout_status VARCHAR(16) DEFAULT '',
        payout_tx_ref VARCHAR(128) DEFAULT '',
        refund_tx_ref VARCHAR(128) DEFAULT '',
        fee_rate_bp INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE INDEX idx_job_deposit_ref (deposit_tx_ref),
        INDEX idx_job_status (status),
        INDEX idx_job_poster (poster_id),
        INDEX idx_job_expiry (status, expires_at)
)`
	const submissionsSchema = `CREATE TABLE IF NOT EXISTS bounty_submissions (
        id VARCHAR(64) PRIMARY KEY,
        job_id VARCHAR(64) NOT NULL,
        worker_id VARCHAR(128) NOT NULL,
        content MEDIUMTEXT NOT NULL,
        status VARCHAR(32) NOT NULL,
        score INT NULL,
        reason TEXT,
        trace TEXT,
        attempt INT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_sub_job (job_id),
        INDEX idx_sub_worker (job_id, worker_id),
        INDEX idx_sub_status (status)
)`

	if _, err := s.db.Exec(jobsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 bounty_jobs 表失败")
	}
	if _, err := s.db.Exec(submissionsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 bounty_submissions 表失败")
	}
	return nil
}

const jobColumns = `id, title, description, rubric, price_units, poster_id, status, participants, winner_id,
        max_retries, max_submissions, min_reputation, expires_at, deposit_tx_ref, deposit_sender, deposit_units,
        payout_status, payout_tx_ref, refund_tx_ref, fee_rate_bp, created_at, updated_at`

const submissionColumns = `id, job_id, worker_id, content, status, score, reason, trace, attempt, created_at, updated_at`

// CreateJob 插入新的任务记录。
func (s *MySQLStore) CreateJob(ctx context.Context, j *Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(j.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.Status = JobStatusOpen

	participants, err := marshalParticipants(j.Participants)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码参与者列表失败")
	}

	const stmt = `INSERT INTO bounty_jobs
        (id, title, description, rubric, price_units, poster_id, status, participants, winner_id,
         max_retries, max_submissions, min_reputation, expires_at, deposit_tx_ref, deposit_sender, deposit_units,
         payout_status, payout_tx_ref, refund_tx_ref, fee_rate_bp, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, NULL, '', 0, '', '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		j.ID,
		j.Title,
		j.Description,
		j.Rubric,
		j.PriceUnits,
		j.PosterID,
		j.Status,
		participants,
		j.MaxRetries,
		j.MaxSubmissions,
		nullFloat(j.MinReputation),
		j.ExpiresAt,
		j.FeeRateBP,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "任务 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// GetJob 查询指定任务。
func (s *MySQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bounty_jobs WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var participants sql.NullString
	var minReputation sql.NullFloat64
	var depositRef sql.NullString

	if err := row.Scan(
		&j.ID,
		&j.Title,
		&j.Description,
		&j.Rubric,
		&j.PriceUnits,
		&j.PosterID,
		&j.Status,
		&participants,
		&j.WinnerID,
		&j.MaxRetries,
		&j.MaxSubmissions,
		&minReputation,
		&j.ExpiresAt,
		&depositRef,
		&j.DepositSender,
		&j.DepositUnits,
		&j.PayoutStatus,
		&j.PayoutTxRef,
		&j.RefundTxRef,
		&j.FeeRateBP,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	decoded, err := unmarshalParticipants(participants)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析参与者列表失败")
	}
	j.Participants = decoded
	if minReputation.Valid {
		v := minReputation.Float64
		j.MinReputation = &v
	}
	if depositRef.Valid {
		j.DepositTxRef = depositRef.String
	}
	return &j, nil
}

// ListJobs 返回符合条件的任务。
func (s *MySQLStore) ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM bounty_jobs`
	clause, filterArgs := buildJobFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// MarkFunded 把任务从 open 迁移到 funded。唯一索引拦截重复的存款引用。
func (s *MySQLStore) MarkFunded(ctx context.Context, id, txRef, sender string, units int64) error {
	if strings.TrimSpace(txRef) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "存款交易引用不能为空")
	}
	const stmt = `UPDATE bounty_jobs SET status = ?, deposit_tx_ref = ?, deposit_sender = ?, deposit_units = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, JobStatusFunded, txRef, sender, units, time.Now().Unix(), id, JobStatusOpen)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateDeposit
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务注资状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return ErrNotFundable
	}
	return nil
}

// AddParticipant 在行锁保护下更新参与者列表。
func (s *MySQLStore) AddParticipant(ctx context.Context, jobID, workerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.Status != JobStatusFunded {
			return ErrNotSubmittable
		}
		if j.HasParticipant(workerID) {
			return ErrAlreadyClaimed
		}
		j.Participants = append(j.Participants, workerID)
		return updateParticipants(ctx, tx, jobID, j.Participants)
	})
}

// RemoveParticipant 注销工作者，评审中的提交会阻止退出。
func (s *MySQLStore) RemoveParticipant(ctx context.Context, jobID, workerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.HasParticipant(workerID) {
			return ErrNotParticipant
		}

		var active int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM bounty_submissions WHERE job_id = ? AND worker_id = ? AND status IN (?, ?)`,
			jobID, workerID, SubmissionPending, SubmissionJudging)
		if err := row.Scan(&active); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计进行中的提交失败")
		}
		if active > 0 {
			return ErrWorkerJudging
		}

		kept := make([]string, 0, len(j.Participants))
		for _, p := range j.Participants {
			if p != workerID {
				kept = append(kept, p)
			}
		}
		return updateParticipants(ctx, tx, jobID, kept)
	})
}

// CreateSubmission 在同一事务内完成上限校验与插入。
func (s *MySQLStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "submission 不能为空")
	}
	if strings.TrimSpace(sub.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "提交 ID 不能为空")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := lockJob(ctx, tx, sub.JobID)
		if err != nil {
			return err
		}
		if j.Status != JobStatusFunded {
			return ErrNotSubmittable
		}
		if !j.HasParticipant(sub.WorkerID) {
			return ErrNotParticipant
		}

		var total, workerAttempts int
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*), SUM(CASE WHEN worker_id = ? THEN 1 ELSE 0 END) FROM bounty_submissions WHERE job_id = ?`,
			sub.WorkerID, sub.JobID)
		var workerCount sql.NullInt64
		if err := row.Scan(&total, &workerCount); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计提交数量失败")
		}
		if workerCount.Valid {
			workerAttempts = int(workerCount.Int64)
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
		sub.CreatedAt = now
		sub.UpdatedAt = now

		const stmt = `INSERT INTO bounty_submissions
            (id, job_id, worker_id, content, status, score, reason, trace, attempt, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, NULL, '', NULL, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, stmt,
			sub.ID, sub.JobID, sub.WorkerID, sub.Content, sub.Status, sub.Attempt, sub.CreatedAt, sub.UpdatedAt,
		); err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return xerrors.New(xerrors.CodeConflict, "提交 ID 已存在")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入提交失败")
		}
		return nil
	})
}

// GetSubmission 查询指定提交。
func (s *MySQLStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM bounty_submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var score sql.NullInt64
	var trace sql.NullString

	if err := row.Scan(
		&sub.ID,
		&sub.JobID,
		&sub.WorkerID,
		&sub.Content,
		&sub.Status,
		&score,
		&sub.Reason,
		&trace,
		&sub.Attempt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交失败")
	}
	if score.Valid {
		v := int(score.Int64)
		sub.Score = &v
	}
	if trace.Valid && strings.TrimSpace(trace.String) != "" {
		if err := json.Unmarshal([]byte(trace.String), &sub.Trace); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析评审轨迹失败")
		}
	}
	return &sub, nil
}

// ListSubmissions 返回任务下的全部提交。
func (s *MySQLStore) ListSubmissions(ctx context.Context, jobID string) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM bounty_submissions WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提交列表失败")
	}
	defer rows.Close()

	subs := make([]*Submission, 0, 8)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提交失败")
	}
	return subs, nil
}

// ClaimSubmission 把提交从 pending 迁移到 judging 并返回最新状态。
func (s *MySQLStore) ClaimSubmission(ctx context.Context, id string) (*Submission, error) {
	const stmt = `UPDATE bounty_submissions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, SubmissionJudging, time.Now().Unix(), id, SubmissionPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "认领提交失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		sub, getErr := s.GetSubmission(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if sub.Terminal() {
			return sub, ErrSubmissionFinalized
		}
		return sub, xerrors.New(xerrors.CodeConflict, "提交已被其他工作者认领")
	}
	return s.GetSubmission(ctx, id)
}

// FailSubmission 把提交从 judging 迁移到 failed。
func (s *MySQLStore) FailSubmission(ctx context.Context, id string, verdict Verdict) error {
	traceValue, err := marshalTrace(verdict.Trace)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码评审轨迹失败")
	}

	const stmt = `UPDATE bounty_submissions SET status = ?, score = ?, reason = ?, trace = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		SubmissionFailed, nullInt(verdict.Score), verdict.Reason, traceValue, time.Now().Unix(), id, SubmissionJudging)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记提交失败失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetSubmission(ctx, id); getErr != nil {
			return getErr
		}
		return ErrSubmissionFinalized
	}
	return nil
}

// ResolveJob 在单个事务内完成结算迁移，数据库行锁保证只有一个赢家。
func (s *MySQLStore) ResolveJob(ctx context.Context, jobID, submissionID string, verdict Verdict) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()

		var workerID string
		row := tx.QueryRowContext(ctx,
			`SELECT worker_id FROM bounty_submissions WHERE id = ? AND job_id = ? FOR UPDATE`, submissionID, jobID)
		if err := row.Scan(&workerID); err != nil {
			if stdErrors.Is(err, sql.ErrNoRows) {
				return ErrSubmissionNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定提交失败")
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE bounty_jobs SET status = ?, winner_id = ?, payout_status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			JobStatusResolved, workerID, PayoutPending, now, jobID, JobStatusFunded)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务结算状态失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return getErr
			}
			return ErrAlreadyResolved
		}

		traceValue, err := marshalTrace(verdict.Trace)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码评审轨迹失败")
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE bounty_submissions SET status = ?, score = ?, reason = ?, trace = ?, updated_at = ?
             WHERE id = ? AND status = ?`,
			SubmissionPassed, nullInt(verdict.Score), verdict.Reason, traceValue, now, submissionID, SubmissionJudging)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记获胜提交失败")
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return ErrSubmissionFinalized
		}

		// 其余未完结提交随任务一起关闭，不留下孤儿 judging。
		if _, err := tx.ExecContext(ctx,
			`UPDATE bounty_submissions SET status = ?, reason = ?, updated_at = ?
             WHERE job_id = ? AND id <> ? AND status IN (?, ?)`,
			SubmissionFailed, "job resolved by another submission", now,
			jobID, submissionID, SubmissionPending, SubmissionJudging); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭剩余提交失败")
		}
		return nil
	})
}

// MarkCancelled 取消任务。funded 任务只在没有提交正处于 judging 时
// 才能取消，pending 提交在同一事务里随任务关闭。
func (s *MySQLStore) MarkCancelled(ctx context.Context, jobID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		now := time.Now().Unix()
		switch j.Status {
		case JobStatusOpen:
		case JobStatusFunded:
			var judging int
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM bounty_submissions WHERE job_id = ? AND status = ?`,
				jobID, SubmissionJudging)
			if err := row.Scan(&judging); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计评审中提交失败")
			}
			if judging > 0 {
				return ErrNotCancellable
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE bounty_submissions SET status = ?, reason = ?, updated_at = ?
             WHERE job_id = ? AND status = ?`,
				SubmissionFailed, "job cancelled before evaluation started", now,
				jobID, SubmissionPending); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭待评审提交失败")
			}
		default:
			return ErrNotCancellable
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE bounty_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			JobStatusCancelled, now, jobID, j.Status)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消任务失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			return ErrNotCancellable
		}
		return nil
	})
}

// MarkExpired 把超期 funded 任务置为 expired 并关闭全部未完结提交。
func (s *MySQLStore) MarkExpired(ctx context.Context, jobID string, now int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE bounty_jobs SET status = ?, updated_at = ?
             WHERE id = ? AND status = ? AND expires_at > 0 AND expires_at <= ?`,
			JobStatusExpired, now, jobID, JobStatusFunded, now)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务过期失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
		}
		if affected == 0 {
			if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
				return getErr
			}
			return ErrNotExpirable
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE bounty_submissions SET status = ?, reason = ?, updated_at = ?
             WHERE job_id = ? AND status IN (?, ?)`,
			SubmissionFailed, "job expired before evaluation finished", now,
			jobID, SubmissionPending, SubmissionJudging); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭过期提交失败")
		}
		return nil
	})
}

// MarkRefunded 记录退款引用，重复退款被条件更新拦截。
func (s *MySQLStore) MarkRefunded(ctx context.Context, jobID, txRef string) error {
	const stmt = `UPDATE bounty_jobs SET refund_tx_ref = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?) AND deposit_units > 0 AND refund_tx_ref = ''`

	res, err := s.db.ExecContext(ctx, stmt, txRef, time.Now().Unix(), jobID, JobStatusExpired, JobStatusCancelled)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录退款失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		if j.RefundTxRef != "" {
			return ErrAlreadyRefunded
		}
		return ErrNotRefundable
	}
	return nil
}

// SetPayout 更新已结算任务的赏金发放状态。
func (s *MySQLStore) SetPayout(ctx context.Context, jobID string, status PayoutStatus, txRef string) error {
	const stmt = `UPDATE bounty_jobs SET payout_status = ?, payout_tx_ref = CASE WHEN ? = '' THEN payout_tx_ref ELSE ? END, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, status, txRef, txRef, time.Now().Unix(), jobID, JobStatusResolved)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新发放状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return xerrors.New(xerrors.CodeConflict, "任务未结算，不能更新发放状态")
	}
	return nil
}

// ListExpiredFunded 返回已超期但仍为 funded 的任务。
func (s *MySQLStore) ListExpiredFunded(ctx context.Context, now int64, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM bounty_jobs
         WHERE status = ? AND expires_at > 0 AND expires_at <= ?
         ORDER BY expires_at ASC, id ASC LIMIT ?`,
		JobStatusFunded, now, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询过期任务失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历过期任务失败")
	}
	return jobs, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *MySQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func lockJob(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bounty_jobs WHERE id = ? FOR UPDATE`, jobID)
	return scanJob(row)
}

func updateParticipants(ctx context.Context, tx *sql.Tx, jobID string, participants []string) error {
	encoded, err := marshalParticipants(participants)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码参与者列表失败")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bounty_jobs SET participants = ?, updated_at = ? WHERE id = ?`,
		encoded, time.Now().Unix(), jobID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新参与者列表失败")
	}
	return nil
}

func marshalParticipants(participants []string) (sql.NullString, error) {
	if len(participants) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(participants)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalParticipants(raw sql.NullString) ([]string, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var participants []string
	if err := json.Unmarshal([]byte(raw.String), &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

func marshalTrace(trace []StepTrace) (sql.NullString, error) {
	if len(trace) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(trace)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func buildJobFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.PosterID != "" {
		conditions = append(conditions, "poster_id = ?")
		args = append(args, opts.PosterID)
	}
	if opts.WorkerID != "" {
		conditions = append(conditions, "participants LIKE ?")
		args = append(args, "%\""+opts.WorkerID+"\"%")
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR title LIKE ? OR description LIKE ? OR poster_id LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
