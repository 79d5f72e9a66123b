package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"OpenBounty-Chain/internal/job"
)

// AgentProfile 表示一个工人智能体的履约档案。
type AgentProfile struct {
	ID            string
	WalletAddress string
	PassedCount   int64
	FailedCount   int64
	EarnedUnits   int64
	CreatedAt     int64
	UpdatedAt     int64
}

// ErrAgentNotFound 表示目标智能体尚无档案记录。
var ErrAgentNotFound = errors.New("未找到智能体档案")

// SQLAgentRepository 使用真实的 MySQL 数据库存储智能体档案。
type SQLAgentRepository struct {
	db *sql.DB
}

var _ job.AgentDirectory = (*SQLAgentRepository)(nil)

// NewSQLAgentRepository 创建连接池并执行 schema 迁移。
func NewSQLAgentRepository(ctx context.Context, cfg Config) (*SQLAgentRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLAgentRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// CompletionRate 返回智能体的历史通过率。没有任何评审记录时 known 为 false。
func (s *SQLAgentRepository) CompletionRate(ctx context.Context, agentID string) (float64, bool, error) {
	var passed, failed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT passed_count, failed_count FROM agent_profiles WHERE id = ?`, agentID,
	).Scan(&passed, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("查询智能体档案失败: %w", err)
	}

	total := passed + failed
	if total == 0 {
		return 0, false, nil
	}
	return float64(passed) / float64(total), true, nil
}

// WalletAddress 返回智能体登记的收款地址。
func (s *SQLAgentRepository) WalletAddress(ctx context.Context, agentID string) (string, error) {
	var wallet string
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet_address FROM agent_profiles WHERE id = ?`, agentID,
	).Scan(&wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAgentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("查询智能体钱包失败: %w", err)
	}
	if strings.TrimSpace(wallet) == "" {
		return "", ErrAgentNotFound
	}
	return wallet, nil
}

// RecordOutcome 以追加的方式累计智能体的评审结果与收益。
func (s *SQLAgentRepository) RecordOutcome(ctx context.Context, agentID string, passed bool, earnedUnits int64) error {
	var passedDelta, failedDelta int64
	if passed {
		passedDelta = 1
	} else {
		failedDelta = 1
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO agent_profiles
        (id, wallet_address, passed_count, failed_count, earned_units, created_at, updated_at)
        VALUES (?, '', ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        passed_count = passed_count + VALUES(passed_count),
        failed_count = failed_count + VALUES(failed_count),
        earned_units = earned_units + VALUES(earned_units),
        updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, agentID, passedDelta, failedDelta, earnedUnits, now, now); err != nil {
		return fmt.Errorf("更新智能体档案失败: %w", err)
	}
	return nil
}

// SetWallet 登记或更新智能体的收款地址。
func (s *SQLAgentRepository) SetWallet(ctx context.Context, agentID, wallet string) error {
	if strings.TrimSpace(wallet) == "" {
		return fmt.Errorf("钱包地址不能为空")
	}

	now := time.Now().Unix()
	const stmt = `INSERT INTO agent_profiles
        (id, wallet_address, passed_count, failed_count, earned_units, created_at, updated_at)
        VALUES (?, ?, 0, 0, 0, ?, ?)
        ON DUPLICATE KEY UPDATE
        wallet_address = VALUES(wallet_address),
        updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, agentID, wallet, now, now); err != nil {
		return fmt.Errorf("登记智能体钱包失败: %w", err)
	}
	return nil
}

// Profile 读取完整的档案记录。
func (s *SQLAgentRepository) Profile(ctx context.Context, agentID string) (*AgentProfile, error) {
	var profile AgentProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, wallet_address, passed_count, failed_count, earned_units, created_at, updated_at
        FROM agent_profiles WHERE id = ?`, agentID,
	).Scan(&profile.ID, &profile.WalletAddress, &profile.PassedCount, &profile.FailedCount, &profile.EarnedUnits, &profile.CreatedAt, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询智能体档案失败: %w", err)
	}
	return &profile, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAgentRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryAgentRepository 在内存中维护智能体档案，方便迭代开发与测试。
type MemoryAgentRepository struct {
	mu       sync.RWMutex
	profiles map[string]*AgentProfile
}

var _ job.AgentDirectory = (*MemoryAgentRepository)(nil)

// NewMemoryAgentRepository 创建一个内存智能体仓库。
func NewMemoryAgentRepository() *MemoryAgentRepository {
	return &MemoryAgentRepository{profiles: make(map[string]*AgentProfile)}
}

// CompletionRate 返回内存档案中的历史通过率。
func (m *MemoryAgentRepository) CompletionRate(_ context.Context, agentID string) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[agentID]
	if !ok {
		return 0, false, nil
	}
	total := profile.PassedCount + profile.FailedCount
	if total == 0 {
		return 0, false, nil
	}
	return float64(profile.PassedCount) / float64(total), true, nil
}

// WalletAddress 返回登记过的收款地址。
func (m *MemoryAgentRepository) WalletAddress(_ context.Context, agentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[agentID]
	if !ok || strings.TrimSpace(profile.WalletAddress) == "" {
		return "", ErrAgentNotFound
	}
	return profile.WalletAddress, nil
}

// RecordOutcome 累计评审结果。
func (m *MemoryAgentRepository) RecordOutcome(_ context.Context, agentID string, passed bool, earnedUnits int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.ensureProfile(agentID)
	if passed {
		profile.PassedCount++
	} else {
		profile.FailedCount++
	}
	profile.EarnedUnits += earnedUnits
	profile.UpdatedAt = time.Now().Unix()
	return nil
}

// SetWallet 登记收款地址。
func (m *MemoryAgentRepository) SetWallet(_ context.Context, agentID, wallet string) error {
	if strings.TrimSpace(wallet) == "" {
		return fmt.Errorf("钱包地址不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.ensureProfile(agentID)
	profile.WalletAddress = wallet
	profile.UpdatedAt = time.Now().Unix()
	return nil
}

// Profile 返回档案的一份拷贝。
func (m *MemoryAgentRepository) Profile(_ context.Context, agentID string) (*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *profile
	return &clone, nil
}

func (m *MemoryAgentRepository) ensureProfile(agentID string) *AgentProfile {
	profile, ok := m.profiles[agentID]
	if !ok {
		now := time.Now().Unix()
		profile = &AgentProfile{ID: agentID, CreatedAt: now, UpdatedAt: now}
		m.profiles[agentID] = profile
	}
	return profile
}
