package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"OpenBounty-Chain/pkg/logger"
)

// SweeperConfig 控制过期扫描任务。
type SweeperConfig struct {
	// Schedule 是 cron 表达式，默认每分钟扫描一次。
	Schedule string
	// BatchLimit 是单次扫描处理的任务上限。
	BatchLimit int
	// Timeout 是单次扫描的超时时间。
	Timeout time.Duration
}

// Sweeper 定时把超期的 funded 任务置为 expired。惰性过期覆盖读路径，
// 扫描兜底没有任何访问的任务。
type Sweeper struct {
	lifecycle *Lifecycle
	cron      *cron.Cron
	cfg       SweeperConfig
}

// NewSweeper 创建过期扫描器。
func NewSweeper(lifecycle *Lifecycle, cfg SweeperConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sweeper{
		lifecycle: lifecycle,
		cron:      cron.New(),
		cfg:       cfg,
	}
}

// Start 启动定时扫描。
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, s.runOnce)
	if err != nil {
		return err
	}
	s.cron.Start()
	logger.L().Info("过期扫描器已启动", slog.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop 停止扫描并等待进行中的任务结束。
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	expired, err := s.lifecycle.SweepExpired(ctx, s.cfg.BatchLimit)
	if err != nil {
		logger.L().Error("过期扫描失败", slog.Any("error", err))
		return
	}
	if expired > 0 {
		logger.L().Info("过期扫描完成", slog.Int("expired", expired))
	}
}
