package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"OpenBounty-Chain/internal/api"
	"OpenBounty-Chain/internal/config"
	"OpenBounty-Chain/internal/eval"
	"OpenBounty-Chain/internal/guard"
	"OpenBounty-Chain/internal/job"
	"OpenBounty-Chain/internal/judge"
	"OpenBounty-Chain/internal/llm"
	"OpenBounty-Chain/internal/llm/openai"
	"OpenBounty-Chain/internal/notify"
	"OpenBounty-Chain/internal/observability/metrics"
	"OpenBounty-Chain/internal/settlement"
	"OpenBounty-Chain/internal/settlement/provider"
	"OpenBounty-Chain/internal/storage/mysql"
	"OpenBounty-Chain/pkg/logger"
)

// main 是 OpenBounty 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openbountyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENBOUNTY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openbounty.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	// 任务存储。
	var store job.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		store = job.NewMemoryStore()
	case "mysql":
		mysqlStore, err := job.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	// 工作者画像。
	var agents job.AgentDirectory
	var agentCloser interface{ Close() error }
	switch cfg.Storage.Driver {
	case "", "memory":
		agents = mysql.NewMemoryAgentRepository()
	case "mysql":
		repo, err := mysql.NewSQLAgentRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Storage.ConnMaxIdleTime(),
		})
		if err != nil {
			return err
		}
		agents = repo
		agentCloser = repo
	}
	if agentCloser != nil {
		defer agentCloser.Close()
	}

	// 评审队列。
	var queue job.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = job.NewMemoryQueue(cfg.Queue.Capacity)
	case "redis":
		redisQueue, err := job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}

	// 结算网关。
	var gateway settlement.Gateway
	switch cfg.Settlement.Driver {
	case "", "memory":
		gateway = settlement.NewMemoryGateway(cfg.Settlement.MinConfirmations)
	case "chains":
		registry, err := provider.NewRegistry(ctx, provider.Config{
			ChainConfig:  cfg.Settlement.ChainConfig,
			DefaultChain: cfg.Settlement.DefaultChain,
		})
		if err != nil {
			return err
		}
		defer registry.Close()
		gateway, err = registry.DefaultGateway()
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的结算驱动: %s", cfg.Settlement.Driver)
	}

	// 事件广播。
	notifiers := []notify.Notifier{&notify.LogNotifier{}}
	if cfg.Notify.Webhook.URL != "" {
		sender, err := notify.NewHTTPSender(cfg.Notify.Webhook.URL,
			time.Duration(cfg.Notify.Webhook.TimeoutSeconds)*time.Second)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, &notify.WebhookNotifier{Sender: sender})
	}
	dispatcher := notify.NewFanout(notifiers...)

	lifecycle := job.NewLifecycle(store, queue, gateway, agents, dispatcher, job.LifecycleConfig{
		MinPriceUnits:         cfg.Jobs.MinPriceUnits,
		DefaultMaxRetries:     cfg.Jobs.DefaultMaxRetries,
		DefaultMaxSubmissions: cfg.Jobs.DefaultMaxSubmissions,
		DefaultTTL:            cfg.Jobs.DefaultTTL(),
		FeeRateBP:             cfg.Jobs.FeeRateBP,
	})
	defer lifecycle.Close()

	// 注入检测：规则层始终启用，语义层按配置挂载。
	patterns := guard.BuiltinPatterns()
	if cfg.Guard.PatternsFile != "" {
		loaded, err := guard.LoadPatterns(cfg.Guard.PatternsFile)
		if err != nil {
			return err
		}
		patterns = loaded
	}
	var semanticClient llm.Client
	if cfg.Guard.SemanticEnabled {
		semanticClient = llmClient
	}
	contentGuard := guard.New(patterns, semanticClient)

	judgeOpts := []judge.Option{}
	if cfg.Eval.PassThreshold > 0 {
		judgeOpts = append(judgeOpts, judge.WithPassThreshold(cfg.Eval.PassThreshold))
	}
	pipeline := judge.NewPipeline(llmClient, judgeOpts...)

	orchestrator := eval.NewOrchestrator(lifecycle, contentGuard, pipeline,
		eval.WithWorkerCount(cfg.Queue.Worker),
		eval.WithBudget(cfg.Eval.Budget()),
		eval.WithAgentDirectory(agents),
		eval.WithDispatcher(dispatcher),
	)

	evalCtx, evalCancel := context.WithCancel(ctx)
	defer evalCancel()
	go func() {
		if err := orchestrator.Start(evalCtx, queue); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("评审协调器异常退出: %v", err)
		}
	}()

	sweeper := job.NewSweeper(lifecycle, job.SweeperConfig{
		Schedule:   cfg.Sweeper.Schedule,
		BatchLimit: cfg.Sweeper.BatchLimit,
	})
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("metrics 服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, lifecycle)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
