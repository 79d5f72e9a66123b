package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 OpenBounty 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	LLM        LLMConfig        `json:"llm"`
	Settlement SettlementConfig `json:"settlement"`
	Guard      GuardConfig      `json:"guard"`
	Eval       EvalConfig       `json:"eval"`
	Jobs       JobsConfig       `json:"jobs"`
	Notify     NotifyConfig     `json:"notify"`
	Sweeper    SweeperConfig    `json:"sweeper"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息，
// 任务存储与智能体档案共用同一套连接参数。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大生命周期。
func (c StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (c StorageConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

// QueueConfig 控制评审队列的驱动选择。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Capacity int            `json:"capacity"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述通过 OpenAI 兼容接口完成推理时所需的信息。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Timeout 返回单次推理调用的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SettlementConfig 描述 USDC 结算网关。
type SettlementConfig struct {
	Driver           string `json:"driver"`
	ChainConfig      string `json:"chain_config"`
	DefaultChain     string `json:"default_chain"`
	MinConfirmations uint64 `json:"min_confirmations"`
}

// GuardConfig 控制提交内容的注入检测。
type GuardConfig struct {
	PatternsFile    string `json:"patterns_file"`
	SemanticEnabled bool   `json:"semantic_enabled"`
}

// EvalConfig 控制评审流水线的执行参数。
type EvalConfig struct {
	Workers       int `json:"workers"`
	BudgetSeconds int `json:"budget_seconds"`
	PassThreshold int `json:"pass_threshold"`
}

// Budget 返回单次评审的时间预算。
func (c EvalConfig) Budget() time.Duration {
	if c.BudgetSeconds <= 0 {
		return 0
	}
	return time.Duration(c.BudgetSeconds) * time.Second
}

// JobsConfig 控制任务生命周期的默认参数。
type JobsConfig struct {
	MinPriceUnits         int64 `json:"min_price_units"`
	DefaultMaxRetries     int   `json:"default_max_retries"`
	DefaultMaxSubmissions int   `json:"default_max_submissions"`
	DefaultTTLHours       int   `json:"default_ttl_hours"`
	FeeRateBP             int   `json:"fee_rate_bp"`
}

// DefaultTTL 返回任务的默认有效期。
func (c JobsConfig) DefaultTTL() time.Duration {
	if c.DefaultTTLHours <= 0 {
		return 0
	}
	return time.Duration(c.DefaultTTLHours) * time.Hour
}

// NotifyConfig 控制生命周期事件的对外广播。
type NotifyConfig struct {
	Webhook WebhookConfig `json:"webhook"`
}

// WebhookConfig 描述 webhook 通知端点。
type WebhookConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SweeperConfig 控制过期任务的后台清扫。
type SweeperConfig struct {
	Schedule   string `json:"schedule"`
	BatchLimit int    `json:"batch_limit"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1024
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}

	if c.Settlement.Driver == "" {
		c.Settlement.Driver = "memory"
	}
	if c.Settlement.ChainConfig != "" && !filepath.IsAbs(c.Settlement.ChainConfig) {
		c.Settlement.ChainConfig = filepath.Join(baseDir, c.Settlement.ChainConfig)
	}

	if c.Guard.PatternsFile != "" && !filepath.IsAbs(c.Guard.PatternsFile) {
		c.Guard.PatternsFile = filepath.Join(baseDir, c.Guard.PatternsFile)
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 1m"
	}
	if c.Sweeper.BatchLimit <= 0 {
		c.Sweeper.BatchLimit = 100
	}
}
