package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHORUS_CONFIG"

// DefaultPath 是未设置 CHORUS_CONFIG 时使用的配置文件。
const DefaultPath = "configs/chorus.json"

// Config 描述了 chorusd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Events    EventsConfig    `json:"events"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Ledger    LedgerConfig    `json:"ledger"`
	Pipelines PipelinesConfig `json:"pipelines"`
	Run       RunConfig       `json:"run"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
	// PublicURL 是其他进程访问本服务的地址，用于生成回调地址。
	PublicURL       string   `json:"public_url"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
	// RequireOwner 为 true 时写请求必须携带 X-Chorus-Owner。
	RequireOwner bool `json:"require_owner"`
}

// StorageConfig 描述持久化后端。driver 为 memory、mysql 或 postgres。
type StorageConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	DSNEnv          string   `json:"dsn_env"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
	SkipMigrations  bool     `json:"skip_migrations"`
}

// QueueConfig 描述运行队列。driver 为 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver string `json:"driver"`
	// MaxAttempts 是一条运行消息进入死信前的最大处理次数。
	MaxAttempts int            `json:"max_attempts"`
	Redis       RedisConfig    `json:"redis"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address     string   `json:"address"`
	Password    string   `json:"password"`
	PasswordEnv string   `json:"password_env"`
	DB          int      `json:"db"`
	Queue       string   `json:"queue"`
	BlockWait   Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL    string `json:"url"`
	URLEnv string `json:"url_env"`
	Queue  string `json:"queue"`
}

// EventsConfig 控制流水线事件的发布。启用后事件通过 Redis PUBLISH 推送。
type EventsConfig struct {
	Enabled bool        `json:"enabled"`
	Prefix  string      `json:"prefix"`
	Redis   RedisConfig `json:"redis"`
}

// DispatchConfig 控制任务派发。
type DispatchConfig struct {
	Timeout Duration `json:"timeout"`
	// CallbackBaseURL 为空时使用 server.public_url。
	CallbackBaseURL string `json:"callback_base_url"`
	// DemoAgents 为 true 时在进程内挂载内置示例 Agent（echo、analyze_text、calculate）。
	DemoAgents bool `json:"demo_agents"`
}

// LedgerConfig 控制账本。
type LedgerConfig struct {
	// InitialBalance 是新账户的初始额度，单位为 credits。
	InitialBalance float64 `json:"initial_balance"`
}

// PipelinesConfig 指定启动时加载的 YAML 流水线目录。
type PipelinesConfig struct {
	Dir string `json:"dir"`
}

// RunConfig 控制异步运行的 worker。
type RunConfig struct {
	Workers     int      `json:"workers"`
	NodeTimeout Duration `json:"node_timeout"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// MetricsConfig 控制 /metrics 的暴露方式。address 非空时额外启动独立的监听。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// Duration 支持 "5s" 形式的字符串或以纳秒表示的数字。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 解析字符串或数字。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		if strings.TrimSpace(v) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长 %s", string(data))
	}
	return nil
}

// PathFromEnv 返回 CHORUS_CONFIG 指定的路径，未设置时返回默认路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
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
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅使用内存后端的默认配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://127.0.0.1" + portOf(c.Server.Address)
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(60 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Redis.Address == "" {
		c.Queue.Redis.Address = "127.0.0.1:6379"
	}
	if c.Events.Redis.Address == "" {
		c.Events.Redis = c.Queue.Redis
	}
	if c.Events.Prefix == "" {
		c.Events.Prefix = "chorus:runs"
	}

	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = Duration(30 * time.Second)
	}
	if c.Dispatch.CallbackBaseURL == "" {
		c.Dispatch.CallbackBaseURL = strings.TrimRight(c.Server.PublicURL, "/")
	}
	if c.Ledger.InitialBalance <= 0 {
		c.Ledger.InitialBalance = 100
	}

	if c.Pipelines.Dir == "" {
		c.Pipelines.Dir = filepath.Join(baseDir, "pipelines")
	} else if !filepath.IsAbs(c.Pipelines.Dir) {
		c.Pipelines.Dir = filepath.Join(baseDir, c.Pipelines.Dir)
	}

	if c.Run.Workers <= 0 {
		c.Run.Workers = 4
	}
	if c.Run.NodeTimeout <= 0 {
		c.Run.NodeTimeout = c.Dispatch.Timeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// applyEnv 使用环境变量覆盖敏感配置。
func (c *Config) applyEnv() {
	if v := envValue(c.Storage.DSNEnv); v != "" {
		c.Storage.DSN = v
	}
	if v := envValue(c.Queue.Redis.PasswordEnv); v != "" {
		c.Queue.Redis.Password = v
	}
	if v := envValue(c.Events.Redis.PasswordEnv); v != "" {
		c.Events.Redis.Password = v
	}
	if v := envValue(c.Queue.RabbitMQ.URLEnv); v != "" {
		c.Queue.RabbitMQ.URL = v
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.driver=%s 需要 dsn 或 dsn_env", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("不支持的 storage.driver %q", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
			return errors.New("queue.driver=rabbitmq 需要 rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的 queue.driver %q", c.Queue.Driver)
	}
	if c.Queue.Driver != "memory" && c.Storage.Driver == "memory" {
		return errors.New("跨进程队列需要共享存储，请同时配置 mysql 或 postgres")
	}
	return nil
}

func envValue(name string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}

func portOf(addr string) string {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[idx:]
	}
	return ":8080"
}
