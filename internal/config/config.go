package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 OpenRemote 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	SSH     SSHConfig     `json:"ssh"`
	History HistoryConfig `json:"history"`
	Events  EventsConfig  `json:"events"`
	Alerts  AlertsConfig  `json:"alerts"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 配置访问令牌。Tokens 是 token → 主体名 的映射。
type AuthConfig struct {
	Mode   string            `json:"mode"`
	Tokens map[string]string `json:"tokens"`
}

// SSHConfig 控制连接池与 SSH 会话的行为。
type SSHConfig struct {
	MaxConnections        int    `json:"max_connections"`
	KnownHostsPath        string `json:"known_hosts_path"`
	TrustedHostsFile      string `json:"trusted_hosts_file"`
	DialTimeoutSeconds    int    `json:"dial_timeout_seconds"`
	ProbeTimeoutSeconds   int    `json:"probe_timeout_seconds"`
	CommandTimeoutSeconds int    `json:"command_timeout_seconds"`
}

// HistoryConfig 描述会话事件历史的存储后端。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// EventsConfig 描述事件队列的驱动与连接参数。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AlertsConfig 配置安全事件告警渠道。
type AlertsConfig struct {
	Enabled      bool     `json:"enabled"`
	EmailTo      []string `json:"email_to"`
	SlackChannel string   `json:"slack_channel"`
}

// LoggingConfig 控制日志输出与审计日志。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.SSH.MaxConnections <= 0 {
		c.SSH.MaxConnections = 5
	}
	if c.SSH.DialTimeoutSeconds <= 0 {
		c.SSH.DialTimeoutSeconds = 10
	}
	if c.SSH.ProbeTimeoutSeconds <= 0 {
		c.SSH.ProbeTimeoutSeconds = 5
	}
	if c.SSH.CommandTimeoutSeconds <= 0 {
		c.SSH.CommandTimeoutSeconds = 30
	}
	if c.SSH.TrustedHostsFile != "" && !filepath.IsAbs(c.SSH.TrustedHostsFile) {
		c.SSH.TrustedHostsFile = filepath.Join(baseDir, c.SSH.TrustedHostsFile)
	}

	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
