package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenMCP-Remote/internal/api"
	"OpenMCP-Remote/internal/auth"
	"OpenMCP-Remote/internal/config"
	"OpenMCP-Remote/internal/events"
	"OpenMCP-Remote/internal/hostkeys"
	"OpenMCP-Remote/internal/observability/alerting"
	"OpenMCP-Remote/internal/pool"
	"OpenMCP-Remote/internal/remote"
	"OpenMCP-Remote/internal/sshconn"
	"OpenMCP-Remote/internal/storage/mysql"
	"OpenMCP-Remote/pkg/logger"
)

// main 是 OpenRemote 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("openremoted 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENREMOTE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openremote.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
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
	defer func() {
		_ = logger.Sync()
	}()

	dataDir := cfg.Runtime.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	// 初始化主机公钥信任表，并从 YAML 预置可信主机。
	hostKeyStore := hostkeys.NewStore(cfg.SSH.KnownHostsPath)
	if cfg.SSH.TrustedHostsFile != "" {
		defs, err := hostkeys.LoadTrustedHosts(cfg.SSH.TrustedHostsFile)
		if err != nil {
			return err
		}
		added, err := hostKeyStore.Seed(defs)
		if err != nil {
			return err
		}
		if added > 0 {
			logger.L().Info("预置可信主机公钥", slog.Int("added", added))
		}
	}

	var historyRepo mysql.HistoryRepository
	switch cfg.History.Driver {
	case "memory", "":
		repo, err := mysql.NewMemoryHistoryRepository(dataDir)
		if err != nil {
			return err
		}
		historyRepo = repo
	case "mysql":
		repo, err := mysql.NewSQLHistoryRepository(cfg.History.DSN)
		if err != nil {
			return err
		}
		historyRepo = repo
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", cfg.History.Driver)
	}
	defer func() {
		if err := historyRepo.Close(); err != nil {
			log.Printf("关闭历史存储失败: %v", err)
		}
	}()

	var eventQueue events.Queue
	switch cfg.Events.Driver {
	case "", "memory":
		eventQueue = events.NewMemoryQueue(1024)
	case "redis":
		queue, err := events.NewRedisQueue(events.RedisQueueConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Redis.Queue,
		})
		if err != nil {
			return err
		}
		eventQueue = queue
	case "rabbitmq":
		queue, err := events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		eventQueue = queue
	default:
		return fmt.Errorf("未知的事件队列驱动: %s", cfg.Events.Driver)
	}
	defer func() {
		if err := eventQueue.Close(); err != nil {
			log.Printf("关闭事件队列失败: %v", err)
		}
	}()

	recorderOpts := []events.RecorderOption{
		events.WithRecorderWorkerCount(cfg.Events.Workers),
	}
	if cfg.Alerts.Enabled {
		recorderOpts = append(recorderOpts, events.WithAlertDispatcher(alerting.NewFanout(
			&alerting.EmailNotifier{To: cfg.Alerts.EmailTo, SubjectPrefix: "[OpenRemote]"},
			&alerting.SlackNotifier{ChannelID: cfg.Alerts.SlackChannel},
		)))
	}
	recorder := events.NewRecorder(eventQueue, historyRepo, recorderOpts...)

	recorderCtx, recorderCancel := context.WithCancel(ctx)
	defer recorderCancel()

	go func() {
		if err := recorder.Start(recorderCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("会话事件记录器异常退出", slog.Any("error", err))
		}
	}()

	// 连接池工厂：每条连接共享真实拨号器、信任表与统一超时。
	dialer := &sshconn.NetDialer{}
	connOpts := []sshconn.Option{
		sshconn.WithDialTimeout(time.Duration(cfg.SSH.DialTimeoutSeconds) * time.Second),
		sshconn.WithProbeTimeout(time.Duration(cfg.SSH.ProbeTimeoutSeconds) * time.Second),
		sshconn.WithCommandTimeout(time.Duration(cfg.SSH.CommandTimeoutSeconds) * time.Second),
	}
	connPool := pool.New(cfg.SSH.MaxConnections, func(params sshconn.ConnectionParams) *sshconn.Connection {
		return sshconn.New(params, dialer, hostKeyStore, connOpts...)
	})

	service := remote.NewService(connPool, hostKeyStore, remote.WithPublisher(eventQueue))
	defer service.Shutdown()

	authSvc := auth.NewService(auth.Mode(cfg.Auth.Mode), cfg.Auth.Tokens, logger.Audit())

	server := api.NewServer(cfg.Server.Address, service,
		api.WithHistory(historyRepo),
		api.WithAuth(authSvc),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
