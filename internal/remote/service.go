// Package remote 是面向调用方的会话管理服务：校验输入、驱动连接池与
// 主机公钥信任表、生成操作结果文本并发布会话事件。
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/events"
	"OpenMCP-Remote/internal/hostkeys"
	"OpenMCP-Remote/internal/pool"
	"OpenMCP-Remote/internal/sshconn"
	"OpenMCP-Remote/pkg/logger"
)

// connectedSinceLayout 是状态输出里连接时间的格式。
const connectedSinceLayout = "2006-01-02 15:04:05"

// Service 封装全部会话管理操作。
type Service struct {
	pool      *pool.Pool
	hostKeys  *hostkeys.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithPublisher 配置会话事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService 构造会话管理服务。
func NewService(connPool *pool.Pool, hostKeys *hostkeys.Store, opts ...Option) *Service {
	s := &Service{pool: connPool, hostKeys: hostKeys}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ConnectRequest 描述一次连接请求。凭据三选一。
type ConnectRequest struct {
	ConnectionID   string
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     string
	PrivateKeyPath string
}

// Connect 建立一条命名连接。未提供 id 时自动生成；同 id 的已有连接先关闭再替换。
func (s *Service) Connect(ctx context.Context, req ConnectRequest) (string, error) {
	connectionID := strings.TrimSpace(req.ConnectionID)
	if connectionID == "" {
		connectionID = uuid.NewString()
	}

	// 同名连接直接替换。
	if s.pool.Has(connectionID) {
		_ = s.pool.Close(connectionID)
	}

	params := sshconn.ConnectionParams{
		ConnectionID:   connectionID,
		Host:           req.Host,
		Port:           req.Port,
		Username:       req.Username,
		Password:       req.Password,
		PrivateKey:     req.PrivateKey,
		PrivateKeyPath: req.PrivateKeyPath,
	}

	conn, err := s.pool.Create(ctx, params)
	if err != nil {
		return "", err
	}

	if err := conn.Connect(ctx); err != nil {
		s.publishConnectFailure(ctx, conn.Params(), err)
		return "", err
	}

	s.log().Info("SSH 连接建立",
		slog.String("connection_id", connectionID),
		slog.String("host", conn.Params().Host),
		slog.String("username", conn.Params().Username))
	s.publishConnectionEvent(ctx, events.KindConnected, conn.Params(), "")

	return fmt.Sprintf("Connection ID: %s\nSuccessfully connected to %s as %s",
		connectionID, conn.Params().Host, conn.Params().Username), nil
}

// Execute 在指定连接上执行远程命令。
func (s *Service) Execute(ctx context.Context, connectionID, command string, timeout time.Duration, ignoreStderr bool) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "command must not be empty")
	}
	conn, err := s.activeConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	output, err := conn.Execute(ctx, command, timeout, ignoreStderr)
	if err != nil {
		s.publishCommandEvent(ctx, events.KindCommandFailed, conn.Params(), command, err)
		return "", err
	}
	s.publishCommandEvent(ctx, events.KindCommandExecuted, conn.Params(), command, nil)

	return fmt.Sprintf("Output from connection '%s':\n\n%s", connectionID, output), nil
}

// Upload 上传本地文件到远端。本地文件检查先于任何网络调用。
func (s *Service) Upload(ctx context.Context, connectionID, localPath, remotePath string) (string, error) {
	if localPath == "" || remotePath == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "local_path and remote_path must not be empty")
	}
	if !s.pool.Has(connectionID) {
		return "", s.notFoundError(connectionID)
	}

	localPath = sshconn.ExpandUserPath(localPath)
	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerrors.New(sshconn.CodeLocalFileMissing,
				fmt.Sprintf("Local file not found at %s", localPath))
		}
		return "", xerrors.Wrap(xerrors.CodeIOFailure, err, fmt.Sprintf("unable to access %s", localPath))
	}
	if !info.Mode().IsRegular() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a file", localPath))
	}

	conn, err := s.activeConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if err := conn.Upload(ctx, localPath, remotePath); err != nil {
		return "", err
	}
	s.publishTransferEvent(ctx, events.KindFileUploaded, conn.Params(), localPath, remotePath)

	return fmt.Sprintf("File upload successful:\nLocal file: %s\nRemote destination: %s",
		localPath, remotePath), nil
}

// Download 下载远端文件。本地路径展开 ~ 并补齐缺失的父目录。
func (s *Service) Download(ctx context.Context, connectionID, remotePath, localPath string) (string, error) {
	if localPath == "" || remotePath == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "local_path and remote_path must not be empty")
	}
	conn, err := s.activeConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	localPath = sshconn.ExpandUserPath(localPath)
	if dir := filepath.Dir(localPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", xerrors.Wrap(xerrors.CodeIOFailure, err, fmt.Sprintf("create directory %s", dir))
		}
	}

	if err := conn.Download(ctx, remotePath, localPath); err != nil {
		return "", err
	}
	s.publishTransferEvent(ctx, events.KindFileDownloaded, conn.Params(), localPath, remotePath)

	return fmt.Sprintf("File download successful:\nRemote file: %s\nLocal destination: %s",
		remotePath, localPath), nil
}

// ListDirectory 列出远端目录内容。
func (s *Service) ListDirectory(ctx context.Context, connectionID, remotePath string) ([]string, error) {
	conn, err := s.activeConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	return conn.ListDirectory(ctx, remotePath)
}

// Disconnect 断开连接。id 不存在时不算错误。
func (s *Service) Disconnect(ctx context.Context, connectionID string) (string, error) {
	conn := s.pool.Close(connectionID)
	if conn == nil {
		return fmt.Sprintf("Connection ID: %s\nNo active connection to disconnect", connectionID), nil
	}
	s.publishConnectionEvent(ctx, events.KindDisconnected, conn.Params(), "")
	return fmt.Sprintf("Connection ID: %s\nDisconnected from %s", connectionID, conn.Params().Host), nil
}

// Status 返回单条连接的状态信息。已回收但可重建的连接显示为未连接。
func (s *Service) Status(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.pool.Get(ctx, connectionID)
	if err != nil {
		return "", err
	}
	return s.describe(ctx, conn), nil
}

// List 枚举所有已注册连接及其状态。
func (s *Service) List(ctx context.Context) string {
	ids := s.pool.IDs()
	if len(ids) == 0 {
		return "No active SSH connections"
	}

	lines := []string{fmt.Sprintf("Active SSH Connections: %d", len(ids))}
	for _, id := range ids {
		conn, ok := s.pool.Lookup(id)
		if !ok {
			continue
		}
		lines = append(lines, "")
		lines = append(lines, s.describe(ctx, conn))
	}
	return strings.Join(lines, "\n")
}

// AddHostKeyRequest 描述一次信任表写入。
type AddHostKeyRequest struct {
	Host           string
	Key            string
	KeyType        string
	Port           int
	KnownHostsFile string
}

// AddHostKey 把主机公钥写入信任表。已有条目原地替换，否则追加。
func (s *Service) AddHostKey(ctx context.Context, req AddHostKeyRequest) (string, error) {
	host := strings.TrimSpace(req.Host)
	if host == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "host must not be empty")
	}
	if strings.TrimSpace(req.Key) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "key must not be empty")
	}
	port := req.Port
	if port == 0 {
		port = 22
	}

	// NewStore 按规范化路径去重，指定文件（包括缺省文件的其他拼写）
	// 总是落在同一把文件级锁上。
	store := s.hostKeys
	if req.KnownHostsFile != "" {
		store = hostkeys.NewStore(req.KnownHostsFile)
	}

	updated, err := store.Add(host, port, req.KeyType, req.Key)
	if err != nil {
		return "", err
	}

	token := hostkeys.HostToken(host, port)
	event := events.NewEvent(events.KindHostKeyAdded)
	event.Host = host
	event.Port = port
	event.Detail = fmt.Sprintf("host key for %s written to %s", token, store.Path())
	s.publish(ctx, event)

	if updated {
		return fmt.Sprintf("Host key for %s updated in %s", token, store.Path()), nil
	}
	return fmt.Sprintf("Host key for %s successfully added to %s", token, store.Path()), nil
}

// Shutdown 清空连接池。
func (s *Service) Shutdown() {
	s.pool.Clear()
}

// activeConnection 取出已注册且活跃的连接。未注册 → 未找到；注册但不活跃 → 未激活。
// 两种失败都不会产生网络 IO（没有传输句柄的连接探测直接短路）。
func (s *Service) activeConnection(ctx context.Context, connectionID string) (*sshconn.Connection, error) {
	if !s.pool.Has(connectionID) {
		return nil, s.notFoundError(connectionID)
	}
	conn, ok := s.pool.Lookup(connectionID)
	if !ok {
		return nil, s.notFoundError(connectionID)
	}
	if !conn.IsConnected(ctx) {
		return nil, xerrors.New(sshconn.CodeNotConnected,
			fmt.Sprintf("Connection '%s' is not currently active", connectionID),
			xerrors.WithMetadata("connection_id", connectionID))
	}
	return conn, nil
}

func (s *Service) notFoundError(connectionID string) error {
	return xerrors.New(pool.CodeNotFound,
		fmt.Sprintf("Connection ID '%s' not found", connectionID),
		xerrors.WithMetadata("connection_id", connectionID))
}

func (s *Service) describe(ctx context.Context, conn *sshconn.Connection) string {
	params := conn.Params()
	lines := []string{fmt.Sprintf("Connection ID: %s", params.ConnectionID)}
	if conn.IsConnected(ctx) {
		_, since := conn.Snapshot()
		connectedSince := "Unknown"
		if !since.IsZero() {
			connectedSince = since.Format(connectedSinceLayout)
		}
		lines = append(lines,
			"Status: Connected",
			fmt.Sprintf("Host: %s:%d", params.Host, params.Port),
			fmt.Sprintf("Username: %s", params.Username),
			fmt.Sprintf("Connected since: %s", connectedSince),
		)
	} else {
		lines = append(lines, "Status: Not connected")
	}
	return strings.Join(lines, "\n")
}

func (s *Service) publishConnectFailure(ctx context.Context, params sshconn.ConnectionParams, cause error) {
	kind := events.KindConnectFailed
	if xerrors.CodeOf(cause) == sshconn.CodeUnknownHostKey {
		kind = events.KindHostKeyUnknown
	}
	s.publishConnectionEvent(ctx, kind, params, cause.Error())
}

func (s *Service) publishConnectionEvent(ctx context.Context, kind events.Kind, params sshconn.ConnectionParams, detail string) {
	event := events.NewEvent(kind)
	event.ConnectionID = params.ConnectionID
	event.Host = params.Host
	event.Port = params.Port
	event.Username = params.Username
	event.Detail = detail
	if kind == events.KindConnectFailed || kind == events.KindHostKeyUnknown {
		event.ErrorCode = string(sshconn.CodeConnectionFailed)
		if kind == events.KindHostKeyUnknown {
			event.ErrorCode = string(sshconn.CodeUnknownHostKey)
		}
	}
	s.publish(ctx, event)
}

func (s *Service) publishCommandEvent(ctx context.Context, kind events.Kind, params sshconn.ConnectionParams, command string, cause error) {
	event := events.NewEvent(kind)
	event.ConnectionID = params.ConnectionID
	event.Host = params.Host
	event.Port = params.Port
	event.Username = params.Username
	event.Command = command
	if cause != nil {
		event.Detail = cause.Error()
		event.ErrorCode = string(xerrors.CodeOf(cause))
	}
	s.publish(ctx, event)
}

func (s *Service) publishTransferEvent(ctx context.Context, kind events.Kind, params sshconn.ConnectionParams, localPath, remotePath string) {
	event := events.NewEvent(kind)
	event.ConnectionID = params.ConnectionID
	event.Host = params.Host
	event.Port = params.Port
	event.Username = params.Username
	event.Detail = fmt.Sprintf("%s <-> %s", localPath, remotePath)
	s.publish(ctx, event)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log().Warn("会话事件发布失败",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logger.L()
}
