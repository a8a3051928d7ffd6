package sshconn

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	xerrors "OpenMCP-Remote/internal/errors"
)

// State 表示连接状态机的当前状态。
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	// probeCommand 是活性探测命令。保持为常量，便于非 shell 传输整体替换。
	probeCommand  = "echo 1"
	probeExpected = "1"

	// DefaultProbeTimeout 是单次活性探测的超时。
	DefaultProbeTimeout = 5 * time.Second
	// DefaultCommandTimeout 是未指定超时时远程命令的缺省超时。
	DefaultCommandTimeout = 30 * time.Second
	// DefaultDialTimeout 是建立传输的缺省超时。
	DefaultDialTimeout = 10 * time.Second
)

// HostKeyVerifier 判定远端提供的主机公钥是否可信。只读，不做任何隐式信任。
type HostKeyVerifier interface {
	Verify(host string, port int, key ssh.PublicKey) (bool, error)
}

// Connection 表示一条逻辑 SSH 会话，持有传输句柄并串行化其上的所有操作。
type Connection struct {
	params   ConnectionParams
	dialer   Dialer
	verifier HostKeyVerifier

	probeTimeout   time.Duration
	commandTimeout time.Duration
	dialTimeout    time.Duration

	mu             sync.Mutex
	conn           Conn
	state          State
	connectedSince time.Time
}

// Option 定义连接的可选配置。
type Option func(*Connection)

// WithProbeTimeout 覆盖活性探测超时。
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithCommandTimeout 覆盖命令执行的缺省超时。
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.commandTimeout = d
		}
	}
}

// WithDialTimeout 覆盖建立传输的超时。
func WithDialTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// New 构造一条处于 Disconnected 状态的连接。
func New(params ConnectionParams, dialer Dialer, verifier HostKeyVerifier, opts ...Option) *Connection {
	c := &Connection{
		params:         params,
		dialer:         dialer,
		verifier:       verifier,
		probeTimeout:   DefaultProbeTimeout,
		commandTimeout: DefaultCommandTimeout,
		dialTimeout:    DefaultDialTimeout,
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Params 返回构造时的连接参数。
func (c *Connection) Params() ConnectionParams {
	return c.params
}

// ID 返回连接标识。
func (c *Connection) ID() string {
	return c.params.ConnectionID
}

// Snapshot 返回当前状态与连接建立时间，不触发探测。
func (c *Connection) Snapshot() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.connectedSince
}

// Connect 建立传输：解析凭据、校验主机公钥、握手、活性探测。
// 重复调用会先断开已有传输再重连。步骤 3-5 的任何失败都让对象落回 Disconnected。
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.state = StateConnecting

	auth, err := c.params.resolveAuthMethod()
	if err != nil {
		c.state = StateDisconnected
		return err
	}

	// 主机公钥只有在握手阶段才拿得到，所以校验放在回调里；
	// 回调产生的错误经由握手错误层层包装后不保证可解包，
	// 失败时优先返回回调暂存的原始错误。
	var unknownKey error
	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		known, verifyErr := c.verifier.Verify(c.params.Host, c.params.Port, key)
		if verifyErr != nil {
			unknownKey = xerrors.Wrap(xerrors.CodeIOFailure, verifyErr, "host key lookup failed")
			return unknownKey
		}
		if !known {
			unknownKey = xerrors.Wrap(CodeUnknownHostKey, &UnknownHostKeyError{
				Host:      c.params.Host,
				Port:      c.params.Port,
				KeyType:   key.Type(),
				KeyBase64: base64.StdEncoding.EncodeToString(key.Marshal()),
			}, fmt.Sprintf("host key for %s is not trusted", c.params.Addr()),
				xerrors.WithMetadata("connection_id", c.params.ConnectionID),
				xerrors.WithMetadata("host", c.params.Host),
			)
			return unknownKey
		}
		return nil
	}

	config := &ssh.ClientConfig{
		User:            c.params.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: callback,
		Timeout:         c.dialTimeout,
	}

	conn, err := c.dialer.Dial(ctx, c.params.Addr(), config)
	if err != nil {
		c.state = StateDisconnected
		if unknownKey != nil {
			return unknownKey
		}
		return connectionError(c.params.ConnectionID, "connect", err)
	}

	if err := c.probe(ctx, conn); err != nil {
		_ = conn.Close()
		c.state = StateDisconnected
		return xerrors.Wrap(CodeConnectionFailed, err, "connection test failed",
			xerrors.WithMetadata("connection_id", c.params.ConnectionID))
	}

	c.conn = conn
	c.state = StateConnected
	c.connectedSince = time.Now()
	return nil
}

// probe 执行一次活性探测。不持有锁的前提由调用方保证。
func (c *Connection) probe(ctx context.Context, conn Conn) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	result, err := conn.Run(probeCtx, probeCommand)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("probe exited with status %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != probeExpected {
		return fmt.Errorf("unexpected probe output %q", result.Stdout)
	}
	return nil
}

// IsConnected 重新探测而不是信任缓存标志。探测失败会自愈：清理传输句柄后返回 false。
func (c *Connection) IsConnected(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnectedLocked(ctx)
}

// isConnectedLocked 在没有传输句柄时直接返回 false，不产生任何网络 IO。
func (c *Connection) isConnectedLocked(ctx context.Context) bool {
	if c.conn == nil || c.state != StateConnected {
		return false
	}
	if err := c.probe(ctx, c.conn); err != nil {
		c.resetLocked()
		return false
	}
	return true
}

// Execute 执行远程命令并应用退出码/标准错误策略表。
// timeout <= 0 时使用缺省命令超时。传输层异常触发重置。
func (c *Connection) Execute(ctx context.Context, command string, timeout time.Duration, ignoreStderr bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked(ctx) {
		return "", c.notConnectedError()
	}
	if timeout <= 0 {
		timeout = c.commandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.conn.Run(runCtx, command)
	if err != nil {
		c.resetLocked()
		return "", connectionError(c.params.ConnectionID, "execute", err)
	}

	combined := result.Stdout
	if result.Stderr != "" {
		combined = result.Stdout + "\n[stderr]: " + result.Stderr
	}
	switch {
	case result.ExitCode == 0:
		return combined, nil
	case ignoreStderr:
		return combined, nil
	case result.Stderr != "":
		return "", xerrors.New(CodeConnectionFailed,
			fmt.Sprintf("command exited with status %d: %s", result.ExitCode, result.Stderr),
			xerrors.WithMetadata("connection_id", c.params.ConnectionID),
			xerrors.WithMetadata("exit_code", fmt.Sprintf("%d", result.ExitCode)))
	default:
		return "", xerrors.New(CodeConnectionFailed,
			fmt.Sprintf("command exited with status %d", result.ExitCode),
			xerrors.WithMetadata("connection_id", c.params.ConnectionID),
			xerrors.WithMetadata("exit_code", fmt.Sprintf("%d", result.ExitCode)))
	}
}

// Upload 上传本地文件。先检查本地文件存在性，再打开文件传输通道。
func (c *Connection) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked(ctx) {
		return c.notConnectedError()
	}

	info, err := os.Stat(localPath)
	if err != nil {
		if os.IsNotExist(err) {
			return xerrors.New(CodeLocalFileMissing, fmt.Sprintf("local file not found: %s", localPath))
		}
		return xerrors.Wrap(xerrors.CodeIOFailure, err, fmt.Sprintf("unable to access local file %s", localPath))
	}
	if info.IsDir() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is a directory, not a file", localPath))
	}

	return c.withTransferLocked("upload", func(transfer Transfer) error {
		return transfer.Upload(localPath, remotePath)
	})
}

// Download 下载远端文件到本地路径。
func (c *Connection) Download(ctx context.Context, remotePath, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked(ctx) {
		return c.notConnectedError()
	}

	return c.withTransferLocked("download", func(transfer Transfer) error {
		return transfer.Download(remotePath, localPath)
	})
}

// ListDirectory 列出远端目录内容。
func (c *Connection) ListDirectory(ctx context.Context, remotePath string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked(ctx) {
		return nil, c.notConnectedError()
	}

	var names []string
	err := c.withTransferLocked("list_directory", func(transfer Transfer) error {
		var listErr error
		names, listErr = transfer.ListDirectory(remotePath)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// withTransferLocked 按需打开文件传输通道并保证任何退出路径都会关闭它。
// 通道级异常触发重置。
func (c *Connection) withTransferLocked(op string, fn func(Transfer) error) error {
	transfer, err := c.conn.OpenTransfer()
	if err != nil {
		c.resetLocked()
		return connectionError(c.params.ConnectionID, op, err)
	}
	defer transfer.Close()

	if err := fn(transfer); err != nil {
		c.resetLocked()
		return connectionError(c.params.ConnectionID, op, err)
	}
	return nil
}

// Disconnect 幂等断开，吞掉关闭错误。
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Connection) resetLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.connectedSince = time.Time{}
}

func (c *Connection) notConnectedError() error {
	return xerrors.New(CodeNotConnected,
		fmt.Sprintf("connection '%s' is not currently active", c.params.ConnectionID),
		xerrors.WithMetadata("connection_id", c.params.ConnectionID))
}
