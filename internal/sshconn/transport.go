package sshconn

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// CommandResult 保存一次远程命令的输出与退出码。
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Dialer 负责建立一条到远端的 SSH 传输。
type Dialer interface {
	Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error)
}

// Conn 表示一条已建立的 SSH 传输，可在其上执行命令或打开文件传输通道。
type Conn interface {
	Run(ctx context.Context, command string) (CommandResult, error)
	OpenTransfer() (Transfer, error)
	Close() error
}

// Transfer 表示一条按需打开、用完即关的文件传输通道。
type Transfer interface {
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
	ListDirectory(remotePath string) ([]string, error)
	Close() error
}

// NetDialer 是基于 golang.org/x/crypto/ssh 的真实传输实现。
type NetDialer struct{}

var _ Dialer = (*NetDialer)(nil)

// Dial 先用 net.Dialer 建立 TCP 连接再做 SSH 握手，让拨号阶段尊重 ctx 取消。
func (d *NetDialer) Dial(ctx context.Context, addr string, config *ssh.ClientConfig) (Conn, error) {
	dialer := net.Dialer{Timeout: config.Timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, config)
	if err != nil {
		_ = tcpConn.Close()
		return nil, err
	}
	return &clientConn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type clientConn struct {
	client *ssh.Client
}

var _ Conn = (*clientConn)(nil)

// Run 在一个新会话里执行命令。非零退出码不算错误，由上层的策略表决定结果。
func (c *clientConn) Run(ctx context.Context, command string) (CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return CommandResult{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return CommandResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// 关闭会话打断远端命令，等待的 goroutine 随之返回。
		_ = session.Close()
		<-done
		return CommandResult{}, fmt.Errorf("command timed out: %w", ctx.Err())
	case err := <-done:
		result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			var exitErr *ssh.ExitError
			if stdErrors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitStatus()
				return result, nil
			}
			return result, err
		}
		return result, nil
	}
}

func (c *clientConn) OpenTransfer() (Transfer, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &sftpTransfer{client: client}, nil
}

func (c *clientConn) Close() error {
	return c.client.Close()
}

type sftpTransfer struct {
	client *sftp.Client
}

var _ Transfer = (*sftpTransfer)(nil)

func (t *sftpTransfer) Upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := t.client.Create(remotePath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func (t *sftpTransfer) Download(remotePath, localPath string) error {
	src, err := t.client.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func (t *sftpTransfer) ListDirectory(remotePath string) ([]string, error) {
	entries, err := t.client.ReadDir(remotePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (t *sftpTransfer) Close() error {
	return t.client.Close()
}
