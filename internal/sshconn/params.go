package sshconn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Remote/internal/errors"
)

// DefaultPort 是未显式指定端口时使用的 SSH 端口。
const DefaultPort = 22

// ConnectionParams 描述一条期望建立的 SSH 会话。
// 三种凭据字段（Password / PrivateKey / PrivateKeyPath）必须恰好提供一种。
type ConnectionParams struct {
	ConnectionID   string
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     string
	PrivateKeyPath string
}

// Normalize 填充缺省端口并裁剪两端空白。
func (p ConnectionParams) Normalize() ConnectionParams {
	p.ConnectionID = strings.TrimSpace(p.ConnectionID)
	p.Host = strings.TrimSpace(p.Host)
	p.Username = strings.TrimSpace(p.Username)
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	return p
}

// Validate 校验参数完整性。凭据字段必须恰好提供一种。
func (p ConnectionParams) Validate() error {
	if p.ConnectionID == "" {
		return xerrors.New(CodeParamsInvalid, "connection_id must not be empty")
	}
	if p.Host == "" {
		return xerrors.New(CodeParamsInvalid, "host must not be empty")
	}
	if p.Username == "" {
		return xerrors.New(CodeParamsInvalid, "username must not be empty")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return xerrors.New(CodeParamsInvalid, fmt.Sprintf("invalid port %d", p.Port))
	}
	credentials := 0
	for _, v := range []string{p.Password, p.PrivateKey, p.PrivateKeyPath} {
		if v != "" {
			credentials++
		}
	}
	switch {
	case credentials == 0:
		return xerrors.New(CodeParamsInvalid, "missing credentials: provide password, private_key, or private_key_path")
	case credentials > 1:
		return xerrors.New(CodeParamsInvalid, "conflicting credentials: provide exactly one of password, private_key, private_key_path")
	}
	return nil
}

// Addr 返回 host:port 形式的拨号地址。
func (p ConnectionParams) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ExpandUserPath 将前缀 ~ 展开为当前用户的家目录。
func ExpandUserPath(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
