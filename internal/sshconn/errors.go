package sshconn

import (
	"fmt"

	xerrors "OpenMCP-Remote/internal/errors"
)

const (
	// CodeConnectionFailed 覆盖所有传输层失败：认证被拒、主机不可达、探测失败、命令或文件 IO 失败。
	CodeConnectionFailed xerrors.Code = "SSH_CONNECTION"
	// CodeKeyInvalid 表示私钥材料无法解析，或受口令保护的私钥缺少口令。
	CodeKeyInvalid xerrors.Code = "SSH_KEY"
	// CodeUnknownHostKey 表示远端提供的主机公钥不在信任表中。
	CodeUnknownHostKey xerrors.Code = "SSH_UNKNOWN_HOST_KEY"
	// CodeNotConnected 表示连接对象当前没有可用的传输。
	CodeNotConnected xerrors.Code = "SSH_NOT_CONNECTED"
	// CodeParamsInvalid 表示连接参数校验失败。
	CodeParamsInvalid xerrors.Code = "SSH_PARAMS_INVALID"
	// CodeLocalFileMissing 表示上传前的本地文件检查失败。
	CodeLocalFileMissing xerrors.Code = "SSH_LOCAL_FILE_MISSING"
)

func init() {
	xerrors.Register(CodeConnectionFailed, xerrors.Attributes{
		Message:   "ssh connection failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeKeyInvalid, xerrors.Attributes{
		Message:   "ssh key error",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnknownHostKey, xerrors.Attributes{
		Message:   "unknown ssh host key",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeNotConnected, xerrors.Attributes{
		Message:   "no active ssh connection",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeParamsInvalid, xerrors.Attributes{
		Message:   "invalid ssh connection parameters",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLocalFileMissing, xerrors.Attributes{
		Message:   "local file not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// UnknownHostKeyError 携带构造 add_host_key 补救调用所需的全部信息。
type UnknownHostKeyError struct {
	Host      string
	Port      int
	KeyType   string
	KeyBase64 string
}

// Error 实现 error 接口。
func (e *UnknownHostKeyError) Error() string {
	return fmt.Sprintf("host key for %s:%d is not trusted (%s %s)", e.Host, e.Port, e.KeyType, e.KeyBase64)
}

// connectionError 将传输层失败统一包装，并附带连接 ID 与操作名。
func connectionError(connectionID, op string, cause error) *xerrors.Error {
	return xerrors.Wrap(CodeConnectionFailed, cause,
		fmt.Sprintf("%s failed on %s", op, connectionID),
		xerrors.WithMetadata("connection_id", connectionID),
		xerrors.WithMetadata("operation", op),
	)
}
