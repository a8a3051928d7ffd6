package sshconn

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	stdErrors "errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	xerrors "OpenMCP-Remote/internal/errors"
)

// errKeyTypeMismatch 表示材料本身可解析，但不是当前解析器负责的类型。
var errKeyTypeMismatch = stdErrors.New("key type mismatch")

// keyParser 按固定顺序逐个尝试。解析顺序与认证级联保持一致：RSA → DSA → ECDSA → Ed25519。
type keyParser struct {
	name  string
	parse func(material []byte) (ssh.Signer, error)
}

var keyParsers = []keyParser{
	{name: "rsa", parse: parseTypedKey[*rsa.PrivateKey]},
	{name: "dsa", parse: parseTypedKey[*dsa.PrivateKey]},
	{name: "ecdsa", parse: parseTypedKey[*ecdsa.PrivateKey]},
	{name: "ed25519", parse: parseEd25519Key},
}

func parseTypedKey[T any](material []byte) (ssh.Signer, error) {
	raw, err := ssh.ParseRawPrivateKey(material)
	if err != nil {
		return nil, err
	}
	key, ok := raw.(T)
	if !ok {
		return nil, errKeyTypeMismatch
	}
	return ssh.NewSignerFromKey(key)
}

func parseEd25519Key(material []byte) (ssh.Signer, error) {
	raw, err := ssh.ParseRawPrivateKey(material)
	if err != nil {
		return nil, err
	}
	switch key := raw.(type) {
	case ed25519.PrivateKey:
		return ssh.NewSignerFromKey(key)
	case *ed25519.PrivateKey:
		return ssh.NewSignerFromKey(*key)
	default:
		return nil, errKeyTypeMismatch
	}
}

// ParsePrivateKey 依次尝试每种密钥类型，返回第一个成功的签名器。
// 受口令保护但缺少口令的密钥立即报告，不再继续级联；
// 全部失败时把中间错误汇总进最终的密钥错误。
func ParsePrivateKey(material []byte) (ssh.Signer, error) {
	var attempts []string
	for _, parser := range keyParsers {
		signer, err := parser.parse(material)
		if err == nil {
			return signer, nil
		}
		var missing *ssh.PassphraseMissingError
		if stdErrors.As(err, &missing) {
			return nil, xerrors.Wrap(CodeKeyInvalid, err,
				"private key is passphrase protected and no passphrase was provided")
		}
		if stdErrors.Is(err, errKeyTypeMismatch) {
			attempts = append(attempts, fmt.Sprintf("%s: not a %s key", parser.name, parser.name))
			continue
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", parser.name, err))
	}
	return nil, xerrors.New(CodeKeyInvalid,
		fmt.Sprintf("unable to parse private key (%s)", strings.Join(attempts, "; ")))
}

// resolveAuthMethod 按优先级 password > key content > key path 解析凭据。
func (p ConnectionParams) resolveAuthMethod() (ssh.AuthMethod, error) {
	switch {
	case p.Password != "":
		return ssh.Password(p.Password), nil
	case p.PrivateKey != "":
		signer, err := ParsePrivateKey([]byte(p.PrivateKey))
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	case p.PrivateKeyPath != "":
		path := ExpandUserPath(p.PrivateKeyPath)
		material, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, xerrors.New(CodeKeyInvalid, fmt.Sprintf("key file not found at %s", path))
			}
			return nil, xerrors.Wrap(CodeKeyInvalid, err, fmt.Sprintf("unable to read key file %s", path))
		}
		signer, err := ParsePrivateKey(material)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, xerrors.New(CodeParamsInvalid, "missing credentials: provide password, private_key, or private_key_path")
	}
}
