// Package hostkeys 维护 host[:port] 到可信主机公钥的持久映射。
// 信任只能通过显式 Add 建立，没有任何首次连接自动信任的路径。
package hostkeys

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	xerrors "OpenMCP-Remote/internal/errors"
)

// DefaultKeyType 是未指定时假定的主机公钥类型。
const DefaultKeyType = "ssh-rsa"

// DefaultPath 返回约定俗成的 known_hosts 路径。
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh/known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// HostToken 格式化条目的主机标识：22 端口直接用 host，否则 [host]:port。
func HostToken(host string, port int) string {
	if port == 22 || port == 0 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// Entry 表示文件中的一行信任记录。
type Entry struct {
	Token     string
	KeyType   string
	KeyBase64 string
}

// Store 是基于 known_hosts 格式文件的主机公钥信任表。
// 文件在每次 Add 时整体读出再写回，单个文件级互斥锁串行化所有写入。
type Store struct {
	path string
	mu   sync.Mutex
}

var (
	storesMu sync.Mutex
	stores   = make(map[string]*Store)
)

// NewStore 返回指向该文件的信任表。path 为空时使用缺省路径，前缀 ~ 会被展开。
// 路径规范化后同一文件永远返回同一个 Store，文件级锁因此全局唯一；
// 不同拼写（相对段、~ 前缀）不会绕开已有实例的锁。
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	path = filepath.Clean(expandUserPath(path))

	storesMu.Lock()
	defer storesMu.Unlock()
	if store, ok := stores[path]; ok {
		return store
	}
	store := &Store{path: path}
	stores[path] = store
	return store
}

// Path 返回信任表的文件路径。
func (s *Store) Path() string {
	return s.path
}

// Verify 判定远端提供的公钥是否与信任表中的记录一致。
// 纯查找：不存在的文件视作空表，绝不隐式写入。
func (s *Store) Verify(host string, port int, key ssh.PublicKey) (bool, error) {
	entries, err := s.load()
	if err != nil {
		return false, err
	}
	token := HostToken(host, port)
	offered := base64.StdEncoding.EncodeToString(key.Marshal())
	for _, entry := range entries {
		if entry.Token == token && entry.KeyType == key.Type() && entry.KeyBase64 == offered {
			return true, nil
		}
	}
	return false, nil
}

// Lookup 返回某 host[:port] 的信任记录。
func (s *Store) Lookup(host string, port int) (Entry, bool, error) {
	entries, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	token := HostToken(host, port)
	for _, entry := range entries {
		if entry.Token == token {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

// Add 写入或替换一条信任记录。已有同 token 的行原地替换（文件行数不变），
// 否则追加一行。文件与父目录不存在时创建。返回是否为替换。
func (s *Store) Add(host string, port int, keyType, keyBase64 string) (bool, error) {
	if host == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "host must not be empty")
	}
	if keyBase64 == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "key must not be empty")
	}
	if keyType == "" {
		keyType = DefaultKeyType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lines, err := s.readLines()
	if err != nil {
		return false, err
	}

	token := HostToken(host, port)
	newLine := fmt.Sprintf("%s %s %s", token, keyType, keyBase64)
	updated := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 1 && fields[0] == token {
			lines[i] = newLine
			updated = true
			break
		}
	}
	if !updated {
		lines = append(lines, newLine)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return false, xerrors.Wrap(xerrors.CodeIOFailure, err, "create known_hosts directory")
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(s.path, []byte(content), 0o600); err != nil {
		return false, xerrors.Wrap(xerrors.CodeIOFailure, err, "write known_hosts file")
	}
	return updated, nil
}

// load 解析信任表。跳过空行和注释行，宽容多余字段。
func (s *Store) load() ([]Entry, error) {
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, Entry{Token: fields[0], KeyType: fields[1], KeyBase64: fields[2]})
	}
	return entries, nil
}

func (s *Store) readLines() ([]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeIOFailure, err, "read known_hosts file")
	}
	raw := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func expandUserPath(path string) string {
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
