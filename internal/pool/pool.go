// Package pool 维护按 id 索引的 SSH 连接注册表，带容量上限和空闲回收。
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/sshconn"
)

const (
	// CodeExhausted 表示空闲回收之后连接池仍然已满。
	CodeExhausted xerrors.Code = "SSH_POOL_EXHAUSTED"
	// CodeNotFound 表示 id 既没有注册的连接也没有可供重建的参数。
	CodeNotFound xerrors.Code = "SSH_CONNECTION_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeExhausted, xerrors.Attributes{
		Message:   "connection pool exhausted",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "ssh connection not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// DefaultMaxConnections 是未配置时的连接池容量。
const DefaultMaxConnections = 5

// Factory 根据参数构造一条未连接的 SSHConnection，由上层注入拨号器与信任表。
type Factory func(params sshconn.ConnectionParams) *sshconn.Connection

// Pool 是有容量上限的连接注册表。params 与 connections 分开存储：
// 连接被空闲回收后参数仍然保留，支持之后按 id 透明重建。
// 注册表操作只持有池级锁，活性探测在快照上进行，绝不阻塞其他 id 上的命令。
type Pool struct {
	mu             sync.Mutex
	connections    map[string]*sshconn.Connection
	params         map[string]sshconn.ConnectionParams
	maxConnections int
	factory        Factory
}

// New 构造连接池。maxConnections <= 0 时使用缺省容量。
func New(maxConnections int, factory Factory) *Pool {
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	return &Pool{
		connections:    make(map[string]*sshconn.Connection),
		params:         make(map[string]sshconn.ConnectionParams),
		maxConnections: maxConnections,
		factory:        factory,
	}
}

// Has 只检查注册表成员资格，不做活性检查。
func (p *Pool) Has(connectionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.connections[connectionID]
	return ok
}

// Size 返回当前注册的连接数。
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// MaxConnections 返回容量上限。
func (p *Pool) MaxConnections() int {
	return p.maxConnections
}

// Get 返回注册的连接。连接已被回收但参数仍在时，按原参数重建并注册，
// 但不自动重连，调用方必须显式 Connect。两者都没有时返回未找到。
func (p *Pool) Get(ctx context.Context, connectionID string) (*sshconn.Connection, error) {
	p.mu.Lock()
	if conn, ok := p.connections[connectionID]; ok {
		p.mu.Unlock()
		return conn, nil
	}
	params, ok := p.params[connectionID]
	p.mu.Unlock()
	if !ok {
		return nil, xerrors.New(CodeNotFound,
			fmt.Sprintf("connection '%s' not found", connectionID),
			xerrors.WithMetadata("connection_id", connectionID))
	}
	return p.Create(ctx, params)
}

// Create 注册一条新连接。先回收空闲槽位，仍然满员时报容量错误。
// 同 id 已注册时原连接被挤出并断开，不占用新的容量配额。
// 参数校验失败时清掉为该 id 暂存的参数再带上下文返回。
func (p *Pool) Create(ctx context.Context, params sshconn.ConnectionParams) (*sshconn.Connection, error) {
	params = params.Normalize()
	p.CloseIdle(ctx)

	p.mu.Lock()
	displaced, replacing := p.connections[params.ConnectionID]
	if !replacing && len(p.connections) >= p.maxConnections {
		p.mu.Unlock()
		return nil, xerrors.New(CodeExhausted,
			fmt.Sprintf("connection pool at capacity (%d)", p.maxConnections))
	}

	p.params[params.ConnectionID] = params
	if err := params.Validate(); err != nil {
		delete(p.params, params.ConnectionID)
		p.mu.Unlock()
		return nil, xerrors.Wrap(xerrors.CodeOf(err), err,
			fmt.Sprintf("invalid parameters for connection '%s'", params.ConnectionID),
			xerrors.WithMetadata("connection_id", params.ConnectionID))
	}

	conn := p.factory(params)
	p.connections[params.ConnectionID] = conn
	p.mu.Unlock()

	// 断开在池锁之外做，避免被挤出连接上的慢命令阻塞注册表。
	if replacing {
		displaced.Disconnect()
	}
	return conn, nil
}

// CloseIdle 回收所有活性探测失败的连接，返回回收数量。参数保留以便重建。
// 探测在注册表快照上进行，不持有池级锁。
func (p *Pool) CloseIdle(ctx context.Context) int {
	p.mu.Lock()
	snapshot := make(map[string]*sshconn.Connection, len(p.connections))
	for id, conn := range p.connections {
		snapshot[id] = conn
	}
	p.mu.Unlock()

	dead := make(map[string]*sshconn.Connection)
	for id, conn := range snapshot {
		if !conn.IsConnected(ctx) {
			conn.Disconnect()
			dead[id] = conn
		}
	}
	if len(dead) == 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for id, conn := range dead {
		// 探测期间可能已被替换成新连接，只移除同一个对象。
		if current, ok := p.connections[id]; ok && current == conn {
			delete(p.connections, id)
			evicted++
		}
	}
	return evicted
}

// Close 断开并从注册表移除一条连接，参数保留。id 不存在时返回 nil。
func (p *Pool) Close(connectionID string) *sshconn.Connection {
	p.mu.Lock()
	conn, ok := p.connections[connectionID]
	if ok {
		delete(p.connections, connectionID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	conn.Disconnect()
	return conn
}

// CloseAndRemove 完整拆除：断开、移除注册表项并清掉参数，之后无法重建。
func (p *Pool) CloseAndRemove(connectionID string) {
	p.Close(connectionID)
	p.mu.Lock()
	delete(p.params, connectionID)
	p.mu.Unlock()
}

// CloseAll 断开并移除所有连接，参数保留。
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]*sshconn.Connection, 0, len(p.connections))
	for _, conn := range p.connections {
		conns = append(conns, conn)
	}
	p.connections = make(map[string]*sshconn.Connection)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect()
	}
}

// Clear 在 CloseAll 的基础上清空所有暂存参数，用于进程收尾。
func (p *Pool) Clear() {
	p.CloseAll()
	p.mu.Lock()
	p.params = make(map[string]sshconn.ConnectionParams)
	p.mu.Unlock()
}

// IDs 返回已注册连接 id 的有序列表。
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.connections))
	for id := range p.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup 返回已注册的连接，不触发重建。
func (p *Pool) Lookup(connectionID string) (*sshconn.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.connections[connectionID]
	return conn, ok
}
