package pool

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/sshconn"
)

// stubConn 的健康状态可以在测试中途翻转，用来模拟远端掉线。
type stubConn struct {
	healthy bool
	closed  bool
}

func (c *stubConn) Run(_ context.Context, command string) (sshconn.CommandResult, error) {
	if !c.healthy {
		return sshconn.CommandResult{}, stdErrors.New("connection lost")
	}
	return sshconn.CommandResult{Stdout: "1\n"}, nil
}

func (c *stubConn) OpenTransfer() (sshconn.Transfer, error) {
	return nil, stdErrors.New("not implemented")
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

type stubDialer struct {
	conns map[string]*stubConn
}

func (d *stubDialer) Dial(_ context.Context, addr string, _ *ssh.ClientConfig) (sshconn.Conn, error) {
	conn, ok := d.conns[addr]
	if !ok {
		conn = &stubConn{healthy: true}
		d.conns[addr] = conn
	}
	return conn, nil
}

type allowAll struct{}

func (allowAll) Verify(string, int, ssh.PublicKey) (bool, error) { return true, nil }

func newTestPool(max int) (*Pool, *stubDialer) {
	dialer := &stubDialer{conns: make(map[string]*stubConn)}
	factory := func(params sshconn.ConnectionParams) *sshconn.Connection {
		return sshconn.New(params, dialer, allowAll{})
	}
	return New(max, factory), dialer
}

func params(id, host string) sshconn.ConnectionParams {
	return sshconn.ConnectionParams{
		ConnectionID: id,
		Host:         host,
		Port:         22,
		Username:     "deploy",
		Password:     "secret",
	}
}

func TestCreateAndHas(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	if p.Has("a") {
		t.Fatal("empty pool claims membership")
	}
	conn, err := p.Create(ctx, params("a", "h1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !p.Has("a") {
		t.Fatal("created connection not registered")
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if p.Size() != 1 {
		t.Fatalf("size = %d", p.Size())
	}
}

func TestCreateValidationPurgesParams(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	bad := sshconn.ConnectionParams{ConnectionID: "bad", Host: "h", Username: "u"}
	_, err := p.Create(ctx, bad)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if xerrors.CodeOf(err) != sshconn.CodeParamsInvalid {
		t.Fatalf("code = %s", xerrors.CodeOf(err))
	}

	// 暂存参数已清除，Get 必须报未找到而不是重建。
	_, err = p.Get(ctx, "bad")
	if xerrors.CodeOf(err) != CodeNotFound {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
}

func TestGetNotFound(t *testing.T) {
	p, _ := newTestPool(2)
	_, err := p.Get(context.Background(), "ghost")
	if xerrors.CodeOf(err) != CodeNotFound {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
}

func TestCapacityScenario(t *testing.T) {
	p, dialer := newTestPool(1)
	ctx := context.Background()

	connA, err := p.Create(ctx, params("a", "h1"))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := connA.Connect(ctx); err != nil {
		t.Fatalf("connect a: %v", err)
	}

	// a 仍然活着，b 必须被容量拒绝。
	_, err = p.Create(ctx, params("b", "h2"))
	if xerrors.CodeOf(err) != CodeExhausted {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}

	// a 掉线后空闲回收腾出槽位，b 创建成功。
	dialer.conns["h1:22"].healthy = false
	if _, err := p.Create(ctx, params("b", "h2")); err != nil {
		t.Fatalf("create b after reclaim: %v", err)
	}
	if p.Has("a") {
		t.Fatal("dead connection a still registered")
	}
	if !p.Has("b") {
		t.Fatal("b not registered")
	}
	if p.Size() > p.MaxConnections() {
		t.Fatalf("size %d exceeds capacity %d", p.Size(), p.MaxConnections())
	}
}

func TestCloseIdleEvictsExactlyTheDead(t *testing.T) {
	p, dialer := newTestPool(3)
	ctx := context.Background()

	for _, tc := range []struct{ id, host string }{
		{"a", "h1"}, {"b", "h2"}, {"c", "h3"},
	} {
		conn, err := p.Create(ctx, params(tc.id, tc.host))
		if err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", tc.id, err)
		}
	}

	dialer.conns["h2:22"].healthy = false
	evicted := p.CloseIdle(ctx)
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if p.Has("b") {
		t.Fatal("dead connection b still registered")
	}
	if !p.Has("a") || !p.Has("c") {
		t.Fatal("healthy connections were evicted")
	}
}

func TestRecreationPreservesParams(t *testing.T) {
	p, dialer := newTestPool(2)
	ctx := context.Background()

	original := params("a", "h1")
	original.Port = 2222
	conn, err := p.Create(ctx, original)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	dialer.conns["h1:2222"].healthy = false
	if evicted := p.CloseIdle(ctx); evicted != 1 {
		t.Fatalf("evicted = %d", evicted)
	}

	recreated, err := p.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := recreated.Params()
	if got.Host != "h1" || got.Port != 2222 || got.Username != "deploy" || got.Password != "secret" {
		t.Fatalf("params round-trip = %+v", got)
	}
	// 重建不自动重连。
	if recreated.IsConnected(ctx) {
		t.Fatal("recreated connection must start disconnected")
	}
}

func TestCloseRetainsParams(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	conn, err := p.Create(ctx, params("a", "h1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	closed := p.Close("a")
	if closed == nil {
		t.Fatal("close returned nil for registered id")
	}
	if p.Has("a") {
		t.Fatal("closed connection still registered")
	}
	if p.Close("a") != nil {
		t.Fatal("second close must return nil")
	}

	// 参数仍在，可以重建。
	if _, err := p.Get(ctx, "a"); err != nil {
		t.Fatalf("get after close: %v", err)
	}
}

func TestCloseAndRemovePurgesParams(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	if _, err := p.Create(ctx, params("a", "h1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.CloseAndRemove("a")

	_, err := p.Get(ctx, "a")
	if xerrors.CodeOf(err) != CodeNotFound {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
}

func TestClearEmptiesEverything(t *testing.T) {
	p, _ := newTestPool(3)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		conn, err := p.Create(ctx, params(id, "h-"+id))
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
	}
	p.Clear()
	if p.Size() != 0 {
		t.Fatalf("size = %d", p.Size())
	}
	for _, id := range []string{"a", "b"} {
		if _, err := p.Get(ctx, id); xerrors.CodeOf(err) != CodeNotFound {
			t.Fatalf("%s: %v", id, err)
		}
	}
}

func TestIDsSorted(t *testing.T) {
	p, _ := newTestPool(3)
	ctx := context.Background()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		conn, err := p.Create(ctx, params(id, "h-"+id))
		if err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
	}
	ids := p.IDs()
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "bravo" || ids[2] != "charlie" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestCreateReplacesSameIDWithoutCapacityOrLeak(t *testing.T) {
	p, dialer := newTestPool(1)
	ctx := context.Background()

	connA, err := p.Create(ctx, params("a", "h1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := connA.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	old := dialer.conns["h1:22"]

	// 满员的池里同 id 重建不报容量错误，被挤出的连接必须断开传输。
	replacement, err := p.Create(ctx, params("a", "h2"))
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !old.closed {
		t.Fatal("displaced connection kept its transport open")
	}
	if connA.IsConnected(ctx) {
		t.Fatal("displaced connection still reports connected")
	}
	if p.Size() != 1 {
		t.Fatalf("size = %d", p.Size())
	}
	if got := replacement.Params().Host; got != "h2" {
		t.Fatalf("replacement host = %q", got)
	}
}

// commandLog 按完成顺序记录命令事件，供并发测试断言先后关系。
type commandLog struct {
	mu     sync.Mutex
	events []string
}

func (l *commandLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *commandLog) index(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *commandLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// gateConn 在执行 block 指定的命令时阻塞，直到测试放行。
type gateConn struct {
	id      string
	log     *commandLog
	block   string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gateConn) Run(_ context.Context, command string) (sshconn.CommandResult, error) {
	if command == "echo 1" {
		return sshconn.CommandResult{Stdout: "1\n"}, nil
	}
	if c.block != "" && command == c.block {
		c.log.add(c.id + ":" + command + ":start")
		c.once.Do(func() { close(c.entered) })
		<-c.release
		c.log.add(c.id + ":" + command + ":end")
		return sshconn.CommandResult{Stdout: "done"}, nil
	}
	c.log.add(c.id + ":" + command)
	return sshconn.CommandResult{Stdout: "ok"}, nil
}

func (c *gateConn) OpenTransfer() (sshconn.Transfer, error) {
	return nil, stdErrors.New("not implemented")
}

func (c *gateConn) Close() error { return nil }

type gateDialer struct {
	conns map[string]sshconn.Conn
}

func (d *gateDialer) Dial(_ context.Context, addr string, _ *ssh.ClientConfig) (sshconn.Conn, error) {
	conn, ok := d.conns[addr]
	if !ok {
		return nil, stdErrors.New("unknown address " + addr)
	}
	return conn, nil
}

func TestOperationsSerializePerConnectionOnly(t *testing.T) {
	log := &commandLog{}
	slow := &gateConn{id: "a", log: log, block: "sleep 5", entered: make(chan struct{}), release: make(chan struct{})}
	fast := &gateConn{id: "b", log: log}
	dialer := &gateDialer{conns: map[string]sshconn.Conn{"h1:22": slow, "h2:22": fast}}
	p := New(2, func(params sshconn.ConnectionParams) *sshconn.Connection {
		return sshconn.New(params, dialer, allowAll{})
	})
	ctx := context.Background()

	for _, tc := range []struct{ id, host string }{{"a", "h1"}, {"b", "h2"}} {
		conn, err := p.Create(ctx, params(tc.id, tc.host))
		if err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("connect %s: %v", tc.id, err)
		}
	}
	connA, _ := p.Lookup("a")
	connB, _ := p.Lookup("b")

	firstDone := make(chan error, 1)
	go func() {
		_, err := connA.Execute(ctx, "sleep 5", time.Minute, false)
		firstDone <- err
	}()
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked command never started")
	}

	// a 的命令还在执行，b 上的操作不等待它。
	if _, err := connB.Execute(ctx, "date", time.Minute, false); err != nil {
		t.Fatalf("execute on b: %v", err)
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := connA.Execute(ctx, "date", time.Minute, false)
		secondDone <- err
	}()

	close(slow.release)
	for _, done := range []chan error{firstDone, secondDone} {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("execute on a: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("execute on a did not finish")
		}
	}

	if bi, end := log.index("b:date"), log.index("a:sleep 5:end"); bi == -1 || end == -1 || bi > end {
		t.Fatalf("b must run while a is mid-command, log = %v", log.snapshot())
	}
	if end, second := log.index("a:sleep 5:end"), log.index("a:date"); second < end {
		t.Fatalf("operations on one id must serialize, log = %v", log.snapshot())
	}
}
