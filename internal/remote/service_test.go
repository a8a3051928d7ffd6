package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/events"
	"OpenMCP-Remote/internal/hostkeys"
	"OpenMCP-Remote/internal/pool"
	"OpenMCP-Remote/internal/sshconn"
)

type fakeTransfer struct{}

func (fakeTransfer) Upload(localPath, remotePath string) error   { return nil }
func (fakeTransfer) Download(remotePath, localPath string) error { return nil }
func (fakeTransfer) ListDirectory(remotePath string) ([]string, error) {
	return []string{"a.txt"}, nil
}
func (fakeTransfer) Close() error { return nil }

type fakeConn struct {
	healthy bool
	script  map[string]sshconn.CommandResult
}

func (c *fakeConn) Run(_ context.Context, command string) (sshconn.CommandResult, error) {
	if !c.healthy {
		return sshconn.CommandResult{}, stdErrors.New("connection lost")
	}
	if command == "echo 1" {
		return sshconn.CommandResult{Stdout: "1\n"}, nil
	}
	if result, ok := c.script[command]; ok {
		return result, nil
	}
	return sshconn.CommandResult{}, nil
}

func (c *fakeConn) OpenTransfer() (sshconn.Transfer, error) { return fakeTransfer{}, nil }
func (c *fakeConn) Close() error                            { return nil }

type fakeDialer struct {
	conns   map[string]*fakeConn
	hostKey ssh.PublicKey
	dials   int
}

func (d *fakeDialer) Dial(_ context.Context, addr string, config *ssh.ClientConfig) (sshconn.Conn, error) {
	d.dials++
	if config.HostKeyCallback != nil {
		if err := config.HostKeyCallback(addr, nil, d.hostKey); err != nil {
			return nil, fmt.Errorf("handshake failed: %w", err)
		}
	}
	conn, ok := d.conns[addr]
	if !ok {
		conn = &fakeConn{healthy: true}
		d.conns[addr] = conn
	}
	return conn, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, event := range p.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func newTestService(t *testing.T) (*Service, *fakeDialer, *hostkeys.Store, *capturePublisher) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	store := hostkeys.NewStore(filepath.Join(t.TempDir(), "known_hosts"))
	dialer := &fakeDialer{conns: make(map[string]*fakeConn), hostKey: signer.PublicKey()}
	factory := func(params sshconn.ConnectionParams) *sshconn.Connection {
		return sshconn.New(params, dialer, store)
	}
	publisher := &capturePublisher{}
	svc := NewService(pool.New(4, factory), store, WithPublisher(publisher))
	return svc, dialer, store, publisher
}

// trust 把测试拨号器会出示的公钥写入信任表。
func trust(t *testing.T, store *hostkeys.Store, dialer *fakeDialer, host string, port int) {
	t.Helper()
	key := dialer.hostKey
	if _, err := store.Add(host, port, key.Type(), marshalKey(key)); err != nil {
		t.Fatalf("trust %s: %v", host, err)
	}
}

func marshalKey(key ssh.PublicKey) string {
	return strings.TrimSpace(strings.TrimPrefix(string(ssh.MarshalAuthorizedKey(key)), key.Type()+" "))
}

func connectRequest(id, host string) ConnectRequest {
	return ConnectRequest{
		ConnectionID: id,
		Host:         host,
		Username:     "deploy",
		Password:     "secret",
	}
}

func TestConnectUnknownHostKeyThenRemediate(t *testing.T) {
	svc, _, _, publisher := newTestService(t)
	ctx := context.Background()

	_, err := svc.Connect(ctx, connectRequest("srv", "h1"))
	if err == nil {
		t.Fatal("expected unknown host key error")
	}
	if xerrors.CodeOf(err) != sshconn.CodeUnknownHostKey {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
	var unknown *sshconn.UnknownHostKeyError
	if !stdErrors.As(err, &unknown) {
		t.Fatalf("error %v missing payload", err)
	}

	// 用 payload 构造补救调用，重连成功。
	msg, err := svc.AddHostKey(ctx, AddHostKeyRequest{
		Host:    unknown.Host,
		Port:    unknown.Port,
		KeyType: unknown.KeyType,
		Key:     unknown.KeyBase64,
	})
	if err != nil {
		t.Fatalf("add host key: %v", err)
	}
	if !strings.Contains(msg, "successfully added") {
		t.Fatalf("message = %q", msg)
	}

	out, err := svc.Connect(ctx, connectRequest("srv", "h1"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	want := "Connection ID: srv\nSuccessfully connected to h1 as deploy"
	if out != want {
		t.Fatalf("output = %q", out)
	}

	kinds := publisher.kinds()
	if len(kinds) < 3 || kinds[0] != events.KindHostKeyUnknown || kinds[len(kinds)-1] != events.KindConnected {
		t.Fatalf("event kinds = %v", kinds)
	}
}

func TestConnectGeneratesID(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)

	out, err := svc.Connect(context.Background(), connectRequest("", "h1"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.HasPrefix(out, "Connection ID: ") {
		t.Fatalf("output = %q", out)
	}
	id := strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "Connection ID: ")
	if id == "" {
		t.Fatal("no generated id")
	}
	if !svc.pool.Has(id) {
		t.Fatalf("generated id %q not registered", id)
	}
}

func TestConnectValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	req := connectRequest("srv", "h1")
	req.PrivateKey = "also-a-key"
	_, err := svc.Connect(context.Background(), req)
	if xerrors.CodeOf(err) != sshconn.CodeParamsInvalid {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
}

func TestExecuteUnknownConnection(t *testing.T) {
	svc, dialer, _, _ := newTestService(t)

	_, err := svc.Execute(context.Background(), "ghost", "ls", 0, false)
	if xerrors.CodeOf(err) != pool.CodeNotFound {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
	if !strings.Contains(err.Error(), "'ghost' not found") {
		t.Fatalf("error = %v", err)
	}
	if dialer.dials != 0 {
		t.Fatal("not-found must not touch the network")
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Execute(context.Background(), "srv", "   ", 0, false)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
}

func TestExecuteOutputFormat(t *testing.T) {
	svc, dialer, store, publisher := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	dialer.conns["h1:22"].script = map[string]sshconn.CommandResult{
		"ls -la": {Stdout: "file1\nfile2"},
	}

	out, err := svc.Execute(ctx, "srv", "ls -la", 0, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Output from connection 'srv':\n\nfile1\nfile2" {
		t.Fatalf("output = %q", out)
	}

	kinds := publisher.kinds()
	if kinds[len(kinds)-1] != events.KindCommandExecuted {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestExecuteInactiveConnection(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	dialer.conns["h1:22"].healthy = false

	_, err := svc.Execute(ctx, "srv", "ls", 0, false)
	if xerrors.CodeOf(err) != sshconn.CodeNotConnected {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
	if !strings.Contains(err.Error(), "not currently active") {
		t.Fatalf("error = %v", err)
	}
}

func TestUploadLocalFileMissing(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	missing := filepath.Join(t.TempDir(), "missing.txt")
	_, err := svc.Upload(ctx, "srv", missing, "/srv/out")
	if xerrors.CodeOf(err) != sshconn.CodeLocalFileMissing {
		t.Fatalf("code = %s, err = %v", xerrors.CodeOf(err), err)
	}
	if !strings.Contains(err.Error(), "Local file not found at") {
		t.Fatalf("error = %v", err)
	}
}

func TestUploadSuccessMessage(t *testing.T) {
	svc, dialer, store, publisher := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	local := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(local, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := svc.Upload(ctx, "srv", local, "/srv/payload.txt")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := fmt.Sprintf("File upload successful:\nLocal file: %s\nRemote destination: /srv/payload.txt", local)
	if out != want {
		t.Fatalf("output = %q", out)
	}
	kinds := publisher.kinds()
	if kinds[len(kinds)-1] != events.KindFileUploaded {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestDownloadCreatesParentDirs(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	local := filepath.Join(t.TempDir(), "nested", "deep", "file.txt")
	out, err := svc.Download(ctx, "srv", "/srv/file.txt", local)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if !strings.Contains(out, "File download successful:") {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Dir(local)); err != nil {
		t.Fatalf("parent directory not created: %v", err)
	}
}

func TestDisconnectMessages(t *testing.T) {
	svc, dialer, store, publisher := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	out, err := svc.Disconnect(ctx, "ghost")
	if err != nil {
		t.Fatalf("disconnect absent: %v", err)
	}
	if out != "Connection ID: ghost\nNo active connection to disconnect" {
		t.Fatalf("output = %q", out)
	}

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	out, err = svc.Disconnect(ctx, "srv")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if out != "Connection ID: srv\nDisconnected from h1" {
		t.Fatalf("output = %q", out)
	}
	kinds := publisher.kinds()
	if kinds[len(kinds)-1] != events.KindDisconnected {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestStatusFormats(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out, err := svc.Status(ctx, "srv")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, fragment := range []string{"Connection ID: srv", "Status: Connected", "Host: h1:22", "Username: deploy", "Connected since: "} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("status %q missing %q", out, fragment)
		}
	}

	dialer.conns["h1:22"].healthy = false
	out, err = svc.Status(ctx, "srv")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Status: Not connected") {
		t.Fatalf("status = %q", out)
	}

	if _, err := svc.Status(ctx, "ghost"); xerrors.CodeOf(err) != pool.CodeNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestListFormats(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	trust(t, store, dialer, "h2", 22)
	ctx := context.Background()

	if out := svc.List(ctx); out != "No active SSH connections" {
		t.Fatalf("empty list = %q", out)
	}

	if _, err := svc.Connect(ctx, connectRequest("alpha", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := svc.Connect(ctx, connectRequest("bravo", "h2")); err != nil {
		t.Fatalf("connect: %v", err)
	}

	out := svc.List(ctx)
	if !strings.HasPrefix(out, "Active SSH Connections: 2") {
		t.Fatalf("list = %q", out)
	}
	if !strings.Contains(out, "Connection ID: alpha") || !strings.Contains(out, "Connection ID: bravo") {
		t.Fatalf("list = %q", out)
	}
}

func TestAddHostKeyAddedVsUpdated(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	msg, err := svc.AddHostKey(ctx, AddHostKeyRequest{Host: "new.example", Key: "AAAA1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(msg, "successfully added") || !strings.Contains(msg, "new.example") {
		t.Fatalf("message = %q", msg)
	}

	msg, err = svc.AddHostKey(ctx, AddHostKeyRequest{Host: "new.example", Key: "AAAA2"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(msg, "updated in") {
		t.Fatalf("message = %q", msg)
	}

	// 非默认端口带 [host]:port 标识。
	msg, err = svc.AddHostKey(ctx, AddHostKeyRequest{Host: "port.example", Port: 2222, Key: "AAAA3"})
	if err != nil {
		t.Fatalf("add with port: %v", err)
	}
	if !strings.Contains(msg, "[port.example]:2222") {
		t.Fatalf("message = %q", msg)
	}

	if _, err := svc.AddHostKey(ctx, AddHostKeyRequest{Host: "", Key: "AAAA"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("err = %v", err)
	}
}

func TestConnectReplacesExisting(t *testing.T) {
	svc, dialer, store, _ := newTestService(t)
	trust(t, store, dialer, "h1", 22)
	trust(t, store, dialer, "h2", 22)
	ctx := context.Background()

	if _, err := svc.Connect(ctx, connectRequest("srv", "h1")); err != nil {
		t.Fatalf("connect: %v", err)
	}
	out, err := svc.Connect(ctx, connectRequest("srv", "h2"))
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !strings.Contains(out, "connected to h2") {
		t.Fatalf("output = %q", out)
	}

	status, err := svc.Status(ctx, "srv")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(status, "Host: h2:22") {
		t.Fatalf("status = %q", status)
	}
}
