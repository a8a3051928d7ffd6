package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Remote/internal/auth"
	xerrors "OpenMCP-Remote/internal/errors"
	"OpenMCP-Remote/internal/pool"
	"OpenMCP-Remote/internal/remote"
	"OpenMCP-Remote/internal/sshconn"
	"OpenMCP-Remote/internal/storage/mysql"
	"OpenMCP-Remote/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部管理 SSH 会话。
type Server struct {
	addr    string
	service *remote.Service
	history mysql.HistoryRepository
	auth    *auth.Service
	logger  *slog.Logger
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithHistory 挂载会话历史仓库，启用 /api/v1/history。
func WithHistory(history mysql.HistoryRepository) ServerOption {
	return func(s *Server) {
		s.history = history
	}
}

// WithAuth 启用访问令牌认证。
func WithAuth(authSvc *auth.Service) ServerOption {
	return func(s *Server) {
		s.auth = authSvc
	}
}

// WithServerLogger 指定日志输出。
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *remote.Service, opts ...ServerOption) *Server {
	s := &Server{addr: addr, service: service}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 组装路由与认证中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/connections", s.handleConnections)
	mux.HandleFunc("/api/v1/connections/", s.handleConnectionDetail)
	mux.HandleFunc("/api/v1/hostkeys", s.handleHostKeys)
	mux.HandleFunc("/api/v1/history", s.handleHistory)

	var handler http.Handler = mux
	if s.auth != nil && s.auth.Enabled() {
		handler = s.auth.Middleware("")(handler)
	}
	return handler
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// connectRequest 是建立连接的请求体。
type connectRequest struct {
	ConnectionID   string `json:"connection_id"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	PrivateKey     string `json:"private_key"`
	PrivateKeyPath string `json:"private_key_path"`
}

// execRequest 是执行远程命令的请求体。
type execRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	IgnoreStderr   bool   `json:"ignore_stderr"`
}

// transferRequest 是上传/下载文件的请求体。
type transferRequest struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// hostKeyRequest 是写入主机公钥的请求体。
type hostKeyRequest struct {
	Host           string `json:"host"`
	Key            string `json:"key"`
	KeyType        string `json:"key_type"`
	Port           int    `json:"port"`
	KnownHostsFile string `json:"known_hosts_file"`
}

// messageResponse 包装操作结果文本。
type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleConnect(w, r)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, messageResponse{Message: s.service.List(r.Context())})
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	message, err := s.service.Connect(r.Context(), remote.ConnectRequest{
		ConnectionID:   req.ConnectionID,
		Host:           req.Host,
		Port:           req.Port,
		Username:       req.Username,
		Password:       req.Password,
		PrivateKey:     req.PrivateKey,
		PrivateKeyPath: req.PrivateKeyPath,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: message})
}

// handleConnectionDetail 分派 /api/v1/connections/{id} 及其子路径。
func (s *Server) handleConnectionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/connections/")
	if rest == "" {
		http.Error(w, "缺少连接 ID", http.StatusBadRequest)
		return
	}

	connectionID := rest
	action := ""
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		connectionID = rest[:idx]
		action = rest[idx+1:]
	}
	if connectionID == "" {
		http.Error(w, "缺少连接 ID", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		s.handleConnection(w, r, connectionID)
	case "exec":
		s.handleExec(w, r, connectionID)
	case "upload":
		s.handleUpload(w, r, connectionID)
	case "download":
		s.handleDownload(w, r, connectionID)
	case "files":
		s.handleFiles(w, r, connectionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request, connectionID string) {
	switch r.Method {
	case http.MethodGet:
		message, err := s.service.Status(r.Context(), connectionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: message})
	case http.MethodDelete:
		message, err := s.service.Disconnect(r.Context(), connectionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: message})
	default:
		http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, connectionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	message, err := s.service.Execute(r.Context(), connectionID, req.Command, timeout, req.IgnoreStderr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, connectionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	message, err := s.service.Upload(r.Context(), connectionID, req.LocalPath, req.RemotePath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, connectionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	message, err := s.service.Download(r.Context(), connectionID, req.RemotePath, req.LocalPath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, connectionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		remotePath = "."
	}

	entries, err := s.service.ListDirectory(r.Context(), connectionID, remotePath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"entries": entries})
}

func (s *Server) handleHostKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req hostKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	message, err := s.service.AddHostKey(r.Context(), remote.AddHostKeyRequest{
		Host:           req.Host,
		Key:            req.Key,
		KeyType:        req.KeyType,
		Port:           req.Port,
		KnownHostsFile: req.KnownHostsFile,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: message})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "历史存储未启用", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.history.ListLatest(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// errorBody 是错误响应的统一结构。未知主机公钥错误附带公钥详情，
// 便于调用方直接补救后重试。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	HostKey *hostKeyDetail `json:"host_key,omitempty"`
}

type hostKeyDetail struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	KeyType   string `json:"key_type"`
	KeyBase64 string `json:"key_base64"`
}

// writeError 把内部错误码映射到 HTTP 状态并输出 JSON 错误体。
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)

	body := errorBody{Error: errorDetail{Code: string(code), Message: err.Error()}}
	var unknown *sshconn.UnknownHostKeyError
	if errors.As(err, &unknown) {
		body.Error.HostKey = &hostKeyDetail{
			Host:      unknown.Host,
			Port:      unknown.Port,
			KeyType:   unknown.KeyType,
			KeyBase64: unknown.KeyBase64,
		}
	}

	if status >= http.StatusInternalServerError {
		s.log().Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, sshconn.CodeParamsInvalid, sshconn.CodeKeyInvalid, sshconn.CodeLocalFileMissing:
		return http.StatusBadRequest
	case pool.CodeNotFound:
		return http.StatusNotFound
	case sshconn.CodeNotConnected, sshconn.CodeUnknownHostKey:
		return http.StatusConflict
	case pool.CodeExhausted:
		return http.StatusTooManyRequests
	case sshconn.CodeConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return logger.L()
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
