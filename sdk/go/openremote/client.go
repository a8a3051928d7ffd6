package openremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the OpenRemote REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ConnectRequest is the payload required to open a named SSH connection.
// Exactly one of Password, PrivateKey, or PrivateKeyPath must be set.
type ConnectRequest struct {
	ConnectionID   string `json:"connection_id,omitempty"`
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// ExecRequest is the payload for running a remote command.
type ExecRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	IgnoreStderr   bool   `json:"ignore_stderr,omitempty"`
}

// TransferRequest is the payload for uploading or downloading a file.
type TransferRequest struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
}

// HostKeyRequest is the payload for adding a host key to the trusted table.
type HostKeyRequest struct {
	Host           string `json:"host"`
	Key            string `json:"key"`
	KeyType        string `json:"key_type,omitempty"`
	Port           int    `json:"port,omitempty"`
	KnownHostsFile string `json:"known_hosts_file,omitempty"`
}

// SessionEvent is one entry of the recorded session history.
type SessionEvent struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	ConnectionID string `json:"connection_id,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username,omitempty"`
	Command      string `json:"command,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	OccurredAt   int64  `json:"occurred_at"`
}

// HostKeyDetail carries the server host key returned when a connection was
// rejected because the key is not in the trusted table. Feed it back into
// AddHostKey to remediate.
type HostKeyDetail struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	KeyType   string `json:"key_type"`
	KeyBase64 string `json:"key_base64"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	HostKey    *HostKeyDetail `json:"host_key,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openremote api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openremote api error (%d): %s", e.StatusCode, e.Message)
}

type messageResponse struct {
	Message string `json:"message"`
}

type entriesResponse struct {
	Entries []string `json:"entries"`
}

// NewClient instantiates a client for the OpenRemote API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the static access token sent with every request.
// Leave it empty when the server runs with authentication disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Connect opens a named SSH connection and returns the server's confirmation
// message. Reusing a connection id replaces the previous connection.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (string, error) {
	var resp messageResponse
	if err := c.post(ctx, "/api/v1/connections", req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Execute runs a command on an active connection and returns its output.
func (c *Client) Execute(ctx context.Context, connectionID string, req ExecRequest) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s/exec", url.PathEscape(connectionID))
	if err := c.post(ctx, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Upload copies a file readable by the server process to the remote host.
func (c *Client) Upload(ctx context.Context, connectionID string, req TransferRequest) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s/upload", url.PathEscape(connectionID))
	if err := c.post(ctx, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Download copies a remote file to a path writable by the server process.
func (c *Client) Download(ctx context.Context, connectionID string, req TransferRequest) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s/download", url.PathEscape(connectionID))
	if err := c.post(ctx, endpoint, req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// ListFiles lists a directory on the remote host.
func (c *Client) ListFiles(ctx context.Context, connectionID, remotePath string) ([]string, error) {
	var resp entriesResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s/files?path=%s",
		url.PathEscape(connectionID), url.QueryEscape(remotePath))
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Status reports the state of a single connection.
func (c *Client) Status(ctx context.Context, connectionID string) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s", url.PathEscape(connectionID))
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// ListConnections reports the state of all registered connections.
func (c *Client) ListConnections(ctx context.Context) (string, error) {
	var resp messageResponse
	if err := c.get(ctx, "/api/v1/connections", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Disconnect closes a connection. Unknown ids are not an error.
func (c *Client) Disconnect(ctx context.Context, connectionID string) (string, error) {
	var resp messageResponse
	endpoint := fmt.Sprintf("/api/v1/connections/%s", url.PathEscape(connectionID))
	if err := c.delete(ctx, endpoint, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// AddHostKey adds or replaces a host key in the server's trusted table.
func (c *Client) AddHostKey(ctx context.Context, req HostKeyRequest) (string, error) {
	var resp messageResponse
	if err := c.post(ctx, "/api/v1/hostkeys", req, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// History fetches the latest recorded session events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]SessionEvent, error) {
	endpoint := "/api/v1/history"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var records []SessionEvent
	if err := c.get(ctx, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
