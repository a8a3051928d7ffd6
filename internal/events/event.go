package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind 表示会话事件类型。
type Kind string

const (
	KindConnected       Kind = "connected"
	KindConnectFailed   Kind = "connect_failed"
	KindDisconnected    Kind = "disconnected"
	KindCommandExecuted Kind = "command_executed"
	KindCommandFailed   Kind = "command_failed"
	KindFileUploaded    Kind = "file_uploaded"
	KindFileDownloaded  Kind = "file_downloaded"
	KindHostKeyAdded    Kind = "host_key_added"
	KindHostKeyUnknown  Kind = "host_key_unknown"
)

// Event 是一条会话审计事件，沿事件管道投递并最终落入历史仓储。
type Event struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	ConnectionID string `json:"connection_id,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username,omitempty"`
	Command      string `json:"command,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	OccurredAt   int64  `json:"occurred_at"`
}

// NewEvent 构造一条带 id 与时间戳的事件。
func NewEvent(kind Kind) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().Unix(),
	}
}

// SecuritySensitive 判断事件是否需要触发告警通道。
func (e Event) SecuritySensitive() bool {
	switch e.Kind {
	case KindHostKeyUnknown, KindHostKeyAdded:
		return true
	default:
		return false
	}
}

// Encode 将事件序列化为队列消息体。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 从队列消息体还原事件。
func Decode(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}
