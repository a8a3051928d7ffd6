// Package mysql 提供会话事件历史的持久化实现：
// 本地 JSON 文件版用于开发迭代，MySQL 版用于真实部署。
package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"OpenMCP-Remote/internal/events"
)

// memoryRetainLimit 是内存索引保留的最近事件条数。
const memoryRetainLimit = 512

// HistoryRepository 抽象会话事件历史的持久化接口。
type HistoryRepository interface {
	Save(ctx context.Context, event events.Event) error
	ListLatest(ctx context.Context, limit int) ([]events.Event, error)
	Close() error
}

// MemoryHistoryRepository 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []events.Event
}

// NewMemoryHistoryRepository 创建一个内存历史仓库。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "session_events.log")
	repo := &MemoryHistoryRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录会话事件。
func (m *MemoryHistoryRepository) Save(_ context.Context, event events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}

	m.records = append([]events.Event{event}, m.records...)
	if len(m.records) > memoryRetainLimit {
		m.records = m.records[:memoryRetainLimit]
	}
	return nil
}

// ListLatest 返回最近的会话事件，按时间倒序排列。
func (m *MemoryHistoryRepository) ListLatest(_ context.Context, limit int) ([]events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]events.Event, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 对内存实现是空操作。
func (m *MemoryHistoryRepository) Close() error {
	return nil
}

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []events.Event
	for scanner.Scan() {
		var event events.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		restored = append([]events.Event{event}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}

	if len(restored) > memoryRetainLimit {
		restored = restored[:memoryRetainLimit]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLHistoryRepository 使用真实的 MySQL 数据库存储会话事件。
type SQLHistoryRepository struct {
	db *sql.DB
}

// NewSQLHistoryRepository 创建连接池并初始化数据表。
func NewSQLHistoryRepository(dsn string) (*SQLHistoryRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLHistoryRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *SQLHistoryRepository) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS session_events (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        event_id VARCHAR(64) NOT NULL,
        kind VARCHAR(32) NOT NULL,
        connection_id VARCHAR(128) DEFAULT '',
        host VARCHAR(255) DEFAULT '',
        port INT DEFAULT 0,
        username VARCHAR(128) DEFAULT '',
        command TEXT,
        detail TEXT,
        error_code VARCHAR(64) DEFAULT '',
        occurred_at BIGINT NOT NULL,
        INDEX idx_connection_id (connection_id),
        INDEX idx_occurred_at (occurred_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 session_events 表失败: %w", err)
	}
	return nil
}

// Save 将会话事件写入 MySQL。
func (s *SQLHistoryRepository) Save(ctx context.Context, event events.Event) error {
	const stmt = `INSERT INTO session_events
        (event_id, kind, connection_id, host, port, username, command, detail, error_code, occurred_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		string(event.Kind),
		event.ConnectionID,
		event.Host,
		event.Port,
		event.Username,
		event.Command,
		event.Detail,
		event.ErrorCode,
		event.OccurredAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条会话事件。
func (s *SQLHistoryRepository) ListLatest(ctx context.Context, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT event_id, kind, connection_id, host, port, username, command, detail, error_code, occurred_at
        FROM session_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话事件失败: %w", err)
	}
	defer rows.Close()

	var records []events.Event
	for rows.Next() {
		var event events.Event
		var kind string
		if err := rows.Scan(&event.ID, &kind, &event.ConnectionID, &event.Host, &event.Port, &event.Username, &event.Command, &event.Detail, &event.ErrorCode, &event.OccurredAt); err != nil {
			return nil, fmt.Errorf("解析会话事件失败: %w", err)
		}
		event.Kind = events.Kind(kind)
		records = append(records, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话事件失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLHistoryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
