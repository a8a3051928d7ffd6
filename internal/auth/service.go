// Package auth 提供静态令牌认证：令牌到主体名的映射在配置中声明，
// mode=disabled 时整层旁路。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeStatic 使用配置中声明的静态令牌表。
	ModeStatic Mode = "static"
)

// 认证失败的标准错误。
var (
	ErrMissingToken = errors.New("缺少访问令牌")
	ErrInvalidToken = errors.New("访问令牌无效")
)

// Subject 表示通过认证的调用方。
type Subject struct {
	Name string
}

// Service 负责校验请求携带的令牌。
type Service struct {
	mode   Mode
	tokens map[string]string
	audit  *slog.Logger
}

// NewService 构造认证服务。tokens 是 token → 主体名 的映射。
func NewService(mode Mode, tokens map[string]string, audit *slog.Logger) *Service {
	if mode == "" {
		mode = ModeDisabled
	}
	set := make(map[string]string, len(tokens))
	for token, name := range tokens {
		if token == "" {
			continue
		}
		set[token] = name
	}
	return &Service{mode: mode, tokens: set, audit: audit}
}

// Enabled 判断认证是否生效。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 解析 Authorization 头并校验令牌。
func (s *Service) Authenticate(_ context.Context, header string) (Subject, error) {
	token := strings.TrimSpace(header)
	if strings.HasPrefix(token, "Bearer ") || strings.HasPrefix(token, "bearer ") {
		token = strings.TrimSpace(token[len("Bearer "):])
	}
	if token == "" {
		return Subject{}, ErrMissingToken
	}
	name, ok := s.tokens[token]
	if !ok {
		return Subject{}, ErrInvalidToken
	}
	if name == "" {
		name = "anonymous"
	}
	return Subject{Name: name}, nil
}
