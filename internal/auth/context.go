package auth

import "context"

type contextKey struct{}

// WithSubject 将认证主体放入上下文。
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, contextKey{}, subject)
}

// SubjectFrom 从上下文中取出认证主体。
func SubjectFrom(ctx context.Context) (Subject, bool) {
	subject, ok := ctx.Value(contextKey{}).(Subject)
	return subject, ok
}
