package auth

import "context"

type ctxKey int

const subjectCtxKey ctxKey = iota

// WithSubject 把通过认证的调用方放入请求上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectCtxKey, subject)
}

// SubjectFromContext 取出调用方；未经认证的请求返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectCtxKey).(*Subject)
	return subject
}
