package auth

import (
	"context"
	"strings"
)

// Identity 是请求方声明的身份。Chorus 不做认证，只负责把调用方声明的所有者
// 传递给下游，用于默认付款方与审计。
type Identity struct {
	OwnerID string
	// Source 记录身份来源，例如请求头名称。
	Source string
}

// identityKey 是上下文中存储 Identity 的键类型。
type identityKey struct{}

// WithIdentity 将身份信息存储到上下文中，空的 OwnerID 会被忽略。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	id.OwnerID = strings.TrimSpace(id.OwnerID)
	if id.OwnerID == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext 从上下文中提取身份信息。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// OwnerFromContext 返回上下文中的所有者 ID，缺失时返回 fallback。
func OwnerFromContext(ctx context.Context, fallback string) string {
	if id, ok := IdentityFromContext(ctx); ok {
		return id.OwnerID
	}
	return fallback
}
