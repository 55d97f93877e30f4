package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	xerrors "PooledVault/internal/errors"
	"PooledVault/pkg/logger"
)

// 权限名称。
const (
	PermissionSettle    = "settlements:write"
	PermissionBatcher   = "batcher:write"
	PermissionExecutors = "executors:write"
	PermissionMint      = "token:mint"
	PermissionAll       = "*"
)

const CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"

var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "")
)

func init() {
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Category: xerrors.CategoryAuthorization,
		Severity: xerrors.SeverityWarning,
	})
}

// OperatorConfig 描述一个可以调用写接口的运维方。token 与 token_env 二选一。
type OperatorConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// Operator 是通过认证的调用方。
type Operator struct {
	Name        string
	Permissions []string
}

// Authorize 检查是否具备全部权限。
func (o *Operator) Authorize(perms ...string) error {
	if o == nil {
		return ErrPermissionDenied
	}
	for _, want := range perms {
		granted := false
		for _, have := range o.Permissions {
			if have == want || have == PermissionAll {
				granted = true
				break
			}
		}
		if !granted {
			return ErrPermissionDenied.With("permission", want)
		}
	}
	return nil
}

type credential struct {
	digest   [sha256.Size]byte
	operator Operator
}

// Guard 校验 Authorization 头。nil Guard 放行所有请求。
type Guard struct {
	credentials []credential
	audit       *slog.Logger
}

// NewGuard 根据配置构造 Guard。没有任何运维方时返回 nil。
func NewGuard(operators []OperatorConfig) (*Guard, error) {
	if len(operators) == 0 {
		return nil, nil
	}
	g := &Guard{}
	for i, op := range operators {
		token := strings.TrimSpace(op.Token)
		if token == "" && op.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(op.TokenEnv))
		}
		if token == "" {
			return nil, fmt.Errorf("operator[%d] %q 未配置 token", i, op.Name)
		}
		perms := op.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionSettle}
		}
		g.credentials = append(g.credentials, credential{
			digest:   sha256.Sum256([]byte(token)),
			operator: Operator{Name: op.Name, Permissions: append([]string(nil), perms...)},
		})
	}
	return g, nil
}

// Authenticate 解析 "Bearer <token>" 并返回匹配的运维方。
func (g *Guard) Authenticate(authorization string) (*Operator, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(parts[1])))
	var found *Operator
	for i := range g.credentials {
		// 始终遍历全部凭据。
		if subtle.ConstantTimeCompare(digest[:], g.credentials[i].digest[:]) == 1 && found == nil {
			op := g.credentials[i].operator
			found = &op
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	return found, nil
}

// Middleware 要求请求具备 perms。onError 负责写出错误响应。
func (g *Guard) Middleware(onError func(http.ResponseWriter, error), perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if g == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op, err := g.Authenticate(r.Header.Get("Authorization"))
			if err == nil {
				err = op.Authorize(perms...)
			}
			if err != nil {
				g.auditLogger().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("code", string(xerrors.CodeOf(err))),
				)
				onError(w, err)
				return
			}
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
			g.auditLogger().Info("api_request",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("operator", op.Name),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func (g *Guard) auditLogger() *slog.Logger {
	if g.audit != nil {
		return g.audit
	}
	return logger.Audit()
}

type operatorKey struct{}

// WithOperator 将运维方写入上下文。
func WithOperator(ctx context.Context, op *Operator) context.Context {
	if op == nil {
		return ctx
	}
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFromContext 读取上下文中的运维方，未认证时返回 nil。
func OperatorFromContext(ctx context.Context) *Operator {
	if ctx == nil {
		return nil
	}
	op, _ := ctx.Value(operatorKey{}).(*Operator)
	return op
}
