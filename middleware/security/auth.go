package security

import (
	"net/http"
	"strings"

	errs "HProject/tools/errs"
	tsec "HProject/tools/security"

	"github.com/gin-gonic/gin"
)

// —— context key ——
// 后续 handler 统一用这俩 key 读取身份
const (
	CtxIdentityKey = "identity" // *tsec.Identity
	CtxTokenKey    = "token"    // string
)

type Options struct {
	Auth tsec.Options

	// 读取哪个请求头
	HeaderToken               string // 默认 "Authorization"
	EnableAuthorizationBearer bool   // 默认 true
	AllowQueryToken           bool   // 允许 ?token=，握手场景用
}

func DefaultOptions(auth tsec.Options) *Options {
	return &Options{
		Auth:                      auth,
		HeaderToken:               "Authorization",
		EnableAuthorizationBearer: true,
		AllowQueryToken:           true,
	}
}

// Middleware 校验 JWT 并把身份写进 gin context；失败 401 终止
func Middleware(opts *Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var token = strings.TrimSpace(c.GetHeader(opts.HeaderToken))

		// 兼容 Authorization: Bearer xxx
		if opts.EnableAuthorizationBearer {
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[len("bearer "):])
			}
		}
		if token == "" && opts.AllowQueryToken {
			token = strings.TrimSpace(c.Query("token"))
		}

		ident, err := tsec.Verify(opts.Auth, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.CodeAuthentication,
				"msg":  "authentication error",
			})
			return
		}

		c.Set(CtxIdentityKey, ident)
		c.Set(CtxTokenKey, token)
		c.Next()
	}
}

// IdentityFrom 读出上面写进去的身份
func IdentityFrom(c *gin.Context) *tsec.Identity {
	if v, ok := c.Get(CtxIdentityKey); ok {
		if id, ok := v.(*tsec.Identity); ok {
			return id
		}
	}
	return nil
}
