package security

import (
	"fmt"
	"strings"
	"time"

	errs "HProject/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 控制签名与TTL等参数。
type Options struct {
	Secret []byte        // HMAC 密钥（生产用ENV/KMS）
	Alg    string        // HS256/HS384/HS512（默认 HS256）
	TTL    time.Duration // 令牌有效期（默认 2h）
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Identity 业务层签出的凭证内容：老 token 里就是这三个字段。
type Identity struct {
	UserID   int64
	Username string
	Role     string
}

// Generate 给业务层/测试签发凭证。
func Generate(opts Options, id Identity) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)

	claims := jwtlib.MapClaims{
		"id":       id.UserID,
		"username": id.Username,
		"role":     id.Role,
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"exp":      exp.Unix(),
	}

	tok := jwtlib.NewWithClaims(method, claims)
	signed, err := tok.SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验握手凭证并取出身份；任何失败都映射为 AuthenticationError。
func Verify(opts Options, token string) (*Identity, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errs.ErrAuthentication.WrapMsg("no token provided")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, errs.ErrAuthentication.Wrap(err)
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		// 仅允许 HMAC 家族
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return opts.Secret, nil
	})
	if err != nil {
		return nil, errs.ErrAuthentication.Wrap(err)
	}
	if !parsed.Valid {
		return nil, errs.ErrAuthentication.WrapMsg("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return nil, errs.ErrAuthentication.WrapMsg("claims type mismatch")
	}

	ident := &Identity{}
	switch v := claims["id"].(type) {
	case float64:
		ident.UserID = int64(v)
	case int64:
		ident.UserID = v
	default:
		return nil, errs.ErrAuthentication.WrapMsg("token missing user id")
	}
	if s, ok := claims["username"].(string); ok {
		ident.Username = s
	}
	// 老系统部分 token 用 real_name 而不是 username
	if ident.Username == "" {
		if s, ok := claims["real_name"].(string); ok {
			ident.Username = s
		}
	}
	if s, ok := claims["role"].(string); ok {
		ident.Role = s
	}
	return ident, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
