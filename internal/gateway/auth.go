package gateway

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/koopa0/system-design/14-game-lobby/pkg/errors"
)

// claims LOGIN token 的內容
type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens HS256 登入 token
//
// token 由帳號服務簽發，大廳只驗證；Generate 供工具與測試使用。
type Tokens struct {
	secret []byte
	issuer string
	maxAge time.Duration
}

// NewTokens 創建 token 管理
func NewTokens(secret, issuer string, maxAge time.Duration) *Tokens {
	return &Tokens{
		secret: []byte(secret),
		issuer: issuer,
		maxAge: maxAge,
	}
}

// Generate 簽發 token
func (t *Tokens) Generate(username string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.maxAge)),
		},
	})
	return token.SignedString(t.secret)
}

// Verify 驗證 token 並返回用戶名稱
func (t *Tokens) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", apperrors.ErrInvalidToken.WithDetails("token expired").WithCause(err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", apperrors.ErrInvalidToken.WithDetails("malformed token").WithCause(err)
		default:
			return "", apperrors.ErrInvalidToken.WithCause(err)
		}
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Username == "" {
		return "", apperrors.ErrInvalidToken.WithDetails("missing username")
	}
	return c.Username, nil
}
