package mockserver

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims 会话 token 的 Claims，ID 为连接 id
type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func (ti *tokenIssuer) issue(username, connID string) (string, error) {
	now := time.Now()
	claims := &sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        connID,
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

func (ti *tokenIssuer) validate(tokenString string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
