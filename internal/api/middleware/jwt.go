// Package middleware gin 中间件
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/search-projector/pkg/response"
)

// ContextSubject 已认证的运维主体
const ContextSubject = "admin_subject"

var errMissingToken = errors.New("missing bearer token")

func bearer(c *gin.Context) (string, error) {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// JWTAuth HS256 Bearer 校验，exp 必填
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, err := bearer(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}
		var claims jwt.RegisteredClaims
		_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		c.Set(ContextSubject, claims.Subject)
		c.Next()
	}
}
