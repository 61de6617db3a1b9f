// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/token"
)

const (
	// ClientIDHeader 是未携带 token 的调用方自报的标识。
	ClientIDHeader = "X-Client-ID"

	ContextSubjectID    = "subject_id"
	ContextRole         = "role"
	ContextAdmissionKey = "admission_key"
)

// Identify 解析调用方标识并存入上下文。
// 优先使用 Bearer token 的 subject，其次是 X-Client-ID 请求头，最后退回客户端 IP。
// 携带了 token 但验证失败时直接返回 401。
// 限流键只信任已验证的 token subject，匿名调用方一律按客户端 IP 计数。
func Identify(jwtManager *token.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) || jwtManager == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式", "data": nil})
				return
			}
			claims, err := jwtManager.VerifyToken(strings.TrimPrefix(authHeader, bearerPrefix))
			if err != nil {
				log.Warnf("[Auth] token 验证失败: %v", err)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token", "data": nil})
				return
			}
			c.Set(ContextSubjectID, claims.Subject)
			c.Set(ContextRole, claims.Role)
			c.Set(ContextAdmissionKey, "sub:"+claims.Subject)
			c.Next()
			return
		}

		ipKey := "ip:" + c.ClientIP()
		subject := strings.TrimSpace(c.GetHeader(ClientIDHeader))
		if subject == "" {
			subject = ipKey
		}
		c.Set(ContextSubjectID, subject)
		c.Set(ContextAdmissionKey, ipKey)
		c.Next()
	}
}

// AdminOnly 要求调用方持有 ADMIN 角色，必须在 Identify 之后使用。
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextRole) != token.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要管理员权限", "data": nil})
			return
		}
		c.Next()
	}
}

// AdmissionKey 返回限流使用的键，未经过 Identify 时退回客户端 IP。
func AdmissionKey(c *gin.Context) string {
	if key := c.GetString(ContextAdmissionKey); key != "" {
		return key
	}
	return "ip:" + c.ClientIP()
}

// SubjectID 返回 Identify 解析出的调用方标识。
func SubjectID(c *gin.Context) string {
	return c.GetString(ContextSubjectID)
}
