// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
)

func success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// statusOf 把错误分类映射为 HTTP 状态码。
func statusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindIndexEmpty, model.KindModelUnavailable:
		return http.StatusServiceUnavailable
	case model.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError 按错误分类返回统一的响应结构，5xx 才记录错误日志。
func writeError(c *gin.Context, err error, data interface{}) {
	kind := model.KindOf(err)
	status := statusOf(kind)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorf("[Handler] %s %s 失败: %v", c.Request.Method, c.FullPath(), err)
		if kind == model.KindInternal {
			message = "服务内部错误"
		}
	}
	var me *model.Error
	if kind == model.KindRateLimited && errors.As(err, &me) && me.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(me.RetryAfter.Seconds()))))
	}
	c.JSON(status, gin.H{"code": status, "message": message, "error_kind": kind, "data": data})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message, "error_kind": model.KindValidation, "data": nil})
}

// queryInt 读取整型查询参数，缺省时返回 def。
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
