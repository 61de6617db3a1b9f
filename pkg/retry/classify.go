package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"nutri-advisor-go/internal/model"
)

// TransientStatus 判断 HTTP 状态码是否值得重试：429 与 5xx。
func TransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// StatusError 将非 2xx 响应包装为 upstream 错误。
func StatusError(op string, code int, body string) error {
	return model.NewUpstreamError(op, fmt.Errorf("status %d: %s", code, body), TransientStatus(code))
}

// TransportError 将传输层错误包装为 upstream 错误；超时与网络错误视为瞬时，调用方取消不重试。
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return model.NewUpstreamError(op, err, false)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewUpstreamError(op, err, true)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.NewUpstreamError(op, err, true)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.NewUpstreamError(op, err, true)
	}
	return model.NewUpstreamError(op, err, false)
}

// MalformedResponse 表示响应无法解析，不重试。
func MalformedResponse(op string, err error) error {
	return model.NewUpstreamError(op, fmt.Errorf("malformed response: %w", err), false)
}
