package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sourcegraph/conc"
)

// Check 报告一个子系统当前是否可用。
type Check func(ctx context.Context) bool

// HealthHandler 并发执行各子系统检查。
type HealthHandler struct {
	checks  map[string]Check
	timeout time.Duration
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

// Health 返回各子系统的可用性。任一子系统不可用时整体状态为 degraded，HTTP 状态仍为 200。
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(h.checks))
		wg      conc.WaitGroup
	)
	for name, check := range h.checks {
		name, check := name, check
		wg.Go(func() {
			ok := check(ctx)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		})
	}
	wg.Wait()

	status := "ok"
	for _, ok := range results {
		if !ok {
			status = "degraded"
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": status, "data": results})
}

// PingCheck 把返回 error 的探测函数包装为 Check。
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) bool {
		return ping(ctx) == nil
	}
}
