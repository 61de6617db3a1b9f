package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
)

// Monitor 是监控服务对外暴露的查询与反馈入口。
type Monitor interface {
	AttachFeedback(ctx context.Context, fb *model.Feedback) error
	Summary(ctx context.Context, days int) (*model.MonitoringSummary, error)
	ExportCSV(ctx context.Context, w io.Writer, days int) (int, error)
}

// MonitoringHandler 处理反馈、聚合指标与 CSV 导出。
type MonitoringHandler struct {
	monitor Monitor
}

func NewMonitoringHandler(monitor Monitor) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor}
}

type feedbackRequest struct {
	RecordID string `json:"record_id"`
	Label    string `json:"label"`
	Score    int    `json:"score"`
	Comment  string `json:"comment"`
}

// Feedback 为一条预测记录追加用户反馈。
func (h *MonitoringHandler) Feedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	fb := &model.Feedback{RecordID: req.RecordID, Label: req.Label, Score: req.Score, Comment: req.Comment}
	if err := h.monitor.AttachFeedback(c.Request.Context(), fb); err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, fb)
}

// Summary 返回最近 days 天的聚合指标。
func (h *MonitoringHandler) Summary(c *gin.Context) {
	days, ok := queryInt(c, "days", 0)
	if !ok {
		badRequest(c, "days must be an integer")
		return
	}
	summary, err := h.monitor.Summary(c.Request.Context(), days)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, summary)
}

// Export 以 CSV 附件形式返回最近 days 天的记录。
func (h *MonitoringHandler) Export(c *gin.Context) {
	days, ok := queryInt(c, "days", 0)
	if !ok {
		badRequest(c, "days must be an integer")
		return
	}
	// 先写入缓冲区，出错时仍可返回 JSON 错误
	var buf bytes.Buffer
	rows, err := h.monitor.ExportCSV(c.Request.Context(), &buf, days)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	filename := fmt.Sprintf("monitoring-%s.csv", time.Now().UTC().Format("20060102T150405Z"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Row-Count", fmt.Sprint(rows))
	log.Infof("[MonitoringHandler] 导出监控记录 %d 行", rows)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
