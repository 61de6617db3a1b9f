package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/tasks"
)

const maxIngestItems = 100

var errAsyncDisabled = errors.New("kafka is disabled")

// TaskQueue 把导入任务投递给异步消费者。
type TaskQueue interface {
	ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// ClassifierReloader 从产物存储重新加载分类器模型。
type ClassifierReloader interface {
	Reload(ctx context.Context) error
	Version() string
}

// MonitoringExporter 把监控记录导出到产物存储。
type MonitoringExporter interface {
	ExportToStore(ctx context.Context, days int) (string, int, error)
}

// Presigner 为导出文件生成临时下载链接。
type Presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	ingest     service.IngestService
	index      service.IndexService
	queue      TaskQueue
	classifier ClassifierReloader
	exporter   MonitoringExporter
	presigner  Presigner
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。queue 与 presigner 可以为 nil。
func NewAdminHandler(ingest service.IngestService, index service.IndexService, queue TaskQueue, classifier ClassifierReloader, exporter MonitoringExporter, presigner Presigner) *AdminHandler {
	return &AdminHandler{
		ingest:     ingest,
		index:      index,
		queue:      queue,
		classifier: classifier,
		exporter:   exporter,
		presigner:  presigner,
	}
}

// IngestRequest 定义了导入 API 的请求体结构。
type IngestRequest struct {
	Items   []service.IngestItem `json:"items"`
	Refresh bool                 `json:"refresh"`
	Async   bool                 `json:"async"`
}

// Ingest 导入一批食物。同步模式下事实库有变化时重建索引，异步模式投递到 Kafka。
func (h *AdminHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[AdminHandler] Ingest: 无效的请求负载, error: %v", err)
		badRequest(c, "无效的请求负载")
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxIngestItems {
		badRequest(c, "items must contain between 1 and 100 entries")
		return
	}
	operator := middleware.SubjectID(c)

	if req.Async {
		if h.queue == nil {
			writeError(c, model.NewModelUnavailableError("ingest", errAsyncDisabled), nil)
			return
		}
		queued := 0
		for _, item := range req.Items {
			task := tasks.IngestTask{
				Query:       item.Query,
				Barcode:     item.Barcode,
				Refresh:     req.Refresh,
				RequestedBy: operator,
				EnqueuedAt:  time.Now().UTC(),
			}
			if err := h.queue.ProduceIngestTask(c.Request.Context(), task); err != nil {
				log.Errorf("[AdminHandler] 投递导入任务失败, key: %s, error: %v", task.Key(), err)
				writeError(c, model.NewUpstreamError("ingest", err, true), gin.H{"queued": queued})
				return
			}
			queued++
		}
		log.Infof("[AdminHandler] 管理员 '%s' 投递了 %d 个导入任务", operator, queued)
		c.JSON(http.StatusAccepted, gin.H{"code": http.StatusAccepted, "message": "queued", "data": gin.H{"queued": queued}})
		return
	}

	report := h.ingest.IngestBatch(c.Request.Context(), req.Items, req.Refresh)
	data := gin.H{"report": report}
	if report.Created+report.Revised > 0 {
		status, err := h.index.Rebuild(c.Request.Context())
		if err != nil {
			writeError(c, err, data)
			return
		}
		data["index"] = status
	}
	log.Infof("[AdminHandler] 管理员 '%s' 同步导入完成: 新增 %d, 修订 %d", operator, report.Created, report.Revised)
	success(c, data)
}

// RebuildIndex 从事实库重建检索索引。
func (h *AdminHandler) RebuildIndex(c *gin.Context) {
	status, err := h.index.Rebuild(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, status)
}

// ReloadClassifier 重新加载分类器模型，失败时保留当前模型。
func (h *AdminHandler) ReloadClassifier(c *gin.Context) {
	if err := h.classifier.Reload(c.Request.Context()); err != nil {
		writeError(c, model.NewModelUnavailableError("classifier.reload", err), gin.H{"version": h.classifier.Version()})
		return
	}
	success(c, gin.H{"version": h.classifier.Version()})
}

// ExportMonitoring 把监控记录导出为 CSV 并写入产物存储。
func (h *AdminHandler) ExportMonitoring(c *gin.Context) {
	days, ok := queryInt(c, "days", 0)
	if !ok {
		badRequest(c, "days must be an integer")
		return
	}
	key, rows, err := h.exporter.ExportToStore(c.Request.Context(), days)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	data := gin.H{"key": key, "rows": rows}
	if h.presigner != nil {
		if url, err := h.presigner.PresignedURL(c.Request.Context(), key, time.Hour); err == nil {
			data["url"] = url
		} else {
			log.Warnf("[AdminHandler] 生成下载链接失败: %v", err)
		}
	}
	success(c, data)
}
