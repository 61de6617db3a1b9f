package main

import (
	"time"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/admission"
	"nutri-advisor-go/internal/handler"
	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/pkg/token"
)

// routeHandlers 汇总注册到 /api/v1 的处理器。
type routeHandlers struct {
	advisor      *handler.AdvisorHandler
	chat         *handler.ChatHandler
	search       *handler.SearchHandler
	conversation *handler.ConversationHandler
	monitoring   *handler.MonitoringHandler
	health       *handler.HealthHandler
	admin        *handler.AdminHandler
}

// registerRoutes 注册全部接口。监控聚合与导出包含调用方标识和特征，只对管理员开放。
func registerRoutes(r *gin.Engine, h routeHandlers, jwtManager *token.JWTManager, limiter admission.Limiter, timeout time.Duration) {
	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.Identify(jwtManager))
	{
		apiV1.GET("/health", h.health.Health)

		limited := apiV1.Group("/")
		limited.Use(middleware.Admission(limiter), middleware.RequestTimeout(timeout))
		{
			limited.GET("/evidence-search", h.search.EvidenceSearch)
			limited.POST("/classify", h.advisor.Classify)
			limited.POST("/explain", h.advisor.Explain)
			limited.POST("/chat", h.advisor.Chat)
			limited.GET("/chat/history", h.conversation.GetConversation)
			limited.POST("/feedback", h.monitoring.Feedback)
		}
		// WebSocket 连接按消息限流
		apiV1.GET("/chat/stream", h.chat.Handle)

		admin := apiV1.Group("/admin")
		admin.Use(middleware.AdminOnly(), middleware.Admission(limiter))
		{
			admin.GET("/monitoring/summary", h.monitoring.Summary)
			admin.GET("/monitoring/export", h.monitoring.Export)
			admin.POST("/monitoring/export", h.admin.ExportMonitoring)
			admin.POST("/ingest", h.admin.Ingest)
			admin.POST("/index/rebuild", h.admin.RebuildIndex)
			admin.POST("/classifier/reload", h.admin.ReloadClassifier)
		}
	}
}
