package handler

import (
	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/internal/service"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

// GetConversation 返回调用方当前会话的历史消息。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	subject := c.Query("subject_id")
	if subject == "" {
		subject = middleware.SubjectID(c)
	}
	history, err := h.service.GetConversationHistory(c.Request.Context(), subject)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	success(c, history)
}
