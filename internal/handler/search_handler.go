package handler

import (
	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/pkg/log"
)

// SearchHandler 处理证据检索请求。
type SearchHandler struct {
	retrieval service.RetrievalService
	defaultK  int
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(retrieval service.RetrievalService, defaultK int) *SearchHandler {
	if defaultK <= 0 {
		defaultK = 5
	}
	return &SearchHandler{retrieval: retrieval, defaultK: defaultK}
}

// EvidenceSearch 返回与 query 最相近的 k 条营养事实。
func (h *SearchHandler) EvidenceSearch(c *gin.Context) {
	query := c.Query("query")
	k, ok := queryInt(c, "k", h.defaultK)
	if !ok {
		badRequest(c, "k must be an integer")
		return
	}
	log.Infof("[SearchHandler] 收到证据检索请求, query: %q, k: %d", query, k)

	evidence, err := h.retrieval.Retrieve(c.Request.Context(), query, k)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	log.Infof("[SearchHandler] 检索成功, query: %q, 返回 %d 条结果", query, len(evidence))
	success(c, evidence)
}
