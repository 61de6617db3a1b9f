package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/orchestrator"
	"nutri-advisor-go/pkg/llm"
)

// Advisor 是编排器对外暴露的推理入口。
type Advisor interface {
	Explain(ctx context.Context, req orchestrator.ExplainRequest) (*model.ExplanationResult, error)
	Classify(ctx context.Context, req orchestrator.ExplainRequest) (*model.ClassificationReport, error)
	Chat(ctx context.Context, req orchestrator.ChatRequest) (*model.ChatResult, error)
	StreamChat(ctx context.Context, req orchestrator.ChatRequest, writer llm.MessageWriter) (*model.ChatResult, error)
}

// AdvisorHandler 处理 classify、explain 与 chat 请求。
type AdvisorHandler struct {
	advisor Advisor
}

func NewAdvisorHandler(advisor Advisor) *AdvisorHandler {
	return &AdvisorHandler{advisor: advisor}
}

type foodRequest struct {
	SubjectID string  `json:"subject_id"`
	Food      string  `json:"food"`
	Quantity  float64 `json:"quantity"`
	Context   string  `json:"context"`
}

type chatRequest struct {
	SubjectID string `json:"subject_id"`
	Message   string `json:"message"`
	Context   string `json:"context"`
}

// subjectOf 优先使用请求体中的 subject_id，缺省时使用中间件解析出的调用方。
func subjectOf(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return middleware.SubjectID(c)
}

func (h *AdvisorHandler) bindFood(c *gin.Context) (orchestrator.ExplainRequest, bool) {
	var req foodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return orchestrator.ExplainRequest{}, false
	}
	return orchestrator.ExplainRequest{
		RequestID: middleware.RequestID(c),
		SubjectID: subjectOf(c, req.SubjectID),
		Food:      req.Food,
		Quantity:  req.Quantity,
		Context:   req.Context,
	}, true
}

// Classify 判断一份食物是否值得推荐。
func (h *AdvisorHandler) Classify(c *gin.Context) {
	req, ok := h.bindFood(c)
	if !ok {
		return
	}
	report, err := h.advisor.Classify(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, report)
		return
	}
	success(c, report)
}

// Explain 生成带证据引用与数值核验的解释。
func (h *AdvisorHandler) Explain(c *gin.Context) {
	req, ok := h.bindFood(c)
	if !ok {
		return
	}
	result, err := h.advisor.Explain(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, result)
		return
	}
	success(c, result)
}

// Chat 生成一次非流式的对话回复。
func (h *AdvisorHandler) Chat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	result, err := h.advisor.Chat(c.Request.Context(), orchestrator.ChatRequest{
		RequestID: middleware.RequestID(c),
		SubjectID: subjectOf(c, body.SubjectID),
		Message:   body.Message,
		Context:   body.Context,
	})
	if err != nil {
		writeError(c, err, result)
		return
	}
	success(c, result)
}
