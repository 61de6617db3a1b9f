package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nutri-advisor-go/internal/admission"
	"nutri-advisor-go/internal/middleware"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/orchestrator"
	"nutri-advisor-go/pkg/log"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源，跨域由 CORS 中间件控制
		},
	}
)

// ChatHandler 负责处理 WebSocket 流式对话连接。
type ChatHandler struct {
	advisor Advisor
	limiter admission.Limiter
}

// NewChatHandler 创建一个新的 ChatHandler。limiter 可以为 nil。
func NewChatHandler(advisor Advisor, limiter admission.Limiter) *ChatHandler {
	return &ChatHandler{advisor: advisor, limiter: limiter}
}

// streamMessage 是客户端发送的一条消息，纯文本消息视为 message 字段。
type streamMessage struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

func parseStreamMessage(raw []byte) streamMessage {
	var msg streamMessage
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &msg); err == nil {
			return msg
		}
	}
	return streamMessage{Message: string(raw)}
}

// Handle 处理一个传入的 WebSocket 连接，每条消息触发一次流式回复。
func (h *ChatHandler) Handle(c *gin.Context) {
	subject := subjectOf(c, strings.TrimSpace(c.Query("subject_id")))
	admissionKey := middleware.AdmissionKey(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("[ChatHandler] WebSocket 连接已建立, subject: %s", subject)
	ctx := c.Request.Context()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		msg := parseStreamMessage(raw)

		if h.limiter != nil {
			if d, lerr := h.limiter.Allow(ctx, admissionKey); lerr == nil && !d.Allowed {
				writeJSONFrame(conn, gin.H{
					"type":           "error",
					"error_kind":     model.KindRateLimited,
					"message":        "请求过于频繁，请稍后重试",
					"retry_after_ms": d.RetryAfter.Milliseconds(),
				})
				continue
			}
		}

		interceptor := &wsWriterInterceptor{conn: conn}
		result, err := h.advisor.StreamChat(ctx, orchestrator.ChatRequest{
			RequestID: uuid.NewString(),
			SubjectID: subject,
			Message:   msg.Message,
			Context:   msg.Context,
		}, interceptor)
		if err != nil {
			log.Warnf("[ChatHandler] 流式对话失败: %v", err)
			writeJSONFrame(conn, gin.H{
				"type":       "error",
				"error_kind": model.KindOf(err),
				"message":    err.Error(),
			})
			continue
		}
		if interceptor.err != nil {
			log.Warnf("[ChatHandler] 写入 WebSocket 失败, 关闭连接: %v", interceptor.err)
			return
		}
		sendCompletion(conn, result)
	}
}

// wsWriterInterceptor 把生成的分块包装为 {"chunk":"..."} 写入连接，满足 llm.MessageWriter。
type wsWriterInterceptor struct {
	conn *websocket.Conn
	err  error
}

func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.err != nil {
		return w.err
	}
	b, _ := json.Marshal(map[string]string{"chunk": string(data)})
	w.err = w.conn.WriteMessage(messageType, b)
	return w.err
}

// sendCompletion 发送完成通知。已发送的分块无法撤回，核验修正后的全文放在 text 字段。
func sendCompletion(conn *websocket.Conn, result *model.ChatResult) {
	notif := gin.H{
		"type":       "completion",
		"status":     "finished",
		"message":    "响应已完成",
		"request_id": result.RequestID,
		"record_id":  result.RecordID,
		"source":     result.Source,
		"citations":  result.Citations,
		"degraded":   result.Degraded,
		"timings_ms": result.Timings,
		"timestamp":  time.Now().UnixMilli(),
	}
	if result.Verification != nil {
		notif["verification_status"] = result.Verification.Status
		if result.Verification.Status == model.StatusCorrected {
			notif["text"] = result.Text
		}
	}
	writeJSONFrame(conn, notif)
}

func writeJSONFrame(conn *websocket.Conn, v interface{}) {
	b, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
