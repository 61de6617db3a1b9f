// Package llm 提供外部文本生成后端的客户端：OpenAI 兼容接口与 Ollama。
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"nutri-advisor-go/internal/config"
)

// MessageWriter 与 websocket.Conn 的写方法一致，流式分块通过它下发。
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client 是生成后端的统一接口。
type Client interface {
	Name() string
	// StreamChatMessages 以 role-based 消息与可选生成参数调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
	// Ping 检查后端是否可达。
	Ping(ctx context.Context) error
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// NewClient 根据配置中的 provider 创建客户端。provider 为 none 时返回 nil，调用方只使用模板生成。
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "openai", "deepseek":
		return NewOpenAIClient(cfg), nil
	case "ollama":
		return NewOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Collect 以流式调用后端并拼接全部分块。
func Collect(ctx context.Context, c Client, messages []Message, gen *GenerationParams) (string, error) {
	var sb strings.Builder
	if err := c.StreamChatMessages(ctx, messages, gen, &builderWriter{sb: &sb}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

type builderWriter struct {
	sb *strings.Builder
}

func (w *builderWriter) WriteMessage(_ int, data []byte) error {
	w.sb.Write(data)
	return nil
}

// TeeWriter 在下发分块的同时保留完整文本。
type TeeWriter struct {
	Next MessageWriter
	sb   strings.Builder
}

func (t *TeeWriter) WriteMessage(messageType int, data []byte) error {
	t.sb.Write(data)
	if t.Next == nil {
		return nil
	}
	return t.Next.WriteMessage(messageType, data)
}

// String 返回已写入的全部文本。
func (t *TeeWriter) String() string {
	return t.sb.String()
}

func writeChunk(writer MessageWriter, content string) error {
	if content == "" {
		return nil
	}
	if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
		return fmt.Errorf("failed to write message to websocket: %w", err)
	}
	return nil
}
