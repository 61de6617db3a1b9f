package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	olla "github.com/ollama/ollama/api"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/pkg/retry"
)

// OllamaClient 通过 Ollama /api/chat 生成文本。
type OllamaClient struct {
	client *olla.Client
	model  string
}

// NewOllamaClient 创建 Ollama 客户端，BaseURL 为空时使用本机默认地址。
func NewOllamaClient(cfg config.LLMConfig) (*OllamaClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	return &OllamaClient{client: olla.NewClient(parsedURL, &http.Client{}), model: cfg.Model}, nil
}

func (o *OllamaClient) Name() string { return "ollama:" + o.model }

func (o *OllamaClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	const op = "llm.ollama.chat"
	msgs := make([]olla.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, olla.Message{Role: m.Role, Content: m.Content})
	}
	options := map[string]interface{}{}
	if gen != nil {
		if gen.Temperature != nil {
			options["temperature"] = *gen.Temperature
		}
		if gen.TopP != nil {
			options["top_p"] = *gen.TopP
		}
		if gen.MaxTokens != nil {
			options["num_predict"] = *gen.MaxTokens
		}
	}

	stream := true
	received := false
	err := o.client.Chat(ctx, &olla.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}, func(resp olla.ChatResponse) error {
		received = true
		return writeChunk(writer, resp.Message.Content)
	})
	if err != nil {
		var statusErr olla.StatusError
		if errors.As(err, &statusErr) {
			return retry.StatusError(op, statusErr.StatusCode, statusErr.ErrorMessage)
		}
		return retry.TransportError(op, err)
	}
	if !received {
		return retry.MalformedResponse(op, errors.New("empty chat response"))
	}
	return nil
}

func (o *OllamaClient) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return retry.TransportError("llm.ollama.ping", err)
	}
	return nil
}
