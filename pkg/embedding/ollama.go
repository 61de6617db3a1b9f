package embedding

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

type ollamaEmbedder struct {
	client *olla.Client
	model  string
	policy retry.Policy
}

// NewOllama 创建使用 Ollama /api/embed 的向量化客户端。
func NewOllama(cfg config.EmbeddingConfig, policy retry.Policy) (Embedder, error) {
	base := cfg.BaseURL
	if base == "" {
		base = "http://localhost:11434"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	return &ollamaEmbedder{
		client: olla.NewClient(u, &http.Client{}),
		model:  cfg.Model,
		policy: policy,
	}, nil
}

func (o *ollamaEmbedder) Name() string { return "ollama:" + o.model }

func (o *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		resp, err := o.client.Embed(ctx, &olla.EmbedRequest{Model: o.model, Input: text})
		if err != nil {
			return ollamaError("embedding.ollama", err)
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return retry.MalformedResponse("embedding.ollama", errors.New("empty embedding"))
		}
		vec = resp.Embeddings[0]
		return nil
	})
	return vec, err
}

// ollamaError 根据 Ollama 返回的状态码区分瞬时与永久错误。
func ollamaError(op string, err error) error {
	var statusErr olla.StatusError
	if errors.As(err, &statusErr) {
		return retry.StatusError(op, statusErr.StatusCode, statusErr.ErrorMessage)
	}
	return retry.TransportError(op, err)
}
