package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/retry"
)

type openAICompatible struct {
	cfg    config.EmbeddingConfig
	policy retry.Policy
	client *http.Client
}

// NewOpenAICompatible 创建调用 /embeddings 接口的向量化客户端。
func NewOpenAICompatible(cfg config.EmbeddingConfig, policy retry.Policy) Embedder {
	return &openAICompatible{cfg: cfg, policy: policy, client: &http.Client{}}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatible) Name() string { return "openai:" + c.cfg.Model }

func (c *openAICompatible) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		v, err := c.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

func (c *openAICompatible) embedOnce(ctx context.Context, text string) ([]float32, error) {
	const op = "embedding.openai"
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, retry.TransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		return nil, retry.StatusError(op, resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, retry.MalformedResponse(op, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, retry.MalformedResponse(op, fmt.Errorf("empty embedding"))
	}
	log.Debugf("[EmbeddingClient] 获取向量成功, 维度: %d", len(parsed.Data[0].Embedding))
	return parsed.Data[0].Embedding, nil
}
