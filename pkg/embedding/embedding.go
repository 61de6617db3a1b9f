// Package embedding 提供文本向量化能力，支持 OpenAI 兼容接口、Ollama 与本地 TF-IDF。
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/pkg/retry"
)

// Embedder 将文本映射为向量。同一索引代的构建与查询必须使用同一个 Embedder 实例。
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CorpusEmbedder 需要先基于语料拟合（如 TF-IDF 词表）才能使用。
type CorpusEmbedder interface {
	Embedder
	Prepare(corpus []string) error
}

// Factory 为每个索引代创建一个 Embedder。无状态的远程实现可以复用同一实例。
type Factory func() Embedder

// NewFactory 按配置选择向量化实现。
func NewFactory(cfg config.EmbeddingConfig) (Factory, error) {
	policy := retry.Policy{
		Name:           "embedding",
		AttemptTimeout: cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
	}
	switch strings.ToLower(cfg.Provider) {
	case "", "tfidf":
		maxDF := cfg.MaxDocFreq
		return func() Embedder { return NewTFIDF(maxDF) }, nil
	case "openai":
		e := NewOpenAICompatible(cfg, policy)
		return func() Embedder { return e }, nil
	case "ollama":
		e, err := NewOllama(cfg, policy)
		if err != nil {
			return nil, err
		}
		return func() Embedder { return e }, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Normalize 返回单位长度的副本；零向量返回 ok=false。
func Normalize(vec []float32) ([]float32, bool) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	if norm == 0 {
		return out, false
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, true
}
