package service

import (
	"context"
	"strings"
	"time"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/vectorindex"
	"nutri-advisor-go/pkg/es"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/retry"
)

// ANNBackend 是近似最近邻查询后端，由 Elasticsearch 客户端实现。
type ANNBackend interface {
	KNN(ctx context.Context, vector []float32, k int) ([]es.Hit, error)
}

// RetrievalService 对查询向量化并返回排序后的证据。
type RetrievalService interface {
	Retrieve(ctx context.Context, query string, k int) ([]model.Evidence, error)
}

type retrievalService struct {
	handle *vectorindex.Handle
	ann    ANNBackend
	cfg    config.RetrievalConfig
	policy retry.Policy
}

// NewRetrievalService 创建检索服务。ann 为 nil 或 backend 不是 elasticsearch 时只做精确检索。
func NewRetrievalService(handle *vectorindex.Handle, ann ANNBackend, cfg config.RetrievalConfig) RetrievalService {
	if !strings.EqualFold(cfg.Backend, "elasticsearch") {
		ann = nil
	}
	return &retrievalService{
		handle: handle,
		ann:    ann,
		cfg:    cfg,
		policy: retry.Policy{Name: "es.knn", AttemptTimeout: 3 * time.Second, MaxRetries: 1},
	}
}

func (s *retrievalService) Retrieve(ctx context.Context, query string, k int) ([]model.Evidence, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, model.NewValidationError("retrieve", "query must not be empty")
	}
	maxK := s.cfg.MaxK
	if maxK <= 0 {
		maxK = 50
	}
	if k < 1 || k > maxK {
		return nil, model.NewValidationError("retrieve", "k must be between 1 and %d", maxK)
	}

	// 一次请求只读取一次当前代，整个检索都基于同一代。
	ix := s.handle.Load()
	if ix == nil || ix.Len() == 0 {
		return nil, &model.Error{Kind: model.KindIndexEmpty, Op: "retrieve", Msg: "no facts have been indexed"}
	}
	vec, err := ix.EmbedQuery(ctx, query)
	if err != nil {
		return nil, model.NewUpstreamError("retrieve.embed", err, model.IsTransient(err))
	}

	if s.ann != nil {
		if evidence, ok := s.approximate(ctx, ix, vec, k); ok {
			return evidence, nil
		}
	}

	hits, err := ix.Search(vec, k)
	if err != nil {
		return nil, err
	}
	evidence := make([]model.Evidence, len(hits))
	for i, h := range hits {
		evidence[i] = model.Evidence{Rank: i + 1, Similarity: h.Score, Fact: h.Fact}
	}
	return evidence, nil
}

// approximate 查询外部索引；出错或命中来自其他代时返回 false，由调用方改走精确检索。
func (s *retrievalService) approximate(ctx context.Context, ix *vectorindex.Index, vec []float32, k int) ([]model.Evidence, bool) {
	var hits []es.Hit
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var err error
		hits, err = s.ann.KNN(ctx, vec, k)
		return err
	})
	if err != nil {
		log.Warnf("[RetrievalService] 近似检索失败，改用精确检索: %v", err)
		return nil, false
	}
	evidence := make([]model.Evidence, 0, len(hits))
	for _, h := range hits {
		fact, ok := ix.Fact(h.Seq)
		if h.Generation != ix.Generation() || !ok || fact.Identity != h.Identity {
			log.Warnf("[RetrievalService] 外部索引代 %d 与当前代 %d 不一致，改用精确检索", h.Generation, ix.Generation())
			return nil, false
		}
		evidence = append(evidence, model.Evidence{Rank: len(evidence) + 1, Similarity: h.Similarity, Fact: fact})
	}
	return evidence, true
}
