package classifier

import (
	"context"
	"fmt"
	"sync/atomic"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/storage"
)

// Classifier 是编排层依赖的推理接口。
type Classifier interface {
	Classify(features model.ClassificationFeatures) (model.ClassificationResult, error)
}

// Runtime 在进程内持有当前 bundle，重新训练后通过 Reload 原子替换。
type Runtime struct {
	current atomic.Pointer[Bundle]
	store   storage.ArtifactStore
	key     string
}

// NewRuntime 创建运行时，bundle 需通过 Reload 或 Swap 加载。
func NewRuntime(store storage.ArtifactStore, key string) *Runtime {
	return &Runtime{store: store, key: key}
}

// Reload 从产物存储读取 bundle。失败时保留当前模型并返回 ModelUnavailable。
func (r *Runtime) Reload(ctx context.Context) error {
	if r.store == nil {
		return model.NewModelUnavailableError("classifier.reload", nil)
	}
	b, err := LoadBundle(ctx, r.store, r.key)
	if err != nil {
		log.Warnf("[Classifier] 加载分类器 bundle 失败, key: %s, error: %v", r.key, err)
		return model.NewModelUnavailableError("classifier.reload", err)
	}
	if err := checkLayout(b.FeatureNames, model.ClassificationFeatures{Names: FeatureNames, Values: make([]float64, len(FeatureNames))}); err != nil {
		log.Warnf("[Classifier] bundle %s 的特征布局与当前代码不一致: %v", b.Version, err)
		return model.NewModelUnavailableError("classifier.reload", err)
	}
	r.Swap(b)
	return nil
}

// Swap 替换当前 bundle。
func (r *Runtime) Swap(b *Bundle) {
	r.current.Store(b)
	log.Infof("[Classifier] 分类器已加载: version=%s, rule=%s, trees=%d", b.Version, b.RuleVersion, len(b.Forest.Trees))
}

// Available 报告是否已有可用模型。
func (r *Runtime) Available() bool {
	return r.current.Load() != nil
}

// Version 返回当前模型版本，无模型时为空。
func (r *Runtime) Version() string {
	if b := r.current.Load(); b != nil {
		return b.Version
	}
	return ""
}

// Classify 返回推荐结果；未加载模型时返回 ErrModelUnavailable，由调用方退回启发式。
func (r *Runtime) Classify(features model.ClassificationFeatures) (res model.ClassificationResult, err error) {
	b := r.current.Load()
	if b == nil {
		return model.ClassificationResult{}, model.ErrModelUnavailable
	}
	if lerr := checkLayout(b.FeatureNames, features); lerr != nil {
		return model.ClassificationResult{}, model.NewValidationError("classifier.classify", "%v", lerr)
	}
	// Swap 不校验 bundle，推理出错时按模型不可用处理
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[Classifier] bundle %s 推理失败: %v", b.Version, p)
			res, err = model.ClassificationResult{}, model.NewModelUnavailableError("classifier.classify", fmt.Errorf("%v", p))
		}
	}()
	res = model.NewClassificationResult(b.PositiveProbability(features.Values), model.ClassifierSourceModel, b.Version)
	res.Reasoning = describe(features.Values)
	return res, nil
}
