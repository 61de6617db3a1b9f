package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nutri-advisor-go/pkg/storage"
)

// Metrics 记录一次训练的数据规模与留出集表现。
type Metrics struct {
	TrainSize        int     `json:"train_size"`
	HoldoutSize      int     `json:"holdout_size"`
	HoldoutAccuracy  float64 `json:"holdout_accuracy"`
	PositiveRate     float64 `json:"positive_rate"`
	FeedbackExamples int     `json:"feedback_examples"`
}

// Bundle 是分类器的唯一持久化单元：模型、标准化参数与特征布局一起版本化。
type Bundle struct {
	Version      string    `json:"version"`
	RuleVersion  string    `json:"rule_version"`
	CreatedAt    time.Time `json:"created_at"`
	FeatureNames []string  `json:"feature_names"`
	Params       Params    `json:"params"`
	Scaler       *Scaler   `json:"scaler,omitempty"`
	Forest       Forest    `json:"forest"`
	Metrics      Metrics   `json:"metrics"`
}

// PositiveProbability 对已按 FeatureNames 排列的原始特征给出正类概率。
func (b *Bundle) PositiveProbability(values []float64) float64 {
	x := values
	if b.Scaler != nil {
		x = b.Scaler.Transform(values)
	}
	return b.Forest.PredictProba(x)
}

func (b *Bundle) validate() error {
	if len(b.Forest.Trees) == 0 {
		return fmt.Errorf("bundle %s has no trees", b.Version)
	}
	if len(b.FeatureNames) == 0 {
		return fmt.Errorf("bundle %s has no feature layout", b.Version)
	}
	if b.Scaler != nil && (len(b.Scaler.Mean) != len(b.FeatureNames) || len(b.Scaler.Std) != len(b.FeatureNames)) {
		return fmt.Errorf("bundle %s scaler does not match feature layout", b.Version)
	}
	for i := range b.Forest.Trees {
		if err := b.Forest.Trees[i].validate(len(b.FeatureNames)); err != nil {
			return fmt.Errorf("bundle %s tree %d: %w", b.Version, i, err)
		}
	}
	return nil
}

// SaveBundle 写入 versions/<version>.json 并更新 key 指向的最新副本。
func SaveBundle(ctx context.Context, store storage.ArtifactStore, key string, b *Bundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := store.Put(ctx, "classifier/versions/"+b.Version+".json", data, "application/json"); err != nil {
		return err
	}
	return store.Put(ctx, key, data, "application/json")
}

// LoadBundle 读取并校验 bundle。
func LoadBundle(ctx context.Context, store storage.ArtifactStore, key string) (*Bundle, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
