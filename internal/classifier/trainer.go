package classifier

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/log"
)

// Example 是一条带标签的训练样本。
type Example struct {
	Values []float64
	Label  bool
}

// 合成样本使用的份量与每日目标网格。
var (
	syntheticQuantities = []float64{50, 100, 200, 350}
	syntheticTargets    = []model.DailyTargets{
		{Calories: 1600, Protein: 80, Carbs: 200, Fat: 55},
		model.DefaultTargets,
		{Calories: 2800, Protein: 140, Carbs: 350, Fat: 95},
	}
	syntheticActivity = []string{"low", "medium", "high"}
)

// SyntheticExamples 用标注规则为事实语料生成训练样本。用户年龄、身高体重由 seed 决定。
func SyntheticExamples(facts []model.NutritionFact, seed int64) []Example {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Example, 0, len(facts)*len(syntheticQuantities)*len(syntheticTargets))
	for _, f := range facts {
		for _, q := range syntheticQuantities {
			for _, t := range syntheticTargets {
				user := model.UserContext{
					Known:   true,
					Targets: t,
					Profile: &model.UserProfile{
						Age:           18 + rng.Intn(60),
						HeightCm:      150 + float64(rng.Intn(45)),
						WeightKg:      45 + float64(rng.Intn(70)),
						ActivityLevel: syntheticActivity[rng.Intn(len(syntheticActivity))],
					},
				}
				values := Extract(f, q, user).Values
				out = append(out, Example{Values: values, Label: Label(values)})
			}
		}
	}
	return out
}

// Train 在样本上训练 bundle：确定性打乱后切出留出集，可选拟合标准化，再训练森林并评估。
func Train(examples []Example, p Params, holdoutFrac float64) (*Bundle, error) {
	if len(examples) < 2 {
		return nil, errors.New("need at least two training examples")
	}
	for _, e := range examples {
		if len(e.Values) != len(FeatureNames) {
			return nil, fmt.Errorf("example has %d features, want %d", len(e.Values), len(FeatureNames))
		}
	}

	order := rand.New(rand.NewSource(p.Seed)).Perm(len(examples))
	holdout := int(float64(len(examples)) * holdoutFrac)
	if holdout >= len(examples) {
		holdout = 0
	}
	trainIdx, testIdx := order[holdout:], order[:holdout]

	x := make([][]float64, len(trainIdx))
	y := make([]bool, len(trainIdx))
	positives := 0
	for i, k := range trainIdx {
		x[i] = examples[k].Values
		y[i] = examples[k].Label
		if y[i] {
			positives++
		}
	}

	var scaler *Scaler
	if p.Scale {
		scaler = FitScaler(x)
		for i := range x {
			x[i] = scaler.Transform(x[i])
		}
	}

	forest, err := TrainForest(x, y, p)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Bundle{
		Version:      fmt.Sprintf("rf-%s-s%d", now.Format("20060102T150405Z"), p.Seed),
		RuleVersion:  LabelRuleVersion,
		CreatedAt:    now,
		FeatureNames: append([]string(nil), FeatureNames...),
		Params:       p,
		Scaler:       scaler,
		Forest:       *forest,
		Metrics: Metrics{
			TrainSize:    len(trainIdx),
			HoldoutSize:  len(testIdx),
			PositiveRate: float64(positives) / float64(len(trainIdx)),
		},
	}

	if len(testIdx) > 0 {
		correct := 0
		for _, k := range testIdx {
			if (b.PositiveProbability(examples[k].Values) >= 0.5) == examples[k].Label {
				correct++
			}
		}
		b.Metrics.HoldoutAccuracy = float64(correct) / float64(len(testIdx))
	}
	log.Infof("[Trainer] 训练完成: version=%s, 样本=%d, 留出=%d, 准确率=%.3f",
		b.Version, b.Metrics.TrainSize, b.Metrics.HoldoutSize, b.Metrics.HoldoutAccuracy)
	return b, nil
}

// FeedbackExamples 把带反馈且特征布局一致的监控记录转换为训练样本，中性反馈跳过。
func FeedbackExamples(records []model.RecordWithFeedback) []Example {
	var out []Example
	for _, r := range records {
		if r.Feedback == nil {
			continue
		}
		label := r.Feedback.PositiveLabel()
		if label < 0 {
			continue
		}
		features := model.ClassificationFeatures{Names: r.FeatureNames, Values: r.Features}
		if checkLayout(FeatureNames, features) != nil {
			continue
		}
		out = append(out, Example{Values: append([]float64(nil), r.Features...), Label: label == 1})
	}
	return out
}
