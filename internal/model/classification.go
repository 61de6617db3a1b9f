package model

// ClassificationFeatures 是由 (食物, 份量, 用户) 推导的定序数值向量。
type ClassificationFeatures struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// 分类结果来源。
const (
	ClassifierSourceModel     = "model"
	ClassifierSourceHeuristic = "heuristic"
)

// ClassificationResult 中 Confidence 为胜出类别的概率，Recommended 当且仅当正类概率 ≥ 0.5。
type ClassificationResult struct {
	Recommended         bool    `json:"recommended"`
	Confidence          float64 `json:"confidence"`
	PositiveProbability float64 `json:"positive_probability"`
	Source              string  `json:"source"`
	ModelVersion        string  `json:"model_version,omitempty"`
	Score               float64 `json:"score,omitempty"`
	Reasoning           string  `json:"reasoning,omitempty"`
}

// NewClassificationResult 由正类概率推导推荐与置信度。
func NewClassificationResult(positive float64, source, version string) ClassificationResult {
	if positive < 0 {
		positive = 0
	}
	if positive > 1 {
		positive = 1
	}
	recommended := positive >= 0.5
	confidence := positive
	if !recommended {
		confidence = 1 - positive
	}
	return ClassificationResult{
		Recommended:         recommended,
		Confidence:          confidence,
		PositiveProbability: positive,
		Source:              source,
		ModelVersion:        version,
	}
}
