package model

import "time"

// MonitoringRecord 是一次预测的只追加记录，写入后不再修改。
type MonitoringRecord struct {
	ID               string             `json:"id"`
	CreatedAt        time.Time          `json:"created_at"`
	RequestID        string             `json:"request_id"`
	Endpoint         string             `json:"endpoint"`
	SubjectID        string             `json:"subject_id"`
	Food             string             `json:"food"`
	FactIdentity     string             `json:"fact_identity,omitempty"`
	Quantity         float64            `json:"quantity_g"`
	FeatureNames     []string           `json:"feature_names,omitempty"`
	Features         []float64          `json:"features,omitempty"`
	Recommended      *bool              `json:"recommended,omitempty"`
	Confidence       float64            `json:"confidence"`
	ClassifierSource string             `json:"classifier_source,omitempty"`
	ModelVersion     string             `json:"model_version,omitempty"`
	VerifierStatus   VerificationStatus `json:"verifier_status,omitempty"`
	GenerationSource string             `json:"generation_source,omitempty"`
	Degraded         bool               `json:"degraded"`
	StageErrors      map[string]string  `json:"stage_errors,omitempty"`
	TotalMs          float64            `json:"total_ms"`
}

// 反馈标签。
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
	FeedbackNeutral  = "neutral"
)

// Feedback 是对某条记录后补的用户反馈，独立追加存储。
type Feedback struct {
	RecordID  string    `json:"record_id"`
	Label     string    `json:"label"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PositiveLabel 把反馈折算为训练标签：1 正类，0 负类，-1 跳过。
// 正向标签或评分 ≥4 视为正类，负向标签或评分 ≤2 视为负类。
func (f Feedback) PositiveLabel() int {
	switch {
	case f.Label == FeedbackPositive || (f.Label == "" && f.Score >= 4):
		return 1
	case f.Label == FeedbackNegative || (f.Label == "" && f.Score > 0 && f.Score <= 2):
		return 0
	default:
		return -1
	}
}

// RecordWithFeedback 是聚合与导出时使用的联结视图，取最新一条反馈。
type RecordWithFeedback struct {
	MonitoringRecord
	Feedback *Feedback `json:"feedback,omitempty"`
}

// MonitoringSummary 是时间窗口内的聚合指标。AccuracyProxy 为有反馈记录中推荐与反馈一致的比例。
type MonitoringSummary struct {
	WindowDays       int                        `json:"window_days"`
	Since            time.Time                  `json:"since"`
	Total            int                        `json:"total"`
	Recommended      int                        `json:"recommended"`
	Degraded         int                        `json:"degraded"`
	WithFeedback     int                        `json:"with_feedback"`
	Agreements       int                        `json:"agreements"`
	AccuracyProxy    *float64                   `json:"accuracy_proxy,omitempty"`
	MeanConfidence   float64                    `json:"mean_confidence"`
	ByVerifierStatus map[VerificationStatus]int `json:"by_verifier_status"`
	BySource         map[string]int             `json:"by_generation_source"`
	ByClassifier     map[string]int             `json:"by_classifier_source"`
}
