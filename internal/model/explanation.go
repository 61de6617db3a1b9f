package model

// Stage 是编排流程中的阶段名。
type Stage string

const (
	StageValidate    Stage = "validate_input"
	StageLoadContext Stage = "load_context"
	StageClassify    Stage = "classify"
	StageRetrieve    Stage = "retrieve"
	StageVerify      Stage = "verify"
	StageGenerate    Stage = "generate"
	StageRecord      Stage = "record"
)

// StageStatus 是单个阶段的结果标记。
type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageDegraded StageStatus = "degraded"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
)

// StageReport 记录一个阶段的状态、错误分类与耗时。
type StageReport struct {
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Message    string      `json:"message,omitempty"`
	DurationMs float64     `json:"duration_ms"`
}

// RequestState 是请求的终态。
type RequestState string

const (
	StateCompleted RequestState = "completed"
	StateRejected  RequestState = "rejected"
)

// 生成来源。
const (
	GenerationSourceBackend  = "backend"
	GenerationSourceTemplate = "template"
)

// ExplanationResult 是 explain 请求的完整结果。
type ExplanationResult struct {
	RequestID        string                `json:"request_id"`
	RecordID         string                `json:"record_id,omitempty"`
	State            RequestState          `json:"state"`
	Food             string                `json:"food"`
	Quantity         float64               `json:"quantity_g"`
	Text             string                `json:"text"`
	Citations        []int                 `json:"citations"`
	Evidence         []Evidence            `json:"evidence"`
	Classification   *ClassificationResult `json:"classification,omitempty"`
	Verification     *VerificationResult   `json:"verification,omitempty"`
	GenerationSource string                `json:"generation_source,omitempty"`
	Degraded         bool                  `json:"degraded"`
	Stages           []StageReport         `json:"stages"`
	Timings          map[string]float64    `json:"timings_ms"`
	TotalMs          float64               `json:"total_ms"`
}

// ChatResult 是 chat 请求的结果。
type ChatResult struct {
	RequestID    string              `json:"request_id"`
	RecordID     string              `json:"record_id,omitempty"`
	State        RequestState        `json:"state"`
	Text         string              `json:"text"`
	Source       string              `json:"source"`
	Citations    []int               `json:"citations"`
	Evidence     []Evidence          `json:"evidence"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Degraded     bool                `json:"degraded"`
	Stages       []StageReport       `json:"stages"`
	Timings      map[string]float64  `json:"timings_ms"`
	TotalMs      float64             `json:"total_ms"`
}

// ClassificationReport 是 classify 请求的结果。
type ClassificationReport struct {
	RequestID      string                  `json:"request_id"`
	RecordID       string                  `json:"record_id,omitempty"`
	State          RequestState            `json:"state"`
	Food           string                  `json:"food"`
	Quantity       float64                 `json:"quantity_g"`
	FactIdentity   string                  `json:"fact_identity,omitempty"`
	Classification *ClassificationResult   `json:"classification,omitempty"`
	Features       *ClassificationFeatures `json:"features,omitempty"`
	Degraded       bool                    `json:"degraded"`
	Stages         []StageReport           `json:"stages"`
	Timings        map[string]float64      `json:"timings_ms"`
	TotalMs        float64                 `json:"total_ms"`
}
