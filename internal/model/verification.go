package model

// VerificationStatus 是核验结论。
type VerificationStatus string

const (
	StatusVerified     VerificationStatus = "verified"
	StatusCorrected    VerificationStatus = "corrected"
	StatusUnverifiable VerificationStatus = "unverifiable"
)

// 被核验的字段名。
const (
	FieldCalories = "calories"
	FieldProtein  = "protein"
	FieldCarbs    = "carbs"
	FieldFat      = "fat"
)

// FieldCheck 是单个数值声明的核验明细。Basis 为 portion 或 per_100g。
type FieldCheck struct {
	Field        string  `json:"field"`
	Basis        string  `json:"basis"`
	Claimed      float64 `json:"claimed"`
	Expected     float64 `json:"expected"`
	Discrepancy  float64 `json:"discrepancy"`
	RelativeDiff float64 `json:"relative_diff"`
	Flagged      bool    `json:"flagged"`
}

// VerificationResult 中 Corrected 只包含被标记字段的正确值。
type VerificationResult struct {
	Status    VerificationStatus `json:"status"`
	Quantity  float64            `json:"quantity_g"`
	Expected  MacroSet           `json:"expected"`
	Checks    []FieldCheck       `json:"checks"`
	Corrected map[string]float64 `json:"corrected,omitempty"`
}
