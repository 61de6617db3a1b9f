package verifier

import (
	"math"
	"strconv"
	"strings"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
)

// Tolerance 控制字段判定：相对差超过 Relative 且绝对差超过对应下限时才标记。
type Tolerance struct {
	Relative     float64
	CalorieFloor float64
	GramFloor    float64
}

// ToleranceFromConfig 读取配置中的阈值。
func ToleranceFromConfig(c config.VerifierConfig) Tolerance {
	return Tolerance{Relative: c.RelativeTolerance, CalorieFloor: c.CalorieFloor, GramFloor: c.GramFloor}
}

func (t Tolerance) floor(field string) float64 {
	if field == model.FieldCalories {
		return t.CalorieFloor
	}
	return t.GramFloor
}

// Verifier 只读取事实数据，从不修改事实存储。
type Verifier struct {
	tol Tolerance
}

func New(tol Tolerance) *Verifier {
	return &Verifier{tol: tol}
}

// Expected 计算 per_100g × quantity / 100。
func Expected(fact model.NutritionFact, quantityG float64) model.MacroSet {
	return fact.Per100g().Scale(quantityG)
}

func pick(m model.MacroSet, field string) float64 {
	switch field {
	case model.FieldCalories:
		return m.Calories
	case model.FieldProtein:
		return m.Protein
	case model.FieldCarbs:
		return m.Carbs
	default:
		return m.Fat
	}
}

// Verify 逐条核对声明。没有可解析声明时为 unverifiable，任一字段被标记时为 corrected。
func (v *Verifier) Verify(claims []Claim, fact model.NutritionFact, quantityG float64) model.VerificationResult {
	expected := Expected(fact, quantityG)
	per100 := fact.Per100g()
	res := model.VerificationResult{
		Status:   model.StatusUnverifiable,
		Quantity: quantityG,
		Expected: expected,
		Checks:   make([]model.FieldCheck, 0, len(claims)),
	}
	if len(claims) == 0 {
		return res
	}

	res.Status = model.StatusVerified
	for _, c := range claims {
		want := pick(expected, c.Field)
		if c.Basis == BasisPer100g {
			want = pick(per100, c.Field)
		}
		diff := math.Abs(c.Value - want)
		rel := 0.0
		if want != 0 {
			rel = diff / math.Abs(want)
		} else if diff > 0 {
			rel = math.Inf(1)
		}
		check := model.FieldCheck{
			Field:        c.Field,
			Basis:        c.Basis,
			Claimed:      c.Value,
			Expected:     want,
			Discrepancy:  c.Value - want,
			RelativeDiff: rel,
			Flagged:      rel > v.tol.Relative && diff > v.tol.floor(c.Field),
		}
		if math.IsInf(check.RelativeDiff, 1) {
			// JSON 无法编码 Inf
			check.RelativeDiff = 1
		}
		if check.Flagged {
			if res.Corrected == nil {
				res.Corrected = make(map[string]float64)
			}
			res.Corrected[c.Field] = want
			res.Status = model.StatusCorrected
		}
		res.Checks = append(res.Checks, check)
	}
	return res
}

// Reconcile 提取并核对 text 中的声明，把被标记的数字替换为期望值后返回新文本。
func (v *Verifier) Reconcile(text string, fact model.NutritionFact, quantityG float64) (string, model.VerificationResult) {
	return v.reconcile(text, ExtractClaims(text), fact, quantityG)
}

// ReconcilePer100g 只核对明确以每 100g 为基准的声明，用于份量未知的对话文本。
func (v *Verifier) ReconcilePer100g(text string, fact model.NutritionFact) (string, model.VerificationResult) {
	var claims []Claim
	for _, c := range ExtractClaims(text) {
		if c.Basis == BasisPer100g {
			claims = append(claims, c)
		}
	}
	return v.reconcile(text, claims, fact, 100)
}

func (v *Verifier) reconcile(text string, claims []Claim, fact model.NutritionFact, quantityG float64) (string, model.VerificationResult) {
	res := v.Verify(claims, fact, quantityG)
	if res.Status != model.StatusCorrected {
		return text, res
	}

	var b strings.Builder
	last := 0
	for i, c := range claims {
		if !res.Checks[i].Flagged {
			continue
		}
		b.WriteString(text[last:c.Start])
		b.WriteString(FormatValue(c.Field, res.Checks[i].Expected))
		last = c.End
	}
	b.WriteString(text[last:])
	return b.String(), res
}

// FormatValue 热量取整，克数保留一位小数。
func FormatValue(field string, v float64) string {
	if field == model.FieldCalories {
		return strconv.FormatFloat(math.Round(v), 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
