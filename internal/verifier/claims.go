// Package verifier 从生成文本中提取宏量营养素数值声明，并与按份量重算的期望值核对。
package verifier

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"nutri-advisor-go/internal/model"
)

// 声明的计量基准。
const (
	BasisPortion = "portion"
	BasisPer100g = "per_100g"
)

// Claim 是文本中一个与宏量标签绑定的数字。Start/End 为数字本身（含千位分隔符）在文本中的字节区间。
type Claim struct {
	Field string  `json:"field"`
	Value float64 `json:"value"`
	Basis string  `json:"basis"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// number 接受千位分隔符，如 2,868 或 1,250.5。
const number = `(\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?)`

// leadingNumber 要求数字前不是数字、逗号或小数点，避免从 2,868 的中间开始匹配。
const leadingNumber = `(?:^|[^\d.,])` + number

// claimPattern 的第 numGroup 个分组是数字，labelGroup 为 0 时字段固定为 field。
type claimPattern struct {
	re         *regexp.Regexp
	numGroup   int
	labelGroup int
	field      string
}

var claimPatterns = []claimPattern{
	{re: regexp.MustCompile(`(?i)` + leadingNumber + `\s*(?:kcal|calories|cal)\b`), numGroup: 1, field: model.FieldCalories},
	{re: regexp.MustCompile(`(?i)\b(?:calories|energy)\s*[:=]\s*` + number), numGroup: 1, field: model.FieldCalories},
	{re: regexp.MustCompile(`(?i)` + leadingNumber + `\s*g(?:rams?)?\s+(?:of\s+)?(protein|carbohydrates?|carbs|fat)\b`), numGroup: 1, labelGroup: 2},
	{re: regexp.MustCompile(`(?i)\b(protein|carbohydrates?|carbs|fat)\s*[:=]\s*` + number + `\s*g\b`), numGroup: 2, labelGroup: 1},
}

var (
	per100gSuffix = regexp.MustCompile(`(?i)^\s*(?:/\s*100\s*g\b|per\s+100\s*g\b)`)
	per100gPrefix = regexp.MustCompile(`(?i)\bper\s+100\s*g\b`)
)

// sentenceStart 返回 pos 所在句子的起始位置，小数点不算句末。
func sentenceStart(text string, pos int) int {
	for i := pos - 1; i > 0; i-- {
		switch text[i] {
		case '\n':
			return i + 1
		case ' ':
			if p := text[i-1]; p == '.' || p == '!' || p == '?' || p == ';' {
				return i + 1
			}
		}
	}
	return 0
}

func fieldForLabel(label string) string {
	switch l := strings.ToLower(label); {
	case l == "protein":
		return model.FieldProtein
	case l == "fat":
		return model.FieldFat
	default:
		return model.FieldCarbs
	}
}

// ExtractClaims 按出现顺序返回文本中的数值声明，同一数字只计一次。
func ExtractClaims(text string) []Claim {
	seen := make(map[int]bool)
	var claims []Claim
	for _, p := range claimPatterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.numGroup], m[2*p.numGroup+1]
			if seen[start] {
				continue
			}
			value, err := strconv.ParseFloat(strings.ReplaceAll(text[start:end], ",", ""), 64)
			if err != nil {
				continue
			}
			field := p.field
			if p.labelGroup > 0 {
				field = fieldForLabel(text[m[2*p.labelGroup]:m[2*p.labelGroup+1]])
			}
			basis := BasisPortion
			if per100gSuffix.MatchString(text[m[1]:]) || per100gPrefix.MatchString(text[sentenceStart(text, start):start]) {
				basis = BasisPer100g
			}
			seen[start] = true
			claims = append(claims, Claim{Field: field, Value: value, Basis: basis, Start: start, End: end})
		}
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Start < claims[j].Start })
	return claims
}
