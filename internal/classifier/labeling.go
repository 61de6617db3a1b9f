package classifier

// LabelRuleVersion 标识启发式标注规则的版本，写入 bundle。规则变更时必须递增。
const LabelRuleVersion = "kcal300-protein8-share35/v1"

// 规则阈值。
const (
	ruleMaxCalories100g = 300.0
	ruleMinProtein100g  = 8.0
	ruleMaxCalorieShare = 0.35
)

// Label 是纯函数：每 100g 不超过 300 kcal、蛋白质不少于 8g，且该份量不超过每日热量目标的 35% 时为正类。
func Label(values []float64) bool {
	return values[fCalories] <= ruleMaxCalories100g &&
		values[fProtein] >= ruleMinProtein100g &&
		values[fCalorieShare] <= ruleMaxCalorieShare
}
