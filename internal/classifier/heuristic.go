package classifier

import (
	"fmt"
	"math"
	"strings"

	"nutri-advisor-go/internal/model"
)

// HeuristicVersion 标识规则评分引擎的版本。
const HeuristicVersion = "nutrition-engine/v1"

type goalWeights struct {
	protein, calories, sugar, fat, carbs float64
}

var weightsByGoal = map[string]goalWeights{
	model.GoalMuscleGain:    {protein: 0.35, calories: 0.25, sugar: 0.20, fat: 0.15, carbs: 0.05},
	model.GoalWeightLoss:    {protein: 0.30, calories: 0.30, sugar: 0.25, fat: 0.10, carbs: 0.05},
	model.GoalMaintenance:   {protein: 0.25, calories: 0.20, sugar: 0.15, fat: 0.20, carbs: 0.20},
	model.GoalGeneralHealth: {protein: 0.25, calories: 0.15, sugar: 0.30, fat: 0.15, carbs: 0.15},
}

var goalPhrases = map[string]string{
	model.GoalMuscleGain:    "supports muscle building goals",
	model.GoalWeightLoss:    "supports weight management goals",
	model.GoalMaintenance:   "maintains healthy nutrition balance",
	model.GoalGeneralHealth: "promotes overall health",
}

// Heuristic 是模型不可用时的规则评分：按目标加权五项成分分，再做年龄与 BMI 修正，得分 0-100。
// 正类概率取 score/100，推荐与置信度与模型路径使用同一推导。
func Heuristic(features model.ClassificationFeatures, goal string) (model.ClassificationResult, error) {
	if err := checkLayout(FeatureNames, features); err != nil {
		return model.ClassificationResult{}, model.NewValidationError("classifier.heuristic", "%v", err)
	}
	v := features.Values
	w, ok := weightsByGoal[goal]
	if !ok {
		goal = model.GoalGeneralHealth
		w = weightsByGoal[goal]
	}
	age := int(v[fAge])
	activity := v[fActivity]

	protein := proteinScore(v[fProtein], goal)
	calories := calorieScore(v[fCalories], goal)
	sugar := sugarScore(v[fSugar], goal)
	fat := fatScore(v[fFat], age, goal)
	carbs := carbScore(v[fCarbs], goal, activity)

	score := protein*w.protein + calories*w.calories + sugar*w.sugar + fat*w.fat + carbs*w.carbs
	score += ageAdjustment(age, v[fProtein], v[fFat], v[fSugar])
	score += bmiAdjustment(v[fBMI], v[fCalories], v[fFat])
	score = math.Round(math.Min(100, math.Max(0, score))*10) / 10

	res := model.NewClassificationResult(score/100, model.ClassifierSourceHeuristic, HeuristicVersion)
	res.Score = score

	var reasons []string
	switch {
	case protein >= 80:
		reasons = append(reasons, "excellent protein content")
	case protein <= 40:
		reasons = append(reasons, "low protein content")
	}
	switch {
	case calories >= 80:
		reasons = append(reasons, "appropriate calorie density")
	case calories <= 40:
		reasons = append(reasons, "inappropriate calorie density")
	}
	switch {
	case sugar >= 80:
		reasons = append(reasons, "low sugar content")
	case sugar <= 40:
		reasons = append(reasons, "high sugar content")
	}
	switch {
	case fat >= 80:
		reasons = append(reasons, "healthy fat profile")
	case fat <= 40:
		reasons = append(reasons, "high fat content")
	}
	reasons = append(reasons, goalPhrases[goal])
	if age > 50 && (fat < 60 || sugar < 60) {
		reasons = append(reasons, "may require moderation for older adults")
	} else if age < 25 && protein < 60 {
		reasons = append(reasons, "may need more protein for younger adults")
	}
	if activity >= 3 && calories < 60 {
		reasons = append(reasons, "may not provide enough energy for active lifestyle")
	}
	res.Reasoning = fmt.Sprintf("This food scores %.1f/100 and %s.", score, strings.Join(reasons, ", "))
	return res, nil
}

func proteinScore(p float64, goal string) float64 {
	if goal == model.GoalMuscleGain {
		switch {
		case p >= 15:
			return 100
		case p >= 8:
			return 80 + (p-8)*2
		default:
			return math.Max(0, p*8)
		}
	}
	switch {
	case p >= 8:
		return 90
	case p >= 5:
		return 70
	default:
		return math.Max(0, p*14)
	}
}

func calorieScore(c float64, goal string) float64 {
	switch goal {
	case model.GoalWeightLoss:
		switch {
		case c <= 150:
			return 100
		case c <= 250:
			return 80
		case c <= 400:
			return math.Max(0, 100-(c-150)*0.3)
		default:
			return 20
		}
	case model.GoalMuscleGain:
		if c >= 200 {
			return math.Min(100, 60+(c-200)*0.2)
		}
		return math.Max(0, c*0.5)
	default:
		switch {
		case c >= 100 && c <= 300:
			return 90
		case c < 100:
			return math.Max(0, c)
		default:
			return math.Max(0, 100-(c-300)*0.2)
		}
	}
}

func sugarScore(s float64, goal string) float64 {
	penalty := 1.5
	if goal == model.GoalGeneralHealth {
		penalty = 2.0
	}
	switch {
	case s <= 2:
		return 100
	case s <= 5:
		return 80
	case s <= 10:
		return math.Max(0, 60-(s-5)*4)
	default:
		return math.Max(0, 40-(s-10)*penalty)
	}
}

func fatScore(f float64, age int, goal string) float64 {
	ageFactor := 1.0
	if age > 50 {
		ageFactor = 1.2
	}
	if goal == model.GoalWeightLoss {
		switch {
		case f <= 3:
			return 100
		case f <= 10:
			return 80
		default:
			return math.Max(0, 60-(f-10)*ageFactor)
		}
	}
	switch {
	case f <= 10:
		return 90
	case f <= 20:
		return math.Max(0, 70-(f-10)*ageFactor*0.8)
	default:
		return math.Max(0, 40-(f-20)*ageFactor)
	}
}

func carbScore(c float64, goal string, activity float64) float64 {
	bonus := activity * 5
	switch goal {
	case model.GoalMuscleGain:
		return math.Min(100, 60+bonus+math.Min(c*0.3, 30))
	case model.GoalWeightLoss:
		if c <= 20 {
			return 80 + bonus
		}
		return math.Max(0, 60-(c-20)*0.5+bonus)
	default:
		if c >= 20 && c <= 40 {
			return 85 + bonus
		}
		return math.Max(0, 70-math.Abs(c-30)*0.5+bonus)
	}
}

func ageAdjustment(age int, protein, fat, sugar float64) float64 {
	var adj float64
	switch {
	case age < 25:
		if protein < 8 {
			adj -= 5
		}
	case age > 50:
		if fat > 10 {
			adj -= 3
		}
		if sugar > 5 {
			adj -= 2
		}
	}
	return adj
}

func bmiAdjustment(bmi, calories, fat float64) float64 {
	var adj float64
	switch {
	case bmi > 30:
		if calories > 200 {
			adj -= 8
		}
		if fat > 10 {
			adj -= 5
		}
	case bmi < 18.5:
		if calories < 200 {
			adj += 5
		}
	}
	return adj
}

// describe 为模型结果生成简短说明。
func describe(v []float64) string {
	var notes []string
	switch {
	case v[fProtein] > 15:
		notes = append(notes, "high protein")
	case v[fProtein] < 5:
		notes = append(notes, "low protein")
	}
	switch {
	case v[fSugar] > 10:
		notes = append(notes, "high sugar")
	case v[fSugar] < 2:
		notes = append(notes, "low sugar")
	}
	switch {
	case v[fFat] > 20:
		notes = append(notes, "high fat")
	case v[fFat] < 3:
		notes = append(notes, "low fat")
	}
	switch {
	case v[fCalories] > 400:
		notes = append(notes, "energy dense")
	case v[fCalories] < 50:
		notes = append(notes, "low energy")
	}
	notes = append(notes, fmt.Sprintf("portion is %.0f%% of the daily calorie target", v[fCalorieShare]*100))
	return strings.Join(notes, ", ")
}
