// Package classifier 负责推荐分类：特征提取、启发式标注、随机森林训练与运行时推理。
package classifier

import (
	"fmt"

	"nutri-advisor-go/internal/model"
)

// FeatureNames 是训练与推理共用的特征顺序，bundle 中保存一份用于校验。
var FeatureNames = []string{
	"calories_100g",
	"protein_100g",
	"carbs_100g",
	"fat_100g",
	"sugar_100g",
	"quantity_g",
	"portion_calories",
	"portion_protein",
	"protein_per_100kcal",
	"calorie_budget_share",
	"protein_target_share",
	"age",
	"bmi",
	"activity_level",
}

// 特征下标，与 FeatureNames 一致。
const (
	fCalories = iota
	fProtein
	fCarbs
	fFat
	fSugar
	fQuantity
	fPortionCalories
	fPortionProtein
	fProteinDensity
	fCalorieShare
	fProteinShare
	fAge
	fBMI
	fActivity
)

// Extract 从 (食物, 份量, 用户) 推导特征向量。
func Extract(fact model.NutritionFact, quantityG float64, user model.UserContext) model.ClassificationFeatures {
	portion := fact.Per100g().Scale(quantityG)
	values := make([]float64, len(FeatureNames))
	values[fCalories] = fact.Calories
	values[fProtein] = fact.Protein
	values[fCarbs] = fact.Carbs
	values[fFat] = fact.Fat
	values[fSugar] = fact.Sugar
	values[fQuantity] = quantityG
	values[fPortionCalories] = portion.Calories
	values[fPortionProtein] = portion.Protein
	if fact.Calories > 0 {
		values[fProteinDensity] = fact.Protein / fact.Calories * 100
	}
	if user.Targets.Calories > 0 {
		values[fCalorieShare] = portion.Calories / user.Targets.Calories
	}
	if user.Targets.Protein > 0 {
		values[fProteinShare] = portion.Protein / user.Targets.Protein
	}
	values[fAge] = float64(user.Age())
	values[fBMI] = user.BMI()
	values[fActivity] = float64(user.Activity())

	names := make([]string, len(FeatureNames))
	copy(names, FeatureNames)
	return model.ClassificationFeatures{Names: names, Values: values}
}

// checkLayout 校验特征名与顺序完全一致。
func checkLayout(want []string, got model.ClassificationFeatures) error {
	if len(got.Values) != len(want) || len(got.Names) != len(want) {
		return fmt.Errorf("feature length %d, want %d", len(got.Values), len(want))
	}
	for i := range want {
		if got.Names[i] != want[i] {
			return fmt.Errorf("feature %d is %q, want %q", i, got.Names[i], want[i])
		}
	}
	return nil
}
