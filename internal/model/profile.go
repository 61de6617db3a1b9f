package model

import "strings"

// UserProfile 映射协作方维护的 user_profiles 表，本服务只读。
type UserProfile struct {
	ID               uint     `gorm:"primaryKey" json:"id"`
	Name             string   `json:"name"`
	Age              int      `json:"age"`
	WeightKg         float64  `gorm:"column:weight_kg" json:"weight_kg"`
	HeightCm         float64  `gorm:"column:height_cm" json:"height_cm"`
	Gender           string   `json:"gender"`
	ActivityLevel    string   `json:"activity_level"`
	Goal             string   `json:"goal"`
	Allergies        string   `json:"allergies"`
	HealthConditions string   `json:"health_conditions"`
	FitnessGoal      string   `json:"fitness_goal"`
	TargetCalories   *float64 `json:"target_calories"`
	TargetProtein    *float64 `json:"target_protein"`
	TargetCarbs      *float64 `json:"target_carbs"`
	TargetFats       *float64 `json:"target_fats"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}

// UserGoal 映射 user_goals 表。
type UserGoal struct {
	ID           uint     `gorm:"primaryKey"`
	UserID       uint     `gorm:"index"`
	CaloriesGoal *float64 `gorm:"column:calories_goal"`
	ProteinGoal  *float64 `gorm:"column:protein_goal"`
	CarbsGoal    *float64 `gorm:"column:carbs_goal"`
	FatsGoal     *float64 `gorm:"column:fats_goal"`
}

func (UserGoal) TableName() string {
	return "user_goals"
}

// BMI 按 kg / m² 计算，身高缺失时返回 0。
func (p *UserProfile) BMI() float64 {
	if p == nil || p.HeightCm <= 0 || p.WeightKg <= 0 {
		return 0
	}
	h := p.HeightCm / 100
	return p.WeightKg / (h * h)
}

// ActivityScore 将 low/medium/high 映射为 1/2/3，未知取 1。
func ActivityScore(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "medium", "moderate":
		return 2
	case "high", "active", "very_active":
		return 3
	default:
		return 1
	}
}

// 目标类别。
const (
	GoalMuscleGain    = "muscle_gain"
	GoalWeightLoss    = "weight_loss"
	GoalMaintenance   = "maintenance"
	GoalGeneralHealth = "general_health"
)

// NormalizeGoal 把自由文本目标归入四个类别之一。
func NormalizeGoal(goal string) string {
	g := strings.ToLower(goal)
	switch {
	case strings.Contains(g, "muscle") || strings.Contains(g, "gain"):
		return GoalMuscleGain
	case strings.Contains(g, "loss") || strings.Contains(g, "lose") || strings.Contains(g, "weight"):
		return GoalWeightLoss
	case strings.Contains(g, "maintain") || strings.Contains(g, "maintenance"):
		return GoalMaintenance
	default:
		return GoalGeneralHealth
	}
}

// DailyTargets 是每日营养目标。
type DailyTargets struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// DefaultTargets 在用户未设置目标时使用。
var DefaultTargets = DailyTargets{Calories: 2000, Protein: 100, Carbs: 250, Fat: 70}

// UserContext 是一次请求使用的用户上下文。Known 为 false 表示画像缺失，使用默认值。
type UserContext struct {
	SubjectID string       `json:"subject_id"`
	Profile   *UserProfile `json:"profile,omitempty"`
	Targets   DailyTargets `json:"targets"`
	Known     bool         `json:"known"`
}

// Age 缺失时取 30。
func (u UserContext) Age() int {
	if u.Profile == nil || u.Profile.Age <= 0 {
		return 30
	}
	return u.Profile.Age
}

// BMI 缺失时取 25。
func (u UserContext) BMI() float64 {
	if bmi := u.Profile.BMI(); bmi > 0 {
		return bmi
	}
	return 25
}

func (u UserContext) Activity() int {
	if u.Profile == nil {
		return 1
	}
	return ActivityScore(u.Profile.ActivityLevel)
}

func (u UserContext) Goal() string {
	if u.Profile == nil {
		return GoalGeneralHealth
	}
	if u.Profile.FitnessGoal != "" {
		return NormalizeGoal(u.Profile.FitnessGoal)
	}
	return NormalizeGoal(u.Profile.Goal)
}

// AnonymousContext 返回带默认目标的匿名上下文。
func AnonymousContext(subjectID string) UserContext {
	return UserContext{SubjectID: subjectID, Targets: DefaultTargets}
}
