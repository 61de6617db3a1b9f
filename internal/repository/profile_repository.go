package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"nutri-advisor-go/internal/model"
)

// ProfileRepository 是用户画像的只读契约，数据由协作服务维护。
type ProfileRepository interface {
	GetUserContext(ctx context.Context, subjectID string) (model.UserContext, error)
}

type gormProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &gormProfileRepository{db: db}
}

// GetUserContext 读取画像与最新目标。subjectID 不是数字用户 ID 时返回 NotFound。
func (r *gormProfileRepository) GetUserContext(ctx context.Context, subjectID string) (model.UserContext, error) {
	uc := model.AnonymousContext(subjectID)
	id, err := strconv.ParseUint(subjectID, 10, 64)
	if err != nil {
		return uc, model.NewNotFoundError("profiles.get", "subject %q is not a registered user", subjectID)
	}

	var profile model.UserProfile
	err = r.db.WithContext(ctx).First(&profile, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uc, model.NewNotFoundError("profiles.get", "user %d", id)
	}
	if err != nil {
		return uc, fmt.Errorf("query user profile: %w", err)
	}
	uc.Profile = &profile
	uc.Known = true

	var goal model.UserGoal
	err = r.db.WithContext(ctx).Where("user_id = ?", id).Order("id DESC").First(&goal).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return uc, fmt.Errorf("query user goal: %w", err)
	}
	uc.Targets = ResolveTargets(&profile, &goal)
	return uc, nil
}

// ResolveTargets 优先使用目标表，其次画像中的目标，最后默认值。
func ResolveTargets(p *model.UserProfile, g *model.UserGoal) model.DailyTargets {
	t := model.DefaultTargets
	pick := func(dst *float64, values ...*float64) {
		for _, v := range values {
			if v != nil && *v > 0 {
				*dst = *v
				return
			}
		}
	}
	var goal model.UserGoal
	if g != nil {
		goal = *g
	}
	var profile model.UserProfile
	if p != nil {
		profile = *p
	}
	pick(&t.Calories, goal.CaloriesGoal, profile.TargetCalories)
	pick(&t.Protein, goal.ProteinGoal, profile.TargetProtein)
	pick(&t.Carbs, goal.CarbsGoal, profile.TargetCarbs)
	pick(&t.Fat, goal.FatsGoal, profile.TargetFats)
	return t
}
