package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"

	"nutri-advisor-go/internal/model"
)

// FactRepository 存放规整后的营养事实。记录只追加：同一 identity 的新数据写为新 revision。
type FactRepository interface {
	FindLatestByIdentity(ctx context.Context, identity string) (*model.NutritionFact, error)
	FindLatestByNameKey(ctx context.Context, nameKey string) (*model.NutritionFact, error)
	FindLatestByBarcode(ctx context.Context, barcode string) (*model.NutritionFact, error)
	// Append 写入 fact，Revision 由仓库分配为当前最大值加一。
	Append(ctx context.Context, fact *model.NutritionFact) error
	// ListLatest 返回每个 identity 的最新 revision，按写入顺序排列。
	ListLatest(ctx context.Context) ([]model.NutritionFact, error)
	Ping(ctx context.Context) error
}

type gormFactRepository struct {
	db *gorm.DB
}

// NewFactRepository 创建基于 GORM 的事实仓库。
func NewFactRepository(db *gorm.DB) FactRepository {
	return &gormFactRepository{db: db}
}

func (r *gormFactRepository) findLatest(ctx context.Context, column, value string) (*model.NutritionFact, error) {
	var fact model.NutritionFact
	err := r.db.WithContext(ctx).Where(column+" = ?", value).Order("revision DESC").First(&fact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.NewNotFoundError("facts.find", "%s=%s", column, value)
	}
	if err != nil {
		return nil, fmt.Errorf("query nutrition fact: %w", err)
	}
	return &fact, nil
}

func (r *gormFactRepository) FindLatestByIdentity(ctx context.Context, identity string) (*model.NutritionFact, error) {
	return r.findLatest(ctx, "identity", identity)
}

func (r *gormFactRepository) FindLatestByNameKey(ctx context.Context, nameKey string) (*model.NutritionFact, error) {
	return r.findLatest(ctx, "name_key", nameKey)
}

func (r *gormFactRepository) FindLatestByBarcode(ctx context.Context, barcode string) (*model.NutritionFact, error) {
	return r.findLatest(ctx, "barcode", barcode)
}

func (r *gormFactRepository) Append(ctx context.Context, fact *model.NutritionFact) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxRev int
		if err := tx.Model(&model.NutritionFact{}).
			Where("identity = ?", fact.Identity).
			Select("COALESCE(MAX(revision), 0)").
			Scan(&maxRev).Error; err != nil {
			return err
		}
		fact.ID = 0
		fact.Revision = maxRev + 1
		return tx.Create(fact).Error
	})
}

func (r *gormFactRepository) ListLatest(ctx context.Context) ([]model.NutritionFact, error) {
	latest := r.db.Model(&model.NutritionFact{}).
		Select("identity, MAX(revision) AS revision").
		Group("identity")
	var facts []model.NutritionFact
	err := r.db.WithContext(ctx).
		Table("nutrition_facts AS f").
		Select("f.*").
		Joins("JOIN (?) AS m ON f.identity = m.identity AND f.revision = m.revision", latest).
		Order("f.id").
		Find(&facts).Error
	if err != nil {
		return nil, fmt.Errorf("list nutrition facts: %w", err)
	}
	return facts, nil
}

func (r *gormFactRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// memoryFactRepository 在未配置 MySQL 时使用，进程退出即丢失。
type memoryFactRepository struct {
	mu    sync.RWMutex
	facts []model.NutritionFact
}

// NewMemoryFactRepository 创建进程内事实仓库。
func NewMemoryFactRepository() FactRepository {
	return &memoryFactRepository{}
}

func (r *memoryFactRepository) findLatest(match func(model.NutritionFact) bool, what string) (*model.NutritionFact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *model.NutritionFact
	for i := range r.facts {
		if match(r.facts[i]) && (best == nil || r.facts[i].Revision > best.Revision) {
			best = &r.facts[i]
		}
	}
	if best == nil {
		return nil, model.NewNotFoundError("facts.find", "%s", what)
	}
	out := *best
	return &out, nil
}

func (r *memoryFactRepository) FindLatestByIdentity(_ context.Context, identity string) (*model.NutritionFact, error) {
	return r.findLatest(func(f model.NutritionFact) bool { return f.Identity == identity }, identity)
}

func (r *memoryFactRepository) FindLatestByNameKey(_ context.Context, nameKey string) (*model.NutritionFact, error) {
	return r.findLatest(func(f model.NutritionFact) bool { return f.NameKey == nameKey }, nameKey)
}

func (r *memoryFactRepository) FindLatestByBarcode(_ context.Context, barcode string) (*model.NutritionFact, error) {
	return r.findLatest(func(f model.NutritionFact) bool { return f.Barcode != "" && f.Barcode == barcode }, barcode)
}

func (r *memoryFactRepository) Append(_ context.Context, fact *model.NutritionFact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev := 0
	for _, f := range r.facts {
		if f.Identity == fact.Identity && f.Revision > rev {
			rev = f.Revision
		}
	}
	fact.ID = uint(len(r.facts) + 1)
	fact.Revision = rev + 1
	r.facts = append(r.facts, *fact)
	return nil
}

func (r *memoryFactRepository) ListLatest(context.Context) ([]model.NutritionFact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	latest := make(map[string]int)
	for i, f := range r.facts {
		if j, ok := latest[f.Identity]; !ok || f.Revision > r.facts[j].Revision {
			latest[f.Identity] = i
		}
	}
	idx := make([]int, 0, len(latest))
	for _, i := range latest {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]model.NutritionFact, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.facts[i])
	}
	return out, nil
}

func (r *memoryFactRepository) Ping(context.Context) error { return nil }
