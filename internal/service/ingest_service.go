// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/pkg/foodapi"
	"nutri-advisor-go/pkg/log"
)

// FoodProvider 是外部食品数据源。
type FoodProvider interface {
	SearchByName(ctx context.Context, name string) (*foodapi.Record, error)
	LookupBarcode(ctx context.Context, barcode string) (*foodapi.Record, error)
}

// IngestItem 是一次导入请求，Barcode 优先于 Query。
type IngestItem struct {
	Query   string `json:"query"`
	Barcode string `json:"barcode"`
}

func (i IngestItem) validate() error {
	if strings.TrimSpace(i.Query) == "" && strings.TrimSpace(i.Barcode) == "" {
		return model.NewValidationError("ingest", "query or barcode is required")
	}
	return nil
}

// IngestOutcome 描述一次导入对事实库的影响。
type IngestOutcome string

const (
	OutcomeCreated IngestOutcome = "created"
	OutcomeReused  IngestOutcome = "reused"
	OutcomeRevised IngestOutcome = "revised"
)

// IngestFailure 是批量导入中失败的一项。
type IngestFailure struct {
	Item  IngestItem      `json:"item"`
	Kind  model.ErrorKind `json:"kind"`
	Error string          `json:"error"`
}

// IngestReport 汇总批量导入结果。
type IngestReport struct {
	Facts    []model.NutritionFact `json:"facts"`
	Created  int                   `json:"created"`
	Reused   int                   `json:"reused"`
	Revised  int                   `json:"revised"`
	Failures []IngestFailure       `json:"failures"`
}

// IngestService 负责按名称或条码获取营养事实，优先复用已缓存的记录。
type IngestService interface {
	// Resolve 返回食物的最新事实，缓存未命中时访问外部数据源。
	Resolve(ctx context.Context, item IngestItem) (*model.NutritionFact, error)
	// Refresh 总是访问外部数据源，数据变化时追加新 revision。
	Refresh(ctx context.Context, item IngestItem) (*model.NutritionFact, IngestOutcome, error)
	// Ingest 按 refresh 选择 Refresh 或带结果标记的 Resolve。
	Ingest(ctx context.Context, item IngestItem, refresh bool) (*model.NutritionFact, IngestOutcome, error)
	IngestBatch(ctx context.Context, items []IngestItem, refresh bool) IngestReport
}

type ingestService struct {
	repo     repository.FactRepository
	provider FoodProvider

	mu      sync.Mutex
	aliases sync.Map // 查询名 → identity
}

// NewIngestService 创建导入服务。provider 为 nil 时只读缓存。
func NewIngestService(repo repository.FactRepository, provider FoodProvider) IngestService {
	return &ingestService{repo: repo, provider: provider}
}

func (s *ingestService) Resolve(ctx context.Context, item IngestItem) (*model.NutritionFact, error) {
	if err := item.validate(); err != nil {
		return nil, err
	}
	cached, err := s.cached(ctx, item)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		log.Debugf("[IngestService] 命中缓存: %s rev %d", cached.Identity, cached.Revision)
		return cached, nil
	}
	fact, _, err := s.fetchAndStore(ctx, item, false)
	return fact, err
}

func (s *ingestService) Refresh(ctx context.Context, item IngestItem) (*model.NutritionFact, IngestOutcome, error) {
	if err := item.validate(); err != nil {
		return nil, "", err
	}
	return s.fetchAndStore(ctx, item, true)
}

func (s *ingestService) IngestBatch(ctx context.Context, items []IngestItem, refresh bool) IngestReport {
	report := IngestReport{Facts: []model.NutritionFact{}, Failures: []IngestFailure{}}
	for _, item := range items {
		var (
			fact    *model.NutritionFact
			outcome IngestOutcome
			err     error
		)
		fact, outcome, err = s.Ingest(ctx, item, refresh)
		if err != nil {
			log.Warnf("[IngestService] 导入失败: query=%q barcode=%q error=%v", item.Query, item.Barcode, err)
			report.Failures = append(report.Failures, IngestFailure{Item: item, Kind: model.KindOf(err), Error: err.Error()})
			continue
		}
		report.Facts = append(report.Facts, *fact)
		switch outcome {
		case OutcomeCreated:
			report.Created++
		case OutcomeRevised:
			report.Revised++
		default:
			report.Reused++
		}
	}
	log.Infof("[IngestService] 批量导入完成: 新增 %d, 复用 %d, 修订 %d, 失败 %d",
		report.Created, report.Reused, report.Revised, len(report.Failures))
	return report
}

func (s *ingestService) Ingest(ctx context.Context, item IngestItem, refresh bool) (*model.NutritionFact, IngestOutcome, error) {
	if refresh {
		return s.Refresh(ctx, item)
	}
	if err := item.validate(); err != nil {
		return nil, "", err
	}
	cached, err := s.cached(ctx, item)
	if err != nil {
		return nil, "", err
	}
	if cached != nil {
		return cached, OutcomeReused, nil
	}
	return s.fetchAndStore(ctx, item, false)
}

// cached 依次按条码、查询别名、名称键查找，未命中返回 nil。
func (s *ingestService) cached(ctx context.Context, item IngestItem) (*model.NutritionFact, error) {
	var (
		fact *model.NutritionFact
		err  error
	)
	switch {
	case strings.TrimSpace(item.Barcode) != "":
		fact, err = s.repo.FindLatestByBarcode(ctx, strings.TrimSpace(item.Barcode))
	default:
		key := model.NameKey(item.Query)
		if identity, ok := s.aliases.Load(key); ok {
			fact, err = s.repo.FindLatestByIdentity(ctx, identity.(string))
		} else {
			fact, err = s.repo.FindLatestByNameKey(ctx, key)
		}
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cached fact: %w", err)
	}
	return fact, nil
}

func (s *ingestService) fetchAndStore(ctx context.Context, item IngestItem, refresh bool) (*model.NutritionFact, IngestOutcome, error) {
	if s.provider == nil {
		return nil, "", model.NewNotFoundError("ingest", "no cached fact for %q and no provider configured", describeItem(item))
	}
	var (
		rec *foodapi.Record
		err error
	)
	if barcode := strings.TrimSpace(item.Barcode); barcode != "" {
		log.Infof("[IngestService] 按条码查询外部数据源: %s", barcode)
		rec, err = s.provider.LookupBarcode(ctx, barcode)
	} else {
		log.Infof("[IngestService] 按名称查询外部数据源: %s", item.Query)
		rec, err = s.provider.SearchByName(ctx, item.Query)
	}
	if err != nil {
		return nil, "", err
	}

	fact, outcome, err := s.store(ctx, rec, refresh)
	if err != nil {
		return nil, "", err
	}
	if item.Barcode == "" {
		s.aliases.Store(model.NameKey(item.Query), fact.Identity)
	}
	return fact, outcome, nil
}

// store 以 identity 为单位串行写入：指纹一致时复用，refresh 且指纹变化时追加新 revision。
func (s *ingestService) store(ctx context.Context, rec *foodapi.Record, refresh bool) (*model.NutritionFact, IngestOutcome, error) {
	fact := rec.Fact()
	fact.Fingerprint = Fingerprint(fact)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.FindLatestByIdentity(ctx, fact.Identity)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, "", fmt.Errorf("lookup fact %s: %w", fact.Identity, err)
	}
	if existing != nil {
		if existing.Fingerprint == fact.Fingerprint || !refresh {
			return existing, OutcomeReused, nil
		}
		if err := s.repo.Append(ctx, &fact); err != nil {
			return nil, "", fmt.Errorf("append revision for %s: %w", fact.Identity, err)
		}
		log.Infof("[IngestService] 数据已变化，追加修订: %s rev %d", fact.Identity, fact.Revision)
		return &fact, OutcomeRevised, nil
	}

	if err := s.repo.Append(ctx, &fact); err != nil {
		return nil, "", fmt.Errorf("append fact %s: %w", fact.Identity, err)
	}
	log.Infof("[IngestService] 新增营养事实: %s (%s)", fact.Identity, fact.Name)
	return &fact, OutcomeCreated, nil
}

// Fingerprint 对名称与每 100g 数值计算 xxhash，用于判断外部数据是否变化。
func Fingerprint(f model.NutritionFact) string {
	h := xxhash.New64()
	_, _ = fmt.Fprintf(h, "%s|%.4f|%.4f|%.4f|%.4f|%.4f", f.Name, f.Calories, f.Protein, f.Carbs, f.Fat, f.Sugar)
	return fmt.Sprintf("%016x", h.Sum64())
}

func describeItem(item IngestItem) string {
	if item.Barcode != "" {
		return item.Barcode
	}
	return item.Query
}
