// Command trainer 从事实库与用户反馈训练推荐分类器，并写入产物存储。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"

	"nutri-advisor-go/internal/classifier"
	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/pkg/database"
	"nutri-advisor-go/pkg/foodapi"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/storage"
)

// trainingReport 随每个 bundle 写出，记录数据来源与评估结果。
type trainingReport struct {
	Version       string             `json:"version"`
	RuleVersion   string             `json:"rule_version"`
	CreatedAt     time.Time          `json:"created_at"`
	Facts         int                `json:"facts"`
	SyntheticSize int                `json:"synthetic_examples"`
	FeedbackSize  int                `json:"feedback_examples"`
	FeedbackSince time.Time          `json:"feedback_since"`
	Params        classifier.Params  `json:"params"`
	Metrics       classifier.Metrics `json:"metrics"`
	BundleKey     string             `json:"bundle_key"`
	DryRun        bool               `json:"dry_run"`
}

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	foodsPath := flag.String("foods", "", "未配置 MySQL 时导入的食物清单，每行一个名称或 barcode:<条码>")
	dryRun := flag.Bool("dry-run", false, "只训练和评估，不写入产物")
	flag.Parse()

	_ = godotenv.Load()
	config.Init(*configPath)
	cfg := config.Conf
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, *foodsPath, *dryRun); err != nil {
		log.Fatalf("[Trainer] 训练失败: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, foodsPath string, dryRun bool) error {
	// 1. 读取事实语料
	factRepo, err := openFacts(ctx, cfg, foodsPath)
	if err != nil {
		return err
	}
	facts, err := factRepo.ListLatest(ctx)
	if err != nil {
		return fmt.Errorf("读取事实库失败: %w", err)
	}
	if len(facts) == 0 {
		return fmt.Errorf("事实库为空，无法训练")
	}
	log.Infof("[Trainer] 步骤1: 读取到 %d 条事实", len(facts))

	// 2. 合成样本 + 最近的用户反馈
	examples := classifier.SyntheticExamples(facts, cfg.Classifier.Seed)
	synthetic := len(examples)

	since := time.Now().UTC().Add(-time.Duration(cfg.Classifier.FeedbackDays) * 24 * time.Hour)
	var feedback []classifier.Example
	monitoringRepo, err := repository.NewMonitoringRepository(cfg.Database.SQLite.Path)
	if err != nil {
		log.Warnf("[Trainer] 监控库不可用，只使用合成样本: %v", err)
	} else {
		defer monitoringRepo.Close()
		records, err := monitoringRepo.ListSince(ctx, since)
		if err != nil {
			log.Warnf("[Trainer] 读取反馈失败，只使用合成样本: %v", err)
		} else {
			feedback = classifier.FeedbackExamples(records)
		}
	}
	examples = append(examples, feedback...)
	log.Infof("[Trainer] 步骤2: 合成样本 %d 条, 反馈样本 %d 条", synthetic, len(feedback))

	// 3. 训练与评估
	params := classifier.Params{
		Trees:    cfg.Classifier.Trees,
		MaxDepth: cfg.Classifier.MaxDepth,
		MinLeaf:  cfg.Classifier.MinLeaf,
		Seed:     cfg.Classifier.Seed,
		Scale:    cfg.Classifier.Scale,
	}
	bundle, err := classifier.Train(examples, params, cfg.Classifier.HoldoutFrac)
	if err != nil {
		return err
	}
	bundle.Metrics.FeedbackExamples = len(feedback)

	report := trainingReport{
		Version:       bundle.Version,
		RuleVersion:   bundle.RuleVersion,
		CreatedAt:     bundle.CreatedAt,
		Facts:         len(facts),
		SyntheticSize: synthetic,
		FeedbackSize:  len(feedback),
		FeedbackSince: since,
		Params:        params,
		Metrics:       bundle.Metrics,
		BundleKey:     cfg.Classifier.BundleKey,
		DryRun:        dryRun,
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Println(string(reportJSON))
		return nil
	}

	// 4. 写入 bundle 与训练报告
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if err := classifier.SaveBundle(ctx, store, cfg.Classifier.BundleKey, bundle); err != nil {
		return fmt.Errorf("写入模型失败: %w", err)
	}
	reportKey := "classifier/reports/" + bundle.Version + ".json"
	if err := store.Put(ctx, reportKey, reportJSON, "application/json"); err != nil {
		return fmt.Errorf("写入训练报告失败: %w", err)
	}
	log.Infof("[Trainer] 步骤4: 模型 %s 已写入 %s, 报告 %s", bundle.Version, cfg.Classifier.BundleKey, reportKey)
	return nil
}

// openFacts 优先使用 MySQL 事实库，否则把 foods 清单导入内存事实库。
func openFacts(ctx context.Context, cfg config.Config, foodsPath string) (repository.FactRepository, error) {
	if cfg.Database.MySQL.DSN != "" {
		db, err := database.InitMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		return repository.NewFactRepository(db), nil
	}
	if foodsPath == "" {
		return nil, fmt.Errorf("未配置 MySQL 时必须通过 -foods 提供食物清单")
	}
	items, err := readFoods(foodsPath)
	if err != nil {
		return nil, err
	}
	repo := repository.NewMemoryFactRepository()
	report := service.NewIngestService(repo, foodapi.NewClient(cfg.FoodAPI)).IngestBatch(ctx, items, false)
	log.Infof("[Trainer] 从清单导入 %d 条事实, 失败 %d", len(report.Facts), len(report.Failures))
	return repo, nil
}

func readFoods(path string) ([]service.IngestItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []service.IngestItem
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if code, ok := strings.CutPrefix(line, "barcode:"); ok {
			items = append(items, service.IngestItem{Barcode: strings.TrimSpace(code)})
			continue
		}
		items = append(items, service.IngestItem{Query: line})
	}
	return items, scanner.Err()
}

func openStore(ctx context.Context, cfg config.Config) (storage.ArtifactStore, error) {
	if cfg.MinIO.Enabled {
		return storage.NewMinIOStore(ctx, cfg.MinIO)
	}
	return storage.NewFSStore(afero.NewOsFs(), cfg.Artifacts.LocalDir)
}
