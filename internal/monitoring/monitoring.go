// Package monitoring 负责预测记录的追加、反馈回填、窗口聚合与 CSV 导出。
package monitoring

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/pkg/log"
	"nutri-advisor-go/pkg/storage"
)

// Publisher 把记录转发给下游（如 Kafka），失败不影响本地写入。
type Publisher interface {
	Publish(ctx context.Context, rec model.MonitoringRecord) error
}

type Service struct {
	repo      repository.MonitoringRepository
	publisher Publisher
	store     storage.ArtifactStore
	cfg       config.MonitoringConfig
	now       func() time.Time
}

// NewService 创建监控服务，publisher 与 store 可以为 nil。
func NewService(repo repository.MonitoringRepository, publisher Publisher, store storage.ArtifactStore, cfg config.MonitoringConfig) *Service {
	if cfg.DefaultWindowDays <= 0 {
		cfg.DefaultWindowDays = 7
	}
	if cfg.ExportPrefix == "" {
		cfg.ExportPrefix = "exports/monitoring"
	}
	return &Service{repo: repo, publisher: publisher, store: store, cfg: cfg, now: time.Now}
}

// Record 追加一条记录，并填充 ID 与创建时间。
func (s *Service) Record(ctx context.Context, rec *model.MonitoringRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.repo.Append(ctx, rec); err != nil {
		return err
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *rec); err != nil {
			log.Warnf("[Monitoring] 转发监控记录失败, id: %s, error: %v", rec.ID, err)
		}
	}
	return nil
}

// AttachFeedback 为已有记录追加反馈。
func (s *Service) AttachFeedback(ctx context.Context, fb *model.Feedback) error {
	fb.RecordID = strings.TrimSpace(fb.RecordID)
	fb.Label = strings.ToLower(strings.TrimSpace(fb.Label))
	if fb.RecordID == "" {
		return model.NewValidationError("feedback", "record_id is required")
	}
	switch fb.Label {
	case "", model.FeedbackPositive, model.FeedbackNegative, model.FeedbackNeutral:
	default:
		return model.NewValidationError("feedback", "label must be positive, negative or neutral")
	}
	if fb.Score < 0 || fb.Score > 5 {
		return model.NewValidationError("feedback", "score must be between 1 and 5")
	}
	if fb.Label == "" && fb.Score == 0 {
		return model.NewValidationError("feedback", "label or score is required")
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now().UTC()
	}
	if err := s.repo.AppendFeedback(ctx, fb); err != nil {
		return err
	}
	log.Infof("[Monitoring] 已记录反馈: record=%s label=%s score=%d", fb.RecordID, fb.Label, fb.Score)
	return nil
}

func (s *Service) window(days int) (int, time.Time, error) {
	if days == 0 {
		days = s.cfg.DefaultWindowDays
	}
	if days < 0 || days > 365 {
		return 0, time.Time{}, model.NewValidationError("monitoring", "days must be between 1 and 365")
	}
	return days, s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour), nil
}

// Records 返回最近 days 天的记录及其最新反馈，days 为 0 时使用默认窗口。
func (s *Service) Records(ctx context.Context, days int) ([]model.RecordWithFeedback, error) {
	_, since, err := s.window(days)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSince(ctx, since)
}

// Summary 计算最近 days 天的聚合指标。
func (s *Service) Summary(ctx context.Context, days int) (*model.MonitoringSummary, error) {
	days, since, err := s.window(days)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	summary := Aggregate(records)
	summary.WindowDays = days
	summary.Since = since
	return &summary, nil
}

// Aggregate 汇总记录。准确率代理只统计有推荐结果且反馈标签为正或负的记录。
func Aggregate(records []model.RecordWithFeedback) model.MonitoringSummary {
	sum := model.MonitoringSummary{
		ByVerifierStatus: make(map[model.VerificationStatus]int),
		BySource:         make(map[string]int),
		ByClassifier:     make(map[string]int),
	}
	var confidenceTotal float64
	var classified int
	for _, r := range records {
		sum.Total++
		if r.Degraded {
			sum.Degraded++
		}
		if r.VerifierStatus != "" {
			sum.ByVerifierStatus[r.VerifierStatus]++
		}
		if r.GenerationSource != "" {
			sum.BySource[r.GenerationSource]++
		}
		if r.Recommended == nil {
			continue
		}
		classified++
		confidenceTotal += r.Confidence
		if r.ClassifierSource != "" {
			sum.ByClassifier[r.ClassifierSource]++
		}
		if *r.Recommended {
			sum.Recommended++
		}
		if r.Feedback == nil {
			continue
		}
		label := r.Feedback.PositiveLabel()
		if label < 0 {
			continue
		}
		sum.WithFeedback++
		if (label == 1) == *r.Recommended {
			sum.Agreements++
		}
	}
	if classified > 0 {
		sum.MeanConfidence = round4(confidenceTotal / float64(classified))
	}
	if sum.WithFeedback > 0 {
		acc := round4(float64(sum.Agreements) / float64(sum.WithFeedback))
		sum.AccuracyProxy = &acc
	}
	return sum
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// csvHeader 是导出文件的列顺序，离线训练按列名读取。
var csvHeader = []string{
	"id", "created_at", "request_id", "endpoint", "subject_id", "food", "fact_identity", "quantity_g",
	"recommended", "confidence", "classifier_source", "model_version", "verifier_status",
	"generation_source", "degraded", "total_ms", "feature_names", "features",
	"feedback_label", "feedback_score", "feedback_positive",
}

// WriteCSV 把记录写为 CSV，返回写出的数据行数。
func WriteCSV(w io.Writer, records []model.RecordWithFeedback) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, err
	}
	for _, r := range records {
		recommended := ""
		if r.Recommended != nil {
			recommended = strconv.FormatBool(*r.Recommended)
		}
		names, _ := json.Marshal(r.FeatureNames)
		values, _ := json.Marshal(r.Features)
		label, score, positive := "", "", ""
		if r.Feedback != nil {
			label = r.Feedback.Label
			score = strconv.Itoa(r.Feedback.Score)
			positive = strconv.Itoa(r.Feedback.PositiveLabel())
		}
		row := []string{
			r.ID,
			r.CreatedAt.UTC().Format(time.RFC3339),
			r.RequestID,
			r.Endpoint,
			r.SubjectID,
			r.Food,
			r.FactIdentity,
			strconv.FormatFloat(r.Quantity, 'f', -1, 64),
			recommended,
			strconv.FormatFloat(r.Confidence, 'f', 4, 64),
			r.ClassifierSource,
			r.ModelVersion,
			string(r.VerifierStatus),
			r.GenerationSource,
			strconv.FormatBool(r.Degraded),
			strconv.FormatFloat(r.TotalMs, 'f', 3, 64),
			string(names),
			string(values),
			label,
			score,
			positive,
		}
		if err := cw.Write(row); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	return len(records), cw.Error()
}

// ExportCSV 把最近 days 天的记录写入 w。
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, days int) (int, error) {
	records, err := s.Records(ctx, days)
	if err != nil {
		return 0, err
	}
	return WriteCSV(w, records)
}

// ExportToStore 把 CSV 写入产物存储，返回对象键与行数。
func (s *Service) ExportToStore(ctx context.Context, days int) (string, int, error) {
	if s.store == nil {
		return "", 0, fmt.Errorf("no artifact store configured")
	}
	var buf bytes.Buffer
	rows, err := s.ExportCSV(ctx, &buf, days)
	if err != nil {
		return "", 0, err
	}
	key := fmt.Sprintf("%s/%s.csv", strings.TrimSuffix(s.cfg.ExportPrefix, "/"), s.now().UTC().Format("20060102T150405Z"))
	if err := s.store.Put(ctx, key, buf.Bytes(), "text/csv"); err != nil {
		return "", 0, err
	}
	log.Infof("[Monitoring] 监控记录已导出: key=%s rows=%d", key, rows)
	return key, rows, nil
}

// Ping 检查监控库是否可用。
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
