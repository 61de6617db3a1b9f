// Package orchestrator 串联一次推荐请求的各个阶段：
// ValidateInput → LoadContext → Classify ∥ Retrieve → Verify → Generate → Record。
// 只有输入校验失败会终止请求，其他阶段失败时降级并在阶段报告中标记。
package orchestrator

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nutri-advisor-go/internal/classifier"
	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/generation"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/internal/service"
	"nutri-advisor-go/internal/verifier"
	"nutri-advisor-go/pkg/log"
)

// Recorder 追加监控记录，成功后 rec.ID 被填充。
type Recorder interface {
	Record(ctx context.Context, rec *model.MonitoringRecord) error
}

// Sanitizer 去除用户输入中的标记。
type Sanitizer interface {
	Sanitize(s string) string
}

// Dependencies 中除 Retrieval、Verifier、Generator 外都可以为 nil。
type Dependencies struct {
	Profiles      repository.ProfileRepository
	Ingest        service.IngestService
	Retrieval     service.RetrievalService
	Classifier    classifier.Classifier
	Verifier      *verifier.Verifier
	Generator     *generation.Service
	Monitor       Recorder
	Conversations service.ConversationService
	Sanitizer     Sanitizer
}

type Options struct {
	DefaultK       int
	MatchThreshold float64
	MaxInputLen    int
	MaxQuantityG   float64
	RecordTimeout  time.Duration
}

// OptionsFromConfig 从全局配置读取编排参数。
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DefaultK:       cfg.Retrieval.DefaultK,
		MatchThreshold: cfg.Retrieval.MatchThreshold,
		MaxInputLen:    cfg.Admission.MaxInputLen,
		MaxQuantityG:   cfg.Admission.MaxQuantityG,
		RecordTimeout:  2 * time.Second,
	}
}

type Orchestrator struct {
	deps Dependencies
	opts Options
}

func New(deps Dependencies, opts Options) *Orchestrator {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 5
	}
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = 0.8
	}
	if opts.MaxInputLen <= 0 {
		opts.MaxInputLen = 500
	}
	if opts.MaxQuantityG <= 0 {
		opts.MaxQuantityG = 5000
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 2 * time.Second
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// stageOrder 是阶段报告的固定输出顺序。
var stageOrder = []model.Stage{
	model.StageValidate,
	model.StageLoadContext,
	model.StageClassify,
	model.StageRetrieve,
	model.StageVerify,
	model.StageGenerate,
	model.StageRecord,
}

// tracker 记录每个阶段的状态与耗时，Classify 与 Retrieve 会并发写入。
type tracker struct {
	start   time.Time
	mu      sync.Mutex
	reports map[model.Stage]model.StageReport
}

func newTracker() *tracker {
	return &tracker{start: time.Now(), reports: make(map[model.Stage]model.StageReport)}
}

// run 执行一个阶段。fn 返回的 error 只写入报告，不会中断流程。
func (t *tracker) run(stage model.Stage, fn func() (model.StageStatus, error)) {
	start := time.Now()
	status, err := fn()
	rep := model.StageReport{Stage: stage, Status: status, DurationMs: millis(time.Since(start))}
	if err != nil {
		rep.ErrorKind = model.KindOf(err)
		rep.Message = err.Error()
	}
	t.mu.Lock()
	t.reports[stage] = rep
	t.mu.Unlock()
}

func (t *tracker) degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.reports {
		if r.Status == model.StageDegraded || r.Status == model.StageFailed {
			return true
		}
	}
	return false
}

func (t *tracker) stageErrors() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string)
	for stage, r := range t.reports {
		if r.ErrorKind != "" {
			out[string(stage)] = string(r.ErrorKind)
		}
	}
	return out
}

func (t *tracker) elapsed() float64 {
	return millis(time.Since(t.start))
}

// finish 按固定顺序输出阶段报告、耗时表与总耗时。
func (t *tracker) finish() ([]model.StageReport, map[string]float64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reports := make([]model.StageReport, 0, len(t.reports))
	timings := make(map[string]float64, len(t.reports))
	for _, stage := range stageOrder {
		if r, ok := t.reports[stage]; ok {
			reports = append(reports, r)
			timings[string(stage)] = r.DurationMs
		}
	}
	total := millis(time.Since(t.start))
	timings["total"] = total
	return reports, timings, total
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())) / 1000
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// cleanText 清洗并校验自由文本输入。
func (o *Orchestrator) cleanText(field, value string, required bool) (string, error) {
	if o.deps.Sanitizer != nil {
		value = o.deps.Sanitizer.Sanitize(value)
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", model.NewValidationError("validate", "%s is required", field)
	}
	if len([]rune(value)) > o.opts.MaxInputLen {
		return "", model.NewValidationError("validate", "%s exceeds %d characters", field, o.opts.MaxInputLen)
	}
	return value, nil
}

func (o *Orchestrator) checkQuantity(q float64) error {
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return model.NewValidationError("validate", "quantity must be a positive number of grams")
	}
	if q > o.opts.MaxQuantityG {
		return model.NewValidationError("validate", "quantity must not exceed %.0f g", o.opts.MaxQuantityG)
	}
	return nil
}

// loadUser 读取用户画像；用户不存在时使用匿名上下文且不算降级。
func (o *Orchestrator) loadUser(ctx context.Context, subjectID string) (model.UserContext, error) {
	if o.deps.Profiles == nil {
		return model.AnonymousContext(subjectID), nil
	}
	user, err := o.deps.Profiles.GetUserContext(ctx, subjectID)
	if errors.Is(err, model.ErrNotFound) {
		return model.AnonymousContext(subjectID), nil
	}
	if err != nil {
		log.Warnf("[Orchestrator] 读取用户画像失败, subject: %s, error: %v", subjectID, err)
		return model.AnonymousContext(subjectID), err
	}
	return user, nil
}

// resolveFact 通过导入服务获取食物事实。
func (o *Orchestrator) resolveFact(ctx context.Context, food string) (*model.NutritionFact, error) {
	if o.deps.Ingest == nil {
		return nil, model.NewNotFoundError("load_context", "no fact source configured for %q", food)
	}
	return o.deps.Ingest.Resolve(ctx, service.IngestItem{Query: food})
}

// matchEvidence 在没有直接解析到事实时，用相似度足够高的首条证据作为核验基准。
func (o *Orchestrator) matchEvidence(evidence []model.Evidence) *model.NutritionFact {
	if len(evidence) == 0 || evidence[0].Similarity < o.opts.MatchThreshold {
		return nil
	}
	f := evidence[0].Fact
	return &f
}

// record 在独立于请求取消的上下文中写入监控记录。
func (o *Orchestrator) record(ctx context.Context, t *tracker, rec *model.MonitoringRecord) string {
	if o.deps.Monitor == nil {
		t.run(model.StageRecord, func() (model.StageStatus, error) { return model.StageSkipped, nil })
		return ""
	}
	var id string
	t.run(model.StageRecord, func() (model.StageStatus, error) {
		rec.Degraded = t.degraded()
		rec.StageErrors = t.stageErrors()
		rec.TotalMs = t.elapsed()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.RecordTimeout)
		defer cancel()
		if err := o.deps.Monitor.Record(rctx, rec); err != nil {
			log.Warnf("[Orchestrator] 写入监控记录失败: %v", err)
			return model.StageFailed, err
		}
		id = rec.ID
		return model.StageOK, nil
	})
	return id
}

func mismatchError(res model.VerificationResult) error {
	if res.Status != model.StatusCorrected {
		return nil
	}
	fields := make([]string, 0, len(res.Corrected))
	for _, c := range res.Checks {
		if c.Flagged {
			fields = append(fields, c.Field)
		}
	}
	return &model.Error{Kind: model.KindVerificationMismatch, Op: "verify", Msg: "corrected " + strings.Join(fields, ", ")}
}
