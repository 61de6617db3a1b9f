package orchestrator

import (
	"context"
	"errors"

	"github.com/sourcegraph/conc"

	"nutri-advisor-go/internal/classifier"
	"nutri-advisor-go/internal/generation"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/verifier"
	"nutri-advisor-go/pkg/log"
)

// ExplainRequest 对应 explain 与 classify 接口的输入。
type ExplainRequest struct {
	RequestID string
	SubjectID string
	Food      string
	Quantity  float64
	Context   string
}

func (o *Orchestrator) validateFood(req *ExplainRequest) error {
	subject, err := o.cleanText("subject_id", req.SubjectID, true)
	if err != nil {
		return err
	}
	food, err := o.cleanText("food", req.Food, true)
	if err != nil {
		return err
	}
	extra, err := o.cleanText("context", req.Context, false)
	if err != nil {
		return err
	}
	if err := o.checkQuantity(req.Quantity); err != nil {
		return err
	}
	req.SubjectID, req.Food, req.Context = subject, food, extra
	return nil
}

// loadContext 读取用户上下文并解析食物事实，任一失败都降级而不中断。
func (o *Orchestrator) loadContext(ctx context.Context, t *tracker, subjectID, food string) (model.UserContext, *model.NutritionFact) {
	var (
		user model.UserContext
		fact *model.NutritionFact
	)
	t.run(model.StageLoadContext, func() (model.StageStatus, error) {
		var userErr, factErr error
		user, userErr = o.loadUser(ctx, subjectID)
		fact, factErr = o.resolveFact(ctx, food)
		if err := errors.Join(userErr, factErr); err != nil {
			return model.StageDegraded, err
		}
		return model.StageOK, nil
	})
	return user, fact
}

// classify 用模型分类，模型不可用时退回启发式规则。
func (o *Orchestrator) classify(fact *model.NutritionFact, quantity float64, user model.UserContext) (*model.ClassificationResult, *model.ClassificationFeatures, model.StageStatus, error) {
	if fact == nil {
		return nil, nil, model.StageSkipped, model.NewNotFoundError("classify", "food could not be resolved")
	}
	features := classifier.Extract(*fact, quantity, user)

	cause := error(model.NewModelUnavailableError("classify", nil))
	if o.deps.Classifier != nil {
		res, err := o.deps.Classifier.Classify(features)
		if err == nil {
			return &res, &features, model.StageOK, nil
		}
		if model.KindOf(err) != model.KindModelUnavailable {
			err = model.NewModelUnavailableError("classify", err)
		}
		cause = err
	}
	res, err := classifier.Heuristic(features, user.Goal())
	if err != nil {
		return nil, &features, model.StageFailed, err
	}
	log.Infof("[Orchestrator] 分类器不可用，使用启发式规则: %v", cause)
	return &res, &features, model.StageDegraded, cause
}

// Explain 执行完整流程并返回解释结果。只有输入校验错误会作为 error 返回。
func (o *Orchestrator) Explain(ctx context.Context, req ExplainRequest) (*model.ExplanationResult, error) {
	t := newTracker()
	result := &model.ExplanationResult{
		RequestID: requestID(req.RequestID),
		Food:      req.Food,
		Quantity:  req.Quantity,
		Citations: []int{},
		Evidence:  []model.Evidence{},
	}

	var verr error
	t.run(model.StageValidate, func() (model.StageStatus, error) {
		verr = o.validateFood(&req)
		if verr != nil {
			return model.StageFailed, verr
		}
		return model.StageOK, nil
	})
	if verr != nil {
		result.State = model.StateRejected
		result.Stages, result.Timings, result.TotalMs = t.finish()
		return result, verr
	}
	result.Food = req.Food

	user, fact := o.loadContext(ctx, t, req.SubjectID, req.Food)

	// Classify 与 Retrieve 没有数据依赖，并发执行。
	var (
		classification *model.ClassificationResult
		features       *model.ClassificationFeatures
		evidence       = []model.Evidence{}
	)
	var wg conc.WaitGroup
	wg.Go(func() {
		t.run(model.StageClassify, func() (model.StageStatus, error) {
			var (
				status model.StageStatus
				err    error
			)
			classification, features, status, err = o.classify(fact, req.Quantity, user)
			return status, err
		})
	})
	wg.Go(func() {
		t.run(model.StageRetrieve, func() (model.StageStatus, error) {
			ev, err := o.deps.Retrieval.Retrieve(ctx, req.Food, o.opts.DefaultK)
			if err != nil {
				return model.StageFailed, err
			}
			evidence = ev
			return model.StageOK, nil
		})
	})
	wg.Wait()

	var (
		basis    *model.NutritionFact
		expected *model.MacroSet
	)
	t.run(model.StageVerify, func() (model.StageStatus, error) {
		basis = fact
		status := model.StageOK
		if basis == nil {
			basis = o.matchEvidence(evidence)
			if basis == nil {
				return model.StageSkipped, model.NewNotFoundError("verify", "no nutrition fact to verify against")
			}
			status = model.StageDegraded
		}
		exp := verifier.Expected(*basis, req.Quantity)
		expected = &exp
		if status == model.StageDegraded {
			return status, model.NewNotFoundError("verify", "using closest evidence %s", basis.Identity)
		}
		return status, nil
	})

	// 食物未解析但找到了相近证据时，按该证据补做分类
	if fact == nil && basis != nil {
		t.run(model.StageClassify, func() (model.StageStatus, error) {
			var (
				status model.StageStatus
				err    error
			)
			classification, features, status, err = o.classify(basis, req.Quantity, user)
			if err == nil {
				status, err = model.StageDegraded, model.NewNotFoundError("classify", "classified against closest evidence %s", basis.Identity)
			}
			return status, err
		})
	}

	var out generation.Output
	verification := model.VerificationResult{Status: model.StatusUnverifiable, Quantity: req.Quantity, Checks: []model.FieldCheck{}}
	t.run(model.StageGenerate, func() (model.StageStatus, error) {
		var err error
		out, err = o.deps.Generator.Generate(ctx, generation.Request{
			Kind:           generation.KindExplain,
			Food:           req.Food,
			Quantity:       req.Quantity,
			Fact:           basis,
			Expected:       expected,
			Evidence:       evidence,
			Classification: classification,
			User:           user,
			Context:        req.Context,
		})
		if err != nil {
			return model.StageFailed, err
		}
		if basis != nil {
			out.Text, verification = o.deps.Verifier.Reconcile(out.Text, *basis, req.Quantity)
		}
		if out.Degraded {
			return model.StageDegraded, out.Cause
		}
		return model.StageOK, mismatchError(verification)
	})

	result.Text = out.Text
	if out.Citations != nil {
		result.Citations = out.Citations
	}
	result.Evidence = evidence
	result.Classification = classification
	result.Verification = &verification
	result.GenerationSource = out.Source

	rec := &model.MonitoringRecord{
		RequestID:        result.RequestID,
		Endpoint:         "explain",
		SubjectID:        req.SubjectID,
		Food:             req.Food,
		Quantity:         req.Quantity,
		VerifierStatus:   verification.Status,
		GenerationSource: out.Source,
	}
	fillClassification(rec, basis, features, classification)
	result.RecordID = o.record(ctx, t, rec)

	result.State = model.StateCompleted
	result.Degraded = t.degraded()
	result.Stages, result.Timings, result.TotalMs = t.finish()
	log.Infof("[Orchestrator] explain 完成: request=%s food=%q degraded=%t total=%.1fms",
		result.RequestID, result.Food, result.Degraded, result.TotalMs)
	return result, nil
}

// Classify 只执行校验、上下文加载、分类与记录。
func (o *Orchestrator) Classify(ctx context.Context, req ExplainRequest) (*model.ClassificationReport, error) {
	t := newTracker()
	report := &model.ClassificationReport{
		RequestID: requestID(req.RequestID),
		Food:      req.Food,
		Quantity:  req.Quantity,
	}

	var verr error
	t.run(model.StageValidate, func() (model.StageStatus, error) {
		verr = o.validateFood(&req)
		if verr != nil {
			return model.StageFailed, verr
		}
		return model.StageOK, nil
	})
	if verr != nil {
		report.State = model.StateRejected
		report.Stages, report.Timings, report.TotalMs = t.finish()
		return report, verr
	}
	report.Food = req.Food

	user, fact := o.loadContext(ctx, t, req.SubjectID, req.Food)
	t.run(model.StageClassify, func() (model.StageStatus, error) {
		var (
			status model.StageStatus
			err    error
		)
		report.Classification, report.Features, status, err = o.classify(fact, req.Quantity, user)
		return status, err
	})
	if fact != nil {
		report.FactIdentity = fact.Identity
	}

	rec := &model.MonitoringRecord{
		RequestID: report.RequestID,
		Endpoint:  "classify",
		SubjectID: req.SubjectID,
		Food:      req.Food,
		Quantity:  req.Quantity,
	}
	fillClassification(rec, fact, report.Features, report.Classification)
	report.RecordID = o.record(ctx, t, rec)

	report.State = model.StateCompleted
	report.Degraded = t.degraded()
	report.Stages, report.Timings, report.TotalMs = t.finish()
	return report, nil
}

func fillClassification(rec *model.MonitoringRecord, fact *model.NutritionFact, features *model.ClassificationFeatures, res *model.ClassificationResult) {
	if fact != nil {
		rec.FactIdentity = fact.Identity
	}
	if features != nil {
		rec.FeatureNames = features.Names
		rec.Features = features.Values
	}
	if res != nil {
		recommended := res.Recommended
		rec.Recommended = &recommended
		rec.Confidence = res.Confidence
		rec.ClassifierSource = res.Source
		rec.ModelVersion = res.ModelVersion
	}
}
