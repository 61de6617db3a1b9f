package orchestrator

import (
	"context"

	"nutri-advisor-go/internal/generation"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/llm"
	"nutri-advisor-go/pkg/log"
)

// ChatRequest 对应 chat 接口的输入。
type ChatRequest struct {
	RequestID string
	SubjectID string
	Message   string
	Context   string
}

// Chat 生成一次对话回复。
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (*model.ChatResult, error) {
	return o.chat(ctx, req, nil)
}

// StreamChat 与 Chat 相同，但把生成内容分块写入 writer。
// 已写出的内容无法撤回，核验修正后的全文通过返回值交给调用方。
func (o *Orchestrator) StreamChat(ctx context.Context, req ChatRequest, writer llm.MessageWriter) (*model.ChatResult, error) {
	return o.chat(ctx, req, writer)
}

func (o *Orchestrator) chat(ctx context.Context, req ChatRequest, writer llm.MessageWriter) (*model.ChatResult, error) {
	t := newTracker()
	result := &model.ChatResult{
		RequestID: requestID(req.RequestID),
		Citations: []int{},
		Evidence:  []model.Evidence{},
	}

	var verr error
	t.run(model.StageValidate, func() (model.StageStatus, error) {
		var err error
		if req.SubjectID, err = o.cleanText("subject_id", req.SubjectID, true); err != nil {
			verr = err
		} else if req.Message, err = o.cleanText("message", req.Message, true); err != nil {
			verr = err
		} else if req.Context, err = o.cleanText("context", req.Context, false); err != nil {
			verr = err
		}
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

	var (
		user    model.UserContext
		history []model.ChatMessage
	)
	t.run(model.StageLoadContext, func() (model.StageStatus, error) {
		var err error
		user, err = o.loadUser(ctx, req.SubjectID)
		if o.deps.Conversations != nil {
			h, herr := o.deps.Conversations.GetConversationHistory(ctx, req.SubjectID)
			if herr != nil {
				log.Warnf("[Orchestrator] 读取对话历史失败: %v", herr)
				if err == nil {
					err = herr
				}
			}
			history = h
		}
		if err != nil {
			return model.StageDegraded, err
		}
		return model.StageOK, nil
	})

	evidence := []model.Evidence{}
	t.run(model.StageRetrieve, func() (model.StageStatus, error) {
		ev, err := o.deps.Retrieval.Retrieve(ctx, req.Message, o.opts.DefaultK)
		if err != nil {
			return model.StageFailed, err
		}
		evidence = ev
		return model.StageOK, nil
	})

	var basis *model.NutritionFact
	t.run(model.StageVerify, func() (model.StageStatus, error) {
		basis = o.matchEvidence(evidence)
		if basis == nil {
			return model.StageSkipped, nil
		}
		return model.StageOK, nil
	})

	var out generation.Output
	verification := model.VerificationResult{Status: model.StatusUnverifiable, Checks: []model.FieldCheck{}}
	t.run(model.StageGenerate, func() (model.StageStatus, error) {
		greq := generation.Request{
			Kind:     generation.KindChat,
			Fact:     basis,
			Evidence: evidence,
			User:     user,
			Context:  req.Context,
			Message:  req.Message,
			History:  history,
		}
		var err error
		if writer != nil {
			out, err = o.deps.Generator.Stream(ctx, greq, writer)
		} else {
			out, err = o.deps.Generator.Generate(ctx, greq)
		}
		if err != nil && out.Text == "" {
			return model.StageFailed, err
		}
		if basis != nil {
			out.Text, verification = o.deps.Verifier.ReconcilePer100g(out.Text, *basis)
		}
		if out.Degraded {
			return model.StageDegraded, out.Cause
		}
		if err != nil {
			return model.StageDegraded, err
		}
		return model.StageOK, mismatchError(verification)
	})

	result.Text = out.Text
	result.Source = out.Source
	if out.Citations != nil {
		result.Citations = out.Citations
	}
	result.Evidence = evidence
	result.Verification = &verification

	if o.deps.Conversations != nil && result.Text != "" {
		// 即使请求已取消也保存已生成的回答
		if err := o.deps.Conversations.AppendExchange(context.WithoutCancel(ctx), req.SubjectID, req.Message, result.Text); err != nil {
			log.Errorf("[Orchestrator] 保存对话历史失败: %v", err)
		}
	}

	rec := &model.MonitoringRecord{
		RequestID:        result.RequestID,
		Endpoint:         "chat",
		SubjectID:        req.SubjectID,
		VerifierStatus:   verification.Status,
		GenerationSource: out.Source,
	}
	if basis != nil {
		rec.FactIdentity = basis.Identity
	}
	result.RecordID = o.record(ctx, t, rec)

	result.State = model.StateCompleted
	result.Degraded = t.degraded()
	result.Stages, result.Timings, result.TotalMs = t.finish()
	return result, nil
}
