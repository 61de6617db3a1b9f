package generation

import (
	"context"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/llm"
	"nutri-advisor-go/pkg/retry"
)

// BackendExplainer 通过外部生成服务产生文本，调用带超时与有界重试。
type BackendExplainer struct {
	client  llm.Client
	prompts *PromptBuilder
	gen     config.LLMGenerationConfig
	policy  retry.Policy
}

func NewBackendExplainer(client llm.Client, cfg config.LLMConfig) *BackendExplainer {
	return &BackendExplainer{
		client:  client,
		prompts: NewPromptBuilder(cfg.Prompt),
		gen:     cfg.Generation,
		policy: retry.Policy{
			Name:           "llm." + client.Name(),
			AttemptTimeout: cfg.Timeout,
			MaxRetries:     cfg.MaxRetries,
		},
	}
}

func (b *BackendExplainer) Name() string   { return b.client.Name() }
func (b *BackendExplainer) Source() string { return model.GenerationSourceBackend }

func (b *BackendExplainer) Generate(ctx context.Context, req Request) (Output, error) {
	msgs := b.prompts.Build(req)
	params := Params(req.Kind, b.gen)
	var text string
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		var err error
		text, err = llm.Collect(ctx, b.client, msgs, params)
		return err
	})
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text, Citations: ParseCitations(text, len(req.Evidence))}, nil
}

// Stream 以流式把分块写入 writer，返回完整文本。流式调用不重试，已下发的分块无法撤回。
func (b *BackendExplainer) Stream(ctx context.Context, req Request, writer llm.MessageWriter) (string, error) {
	tee := &llm.TeeWriter{Next: writer}
	callCtx := ctx
	if b.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.policy.AttemptTimeout)
		defer cancel()
	}
	err := b.client.StreamChatMessages(callCtx, b.prompts.Build(req), Params(req.Kind, b.gen), tee)
	return tee.String(), err
}
