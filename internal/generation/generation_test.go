package generation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/verifier"
	"nutri-advisor-go/pkg/llm"
)

var chicken = model.NutritionFact{
	Identity: "off:123",
	Name:     "Chicken breast",
	Calories: 165,
	Protein:  31,
	Carbs:    0,
	Fat:      3.6,
	FactText: model.ComposeFactText("Chicken breast", model.MacroSet{Calories: 165, Protein: 31, Fat: 3.6}),
}

func explainRequest() Request {
	expected := chicken.Per100g().Scale(200)
	cls := model.NewClassificationResult(0.9, model.ClassifierSourceModel, "v1")
	return Request{
		Kind:     KindExplain,
		Food:     "chicken breast",
		Quantity: 200,
		Fact:     &chicken,
		Expected: &expected,
		Evidence: []model.Evidence{
			{Rank: 1, Similarity: 0.98, Fact: chicken},
			{Rank: 2, Similarity: 0.41, Fact: model.NutritionFact{Identity: "off:9", Name: "Turkey", FactText: "Turkey — 135 kcal/100g"}},
		},
		Classification: &cls,
		User:           model.AnonymousContext("u1"),
	}
}

// fakeExplainer 返回固定文本或错误。
type fakeExplainer struct {
	text string
	err  error
}

func (f *fakeExplainer) Name() string   { return "fake" }
func (f *fakeExplainer) Source() string { return model.GenerationSourceBackend }
func (f *fakeExplainer) Generate(context.Context, Request) (Output, error) {
	if f.err != nil {
		return Output{}, f.err
	}
	return Output{Text: f.text}, nil
}

func TestTemplate_ExplainContainsMacrosAndDisclaimer(t *testing.T) {
	out, err := NewTemplateExplainer().Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	for _, want := range []string{"330 kcal", "62.0 g protein", "0.0 g carbs", "7.2 g fat", "[1]", Disclaimer, "is recommended"} {
		assert.Contains(t, out.Text, want)
	}
	assert.Equal(t, []int{1}, out.Citations)

	// 模板中的数字必须全部通过核验
	v := verifier.New(verifier.ToleranceFromConfig(config.Default().Verifier))
	_, res := v.Reconcile(out.Text, chicken, 200)
	assert.Equal(t, model.StatusVerified, res.Status)
	assert.NotEmpty(t, res.Checks)
}

func TestTemplate_UnknownFood(t *testing.T) {
	req := explainRequest()
	req.Fact, req.Expected, req.Food = nil, nil, "dragon fruit"
	out, err := NewTemplateExplainer().Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, out.Text, `"dragon fruit"`)
	assert.Contains(t, out.Text, "Turkey [2]")
	assert.Equal(t, []int{1, 2}, out.Citations)
	assert.True(t, strings.HasSuffix(out.Text, Disclaimer))
}

func TestService_FallsBackOnBackendFailure(t *testing.T) {
	backendErr := model.NewUpstreamError("llm", errors.New("quota exhausted"), false)
	svc := NewService(&fakeExplainer{err: backendErr}, NewTemplateExplainer())

	out, err := svc.Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.Equal(t, model.GenerationSourceTemplate, out.Source)
	assert.True(t, out.Degraded)
	assert.ErrorIs(t, out.Cause, model.ErrUpstream)
	assert.Contains(t, out.Text, Disclaimer)
	assert.Contains(t, out.Text, "330 kcal")
}

func TestService_BackendSuccessGetsDisclaimer(t *testing.T) {
	svc := NewService(&fakeExplainer{text: "Chicken is lean [1] and filling [2] [7]."}, NewTemplateExplainer())
	out, err := svc.Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.Equal(t, model.GenerationSourceBackend, out.Source)
	assert.False(t, out.Degraded)
	assert.True(t, strings.HasSuffix(out.Text, Disclaimer))
}

func TestService_EmptyBackendTextFallsBack(t *testing.T) {
	svc := NewService(&fakeExplainer{text: "  "}, NewTemplateExplainer())
	out, err := svc.Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.Equal(t, model.GenerationSourceTemplate, out.Source)
	assert.True(t, out.Degraded)
}

func TestService_TemplateOnlyIsNotDegraded(t *testing.T) {
	svc := NewService(nil, NewTemplateExplainer())
	out, err := svc.Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.False(t, out.Degraded)
	assert.False(t, svc.BackendAvailable())
}

func TestBackendExplainer_UnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := config.Default().LLM
	cfg.BaseURL = url
	cfg.MaxRetries = 0
	svc := NewService(NewBackendExplainer(llm.NewOpenAIClient(cfg), cfg), NewTemplateExplainer())

	out, err := svc.Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, model.GenerationSourceTemplate, out.Source)
	for _, want := range []string{"330 kcal", "62.0 g protein", "0.0 g carbs", "7.2 g fat", Disclaimer} {
		assert.Contains(t, out.Text, want)
	}
}

func TestBackendExplainer_CitationsFromResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Lean protein [2], see [1].\"}}]}\n\ndata: [DONE]\n\n"))
	}))
	defer srv.Close()

	cfg := config.Default().LLM
	cfg.BaseURL = srv.URL
	out, err := NewBackendExplainer(llm.NewOpenAIClient(cfg), cfg).Generate(context.Background(), explainRequest())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, out.Citations)
}

func TestPromptBuilder_Deterministic(t *testing.T) {
	b := NewPromptBuilder(config.Default().LLM.Prompt)
	req := explainRequest()
	first := b.Build(req)
	second := b.Build(req)
	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, "system", first[0].Role)
	assert.Contains(t, first[0].Content, "<<REF>>")
	assert.Contains(t, first[0].Content, "[1] "+chicken.FactText)
	assert.Contains(t, first[0].Content, "[2] Turkey")
	assert.Contains(t, first[1].Content, "Computed for this portion: 330 kcal")
	assert.Contains(t, first[1].Content, "Recommended (confidence 0.90")
}

func TestParams_TemperatureByKind(t *testing.T) {
	cfg := config.Default().LLM.Generation
	assert.Equal(t, 0.1, *Params(KindExplain, cfg).Temperature)
	assert.Equal(t, 0.7, *Params(KindChat, cfg).Temperature)
	assert.Equal(t, 300, *Params(KindChat, cfg).MaxTokens)
}

func TestChatTemplate(t *testing.T) {
	tmpl := NewTemplateExplainer()
	reply := func(msg string) string {
		out, err := tmpl.Generate(context.Background(), Request{Kind: KindChat, Message: msg, User: model.AnonymousContext("u")})
		require.NoError(t, err)
		return out.Text
	}
	assert.Contains(t, reply("Hello!"), "Hello!")
	assert.Contains(t, reply("thanks"), "You're welcome")
	assert.Contains(t, reply("bye"), "Goodbye")
	assert.Contains(t, reply("How much protein do I need?"), "1.2-2.0 g")
	assert.Contains(t, reply("how much water should I drink"), "2-3 litres")
	assert.Contains(t, reply("what is a good snack"), "nutrition questions")

	target := 1800.0
	user := model.UserContext{Known: true, Profile: &model.UserProfile{TargetCalories: &target}, Targets: model.DefaultTargets}
	out, err := tmpl.Generate(context.Background(), Request{Kind: KindChat, Message: "I want to lose weight", User: user})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "1800 kcal")
	assert.Contains(t, out.Text, "360 kcal")
}

func TestParseCitations(t *testing.T) {
	assert.Equal(t, []int{3, 1}, ParseCitations("a [3] b [1] c [3] d [0] e [9]", 3))
	assert.Equal(t, []int{}, ParseCitations("no markers", 3))
}

// recordingWriter 记录写入的分块。
type recordingWriter struct {
	chunks []string
}

func (w *recordingWriter) WriteMessage(_ int, data []byte) error {
	w.chunks = append(w.chunks, string(data))
	return nil
}

func TestService_StreamFallsBackBeforeFirstChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	cfg := config.Default().LLM
	cfg.BaseURL = srv.URL
	svc := NewService(NewBackendExplainer(llm.NewOpenAIClient(cfg), cfg), NewTemplateExplainer())

	w := &recordingWriter{}
	out, err := svc.Stream(context.Background(), Request{Kind: KindChat, Message: "hi", User: model.AnonymousContext("u")}, w)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	require.Len(t, w.chunks, 1)
	assert.Equal(t, out.Text, w.chunks[0])
	assert.True(t, strings.HasSuffix(w.chunks[0], Disclaimer))
}

func TestService_ChatFallbackCarriesDisclaimer(t *testing.T) {
	backendErr := model.NewUpstreamError("llm", errors.New("connection refused"), true)
	svc := NewService(&fakeExplainer{err: backendErr}, NewTemplateExplainer())

	out, err := svc.Generate(context.Background(), Request{Kind: KindChat, Message: "how much protein is in chicken breast", User: model.AnonymousContext("u")})
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, model.GenerationSourceTemplate, out.Source)
	assert.True(t, strings.HasSuffix(out.Text, Disclaimer))

	template, err := NewService(nil, NewTemplateExplainer()).Generate(context.Background(), Request{Kind: KindChat, Message: "hello", User: model.AnonymousContext("u")})
	require.NoError(t, err)
	assert.Contains(t, template.Text, Disclaimer)
}
