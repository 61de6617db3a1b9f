package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/storage"
)

func food(name string, kcal, protein, carbs, fat, sugar float64) model.NutritionFact {
	return model.NutritionFact{
		Identity: "test:" + name,
		Name:     name,
		Calories: kcal,
		Protein:  protein,
		Carbs:    carbs,
		Fat:      fat,
		Sugar:    sugar,
	}
}

var (
	chicken = food("chicken breast", 165, 31, 0, 3.6, 0)
	candy   = food("candy", 500, 5, 70, 25, 60)
	corpus  = []model.NutritionFact{
		chicken,
		candy,
		food("greek yogurt", 59, 10, 3.6, 0.4, 3.2),
		food("tuna", 132, 28, 0, 1, 0),
		food("white bread", 265, 9, 49, 3.2, 5),
		food("butter", 717, 0.9, 0.1, 81, 0.1),
		food("apple", 52, 0.3, 14, 0.2, 10),
		food("lentils", 116, 9, 20, 0.4, 1.8),
		food("cheddar", 403, 25, 1.3, 33, 0.5),
		food("potato chips", 536, 7, 53, 35, 0.3),
		food("egg", 155, 13, 1.1, 11, 1.1),
		food("cola", 42, 0, 10.6, 0, 10.6),
	}
	testParams = Params{Trees: 15, MaxDepth: 6, MinLeaf: 2, Seed: 7, Scale: true}
)

func TestLabel(t *testing.T) {
	user := model.AnonymousContext("u")
	assert.True(t, Label(Extract(chicken, 100, user).Values))
	assert.False(t, Label(Extract(candy, 100, user).Values), "每 100g 超过 300 kcal")
	assert.False(t, Label(Extract(chicken, 500, user).Values), "份量超过每日热量的 35%")
	assert.False(t, Label(Extract(food("cucumber", 15, 0.7, 3.6, 0.1, 1.7), 100, user).Values), "蛋白质不足")
}

func TestExtract_Layout(t *testing.T) {
	f := Extract(chicken, 200, model.AnonymousContext("u"))
	require.Equal(t, FeatureNames, f.Names)
	assert.InDelta(t, 330, f.Values[fPortionCalories], 1e-9)
	assert.InDelta(t, 62, f.Values[fPortionProtein], 1e-9)
	assert.InDelta(t, 0.165, f.Values[fCalorieShare], 1e-9)
	assert.Equal(t, 30.0, f.Values[fAge])
	assert.Equal(t, 25.0, f.Values[fBMI])
}

func TestTrain_Deterministic(t *testing.T) {
	examples := SyntheticExamples(corpus, 1)
	a, err := Train(examples, testParams, 0.2)
	require.NoError(t, err)
	b, err := Train(SyntheticExamples(corpus, 1), testParams, 0.2)
	require.NoError(t, err)

	ja, _ := json.Marshal(a.Forest)
	jb, _ := json.Marshal(b.Forest)
	assert.JSONEq(t, string(ja), string(jb))
	assert.Equal(t, a.Scaler, b.Scaler)
	assert.Equal(t, LabelRuleVersion, a.RuleVersion)
	assert.Equal(t, len(examples)-a.Metrics.HoldoutSize, a.Metrics.TrainSize)
	assert.Greater(t, a.Metrics.HoldoutAccuracy, 0.7)
}

func TestTrain_ClearCases(t *testing.T) {
	bundle, err := Train(SyntheticExamples(corpus, 1), testParams, 0)
	require.NoError(t, err)
	rt := NewRuntime(nil, "")
	rt.Swap(bundle)

	user := model.AnonymousContext("u")
	pos, err := rt.Classify(Extract(chicken, 100, user))
	require.NoError(t, err)
	assert.True(t, pos.Recommended)
	assert.Equal(t, model.ClassifierSourceModel, pos.Source)
	assert.Equal(t, bundle.Version, pos.ModelVersion)

	neg, err := rt.Classify(Extract(candy, 100, user))
	require.NoError(t, err)
	assert.False(t, neg.Recommended)
	assert.InDelta(t, 1-neg.PositiveProbability, neg.Confidence, 1e-9)
}

func TestTrain_RejectsBadInput(t *testing.T) {
	_, err := Train(nil, testParams, 0.2)
	assert.Error(t, err)
	_, err = Train([]Example{{Values: []float64{1}}, {Values: []float64{2}}}, testParams, 0.2)
	assert.Error(t, err)
}

func TestBundle_RoundTripAndReload(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)

	bundle, err := Train(SyntheticExamples(corpus, 3), testParams, 0.2)
	require.NoError(t, err)
	require.NoError(t, SaveBundle(ctx, store, "classifier/latest.json", bundle))

	_, err = store.Get(ctx, "classifier/versions/"+bundle.Version+".json")
	require.NoError(t, err)

	rt := NewRuntime(store, "classifier/latest.json")
	assert.False(t, rt.Available())
	require.NoError(t, rt.Reload(ctx))
	assert.True(t, rt.Available())
	assert.Equal(t, bundle.Version, rt.Version())

	features := Extract(chicken, 150, model.AnonymousContext("u"))
	res, err := rt.Classify(features)
	require.NoError(t, err)
	assert.InDelta(t, bundle.PositiveProbability(features.Values), res.PositiveProbability, 1e-12)
}

func TestRuntime_Unavailable(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)
	rt := NewRuntime(store, "classifier/missing.json")

	_, err = rt.Classify(Extract(chicken, 100, model.AnonymousContext("u")))
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))

	err = rt.Reload(ctx)
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))

	// 加载失败保留旧模型
	bundle, err := Train(SyntheticExamples(corpus, 1), testParams, 0)
	require.NoError(t, err)
	rt.Swap(bundle)
	require.Error(t, rt.Reload(ctx))
	assert.Equal(t, bundle.Version, rt.Version())
}

func TestRuntime_LayoutMismatch(t *testing.T) {
	bundle, err := Train(SyntheticExamples(corpus, 1), testParams, 0)
	require.NoError(t, err)
	rt := NewRuntime(nil, "")
	rt.Swap(bundle)

	features := Extract(chicken, 100, model.AnonymousContext("u"))
	features.Names[0], features.Names[1] = features.Names[1], features.Names[0]
	_, err = rt.Classify(features)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestRuntime_RejectsCorruptBundle(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewFSStore(afero.NewMemMapFs(), "/artifacts")
	require.NoError(t, err)
	names, err := json.Marshal(FeatureNames)
	require.NoError(t, err)

	cases := map[string]string{
		"empty tree":      `[{"nodes":[]}]`,
		"child loop":      `[{"nodes":[{"f":0,"t":1,"l":0,"r":1},{"leaf":true,"p":1}]}]`,
		"child oob":       `[{"nodes":[{"f":0,"t":1,"l":1,"r":5},{"leaf":true,"p":1}]}]`,
		"feature oob":     `[{"nodes":[{"f":99,"t":1,"l":1,"r":2},{"leaf":true,"p":1},{"leaf":true,"p":0}]}]`,
		"probability oob": `[{"nodes":[{"leaf":true,"p":1.5}]}]`,
	}
	for name, trees := range cases {
		t.Run(name, func(t *testing.T) {
			raw := `{"version":"corrupt","feature_names":` + string(names) + `,"forest":{"trees":` + trees + `}}`
			require.NoError(t, store.Put(ctx, "classifier/corrupt.json", []byte(raw), "application/json"))

			rt := NewRuntime(store, "classifier/corrupt.json")
			err := rt.Reload(ctx)
			assert.True(t, errors.Is(err, model.ErrModelUnavailable))
			assert.False(t, rt.Available())
		})
	}
}

func TestRuntime_ClassifyRecoversFromBadTree(t *testing.T) {
	bundle, err := Train(SyntheticExamples(corpus, 1), testParams, 0)
	require.NoError(t, err)
	bundle.Forest.Trees = append(bundle.Forest.Trees, Tree{})
	rt := NewRuntime(nil, "")
	rt.Swap(bundle)

	var res model.ClassificationResult
	require.NotPanics(t, func() {
		res, err = rt.Classify(Extract(chicken, 100, model.AnonymousContext("u")))
	})
	assert.True(t, errors.Is(err, model.ErrModelUnavailable))
	assert.Empty(t, res.Source)
}

func TestHeuristic_Scores(t *testing.T) {
	user := model.AnonymousContext("u")

	res, err := Heuristic(Extract(chicken, 100, user), model.GoalGeneralHealth)
	require.NoError(t, err)
	assert.InDelta(t, 88.5, res.Score, 1e-9)
	assert.True(t, res.Recommended)
	assert.InDelta(t, 0.885, res.Confidence, 1e-9)
	assert.Equal(t, model.ClassifierSourceHeuristic, res.Source)
	assert.Contains(t, res.Reasoning, "excellent protein content")

	res, err = Heuristic(Extract(candy, 100, user), model.GoalGeneralHealth)
	require.NoError(t, err)
	assert.InDelta(t, 40, res.Score, 1e-9)
	assert.False(t, res.Recommended)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.Contains(t, res.Reasoning, "high sugar content")
}

func TestHeuristic_UnknownGoalFallsBack(t *testing.T) {
	user := model.AnonymousContext("u")
	a, err := Heuristic(Extract(chicken, 100, user), "whatever")
	require.NoError(t, err)
	b, err := Heuristic(Extract(chicken, 100, user), model.GoalGeneralHealth)
	require.NoError(t, err)
	assert.Equal(t, a.Score, b.Score)
}

func TestFeedbackExamples(t *testing.T) {
	f := Extract(chicken, 100, model.AnonymousContext("u"))
	base := model.MonitoringRecord{FeatureNames: f.Names, Features: f.Values}
	records := []model.RecordWithFeedback{
		{MonitoringRecord: base, Feedback: &model.Feedback{Label: model.FeedbackNegative}},
		{MonitoringRecord: base, Feedback: &model.Feedback{Label: model.FeedbackNeutral}},
		{MonitoringRecord: base, Feedback: &model.Feedback{Score: 5}},
		{MonitoringRecord: base},
		{MonitoringRecord: model.MonitoringRecord{FeatureNames: []string{"x"}, Features: []float64{1}}, Feedback: &model.Feedback{Score: 5}},
	}
	got := FeedbackExamples(records)
	require.Len(t, got, 2)
	assert.False(t, got[0].Label)
	assert.True(t, got[1].Label)
}
