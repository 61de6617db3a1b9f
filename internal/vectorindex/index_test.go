package vectorindex

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/embedding"
)

// fixedEmbedder 按文本查表返回向量，用于构造相同得分。
type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Name() string { return "fixed" }

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func fact(name string, kcal, protein float64) model.NutritionFact {
	m := model.MacroSet{Calories: kcal, Protein: protein, Carbs: 1, Fat: 1}
	return model.NutritionFact{
		Identity: "test:" + name,
		Name:     name,
		Calories: kcal,
		Protein:  protein,
		Carbs:    1,
		Fat:      1,
		FactText: model.ComposeFactText(name, m),
	}
}

func tfidfFactory() embedding.Factory {
	return func() embedding.Embedder { return embedding.NewTFIDF(0.95) }
}

func TestSearchExactNameRanksFirst(t *testing.T) {
	facts := []model.NutritionFact{fact("Paneer", 296, 18), fact("Apple", 52, 0.3), fact("Chicken Breast", 165, 31)}
	ix, err := Build(context.Background(), 1, facts, tfidfFactory())
	require.NoError(t, err)

	q, err := ix.EmbedQuery(context.Background(), "Paneer")
	require.NoError(t, err)
	hits, err := ix.Search(q, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "Paneer", hits[0].Fact.Name)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	same := []float32{1, 0}
	emb := &fixedEmbedder{vectors: map[string][]float32{}}
	var facts []model.NutritionFact
	for _, name := range []string{"a", "b", "c", "d"} {
		f := fact(name, 100, 10)
		emb.vectors[f.FactText] = same
		facts = append(facts, f)
	}
	emb.vectors["query"] = []float32{2, 0}

	ix, err := Build(context.Background(), 1, facts, func() embedding.Embedder { return emb })
	require.NoError(t, err)
	q, err := ix.EmbedQuery(context.Background(), "query")
	require.NoError(t, err)

	hits, err := ix.Search(q, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, hits[i].Fact.Name)
		assert.Equal(t, i, hits[i].Entry.Seq)
	}
}

func TestSearchOrdersByDescendingScore(t *testing.T) {
	emb := &fixedEmbedder{vectors: map[string][]float32{}}
	low, mid, high := fact("low", 1, 1), fact("mid", 2, 2), fact("high", 3, 3)
	emb.vectors[low.FactText] = []float32{0, 1}
	emb.vectors[mid.FactText] = []float32{1, 1}
	emb.vectors[high.FactText] = []float32{1, 0}
	emb.vectors["q"] = []float32{1, 0}

	ix, err := Build(context.Background(), 1, []model.NutritionFact{low, mid, high}, func() embedding.Embedder { return emb })
	require.NoError(t, err)
	q, _ := ix.EmbedQuery(context.Background(), "q")
	hits, err := ix.Search(q, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, []string{hits[0].Fact.Name, hits[1].Fact.Name, hits[2].Fact.Name})
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix, err := Build(context.Background(), 1, nil, tfidfFactory())
	require.NoError(t, err)
	_, err = ix.Search([]float32{1}, 3)
	assert.ErrorIs(t, err, model.ErrIndexEmpty)
}

func TestBuildStoresUnitVectors(t *testing.T) {
	emb := &fixedEmbedder{vectors: map[string][]float32{}}
	f := fact("x", 1, 1)
	emb.vectors[f.FactText] = []float32{3, 4}
	ix, err := Build(context.Background(), 1, []model.NutritionFact{f}, func() embedding.Embedder { return emb })
	require.NoError(t, err)
	v := ix.Vectors()[0]
	assert.InDelta(t, 1.0, dot(v, v), 1e-6)
}

func TestHandleSwapIsAtomicForReaders(t *testing.T) {
	h := NewHandle()
	assert.Nil(t, h.Load())
	assert.Equal(t, uint64(1), h.NextGeneration())

	gen1, err := Build(context.Background(), 1, []model.NutritionFact{fact("Apple", 52, 0.3), fact("Pear", 57, 0.4)}, tfidfFactory())
	require.NoError(t, err)
	h.Swap(gen1)

	gen2, err := Build(context.Background(), 2, []model.NutritionFact{fact("Apple", 52, 0.3), fact("Pear", 57, 0.4), fact("Tofu", 76, 8)}, tfidfFactory())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				ix := h.Load()
				q, err := ix.EmbedQuery(context.Background(), "apple")
				if !assert.NoError(t, err) {
					return
				}
				hits, err := ix.Search(q, 10)
				if !assert.NoError(t, err) {
					return
				}
				// 一次检索只会看到某一代的完整结果。
				assert.Len(t, hits, ix.Len())
			}
		}()
	}
	prev := h.Swap(gen2)
	wg.Wait()

	assert.Same(t, gen1, prev)
	assert.Equal(t, uint64(3), h.NextGeneration())
	h.Teardown()
	assert.Nil(t, h.Load())
}
