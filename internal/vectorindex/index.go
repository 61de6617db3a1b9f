// Package vectorindex 实现不可变的内存向量索引代，以及支持原子切换的句柄。
//
// 每一代索引持有构建时使用的 Embedder，查询向量必须由同一个 Embedder 生成，
// 因此检索方通过 Index.EmbedQuery 获取查询向量，而不是自行选择模型。
package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"time"

	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/pkg/embedding"
)

// Entry 是索引中的一条记录，Seq 为插入顺序。
type Entry struct {
	Seq      int
	Identity string
	Vector   []float32
}

// Hit 是一次查询命中。
type Hit struct {
	Entry Entry
	Fact  model.NutritionFact
	Score float64
}

// Index 是一代只读索引，构建完成后不再修改。
type Index struct {
	generation uint64
	builtAt    time.Time
	dim        int
	entries    []Entry
	facts      []model.NutritionFact
	embedder   embedding.Embedder
}

// Build 用 newEmbedder 创建的 Embedder 对 facts 的事实句向量化并建立新一代索引。
// 需要拟合语料的 Embedder 会先在全部事实句上 Prepare。
func Build(ctx context.Context, generation uint64, facts []model.NutritionFact, newEmbedder embedding.Factory) (*Index, error) {
	emb := newEmbedder()
	ix := &Index{
		generation: generation,
		builtAt:    time.Now(),
		embedder:   emb,
		entries:    make([]Entry, 0, len(facts)),
		facts:      make([]model.NutritionFact, 0, len(facts)),
	}
	if len(facts) == 0 {
		return ix, nil
	}

	if ce, ok := emb.(embedding.CorpusEmbedder); ok {
		corpus := make([]string, len(facts))
		for i, f := range facts {
			corpus[i] = f.FactText
		}
		if err := ce.Prepare(corpus); err != nil {
			return nil, fmt.Errorf("prepare embedder: %w", err)
		}
	}

	for _, f := range facts {
		raw, err := emb.Embed(ctx, f.FactText)
		if err != nil {
			return nil, fmt.Errorf("embed fact %s: %w", f.Identity, err)
		}
		vec, ok := embedding.Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("embed fact %s: zero vector", f.Identity)
		}
		if ix.dim == 0 {
			ix.dim = len(vec)
		} else if len(vec) != ix.dim {
			return nil, fmt.Errorf("embed fact %s: dimension %d, want %d", f.Identity, len(vec), ix.dim)
		}
		ix.entries = append(ix.entries, Entry{Seq: len(ix.entries), Identity: f.Identity, Vector: vec})
		ix.facts = append(ix.facts, f)
	}
	return ix, nil
}

func (ix *Index) Generation() uint64 { return ix.generation }

func (ix *Index) BuiltAt() time.Time { return ix.builtAt }

func (ix *Index) Len() int { return len(ix.entries) }

func (ix *Index) Dimension() int { return ix.dim }

// EmbedderName 返回构建本代索引的模型名。
func (ix *Index) EmbedderName() string { return ix.embedder.Name() }

// Facts 返回按插入顺序排列的事实副本。
func (ix *Index) Facts() []model.NutritionFact {
	out := make([]model.NutritionFact, len(ix.facts))
	copy(out, ix.facts)
	return out
}

// Fact 按插入序号返回事实。
func (ix *Index) Fact(seq int) (model.NutritionFact, bool) {
	if seq < 0 || seq >= len(ix.facts) {
		return model.NutritionFact{}, false
	}
	return ix.facts[seq], true
}

// Vectors 返回与 Facts 一一对应的单位向量，供镜像到外部索引使用。
func (ix *Index) Vectors() [][]float32 {
	out := make([][]float32, len(ix.entries))
	for i, e := range ix.entries {
		out[i] = e.Vector
	}
	return out
}

// EmbedQuery 使用构建本代索引的 Embedder 生成单位化的查询向量。
// 查询词全部不在词表中时返回零向量，所有得分为 0。
func (ix *Index) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	raw, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	vec, _ := embedding.Normalize(raw)
	return vec, nil
}

// Search 精确计算内积并返回前 k 个命中，得分降序，得分相同按插入顺序。
func (ix *Index) Search(query []float32, k int) ([]Hit, error) {
	if len(ix.entries) == 0 {
		return nil, model.ErrIndexEmpty
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("query dimension %d, index dimension %d", len(query), ix.dim)
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	hits := make([]Hit, len(ix.entries))
	for i, e := range ix.entries {
		hits[i] = Hit{Entry: e, Fact: ix.facts[i], Score: dot(query, e.Vector)}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
