package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nutri-advisor-go/internal/config"
	"nutri-advisor-go/internal/model"
	"nutri-advisor-go/internal/repository"
	"nutri-advisor-go/internal/vectorindex"
	"nutri-advisor-go/pkg/embedding"
	"nutri-advisor-go/pkg/es"
	"nutri-advisor-go/pkg/foodapi"
	"nutri-advisor-go/pkg/storage"
)

// fakeProvider 按名称或条码返回预设记录，并统计外部调用次数。
type fakeProvider struct {
	mu      sync.Mutex
	records map[string]foodapi.Record
	calls   atomic.Int32
}

func newFakeProvider(recs ...foodapi.Record) *fakeProvider {
	p := &fakeProvider{records: make(map[string]foodapi.Record)}
	for _, r := range recs {
		p.set(r)
	}
	return p
}

func (p *fakeProvider) set(r foodapi.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[model.NameKey(r.Name)] = r
	if r.Barcode != "" {
		p.records["barcode:"+r.Barcode] = r
	}
}

func (p *fakeProvider) lookup(key string) (*foodapi.Record, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[key]
	if !ok {
		return nil, model.NewNotFoundError("foodapi", "no product for %q", key)
	}
	return &r, nil
}

func (p *fakeProvider) SearchByName(_ context.Context, name string) (*foodapi.Record, error) {
	return p.lookup(model.NameKey(name))
}

func (p *fakeProvider) LookupBarcode(_ context.Context, barcode string) (*foodapi.Record, error) {
	return p.lookup("barcode:" + barcode)
}

func record(name, barcode string, kcal, protein, carbs, fat float64) foodapi.Record {
	return foodapi.Record{
		Identity: foodapi.Identity(barcode, name),
		Name:     name,
		Barcode:  barcode,
		Per100g:  model.MacroSet{Calories: kcal, Protein: protein, Carbs: carbs, Fat: fat},
	}
}

func TestIngest_ResolveCachesAndReuses(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider(record("Fried Rice", "", 250, 5, 40, 8))
	svc := NewIngestService(repository.NewMemoryFactRepository(), provider)

	first, err := svc.Resolve(ctx, IngestItem{Query: "fried rice"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Revision)
	assert.NotEmpty(t, first.Fingerprint)

	second, err := svc.Resolve(ctx, IngestItem{Query: "  Fried   RICE "})
	require.NoError(t, err)
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, int32(1), provider.calls.Load(), "second resolve hits the cache")
}

func TestIngest_RefreshAppendsRevisionOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryFactRepository()
	provider := newFakeProvider(record("Oat Milk", "7394376616228", 46, 1, 6.7, 1.5))
	svc := NewIngestService(repo, provider)

	_, outcome, err := svc.Ingest(ctx, IngestItem{Barcode: "7394376616228"}, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	_, outcome, err = svc.Refresh(ctx, IngestItem{Barcode: "7394376616228"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, outcome, "unchanged numbers are a no-op")

	provider.set(record("Oat Milk", "7394376616228", 48, 1, 6.9, 1.5))
	fact, outcome, err := svc.Refresh(ctx, IngestItem{Barcode: "7394376616228"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRevised, outcome)
	assert.Equal(t, 2, fact.Revision)

	latest, err := repo.ListLatest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, 48.0, latest[0].Calories)
}

func TestIngest_BatchReportsFailuresAndContinues(t *testing.T) {
	provider := newFakeProvider(record("Apple", "", 52, 0.3, 14, 0.2))
	svc := NewIngestService(repository.NewMemoryFactRepository(), provider)

	report := svc.IngestBatch(context.Background(), []IngestItem{
		{Query: "apple"},
		{Query: "unobtainium"},
		{},
		{Query: "apple"},
	}, false)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Reused)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, model.KindNotFound, report.Failures[0].Kind)
	assert.Equal(t, model.KindValidation, report.Failures[1].Kind)
}

func TestIngest_NoProviderIsNotFound(t *testing.T) {
	svc := NewIngestService(repository.NewMemoryFactRepository(), nil)
	_, err := svc.Resolve(context.Background(), IngestItem{Query: "rice"})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestFingerprint_ChangesWithNumbers(t *testing.T) {
	a := record("Rice", "", 130, 2.7, 28, 0.3).Fact()
	b := a
	b.Calories = 131
	assert.Equal(t, Fingerprint(a), Fingerprint(a))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func tfidf() embedding.Factory {
	return func() embedding.Embedder { return embedding.NewTFIDF(0.95) }
}

func seededRepo(t *testing.T) repository.FactRepository {
	t.Helper()
	repo := repository.NewMemoryFactRepository()
	for _, r := range []foodapi.Record{
		record("Fried Rice", "", 250, 5, 40, 8),
		record("Chicken Breast", "", 165, 31, 0, 3.6),
		record("Apple", "", 52, 0.3, 14, 0.2),
		record("Greek Yogurt", "", 59, 10, 3.6, 0.4),
	} {
		f := r.Fact()
		require.NoError(t, repo.Append(context.Background(), &f))
	}
	return repo
}

// fakeMirror 记录镜像调用，可按需让 Bulk 失败。
type fakeMirror struct {
	created  []string
	bulk     map[string][]es.FactDocument
	alias    string
	deleted  []string
	failBulk bool
}

func (m *fakeMirror) CreateGenerationIndex(_ context.Context, gen uint64, _ int) (string, error) {
	name := fmt.Sprintf("facts_g%d", gen)
	m.created = append(m.created, name)
	return name, nil
}

func (m *fakeMirror) BulkIndex(_ context.Context, index string, docs []es.FactDocument) error {
	if m.failBulk {
		return errors.New("bulk rejected")
	}
	if m.bulk == nil {
		m.bulk = make(map[string][]es.FactDocument)
	}
	m.bulk[index] = docs
	return nil
}

func (m *fakeMirror) SwapAlias(_ context.Context, index string) ([]string, error) {
	prev := m.alias
	m.alias = index
	if prev == "" {
		return nil, nil
	}
	return []string{prev}, nil
}

func (m *fakeMirror) DeleteIndices(_ context.Context, names ...string) error {
	m.deleted = append(m.deleted, names...)
	return nil
}

func TestIndexService_RebuildSwapsGenerationsAndMirrors(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	store, err := storage.NewFSStore(fs, "artifacts")
	require.NoError(t, err)
	mirror := &fakeMirror{}
	handle := vectorindex.NewHandle()
	svc := NewIndexService(seededRepo(t), handle, tfidf(), mirror, store)

	_, ok := svc.Status()
	assert.False(t, ok)

	st1, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st1.Entries)
	assert.True(t, st1.Mirrored)

	st2, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	assert.Greater(t, st2.Generation, st1.Generation)
	assert.Equal(t, mirror.created[1], mirror.alias)
	assert.Equal(t, []string{mirror.created[0]}, mirror.deleted, "previous generation is dropped after the alias moves")

	docs := mirror.bulk[mirror.alias]
	require.Len(t, docs, 4)
	assert.Equal(t, st2.Generation, docs[0].Generation)

	data, err := store.Get(ctx, "index/latest.json")
	require.NoError(t, err)
	var meta struct {
		Generation uint64 `json:"generation"`
		Entries    []struct {
			Seq      int    `json:"seq"`
			Identity string `json:"identity"`
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, st2.Generation, meta.Generation)
	assert.Len(t, meta.Entries, 4)
}

func TestIndexService_MirrorFailureKeepsInMemoryIndex(t *testing.T) {
	mirror := &fakeMirror{failBulk: true}
	handle := vectorindex.NewHandle()
	svc := NewIndexService(seededRepo(t), handle, tfidf(), mirror, nil)

	st, err := svc.Rebuild(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Mirrored)
	assert.Equal(t, 4, handle.Load().Len())
	assert.Len(t, mirror.deleted, 1, "half-built index is removed")
}

func retrievalCfg(backend string) config.RetrievalConfig {
	return config.RetrievalConfig{Backend: backend, DefaultK: 5, MaxK: 50, MatchThreshold: 0.8}
}

func TestRetrieval_ValidationAndEmptyIndex(t *testing.T) {
	ctx := context.Background()
	handle := vectorindex.NewHandle()
	svc := NewRetrievalService(handle, nil, retrievalCfg("memory"))

	_, err := svc.Retrieve(ctx, "rice", 3)
	assert.Equal(t, model.KindIndexEmpty, model.KindOf(err))

	_, err = svc.Retrieve(ctx, "   ", 3)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	_, err = svc.Retrieve(ctx, "rice", 0)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	_, err = svc.Retrieve(ctx, "rice", 51)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestRetrieval_RanksExactMatchFirst(t *testing.T) {
	ctx := context.Background()
	handle := vectorindex.NewHandle()
	_, err := NewIndexService(seededRepo(t), handle, tfidf(), nil, nil).Rebuild(ctx)
	require.NoError(t, err)

	evidence, err := NewRetrievalService(handle, nil, retrievalCfg("memory")).Retrieve(ctx, "chicken breast", 3)
	require.NoError(t, err)
	require.Len(t, evidence, 3)
	assert.Equal(t, "Chicken Breast", evidence[0].Fact.Name)
	assert.Equal(t, 1, evidence[0].Rank)
	for i := 1; i < len(evidence); i++ {
		assert.GreaterOrEqual(t, evidence[i-1].Similarity, evidence[i].Similarity)
	}

	all, err := NewRetrievalService(handle, nil, retrievalCfg("memory")).Retrieve(ctx, "chicken breast", 50)
	require.NoError(t, err)
	assert.Len(t, all, 4, "k larger than the corpus returns every entry")
}

type fakeANN struct {
	hits  []es.Hit
	err   error
	calls int
}

func (f *fakeANN) KNN(context.Context, []float32, int) ([]es.Hit, error) {
	f.calls++
	return f.hits, f.err
}

func TestRetrieval_ApproximateBackendAndFallback(t *testing.T) {
	ctx := context.Background()
	handle := vectorindex.NewHandle()
	_, err := NewIndexService(seededRepo(t), handle, tfidf(), nil, nil).Rebuild(ctx)
	require.NoError(t, err)
	ix := handle.Load()
	apple, _ := ix.Fact(2)

	ann := &fakeANN{hits: []es.Hit{{Seq: 2, Identity: apple.Identity, Generation: ix.Generation(), Similarity: 0.42}}}
	svc := NewRetrievalService(handle, ann, retrievalCfg("elasticsearch"))
	evidence, err := svc.Retrieve(ctx, "chicken breast", 3)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, "Apple", evidence[0].Fact.Name)

	// 外部索引落后一代时改走精确检索
	ann.hits[0].Generation = ix.Generation() + 1
	evidence, err = svc.Retrieve(ctx, "chicken breast", 3)
	require.NoError(t, err)
	assert.Equal(t, "Chicken Breast", evidence[0].Fact.Name)

	// backend 不是 elasticsearch 时不使用外部索引
	ann.calls = 0
	_, err = NewRetrievalService(handle, ann, retrievalCfg("memory")).Retrieve(ctx, "apple", 1)
	require.NoError(t, err)
	assert.Zero(t, ann.calls)
}

func TestConversationService_KeepsExchanges(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(repository.NewMemoryConversationRepository())

	require.NoError(t, svc.AppendExchange(ctx, "u1", "hi", "hello"))
	require.NoError(t, svc.AppendExchange(ctx, "u1", "protein?", "eggs"))
	history, err := svc.GetConversationHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "user", history[2].Role)
	assert.Equal(t, "eggs", history[3].Content)

	other, err := svc.GetConversationHistory(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other)
}
