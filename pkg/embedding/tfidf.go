package embedding

import (
	"context"
	"errors"
	"math"
	"regexp"
	"sort"
	"strings"
)

// TFIDF 是基于语料拟合的本地向量化实现，每个索引代持有自己的实例。
// 文档频率占比超过 maxDocFreq 的词（如每条事实句都有的 kcal、protein）不进入词表。
type TFIDF struct {
	vocabulary map[string]int
	idf        []float64
	maxDocFreq float64
	prepared   bool
}

var tokenPattern = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)

// NewTFIDF 创建未拟合的 TF-IDF 实例。maxDocFreq ≤ 0 或 ≥ 1 表示不裁剪。
func NewTFIDF(maxDocFreq float64) *TFIDF {
	return &TFIDF{vocabulary: make(map[string]int), maxDocFreq: maxDocFreq}
}

func (e *TFIDF) Name() string { return "tfidf" }

// Dimension 返回词表大小。
func (e *TFIDF) Dimension() int { return len(e.idf) }

// Prepare 统计文档频率、建立有序词表并计算平滑 IDF。
func (e *TFIDF) Prepare(corpus []string) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus for TF-IDF prepare")
	}
	df := make(map[string]int)
	for _, text := range corpus {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(text) {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	n := float64(len(corpus))
	prune := len(corpus) > 1 && e.maxDocFreq > 0 && e.maxDocFreq < 1
	keep := func(term string) bool {
		return !prune || float64(df[term])/n <= e.maxDocFreq
	}
	// 裁剪后任何一篇文档不再有词时放弃裁剪，保证每篇文档都能得到非零向量。
	if prune {
		for _, text := range corpus {
			kept := false
			for _, tok := range tokenize(text) {
				if keep(tok) {
					kept = true
					break
				}
			}
			if !kept {
				prune = false
				break
			}
		}
	}

	terms := make([]string, 0, len(df))
	for term := range df {
		if keep(term) {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return errors.New("no tokens found in corpus")
	}
	sort.Strings(terms)

	e.vocabulary = make(map[string]int, len(terms))
	e.idf = make([]float64, len(terms))
	for i, term := range terms {
		e.vocabulary[term] = i
		e.idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1.0
	}
	e.prepared = true
	return nil
}

// Embed 计算 L2 归一化的 TF-IDF 向量；词表外的文本得到零向量。
func (e *TFIDF) Embed(_ context.Context, text string) ([]float32, error) {
	if !e.prepared {
		return nil, errors.New("tfidf embedder not prepared")
	}
	tf := make(map[int]int)
	total := 0
	for _, tok := range tokenize(text) {
		if idx, ok := e.vocabulary[tok]; ok {
			tf[idx]++
			total++
		}
	}
	vec := make([]float64, len(e.idf))
	if total == 0 {
		return make([]float32, len(e.idf)), nil
	}
	var norm float64
	for idx, count := range tf {
		v := float64(count) / float64(total) * e.idf[idx]
		vec[idx] = v
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by",
		"with", "as", "is", "are", "was", "were", "be", "been", "it", "this", "that", "these", "those", "from",
		"than", "so", "such", "into", "about", "can", "will", "just", "should", "now", "how", "much", "many",
		"what", "which", "does", "do", "i", "me", "my", "per",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
