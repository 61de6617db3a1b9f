package classifier

import (
	"errors"
	"math"
	"math/rand"
)

// Params 是训练超参数，全部写入 bundle 以便复现。
type Params struct {
	Trees    int   `json:"trees"`
	MaxDepth int   `json:"max_depth"`
	MinLeaf  int   `json:"min_leaf"`
	Seed     int64 `json:"seed"`
	Scale    bool  `json:"scale"`
}

// Forest 是 bootstrap 聚合的决策树集成。
type Forest struct {
	Trees []Tree `json:"trees"`
}

// TrainForest 以固定种子训练：第 i 棵树使用 seed+i 的随机源做自助采样与特征抽样，结果可复现。
func TrainForest(x [][]float64, y []bool, p Params) (*Forest, error) {
	if len(x) == 0 || len(x) != len(y) {
		return nil, errors.New("empty or mismatched training data")
	}
	if p.Trees <= 0 || p.MaxDepth <= 0 {
		return nil, errors.New("trees and max_depth must be positive")
	}
	minLeaf := p.MinLeaf
	if minLeaf <= 0 {
		minLeaf = 1
	}
	mtry := int(math.Round(math.Sqrt(float64(len(x[0])))))
	if mtry < 1 {
		mtry = 1
	}

	f := &Forest{Trees: make([]Tree, 0, p.Trees)}
	n := len(x)
	for i := 0; i < p.Trees; i++ {
		rng := rand.New(rand.NewSource(p.Seed + int64(i)))
		sample := make([]int, n)
		for j := range sample {
			sample[j] = rng.Intn(n)
		}
		f.Trees = append(f.Trees, *growTree(x, y, sample, p.MaxDepth, minLeaf, mtry, rng))
	}
	return f, nil
}

// PredictProba 返回各树叶子正类比例的平均值。
func (f *Forest) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].Predict(x)
	}
	return sum / float64(len(f.Trees))
}
