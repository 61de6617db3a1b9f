package classifier

import (
	"fmt"
	"math/rand"
	"sort"
)

// Node 是扁平存储的树节点。叶子节点的 Prob 为正类比例。
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Leaf      bool    `json:"leaf,omitempty"`
	Prob      float64 `json:"p"`
}

// Tree 是一棵 CART 分类树，按 Gini 不纯度切分。
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict 返回样本所在叶子的正类比例。
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for !t.Nodes[i].Leaf {
		n := t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Prob
}

// validate 检查扁平布局：子节点位于父节点之后且不越界，特征下标在布局内，叶子概率在 [0,1]。
// 满足这些条件的树在 Predict 中必然终止。
func (t *Tree) validate(features int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Leaf {
			if !(n.Prob >= 0 && n.Prob <= 1) {
				return fmt.Errorf("node %d: leaf probability %v out of range", i, n.Prob)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= features {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Left >= len(t.Nodes) || n.Right <= i || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

type treeBuilder struct {
	x        [][]float64
	y        []bool
	maxDepth int
	minLeaf  int
	mtry     int
	rng      *rand.Rand
	nodes    []Node
}

// growTree 在样本下标 idx 上训练一棵树，每次切分随机考察 mtry 个特征。
func growTree(x [][]float64, y []bool, idx []int, maxDepth, minLeaf, mtry int, rng *rand.Rand) *Tree {
	b := &treeBuilder{x: x, y: y, maxDepth: maxDepth, minLeaf: minLeaf, mtry: mtry, rng: rng}
	b.grow(idx, 0)
	return &Tree{Nodes: b.nodes}
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	pos := 0
	for _, i := range idx {
		if b.y[i] {
			pos++
		}
	}
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Leaf: true, Prob: float64(pos) / float64(len(idx))})

	if depth >= b.maxDepth || pos == 0 || pos == len(idx) || len(idx) < 2*b.minLeaf {
		return self
	}
	feature, threshold, ok := b.bestSplit(idx, pos)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.x[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self] = Node{Feature: feature, Threshold: threshold, Left: l, Right: r}
	return self
}

// bestSplit 在随机抽取的特征子集上寻找 Gini 增益最大的阈值。
func (b *treeBuilder) bestSplit(idx []int, pos int) (int, float64, bool) {
	n := len(idx)
	parent := gini(pos, n)
	bestGain := 0.0
	bestFeature, bestThreshold := -1, 0.0

	features := b.rng.Perm(len(b.x[0]))
	if b.mtry < len(features) {
		features = features[:b.mtry]
	}
	sorted := make([]int, n)
	for _, f := range features {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.x[sorted[a]][f] < b.x[sorted[c]][f] })

		leftPos := 0
		for k := 0; k < n-1; k++ {
			if b.y[sorted[k]] {
				leftPos++
			}
			leftN := k + 1
			if leftN < b.minLeaf || n-leftN < b.minLeaf {
				continue
			}
			v, next := b.x[sorted[k]][f], b.x[sorted[k+1]][f]
			if v == next {
				continue
			}
			rightN := n - leftN
			weighted := (float64(leftN)*gini(leftPos, leftN) + float64(rightN)*gini(pos-leftPos, rightN)) / float64(n)
			if gain := parent - weighted; gain > bestGain {
				bestGain = gain
				bestFeature = f
				bestThreshold = (v + next) / 2
			}
		}
	}
	return bestFeature, bestThreshold, bestFeature >= 0
}

func gini(pos, n int) float64 {
	if n == 0 {
		return 0
	}
	p := float64(pos) / float64(n)
	return 2 * p * (1 - p)
}
