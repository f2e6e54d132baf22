package ml

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ForestParams are the hyperparameters of a random-forest fit. Zero
// MaxFeatures selects floor(sqrt(feature count)) at fit time.
type ForestParams struct {
	Trees       int   `json:"trees"`
	MaxDepth    int   `json:"max_depth"`
	MinSplit    int   `json:"min_split"`
	MinLeaf     int   `json:"min_leaf"`
	MaxFeatures int   `json:"max_features"`
	Seed        int64 `json:"seed"`
}

// treeNode is one node of a regression tree, flattened into the tree's node
// slice. Feature == -1 marks a leaf; Left/Right index into the same slice.
// Short JSON keys keep 200-tree artifacts small.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

type regressionTree struct {
	Nodes []treeNode `json:"nodes"`
}

// predict walks the tree from the root. The caller guarantees the vector
// width matches the forest's feature count.
func (t *regressionTree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest is a bootstrap-aggregated ensemble of regression trees split by
// variance reduction. Fitting is deterministic for a fixed seed: per-tree
// RNGs are derived sequentially from the base seed and trees are built in
// order.
type Forest struct {
	Params      ForestParams     `json:"params"`
	NumFeatures int              `json:"num_features"`
	Trees       []regressionTree `json:"trees"`

	// Importances holds normalized impurity-based feature importances,
	// summing to 1 (all zeros when no split ever improved variance).
	Importances []float64 `json:"importances"`
}

// FitForest trains a forest on x (rows of equal width) against y.
func FitForest(x [][]float64, y []float64, p ForestParams) (*Forest, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: empty training matrix", ErrInsufficientData)
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("training matrix has %d rows but %d labels", len(x), len(y))
	}
	nFeatures := len(x[0])
	for i, row := range x {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("row %d has %d features, expected %d", i, len(row), nFeatures)
		}
	}
	if p.Trees < 1 {
		return nil, fmt.Errorf("forest needs at least one tree, got %d", p.Trees)
	}

	maxFeatures := p.MaxFeatures
	if maxFeatures <= 0 {
		maxFeatures = int(math.Sqrt(float64(nFeatures)))
	}
	if maxFeatures < 1 {
		maxFeatures = 1
	}
	if maxFeatures > nFeatures {
		maxFeatures = nFeatures
	}

	f := &Forest{
		Params:      p,
		NumFeatures: nFeatures,
		Trees:       make([]regressionTree, 0, p.Trees),
		Importances: make([]float64, nFeatures),
	}

	base := rand.New(rand.NewSource(p.Seed))
	n := len(x)
	for t := 0; t < p.Trees; t++ {
		rng := rand.New(rand.NewSource(base.Int63()))

		sample := make([]int, n)
		for i := range sample {
			sample[i] = rng.Intn(n)
		}

		b := &treeBuilder{
			x:           x,
			y:           y,
			rng:         rng,
			maxDepth:    p.MaxDepth,
			minSplit:    p.MinSplit,
			minLeaf:     p.MinLeaf,
			maxFeatures: maxFeatures,
			nFeatures:   nFeatures,
			importances: f.Importances,
		}
		b.build(sample, 0)
		f.Trees = append(f.Trees, regressionTree{Nodes: b.nodes})
	}

	normalize(f.Importances)
	return f, nil
}

// Predict returns the ensemble mean for one feature vector, clamped at 0:
// a pile cannot combust in negative days.
func (f *Forest) Predict(x []float64) (float64, error) {
	outs, err := f.PredictAll(x)
	if err != nil {
		return 0, err
	}
	m := meanOf(outs)
	if m < 0 {
		return 0, nil
	}
	return m, nil
}

// PredictAll returns every tree's individual estimate. Callers use the
// spread across trees as a dispersion signal.
func (f *Forest) PredictAll(x []float64) ([]float64, error) {
	if len(x) != f.NumFeatures {
		return nil, fmt.Errorf("feature vector has %d slots, forest trained on %d", len(x), f.NumFeatures)
	}
	outs := make([]float64, len(f.Trees))
	for i := range f.Trees {
		outs[i] = f.Trees[i].predict(x)
	}
	return outs, nil
}

type treeBuilder struct {
	x           [][]float64
	y           []float64
	rng         *rand.Rand
	maxDepth    int
	minSplit    int
	minLeaf     int
	maxFeatures int
	nFeatures   int
	importances []float64
	nodes       []treeNode
}

// build grows the subtree over the given sample indices and returns the
// index of its root node.
func (b *treeBuilder) build(idx []int, depth int) int {
	sum, sumSq := 0.0, 0.0
	for _, i := range idx {
		sum += b.y[i]
		sumSq += b.y[i] * b.y[i]
	}
	n := float64(len(idx))
	mean := sum / n
	sse := sumSq - sum*sum/n

	self := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Feature: -1, Value: mean})

	if depth >= b.maxDepth || len(idx) < b.minSplit || sse <= 1e-12 {
		return self
	}

	feat, thr, gain, ok := b.bestSplit(idx, sse)
	if !ok {
		return self
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.x[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) < b.minLeaf || len(right) < b.minLeaf {
		return self
	}

	b.importances[feat] += gain

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self].Feature = feat
	b.nodes[self].Threshold = thr
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

// bestSplit scans a random feature subset for the split with the largest
// variance reduction. Candidates between equal adjacent values are skipped
// so the threshold always separates distinct values.
func (b *treeBuilder) bestSplit(idx []int, parentSSE float64) (feature int, threshold, gain float64, ok bool) {
	n := len(idx)
	candidates := b.rng.Perm(b.nFeatures)[:b.maxFeatures]

	type pair struct{ v, y float64 }
	pairs := make([]pair, n)

	bestGain := 0.0
	for _, f := range candidates {
		for k, i := range idx {
			pairs[k] = pair{v: b.x[i][f], y: b.y[i]}
		}
		sort.Slice(pairs, func(a, c int) bool { return pairs[a].v < pairs[c].v })

		totalSum, totalSq := 0.0, 0.0
		for _, p := range pairs {
			totalSum += p.y
			totalSq += p.y * p.y
		}

		sumL, sqL := 0.0, 0.0
		for k := 1; k < n; k++ {
			sumL += pairs[k-1].y
			sqL += pairs[k-1].y * pairs[k-1].y
			if pairs[k-1].v == pairs[k].v {
				continue
			}
			if k < b.minLeaf || n-k < b.minLeaf {
				continue
			}
			nl, nr := float64(k), float64(n-k)
			sseL := sqL - sumL*sumL/nl
			sumR, sqR := totalSum-sumL, totalSq-sqL
			sseR := sqR - sumR*sumR/nr
			g := parentSSE - sseL - sseR
			if g > bestGain {
				bestGain = g
				feature = f
				threshold = (pairs[k-1].v + pairs[k].v) / 2
				ok = true
			}
		}
	}
	return feature, threshold, bestGain, ok
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := 0.0
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func normalize(v []float64) {
	total := 0.0
	for _, x := range v {
		total += x
	}
	if total <= 0 {
		return
	}
	for i := range v {
		v[i] /= total
	}
}
