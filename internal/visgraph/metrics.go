package visgraph

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MeanDegree is the average number of visible samples seen from a query
// sample. Without query samples every sample counts.
func (g *Graph) MeanDegree() (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return 0, ErrNotBuilt
	}
	var degrees []float64
	for i, row := range g.adj {
		if !g.reference[i] || !g.hasQuery() {
			degrees = append(degrees, float64(len(row)))
		}
	}
	if len(degrees) == 0 {
		return 0, nil
	}
	return stat.Mean(degrees, nil), nil
}

// MeanDepthAndEntropy returns the mean hop distance from query samples to the
// nearest reference sample, and the entropy of the distribution of those
// distances. Without reference samples depth is measured from each query
// sample to every sample it reaches. Unreachable samples are ignored.
func (g *Graph) MeanDepthAndEntropy() (float64, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return 0, 0, ErrNotBuilt
	}

	var depths []int
	if g.hasReference() {
		var sources []int
		for i, ref := range g.reference {
			if ref {
				sources = append(sources, i)
			}
		}
		dist := g.bfs(sources)
		for i, ref := range g.reference {
			if !ref && dist[i] >= 0 {
				depths = append(depths, dist[i])
			}
		}
	} else {
		for i := range g.samples {
			for j, d := range g.bfs([]int{i}) {
				if j != i && d > 0 {
					depths = append(depths, d)
				}
			}
		}
	}
	if len(depths) == 0 {
		return 0, 0, nil
	}

	maxDepth := 0
	values := make([]float64, len(depths))
	for i, d := range depths {
		values[i] = float64(d)
		if d > maxDepth {
			maxDepth = d
		}
	}
	hist := make([]float64, maxDepth+1)
	for _, d := range depths {
		hist[d]++
	}
	floats.Scale(1/float64(len(depths)), hist)

	return stat.Mean(values, nil), stat.Entropy(hist), nil
}

// IsConnected reports whether all samples form one component.
func (g *Graph) IsConnected() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.built {
		return false, ErrNotBuilt
	}
	if len(g.samples) <= 1 {
		return true, nil
	}
	for _, d := range g.bfs([]int{0}) {
		if d < 0 {
			return false, nil
		}
	}
	return true, nil
}

// bfs returns hop distances from the nearest source, -1 when unreachable.
func (g *Graph) bfs(sources []int) []int {
	dist := make([]int, len(g.samples))
	for i := range dist {
		dist[i] = -1
	}
	queue := make([]int, 0, len(g.samples))
	for _, s := range sources {
		dist[s] = 0
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, m := range g.adj[n] {
			if dist[m] < 0 {
				dist[m] = dist[n] + 1
				queue = append(queue, m)
			}
		}
	}
	return dist
}

func (g *Graph) hasReference() bool {
	for _, ref := range g.reference {
		if ref {
			return true
		}
	}
	return false
}

func (g *Graph) hasQuery() bool {
	for _, ref := range g.reference {
		if !ref {
			return true
		}
	}
	return false
}
