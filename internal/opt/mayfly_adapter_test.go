package opt

import (
	"math"
	"testing"
)

// Sphere function: f(x) = sum(x_i^2), minimum at origin
func sphere(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return sum
}

// shiftedSphere has its minimum at (1, -2, 3, ...) alternating sign.
func shiftedSphere(x []float64) float64 {
	var sum float64
	for i, v := range x {
		c := float64(i + 1)
		if i%2 == 1 {
			c = -c
		}
		sum += (v - c) * (v - c)
	}
	return sum
}

func TestMayflyAdapterOnSphere(t *testing.T) {
	optimizer := NewMayfly(100, 20, 42) // maxIters, popSize, seed

	dim := 3
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = -10
		upper[i] = 10
	}

	best, cost, err := optimizer.Run(sphere, lower, upper, dim)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(best) != dim {
		t.Fatalf("Expected %d parameters, got %d", dim, len(best))
	}

	// Should converge close to zero
	if cost > 0.1 {
		t.Errorf("Expected cost near 0, got %f", cost)
	}

	// Check that best params are near origin
	for i, v := range best {
		if math.Abs(v) > 1.0 {
			t.Errorf("Parameter %d = %f, expected near 0", i, v)
		}
	}
}

func TestMayflyAdapterDeterministic(t *testing.T) {
	dim := 2
	lower := []float64{-5, -5}
	upper := []float64{5, 5}

	// Run twice with same seed (popSize must be >=20 for mayfly v0.1.0)
	optimizer1 := NewMayfly(50, 20, 123)
	_, cost1, err := optimizer1.Run(sphere, lower, upper, dim)
	if err != nil {
		t.Fatal(err)
	}

	optimizer2 := NewMayfly(50, 20, 123)
	_, cost2, err := optimizer2.Run(sphere, lower, upper, dim)
	if err != nil {
		t.Fatal(err)
	}

	if cost1 != cost2 {
		t.Errorf("Non-deterministic: cost1=%f, cost2=%f", cost1, cost2)
	}
}

func TestMayflyAdapterRespectsPerGeneBounds(t *testing.T) {
	lower := []float64{0, 100}
	upper := []float64{1, 200}
	seen := 0
	eval := func(x []float64) float64 {
		seen++
		for i := range x {
			if x[i] < lower[i] || x[i] > upper[i] {
				t.Fatalf("x[%d]=%f outside [%f, %f]", i, x[i], lower[i], upper[i])
			}
		}
		return x[0] + x[1]
	}

	if got := NewMayfly(10, 5, 1).PopSize(); got != minMayflyPop {
		t.Errorf("PopSize = %d, want %d", got, minMayflyPop)
	}

	_, _, err := NewMayfly(10, 20, 7).Run(eval, lower, upper, 2)
	if err != nil {
		t.Fatal(err)
	}
	if seen == 0 {
		t.Fatal("objective never evaluated")
	}
}

func TestMayflyRejectsMismatchedBounds(t *testing.T) {
	var o Optimizer = NewMayfly(1, 20, 1)
	if _, _, err := o.Run(sphere, []float64{0}, []float64{1, 2}, 2); err == nil {
		t.Error("expected error for mismatched bounds")
	}
	if _, _, err := o.Run(sphere, nil, nil, 0); err == nil {
		t.Error("expected error for zero dimension")
	}
}
