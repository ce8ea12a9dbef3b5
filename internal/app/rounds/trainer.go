package rounds

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/goccy/go-json"
)

// Weights is the state dict of a 2-in/2-out linear layer.
type Weights struct {
	FCWeight [][]float64 `json:"fc.weight"`
	FCBias   []float64   `json:"fc.bias"`
}

func (w Weights) clone() Weights {
	out := Weights{FCWeight: make([][]float64, len(w.FCWeight)), FCBias: slices.Clone(w.FCBias)}
	for i, row := range w.FCWeight {
		out.FCWeight[i] = slices.Clone(row)
	}
	return out
}

func (w Weights) sameShape(o Weights) bool {
	if len(w.FCWeight) != len(o.FCWeight) || len(w.FCBias) != len(o.FCBias) {
		return false
	}
	for i := range w.FCWeight {
		if len(w.FCWeight[i]) != len(o.FCWeight[i]) {
			return false
		}
	}
	return true
}

// SimulatedTrainer keeps one local model shared by every exchange of the
// process. Each round averages the received weights into the local model
// and applies a pseudo-random local update.
type SimulatedTrainer struct {
	mu    sync.Mutex
	model Weights
	rng   *rand.Rand
	step  float64
}

func NewSimulatedTrainer(seed uint64) *SimulatedTrainer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t := &SimulatedTrainer{rng: rng, step: 0.01}
	t.model = Weights{
		FCWeight: [][]float64{{rng.Float64() - 0.5, rng.Float64() - 0.5}, {rng.Float64() - 0.5, rng.Float64() - 0.5}},
		FCBias:   []float64{rng.Float64() - 0.5, rng.Float64() - 0.5},
	}
	return t
}

func (t *SimulatedTrainer) Train(ctx context.Context, round int, remote json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(remote) > 0 {
		var w Weights
		if err := json.Unmarshal(remote, &w); err != nil {
			return nil, fmt.Errorf("round %d: decode weights: %w", round, err)
		}
		if !t.model.sameShape(w) {
			return nil, fmt.Errorf("round %d: weight shape mismatch", round)
		}
		t.average(w)
	}
	t.localStep()
	return json.Marshal(t.model)
}

func (t *SimulatedTrainer) average(w Weights) {
	for i, row := range w.FCWeight {
		for j, v := range row {
			t.model.FCWeight[i][j] = (t.model.FCWeight[i][j] + v) / 2
		}
	}
	for i, v := range w.FCBias {
		t.model.FCBias[i] = (t.model.FCBias[i] + v) / 2
	}
}

func (t *SimulatedTrainer) localStep() {
	for i := range t.model.FCWeight {
		for j := range t.model.FCWeight[i] {
			t.model.FCWeight[i][j] -= t.step * t.rng.NormFloat64()
		}
	}
	for i := range t.model.FCBias {
		t.model.FCBias[i] -= t.step * t.rng.NormFloat64()
	}
}

// Model returns a copy of the current local weights.
func (t *SimulatedTrainer) Model() Weights {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.model.clone()
}
