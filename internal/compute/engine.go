// Package compute is the out-of-scope compute kernel (spec.md §1):
// numeric matrix multiplications producing a per-request output vector,
// specified only by its batch-in / batch-out contract. This is a
// deterministic stand-in for a real model, matching
// original_source/inference_engine.py's predict/batch_predict shape so
// internal/batch has a real compute_fn to drive.
package compute

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	// hiddenSize mirrors inference_engine.py's self.hidden_size.
	hiddenSize = 1024
	// numClasses mirrors inference_engine.py's self.num_classes.
	numClasses = 1000
	// matmulRounds mirrors the "for _ in range(5)" deep-layer simulation.
	matmulRounds = 5
)

// Engine is one worker's local model shard: a fixed pseudo-random weight
// matrix, seeded deterministically by shardID so every process with the
// same shard produces identical output for identical input.
type Engine struct {
	modelName  string
	shardID    int
	hiddenSize int
	numClasses int
	weights    [][]float64 // hiddenSize x hiddenSize
}

// New builds an Engine for modelName, seeded by shardID (42+shardID,
// matching np.random.seed(42 + shard_id)), at the production hidden size.
func New(modelName string, shardID int) *Engine {
	return NewWithSize(modelName, shardID, hiddenSize, numClasses)
}

// NewWithSize builds an Engine with a custom hidden/output size, primarily
// so tests and local benchmarking aren't stuck with the production
// hiddenSize x hiddenSize matmul cost.
func NewWithSize(modelName string, shardID, hidden, classes int) *Engine {
	rng := rand.New(rand.NewSource(int64(42 + shardID)))
	w := make([][]float64, hidden)
	for i := range w {
		w[i] = make([]float64, hidden)
		for j := range w[i] {
			w[i][j] = rng.NormFloat64()
		}
	}
	return &Engine{modelName: modelName, shardID: shardID, hiddenSize: hidden, numClasses: classes, weights: w}
}

// ModelName returns the engine's model identifier.
func (e *Engine) ModelName() string { return e.modelName }

// ShardID returns the engine's shard index.
func (e *Engine) ShardID() int { return e.shardID }

// BatchPredict vectorizes inputs into one (batchSize x hiddenSize) matrix,
// applies matmulRounds rounds of matmul + tanh against the shard's weight
// matrix, and projects each row down to numClasses outputs, normalized to
// sum to 1. Returns an error if inputs is empty.
func (e *Engine) BatchPredict(inputs [][]float64) ([][]float64, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("compute: empty batch")
	}

	x := make([][]float64, len(inputs))
	for i, in := range inputs {
		row := make([]float64, e.hiddenSize)
		n := len(in)
		if n > e.hiddenSize {
			n = e.hiddenSize
		}
		copy(row, in[:n])
		x[i] = row
	}

	for r := 0; r < matmulRounds; r++ {
		x = e.matmulTanh(x)
	}

	classes := e.numClasses
	if classes > e.hiddenSize {
		classes = e.hiddenSize
	}
	out := make([][]float64, len(inputs))
	for i, row := range x {
		proj := make([]float64, classes)
		var sum float64
		for j := 0; j < classes; j++ {
			v := math.Abs(row[j])
			proj[j] = v
			sum += v
		}
		if sum > 0 {
			for j := range proj {
				proj[j] /= sum
			}
		}
		out[i] = proj
	}
	return out, nil
}

// matmulTanh computes tanh(x @ weights) for every row of x.
func (e *Engine) matmulTanh(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		outRow := make([]float64, e.hiddenSize)
		for j := 0; j < e.hiddenSize; j++ {
			var sum float64
			for k := 0; k < e.hiddenSize; k++ {
				sum += row[k] * e.weights[k][j]
			}
			outRow[j] = math.Tanh(sum)
		}
		out[i] = outRow
	}
	return out
}
