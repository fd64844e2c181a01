package training

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlopslab/taxi-predictor/pkg/config"
	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/registry"
)

func nycBox(t *testing.T) config.BoundingBox {
	t.Helper()
	box, err := config.ParseBoundingBox("40.5,-74.3,40.9,-73.7")
	require.NoError(t, err)
	return box
}

func TestTrainPublishesLoadableRun(t *testing.T) {
	root := t.TempDir()
	trainer := New(nycBox(t), time.UTC, logging.Nop())

	res, err := trainer.Train(root, "1", "models", Options{Samples: 800, Seed: 42})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Greater(t, res.RMSE, 0.0)
	assert.Less(t, res.RMSE, 10.0, "synthetic data is nearly linear, rmse should be close to the noise floor")
	assert.Equal(t, filepath.Join(root, "1", res.RunID, "artifacts", "models"), res.ArtifactDir)

	// The run must be visible and loadable through the scanner
	scanner := registry.New(root, "1", "models", logging.Nop())
	loaded, err := scanner.SelectBest()
	require.NoError(t, err)
	assert.Equal(t, res.RunID, loaded.RunID)
	assert.Equal(t, "minutes", loaded.Unit)
	assert.Equal(t, "linear", loaded.ModelType)

	// Longer trips take longer
	short := []float64{1, 1, 1, 13, 2, 3, 0, 0}
	long := []float64{20, 1, 1, 13, 2, 3, 0, 0}
	pShort, err := loaded.Predictor.Predict(short)
	require.NoError(t, err)
	pLong, err := loaded.Predictor.Predict(long)
	require.NoError(t, err)
	assert.Greater(t, pLong, pShort)
}

func TestTrainDeterministicWithSeed(t *testing.T) {
	trainer := New(nycBox(t), time.UTC, logging.Nop())

	a, err := trainer.Train(t.TempDir(), "1", "models", Options{Samples: 500, Seed: 7})
	require.NoError(t, err)
	b, err := trainer.Train(t.TempDir(), "1", "models", Options{Samples: 500, Seed: 7})
	require.NoError(t, err)

	assert.InDelta(t, a.RMSE, b.RMSE, 1e-9)
	assert.NotEqual(t, a.RunID, b.RunID, "run ids are unique even for identical fits")
}

func TestFitLinearRecoversWeights(t *testing.T) {
	// y = 2 + 3*x0 - x1, no noise
	xs := [][]float64{
		{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 1}, {3, 5}, {4, 2}, {0.5, 0.25},
	}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = 2 + 3*x[0] - x[1]
	}

	w, err := fitLinear(xs, ys)
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.InDelta(t, 2.0, w[0], 1e-6)
	assert.InDelta(t, 3.0, w[1], 1e-6)
	assert.InDelta(t, -1.0, w[2], 1e-6)
}

func TestFitLinearRejectsEmpty(t *testing.T) {
	_, err := fitLinear(nil, nil)
	assert.Error(t, err)
}

func TestSolveSingular(t *testing.T) {
	a := [][]float64{{1, 2}, {2, 4}}
	b := []float64{1, 2}
	_, err := solve(a, b)
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	w := []float64{1, 2} // y = 1 + 2x
	xs := [][]float64{{1}, {2}}
	ys := []float64{3, 5}
	assert.InDelta(t, 0, evaluate(w, xs, ys), 1e-12)

	ys = []float64{4, 6} // off by 1 everywhere
	assert.InDelta(t, 1, evaluate(w, xs, ys), 1e-12)

	assert.True(t, math.IsNaN(evaluate(w, nil, nil)))
}
