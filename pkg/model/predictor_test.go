package model

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearModelPredict(t *testing.T) {
	m := &LinearModel{
		Intercept:    2.0,
		Coefficients: []float64{3.5, 0, 0, 0, 0, 0, 0, 0},
	}

	got, err := m.Predict([]float64{10, 1, 1, 12, 2, 3, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 37.0, got, 1e-9)
}

func TestLinearModelWrongWidth(t *testing.T) {
	m := &LinearModel{Coefficients: []float64{1, 2, 3}}

	_, err := m.Predict([]float64{1, 2})
	assert.Error(t, err)
}

func TestLinearModelNonFinite(t *testing.T) {
	m := &LinearModel{
		Intercept:    math.MaxFloat64,
		Coefficients: []float64{math.MaxFloat64, 0, 0, 0, 0, 0, 0, 0},
	}

	_, err := m.Predict([]float64{2, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestForestModelPredict(t *testing.T) {
	// Two stumps splitting on distance_km at 5.0
	stump := Tree{Nodes: []TreeNode{
		{Feature: 0, Threshold: 5.0, Left: 1, Right: 2},
		{Left: -1, Value: 10},
		{Left: -1, Value: 30},
	}}
	m := &ForestModel{Trees: []Tree{stump, stump}}

	short, err := m.Predict([]float64{2, 1, 1, 12, 2, 3, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 10.0, short)

	long, err := m.Predict([]float64{20, 1, 1, 12, 2, 3, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 30.0, long)
}

func TestForestModelRejectsCycles(t *testing.T) {
	m := &ForestModel{Trees: []Tree{{Nodes: []TreeNode{
		{Feature: 0, Threshold: 1, Left: 0, Right: 0},
	}}}}

	_, err := m.Predict(make([]float64, FeatureCount))
	assert.Error(t, err)
}

func TestSaveLoadRoundTripJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predictor.json")

	spec := &Spec{
		Type:         TypeLinear,
		Intercept:    1.5,
		Coefficients: []float64{3.2, 0.1, -0.2, 0.05, 0.01, 0.02, -0.5, 1.1},
	}
	require.NoError(t, SavePredictor(path, spec))

	p, err := LoadPredictor(path)
	require.NoError(t, err)

	v := []float64{5, 2, 1, 8, 0, 3, 0, 1}
	want, err := spec.mustBuild(t).Predict(v)
	require.NoError(t, err)
	got, err := p.Predict(v)
	require.NoError(t, err)
	assert.InDelta(t, want, got, 1e-12)
}

func (s *Spec) mustBuild(t *testing.T) Predictor {
	t.Helper()
	p, err := s.Build()
	require.NoError(t, err)
	return p
}

func TestSaveLoadRoundTripGob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "predictor.gob")

	spec := &Spec{
		Type: TypeForest,
		Trees: []Tree{{Nodes: []TreeNode{
			{Feature: 0, Threshold: 10, Left: 1, Right: 2},
			{Left: -1, Value: 8},
			{Left: -1, Value: 40},
		}}},
	}
	require.NoError(t, SavePredictor(path, spec))

	p, err := LoadPredictor(path)
	require.NoError(t, err)

	got, err := p.Predict([]float64{3, 1, 1, 12, 2, 3, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 8.0, got)
}

func TestLoadPredictorRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"empty", "predictor.json", nil},
		{"truncated json", "predictor.json", []byte(`{"schema":"taxi-predictor/v1","type":"lin`)},
		{"wrong schema", "predictor.json", []byte(`{"schema":"other/v9","type":"linear"}`)},
		{"unknown type", "predictor.json", []byte(`{"schema":"taxi-predictor/v1","type":"svm"}`)},
		{"not gob", "predictor.gob", []byte("hello world")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+"-"+tt.file)
			require.NoError(t, os.WriteFile(path, tt.data, 0644))

			_, err := LoadPredictor(path)
			assert.Error(t, err)
		})
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")

	meta := &Metadata{
		RMSE:         6.62,
		TrainedAt:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		FeatureOrder: []string{"distance_km", "passenger_count"},
		Unit:         "minutes",
		ModelType:    "linear",
	}
	require.NoError(t, SaveMetadata(path, meta))

	got, err := LoadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, meta.RMSE, got.RMSE)
	assert.True(t, meta.TrainedAt.Equal(got.TrainedAt))
	assert.Equal(t, meta.Unit, got.Unit)
}

func TestLoadedModelVersion(t *testing.T) {
	m := &LoadedModel{RunID: "a1b2c3d4e5f6a7b8"}
	assert.Equal(t, "a1b2c3d4", m.Version())

	short := &LoadedModel{RunID: "ab12"}
	assert.Equal(t, "ab12", short.Version())
}
