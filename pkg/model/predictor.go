package model

import (
	"fmt"
	"math"
	"time"
)

// Predictor is the contract every trained regression model satisfies.
// The input is the 8-element feature vector in features.Order; the output
// unit (seconds vs minutes) is declared by the artifact metadata.
type Predictor interface {
	Predict(features []float64) (float64, error)
}

// FeatureCount is the vector width every predictor was trained on
const FeatureCount = 8

// Metadata is the descriptor stored next to each predictor blob
type Metadata struct {
	RMSE         float64   `json:"rmse"`
	TrainedAt    time.Time `json:"trained_at"`
	FeatureOrder []string  `json:"feature_order"`
	Unit         string    `json:"unit,omitempty"` // "seconds" | "minutes"
	ModelType    string    `json:"model_type,omitempty"`
}

// LoadedModel is an in-memory predictor plus its provenance. It is
// created by the registry scanner, owned by the prediction service,
// swapped atomically on reload, and never mutated in place.
type LoadedModel struct {
	Predictor    Predictor
	RunID        string
	RMSE         float64
	Unit         string
	ModelType    string
	FeatureOrder []string
	TrainedAt    time.Time
	LoadedAt     time.Time
}

// Version returns the short run-id prefix reported to clients
func (m *LoadedModel) Version() string {
	if len(m.RunID) <= 8 {
		return m.RunID
	}
	return m.RunID[:8]
}

// LinearModel is an ordinary least-squares regression predictor
type LinearModel struct {
	Intercept    float64
	Coefficients []float64
}

// Predict implements Predictor
func (m *LinearModel) Predict(features []float64) (float64, error) {
	if len(features) != len(m.Coefficients) {
		return 0, fmt.Errorf("feature vector has %d elements, model expects %d", len(features), len(m.Coefficients))
	}

	sum := m.Intercept
	for i, f := range features {
		sum += m.Coefficients[i] * f
	}

	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, fmt.Errorf("linear model produced a non-finite value")
	}
	return sum, nil
}

// TreeNode is one node of a regression tree, stored as a flat array.
// Leaves have Left == -1.
type TreeNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// Tree is a single regression tree
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Eval walks the tree for one feature vector
func (t *Tree) Eval(features []float64) (float64, error) {
	if len(t.Nodes) == 0 {
		return 0, fmt.Errorf("tree has no nodes")
	}

	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return node.Value, nil
		}
		if node.Feature < 0 || node.Feature >= len(features) {
			return 0, fmt.Errorf("tree references feature %d outside vector of %d", node.Feature, len(features))
		}

		next := node.Right
		if features[node.Feature] <= node.Threshold {
			next = node.Left
		}
		if next < 0 || next >= len(t.Nodes) {
			return 0, fmt.Errorf("tree child index %d out of range", next)
		}
		idx = next
	}

	return 0, fmt.Errorf("tree walk did not reach a leaf (cycle?)")
}

// ForestModel averages an ensemble of regression trees
type ForestModel struct {
	Trees []Tree
}

// Predict implements Predictor
func (m *ForestModel) Predict(features []float64) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, fmt.Errorf("forest has no trees")
	}

	sum := 0.0
	for i := range m.Trees {
		v, err := m.Trees[i].Eval(features)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		sum += v
	}

	return sum / float64(len(m.Trees)), nil
}
