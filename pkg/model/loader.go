package model

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SchemaID is written into every serialized predictor so a blob from an
// unrelated tool is rejected instead of half-deserialized.
const SchemaID = "taxi-predictor/v1"

const (
	TypeLinear = "linear"
	TypeForest = "forest"
)

// Spec is the on-disk form of a predictor. One struct covers both model
// families; Type selects which fields are meaningful.
type Spec struct {
	Schema       string    `json:"schema"`
	Type         string    `json:"type"`
	Intercept    float64   `json:"intercept,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`
	Trees        []Tree    `json:"trees,omitempty"`
}

// BlobExtensions lists recognized predictor file extensions, in probe order
var BlobExtensions = []string{".json", ".gob"}

// LoadPredictor reads and deserializes a predictor blob. The format is
// chosen by extension, with a first-byte sniff as fallback for blobs
// written without one.
func LoadPredictor(path string) (Predictor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read predictor blob: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("predictor blob %s is empty", path)
	}

	var spec Spec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &spec)
	case ".gob":
		err = gob.NewDecoder(bytes.NewReader(data)).Decode(&spec)
	default:
		// No recognized extension: JSON objects start with '{'
		if data[0] == '{' {
			err = json.Unmarshal(data, &spec)
		} else {
			err = gob.NewDecoder(bytes.NewReader(data)).Decode(&spec)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("decode predictor blob %s: %w", path, err)
	}

	return spec.Build()
}

// Build validates a Spec and materializes the predictor it describes
func (s *Spec) Build() (Predictor, error) {
	if s.Schema != SchemaID {
		return nil, fmt.Errorf("unknown predictor schema %q", s.Schema)
	}

	switch s.Type {
	case TypeLinear:
		if len(s.Coefficients) != FeatureCount {
			return nil, fmt.Errorf("linear model has %d coefficients, want %d", len(s.Coefficients), FeatureCount)
		}
		return &LinearModel{Intercept: s.Intercept, Coefficients: s.Coefficients}, nil

	case TypeForest:
		if len(s.Trees) == 0 {
			return nil, fmt.Errorf("forest model has no trees")
		}
		return &ForestModel{Trees: s.Trees}, nil

	default:
		return nil, fmt.Errorf("unknown predictor type %q", s.Type)
	}
}

// SavePredictor serializes a Spec to path, format chosen by extension
func SavePredictor(path string, spec *Spec) error {
	if spec.Schema == "" {
		spec.Schema = SchemaID
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gob":
		var buf bytes.Buffer
		err = gob.NewEncoder(&buf).Encode(spec)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(spec, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode predictor: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write predictor blob: %w", err)
	}
	return nil
}

// LoadMetadata reads the metadata descriptor next to a predictor blob
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	return &meta, nil
}

// SaveMetadata writes the metadata descriptor
func SaveMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}
