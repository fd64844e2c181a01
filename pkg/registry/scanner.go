package registry

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/model"
)

// ErrNoModelAvailable is returned when no candidate is both valid and
// deserializable. Maps to HTTP 503 and CLI exit code 3.
var ErrNoModelAvailable = errors.New("no model available in registry")

// Candidate is one run directory found during a scan
type Candidate struct {
	RunID     string
	Path      string // artifact directory containing blob + metadata
	BlobPath  string
	RMSE      float64
	TrainedAt time.Time
	Unit      string
	ModelType string
	Features  []string
	Valid     bool
	Reason    string // why an invalid candidate was skipped
}

// ScanResult is the ranked outcome of one registry walk
type ScanResult struct {
	Candidates []Candidate // valid candidates, best first
	Skipped    []Candidate // incomplete or malformed runs
	ScannedAt  time.Time
}

// Scanner discovers model artifacts on disk. The filesystem is the sole
// source of truth: any tracking database that also catalogs runs is
// ignored, so the scanner keeps working when the two drift apart.
type Scanner struct {
	root         string
	experimentID string
	modelName    string
	logger       *logging.Logger
}

// ResolveRoot anchors a relative registry root to the executable's
// directory rather than the caller's working directory, so every entry
// point resolves the same location regardless of where it was launched.
func ResolveRoot(root string) (string, error) {
	if filepath.IsAbs(root) {
		return root, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), root), nil
}

// New creates a scanner rooted at <root>/<experimentID>
func New(root, experimentID, modelName string, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scanner{
		root:         root,
		experimentID: experimentID,
		modelName:    modelName,
		logger:       logger,
	}
}

// ExperimentDir returns the directory holding run subdirectories
func (s *Scanner) ExperimentDir() string {
	return filepath.Join(s.root, s.experimentID)
}

// artifactDir is <root>/<exp>/<run>/artifacts/<model_name>
func (s *Scanner) artifactDir(runID string) string {
	return filepath.Join(s.ExperimentDir(), runID, "artifacts", s.modelName)
}

// Scan enumerates run directories one level deep and ranks the valid
// candidates: error metric ascending, then training timestamp descending,
// then run id. Incomplete runs are common while training is in flight, so
// skipping them is not an error.
func (s *Scanner) Scan() (*ScanResult, error) {
	result := &ScanResult{ScannedAt: time.Now()}

	entries, err := os.ReadDir(s.ExperimentDir())
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("experiment directory does not exist", "dir", s.ExperimentDir())
			return result, nil
		}
		// Unreadable registry root: treat like an empty registry rather
		// than failing the caller; the condition is logged.
		s.logger.Warn("cannot read experiment directory", "dir", s.ExperimentDir(), "error", err)
		return result, nil
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cand := s.probe(entry.Name())
		if cand.Valid {
			result.Candidates = append(result.Candidates, cand)
		} else {
			s.logger.Debug("skipping run", "run_id", cand.RunID, "reason", cand.Reason)
			result.Skipped = append(result.Skipped, cand)
		}
	}

	sort.Slice(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.RMSE != b.RMSE {
			return a.RMSE < b.RMSE
		}
		if !a.TrainedAt.Equal(b.TrainedAt) {
			return a.TrainedAt.After(b.TrainedAt)
		}
		return a.RunID < b.RunID
	})

	return result, nil
}

// probe checks one run directory for a complete, well-formed artifact
func (s *Scanner) probe(runID string) Candidate {
	cand := Candidate{RunID: runID, Path: s.artifactDir(runID)}

	blob, err := findBlob(cand.Path)
	if err != nil {
		cand.Reason = err.Error()
		return cand
	}
	cand.BlobPath = blob

	metaPath := filepath.Join(cand.Path, "metadata.json")
	meta, err := model.LoadMetadata(metaPath)
	if err != nil {
		cand.Reason = fmt.Sprintf("metadata unreadable: %v", err)
		return cand
	}

	if math.IsNaN(meta.RMSE) || math.IsInf(meta.RMSE, 0) || meta.RMSE <= 0 {
		cand.Reason = fmt.Sprintf("metadata rmse %v is not a usable metric", meta.RMSE)
		return cand
	}

	cand.RMSE = meta.RMSE
	cand.TrainedAt = meta.TrainedAt
	cand.Unit = meta.Unit
	cand.ModelType = meta.ModelType
	cand.Features = meta.FeatureOrder
	cand.Valid = true
	return cand
}

// findBlob locates the predictor blob in an artifact directory
func findBlob(dir string) (string, error) {
	for _, ext := range model.BlobExtensions {
		path := filepath.Join(dir, "predictor"+ext)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			return "", fmt.Errorf("predictor blob %s is empty", path)
		}
		return path, nil
	}
	return "", fmt.Errorf("no predictor blob under %s", dir)
}

// SelectBest scans, then loads candidates best-first until one
// deserializes. A corrupt blob demotes its candidate rather than
// aborting: selection succeeds whenever any candidate loads.
func (s *Scanner) SelectBest() (*model.LoadedModel, error) {
	result, err := s.Scan()
	if err != nil {
		return nil, err
	}
	if len(result.Candidates) == 0 {
		return nil, ErrNoModelAvailable
	}

	for _, cand := range result.Candidates {
		predictor, err := model.LoadPredictor(cand.BlobPath)
		if err != nil {
			s.logger.Warn("candidate failed to deserialize, trying next",
				"run_id", cand.RunID, "error", err)
			continue
		}

		loaded := &model.LoadedModel{
			Predictor:    predictor,
			RunID:        cand.RunID,
			RMSE:         cand.RMSE,
			Unit:         cand.Unit,
			ModelType:    cand.ModelType,
			FeatureOrder: cand.Features,
			TrainedAt:    cand.TrainedAt,
			LoadedAt:     time.Now().UTC(),
		}
		s.logger.Info("model selected",
			"run_id", loaded.Version(), "rmse", loaded.RMSE, "type", loaded.ModelType)
		return loaded, nil
	}

	return nil, ErrNoModelAvailable
}

// HasAnyCandidate reports whether at least one valid artifact exists.
// Used by the supervisor to decide whether bootstrap training is needed.
func (s *Scanner) HasAnyCandidate() bool {
	result, err := s.Scan()
	if err != nil {
		return false
	}
	return len(result.Candidates) > 0
}
