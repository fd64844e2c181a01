// Package training fits a baseline duration model and publishes it to the
// model registry. It exists so a fresh deployment can bootstrap itself: the
// supervisor invokes it when the registry has no loadable run, and operators
// invoke it through the CLI to mint a new run on demand.
package training

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mlopslab/taxi-predictor/pkg/config"
	"github.com/mlopslab/taxi-predictor/pkg/features"
	"github.com/mlopslab/taxi-predictor/pkg/logging"
	"github.com/mlopslab/taxi-predictor/pkg/model"
)

// Options tune a training run. Zero values fall back to defaults.
type Options struct {
	Samples int   // synthetic trips to generate
	Seed    int64 // 0 means time-seeded
}

const (
	defaultSamples = 5000
	holdoutShare   = 0.2

	// Small ridge term keeps the normal equations solvable when a
	// feature column is (near-)constant in the sample.
	ridgeLambda = 1e-6
)

// Result describes a published run
type Result struct {
	RunID       string
	RMSE        float64
	ArtifactDir string
	TrainedAt   time.Time
	Samples     int
}

// Trainer fits linear models on synthetic trips drawn from the service area
type Trainer struct {
	box    config.BoundingBox
	loc    *time.Location
	logger *logging.Logger
}

// New creates a trainer for the given service area and operating timezone
func New(box config.BoundingBox, loc *time.Location, logger *logging.Logger) *Trainer {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Trainer{box: box, loc: loc, logger: logger}
}

// Train fits a model, writes its artifacts under
// <root>/<experimentID>/<runID>/artifacts/<modelName>/ and verifies the
// written blob loads back before reporting success. A run that cannot be
// re-read is removed rather than published.
func (t *Trainer) Train(root, experimentID, modelName string, opts Options) (*Result, error) {
	if opts.Samples <= 0 {
		opts.Samples = defaultSamples
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	t.logger.Info("training run starting", "samples", opts.Samples, "seed", seed)

	xs, ys := t.generate(rng, opts.Samples)

	split := opts.Samples - int(float64(opts.Samples)*holdoutShare)
	weights, err := fitLinear(xs[:split], ys[:split])
	if err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	rmse := evaluate(weights, xs[split:], ys[split:])
	if !isFinite(rmse) || rmse <= 0 {
		return nil, fmt.Errorf("fit produced unusable holdout rmse %v", rmse)
	}

	runID := uuid.NewString()
	trainedAt := time.Now().UTC()
	dir := filepath.Join(root, experimentID, runID, "artifacts", modelName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	spec := &model.Spec{
		Type:         model.TypeLinear,
		Intercept:    weights[0],
		Coefficients: weights[1:],
	}
	blobPath := filepath.Join(dir, "predictor.json")
	if err := model.SavePredictor(blobPath, spec); err != nil {
		return nil, fmt.Errorf("write predictor: %w", err)
	}

	meta := &model.Metadata{
		RMSE:         rmse,
		TrainedAt:    trainedAt,
		FeatureOrder: features.Order,
		Unit:         "minutes",
		ModelType:    "linear",
	}
	if err := model.SaveMetadata(filepath.Join(dir, "metadata.json"), meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	// A run is only published if its artifacts round-trip. Otherwise a
	// corrupt write would poison the registry's best candidate.
	if err := verifyRun(blobPath, filepath.Join(dir, "metadata.json")); err != nil {
		_ = os.RemoveAll(filepath.Join(root, experimentID, runID))
		return nil, fmt.Errorf("verify written artifacts: %w", err)
	}

	t.logger.Info("training run published",
		"run_id", runID,
		"rmse", rmse,
		"artifact_dir", dir,
	)

	return &Result{
		RunID:       runID,
		RMSE:        rmse,
		ArtifactDir: dir,
		TrainedAt:   trainedAt,
		Samples:     opts.Samples,
	}, nil
}

// generate draws synthetic trips uniformly from the service area and labels
// them with a plausible duration: a base fare time, per-km travel time, a
// rush-hour penalty, a weekend discount, and Gaussian noise.
func (t *Trainer) generate(rng *rand.Rand, n int) ([][]float64, []float64) {
	builder := features.NewBuilder(t.box, t.loc)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, t.loc)

	xs := make([][]float64, 0, n)
	ys := make([]float64, 0, n)

	for len(xs) < n {
		req := features.Request{
			PickupLatitude:   t.box.MinLat + rng.Float64()*(t.box.MaxLat-t.box.MinLat),
			PickupLongitude:  t.box.MinLon + rng.Float64()*(t.box.MaxLon-t.box.MinLon),
			DropoffLatitude:  t.box.MinLat + rng.Float64()*(t.box.MaxLat-t.box.MinLat),
			DropoffLongitude: t.box.MinLon + rng.Float64()*(t.box.MaxLon-t.box.MinLon),
			PassengerCount:   1 + rng.Intn(6),
			VendorID:         1 + rng.Intn(2),
			PickupTime:       start.Add(time.Duration(rng.Intn(365*24*60)) * time.Minute),
		}

		vec, err := builder.Build(req)
		if err != nil {
			// Rare with in-box sampling, but a degenerate box can still
			// produce over-limit distances.
			continue
		}

		duration := 3.0 + 2.5*vec.DistanceKm
		if vec.IsRushHour == 1 {
			duration *= 1.4
		}
		if vec.IsWeekend == 1 {
			duration *= 0.9
		}
		duration += rng.NormFloat64() * 2.0
		if duration < 1 {
			duration = 1
		}

		xs = append(xs, vec.Values())
		ys = append(ys, duration)
	}

	return xs, ys
}

// fitLinear solves ordinary least squares via the normal equations. The
// returned slice is [intercept, w_0 .. w_{k-1}].
func fitLinear(xs [][]float64, ys []float64) ([]float64, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	k := len(xs[0]) + 1 // +1 for the intercept column

	// A = XᵀX, b = Xᵀy with an implicit leading 1 in each row
	a := make([][]float64, k)
	for i := range a {
		a[i] = make([]float64, k)
	}
	b := make([]float64, k)

	row := make([]float64, k)
	for idx, x := range xs {
		row[0] = 1
		copy(row[1:], x)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				a[i][j] += row[i] * row[j]
			}
			b[i] += row[i] * ys[idx]
		}
	}
	for i := 0; i < k; i++ {
		a[i][i] += ridgeLambda
	}

	return solve(a, b)
}

// solve runs Gaussian elimination with partial pivoting on a dense
// symmetric system. Matrix and vector are clobbered.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < n; j++ {
			sum -= a[i][j] * x[j]
		}
		x[i] = sum / a[i][i]
	}
	return x, nil
}

// evaluate computes root-mean-square error of the weights on a holdout set
func evaluate(weights []float64, xs [][]float64, ys []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for i, x := range xs {
		pred := weights[0]
		for j, v := range x {
			pred += weights[j+1] * v
		}
		d := pred - ys[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// verifyRun re-reads just-written artifacts through the same loaders the
// scanner uses
func verifyRun(blobPath, metaPath string) error {
	p, err := model.LoadPredictor(blobPath)
	if err != nil {
		return err
	}
	probe := make([]float64, model.FeatureCount)
	probe[0] = 1.0
	probe[1] = 1
	probe[2] = 1
	if _, err := p.Predict(probe); err != nil {
		return fmt.Errorf("probe prediction: %w", err)
	}

	meta, err := model.LoadMetadata(metaPath)
	if err != nil {
		return err
	}
	if !isFinite(meta.RMSE) || meta.RMSE <= 0 {
		return fmt.Errorf("metadata rmse %v is not usable", meta.RMSE)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
