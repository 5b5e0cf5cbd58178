package calibration

import (
	"fmt"
	"sync/atomic"

	"github.com/mbd888/auroraguard/internal/metrics"
	"github.com/mbd888/auroraguard/internal/scoring"
)

// Calibrated is a probability after curve application, or the scoring
// error tag when there was nothing to calibrate. Stale marks a raw
// probability passed through because the expected curve was not loaded.
type Calibrated struct {
	Probability   float64            `json:"probability"`
	Version       string             `json:"curve_version,omitempty"`
	Stale         bool               `json:"stale,omitempty"`
	ModelVersion  string             `json:"model_version,omitempty"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
	Err           scoring.ErrorTag   `json:"error,omitempty"`
}

// OK reports whether a calibrated probability is present.
func (c Calibrated) OK() bool { return c.Err == "" }

// Calibrator serves the current curve to any number of concurrent callers.
// Rotation swaps the whole curve; a curve is never modified in place.
type Calibrator struct {
	curve atomic.Pointer[Curve]
}

// NewCalibrator starts serving curve. A nil curve leaves the calibrator
// empty and every call stale until Rotate.
func NewCalibrator(curve *Curve) *Calibrator {
	c := &Calibrator{}
	if curve != nil {
		c.Rotate(curve)
	}
	return c
}

// Current returns the loaded curve, or nil.
func (c *Calibrator) Current() *Curve { return c.curve.Load() }

// Rotate installs next and returns the curve it replaced.
func (c *Calibrator) Rotate(next *Curve) *Curve {
	prev := c.curve.Swap(next)
	if next != nil {
		metrics.SetCalibrationCurve(next.Version())
	}
	return prev
}

// Calibrate maps raw through the loaded curve. It fails with ErrStaleCurve
// when version is not the loaded curve's version.
func (c *Calibrator) Calibrate(raw float64, version string) (Calibrated, error) {
	curve := c.curve.Load()
	if curve == nil {
		return Calibrated{}, fmt.Errorf("%w: no curve loaded, want %q", ErrStaleCurve, version)
	}
	if curve.Version() != version {
		return Calibrated{}, fmt.Errorf("%w: loaded %q, want %q", ErrStaleCurve, curve.Version(), version)
	}
	return Calibrated{Probability: curve.Apply(raw), Version: curve.Version()}, nil
}

// CalibrateScore calibrates a model score, passing its error tag through
// when the score is absent. Model version and contributions are carried
// over from the score.
func (c *Calibrator) CalibrateScore(score scoring.Score, version string) (Calibrated, error) {
	if !score.OK() {
		return Calibrated{Err: score.Err}, nil
	}
	out, err := c.Calibrate(score.Probability, version)
	if err != nil {
		return Calibrated{}, err
	}
	out.ModelVersion = score.ModelVersion
	out.Contributions = score.Contributions
	return out, nil
}

// Uncalibrated wraps a raw score for use when the curve is stale.
func Uncalibrated(score scoring.Score) Calibrated {
	if !score.OK() {
		return Calibrated{Err: score.Err}
	}
	return Calibrated{
		Probability:   score.Probability,
		Stale:         true,
		ModelVersion:  score.ModelVersion,
		Contributions: score.Contributions,
	}
}
