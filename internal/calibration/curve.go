// Package calibration maps raw model probabilities to calibrated ones using
// a versioned, immutable piecewise-linear curve.
package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidCurve is wrapped by every curve construction failure.
	ErrInvalidCurve = errors.New("calibration: invalid curve")
	// ErrStaleCurve means the requested curve version is not the loaded one.
	ErrStaleCurve = errors.New("calibration: stale curve")
)

// Point is one knot of the curve.
type Point struct {
	Raw        float64 `json:"raw" yaml:"raw"`
	Calibrated float64 `json:"calibrated" yaml:"calibrated"`
}

// Curve is an immutable monotone interpolation table. Raw probabilities
// outside the first and last knot take the nearest knot's value.
type Curve struct {
	version      string
	modelVersion string
	points       []Point
}

// curveFile is the on-disk artifact.
type curveFile struct {
	Version      string  `json:"version" yaml:"version"`
	ModelVersion string  `json:"model_version" yaml:"model_version"`
	Points       []Point `json:"points" yaml:"points"`
}

// NewCurve validates points and builds a Curve. Knots are sorted by Raw;
// raw values must be distinct, every value must lie in [0,1] and the
// calibrated values must be non-decreasing.
func NewCurve(version, modelVersion string, points []Point) (*Curve, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidCurve)
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidCurve, len(points))
	}

	pts := make([]Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Raw < pts[j].Raw })

	for i, p := range pts {
		if p.Raw < 0 || p.Raw > 1 || p.Calibrated < 0 || p.Calibrated > 1 {
			return nil, fmt.Errorf("%w: point %v outside [0,1]", ErrInvalidCurve, p)
		}
		if i == 0 {
			continue
		}
		if p.Raw == pts[i-1].Raw {
			return nil, fmt.Errorf("%w: duplicate raw value %v", ErrInvalidCurve, p.Raw)
		}
		if p.Calibrated < pts[i-1].Calibrated {
			return nil, fmt.Errorf("%w: not monotone at raw=%v", ErrInvalidCurve, p.Raw)
		}
	}
	return &Curve{version: version, modelVersion: modelVersion, points: pts}, nil
}

// Identity returns a two-knot curve mapping p to p.
func Identity(version string) *Curve {
	c, _ := NewCurve(version, "", []Point{{0, 0}, {1, 1}})
	return c
}

// Version returns the curve's artifact version.
func (c *Curve) Version() string { return c.version }

// ModelVersion returns the model the curve was fitted for, if recorded.
func (c *Curve) ModelVersion() string { return c.modelVersion }

// Points returns a copy of the knots in raw order.
func (c *Curve) Points() []Point {
	out := make([]Point, len(c.points))
	copy(out, c.points)
	return out
}

// Apply interpolates p. Inputs are clamped to [0,1]; NaN maps to the
// first knot.
func (c *Curve) Apply(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	pts := c.points
	if p <= pts[0].Raw {
		return pts[0].Calibrated
	}
	last := pts[len(pts)-1]
	if p >= last.Raw {
		return last.Calibrated
	}

	// first knot with Raw >= p; p lies in (pts[i-1].Raw, pts[i].Raw]
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Raw >= p })
	lo, hi := pts[i-1], pts[i]
	frac := (p - lo.Raw) / (hi.Raw - lo.Raw)
	return lo.Calibrated + frac*(hi.Calibrated-lo.Calibrated)
}

// LoadFile reads a curve artifact. .yaml and .yml files decode as YAML,
// anything else as JSON.
func LoadFile(path string) (*Curve, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied artifact path
	if err != nil {
		return nil, fmt.Errorf("read curve %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return Parse(data, ext == ".yaml" || ext == ".yml")
}

// Parse decodes a curve artifact.
func Parse(data []byte, isYAML bool) (*Curve, error) {
	var f curveFile
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCurve, err)
	}
	return NewCurve(f.Version, f.ModelVersion, f.Points)
}
