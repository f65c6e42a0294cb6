// Package geo validates coordinate pairs against the fixed service-area
// bounding box. All coordinates are in the projected system of the store
// (EPSG:3857 meters); nothing here reprojects.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SRID of every stored geometry.
const SRID = 3857

var (
	ErrMissing   = errors.New("coordinate missing")
	ErrNotNumber = errors.New("coordinate is not numeric")
	ErrZero      = errors.New("coordinate is zero")
	ErrOutside   = errors.New("coordinate outside service area")
)

// Point is an (x, y) pair in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an inclusive rectangle in the projected system.
type BBox struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
}

// StLouis is the default service area in EPSG:3857.
var StLouis = BBox{
	MinX: -10060000,
	MaxX: -10020000,
	MinY: 4600000,
	MaxY: 4700000,
}

func (b BBox) Check() error {
	if b.MinX >= b.MaxX || b.MinY >= b.MaxY {
		return fmt.Errorf("invalid bounding box %v", b)
	}
	return nil
}

func (b BBox) Contains(p Point) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

// Validate coerces x and y to floats and checks them against the box.
// Zero on either axis is the source's "no location" sentinel and is rejected
// before the bounds check.
func (b BBox) Validate(x, y any) (Point, error) {
	fx, err := ToFloat(x)
	if err != nil {
		return Point{}, fmt.Errorf("x: %w", err)
	}
	fy, err := ToFloat(y)
	if err != nil {
		return Point{}, fmt.Errorf("y: %w", err)
	}
	if fx == 0 || fy == 0 {
		return Point{}, ErrZero
	}
	p := Point{X: fx, Y: fy}
	if !b.Contains(p) {
		return Point{}, fmt.Errorf("%w: (%g, %g)", ErrOutside, fx, fy)
	}
	return p, nil
}

// ValidateWithFallback tries the primary pair and, if it is unusable, the
// secondary pair. The secondary pair is taken as already projected.
func (b BBox) ValidateWithFallback(x, y, altX, altY any) (Point, error) {
	p, err := b.Validate(x, y)
	if err == nil {
		return p, nil
	}
	if p2, err2 := b.Validate(altX, altY); err2 == nil {
		return p2, nil
	}
	return Point{}, err
}

// ToFloat accepts the numeric shapes a decoded JSON payload can carry.
func ToFloat(v any) (float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, ErrMissing
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, ErrNotNumber
		}
		f = n
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, ErrMissing
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, ErrNotNumber
		}
		f = n
	default:
		return 0, ErrNotNumber
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumber
	}
	return f, nil
}
