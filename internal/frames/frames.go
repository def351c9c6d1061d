// Package frames converts state vectors between reference frames and derives
// the relative Radial-Transverse-Normal basis for an encounter pair. Every
// cross-object comparison in the engine goes through ToCanonical first so two
// states are never differenced in mixed frames.
package frames

import (
	"fmt"
	"math"
	"strings"
)

// Canonical is the internal inertial frame all geometry is expressed in.
const Canonical = "GCRS"

// ErrUnsupportedFrame rejects a frame label the transformer does not know.
// It is a boundary error: states in unknown frames are never silently coerced.
type ErrUnsupportedFrame struct {
	Frame string
}

func (e *ErrUnsupportedFrame) Error() string {
	return fmt.Sprintf("unsupported reference frame %q", e.Frame)
}

// canonicalAliases are inertial frames treated as GCRS-equivalent. This is a
// documented approximation, not a bit-identical transform: the differences
// between these realizations are well below the screening volumes this engine
// works at.
var canonicalAliases = map[string]bool{
	"GCRS":    true,
	"ECI":     true,
	"GCRF":    true,
	"EME2000": true,
	"J2000":   true,
	// SGP4 output frame. Treated as GCRS-equivalent for screening; the
	// TEME-to-GCRS rotation is tens of arcseconds, far below the coarse
	// covariances carried here.
	"TEME": true,
}

// Vec3 is a 3-vector in km or km/s.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 { return Vec3{v.X + w.X, v.Y + w.Y, v.Z + w.Z} }

// Sub returns v - w.
func (v Vec3) Sub(w Vec3) Vec3 { return Vec3{v.X - w.X, v.Y - w.Y, v.Z - w.Z} }

// Scale returns s * v.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{s * v.X, s * v.Y, s * v.Z} }

// Dot returns the scalar product of v and w.
func (v Vec3) Dot(w Vec3) float64 { return v.X*w.X + v.Y*w.Y + v.Z*w.Z }

// Cross returns the vector product of v and w.
func (v Vec3) Cross(w Vec3) Vec3 {
	return Vec3{
		v.Y*w.Z - v.Z*w.Y,
		v.Z*w.X - v.X*w.Z,
		v.X*w.Y - v.Y*w.X,
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// Unit returns v normalized, or fallback when v is numerically zero.
func (v Vec3) Unit(fallback Vec3) Vec3 {
	n := v.Norm()
	if n < 1e-12 {
		return fallback
	}
	return v.Scale(1 / n)
}

// Mat3 is a row-major 3x3 matrix.
type Mat3 [3][3]float64

// MulVec returns m * v.
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Mul returns m * n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += m[i][k] * n[k][j]
			}
		}
	}
	return out
}

// Transpose returns the transpose of m.
func (m Mat3) Transpose() Mat3 {
	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[j][i]
		}
	}
	return out
}

// RotateCovariance carries a position covariance through the basis rotation
// m: m * C * mᵀ.
func (m Mat3) RotateCovariance(c Mat3) Mat3 {
	return m.Mul(c).Mul(m.Transpose())
}

// State is a position/velocity pair in a named frame, km and km/s.
type State struct {
	Position Vec3
	Velocity Vec3
	Frame    string
}

// NormalizeFrame upper-cases a frame label and strips separators so
// "J2000", "j2000" and "J-2000" compare equal.
func NormalizeFrame(label string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(label), "-", "_"))
}

// ToCanonical re-expresses s in the canonical internal frame. Frames in the
// GCRS alias set pass through unchanged; anything else is rejected with
// ErrUnsupportedFrame.
func ToCanonical(s State) (State, error) {
	f := NormalizeFrame(s.Frame)
	if f == "" {
		return State{}, &ErrUnsupportedFrame{Frame: s.Frame}
	}
	if !canonicalAliases[f] {
		return State{}, &ErrUnsupportedFrame{Frame: s.Frame}
	}
	return State{Position: s.Position, Velocity: s.Velocity, Frame: Canonical}, nil
}

// RTN is an orthonormal Radial/Transverse/Normal basis around a primary
// state, with the relative state of the secondary expressed in it.
type RTN struct {
	// Rotation carries canonical-frame vectors into RTN components; its rows
	// are the R, T, N unit vectors.
	Rotation Mat3

	// RelativePosition and RelativeVelocity are secondary minus primary in
	// the canonical frame.
	RelativePosition Vec3
	RelativeVelocity Vec3
}

// Basis builds the RTN basis from a primary canonical-frame state: R along
// the radial unit vector, N along the orbital angular momentum, T completing
// the right-handed set in the velocity direction.
func Basis(position, velocity Vec3) Mat3 {
	rHat := position.Unit(Vec3{X: 1})
	nHat := position.Cross(velocity).Unit(Vec3{Z: 1})
	tHat := nHat.Cross(rHat).Unit(Vec3{Y: 1})
	// Re-derive N so the basis is orthonormal even for degenerate inputs.
	nHat = rHat.Cross(tHat).Unit(nHat)
	return Mat3{
		{rHat.X, rHat.Y, rHat.Z},
		{tHat.X, tHat.Y, tHat.Z},
		{nHat.X, nHat.Y, nHat.Z},
	}
}

// ToRTN derives the relative geometry of an encounter pair. Both states must
// already be canonical; mixed frames are rejected.
func ToRTN(primary, secondary State) (RTN, error) {
	p, err := ToCanonical(primary)
	if err != nil {
		return RTN{}, err
	}
	s, err := ToCanonical(secondary)
	if err != nil {
		return RTN{}, err
	}
	return RTN{
		Rotation:         Basis(p.Position, p.Velocity),
		RelativePosition: s.Position.Sub(p.Position),
		RelativeVelocity: s.Velocity.Sub(p.Velocity),
	}, nil
}

// Project expresses a canonical-frame vector in RTN components.
func (b RTN) Project(v Vec3) Vec3 {
	return b.Rotation.MulVec(v)
}
