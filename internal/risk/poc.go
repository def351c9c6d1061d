package risk

import (
	"math"

	"github.com/perigeelabs/perigee/internal/frames"
)

// vec2 and cov2 are the encounter-plane projections of the relative geometry
// and the combined covariance.
type vec2 struct{ x, y float64 }

type cov2 struct{ xx, xy, yy float64 }

func (c cov2) det() float64 { return c.xx*c.yy - c.xy*c.xy }

// encounterPlane builds an orthonormal basis perpendicular to the relative
// velocity and projects the miss vector and covariance into it. Returns
// false when the geometry is degenerate (no meaningful encounter plane).
func encounterPlane(in Input) (vec2, cov2, bool) {
	w := in.RelVelocityRTN
	if w.Norm() < 1e-9 {
		return vec2{}, cov2{}, false
	}
	wHat := w.Unit(frames.Vec3{})

	// Seed the first plane axis from whichever reference is least parallel
	// to the relative velocity.
	seed := frames.Vec3{Z: 1}
	if math.Abs(wHat.Dot(seed)) > 0.9 {
		seed = frames.Vec3{X: 1}
	}
	e1 := wHat.Cross(seed).Unit(frames.Vec3{})
	e2 := wHat.Cross(e1).Unit(frames.Vec3{})

	mu := vec2{x: in.RelPositionRTN.Dot(e1), y: in.RelPositionRTN.Dot(e2)}

	// Rotate the covariance into the (e1, e2, wHat) basis; the upper-left
	// block is the encounter-plane covariance.
	plane := frames.Mat3{
		{e1.X, e1.Y, e1.Z},
		{e2.X, e2.Y, e2.Z},
		{wHat.X, wHat.Y, wHat.Z},
	}
	rot := plane.RotateCovariance(*in.Covariance)
	proj := cov2{xx: rot[0][0], xy: rot[0][1], yy: rot[1][1]}
	if proj.xx <= 0 || proj.yy <= 0 || proj.det() <= 1e-18 {
		return vec2{}, cov2{}, false
	}
	return mu, proj, true
}

// mahalanobis is the normalized separation of the miss vector in the
// encounter plane, in combined sigma.
func mahalanobis(in Input) (float64, bool) {
	mu, c, ok := encounterPlane(in)
	if !ok {
		return 0, false
	}
	det := c.det()
	// Inverse of a symmetric 2x2.
	q := (c.yy*mu.x*mu.x - 2*c.xy*mu.x*mu.y + c.xx*mu.y*mu.y) / det
	if q < 0 {
		return 0, false
	}
	return math.Sqrt(q), true
}

// pocLite numerically integrates the bivariate Gaussian density of the
// encounter-plane covariance over the hard-body disk, using a polar
// (radius, angle) midpoint quadrature. The angular step count is
// configuration; radial resolution scales with it so a single knob tightens
// both steps together. This is explicitly an approximation and is never
// surfaced as a certified probability of collision.
func (s *Scorer) pocLite(in Input) (float64, bool) {
	hbr := *in.HardBodyRadiusKm
	if hbr <= 0 {
		return 0, false
	}
	mu, c, ok := encounterPlane(in)
	if !ok {
		return 0, false
	}

	det := c.det()
	norm := 1 / (2 * math.Pi * math.Sqrt(det))
	// Inverse covariance components.
	ixx := c.yy / det
	ixy := -c.xy / det
	iyy := c.xx / det

	nTheta := s.params.PoCAngularSteps
	nR := 2 * nTheta

	dr := hbr / float64(nR)
	dTheta := 2 * math.Pi / float64(nTheta)

	var sum float64
	for i := 0; i < nR; i++ {
		r := (float64(i) + 0.5) * dr
		for j := 0; j < nTheta; j++ {
			theta := (float64(j) + 0.5) * dTheta
			x := r*math.Cos(theta) - mu.x
			y := r*math.Sin(theta) - mu.y
			q := ixx*x*x + 2*ixy*x*y + iyy*y*y
			sum += math.Exp(-0.5*q) * r
		}
	}
	p := norm * sum * dr * dTheta
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, false
	}
	return clamp(p, 0, 1), true
}
