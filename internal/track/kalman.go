package track

import (
	"gonum.org/v1/gonum/mat"

	"github.com/safesite-data/sitewatch/internal/geom"
	"github.com/safesite-data/sitewatch/internal/monitoring"
)

const (
	stateDim = 8
	measDim  = 4

	// chi2Inv95 is the 0.95 quantile of the chi-squared distribution with
	// four degrees of freedom. Pairs whose squared Mahalanobis distance
	// exceeds it are infeasible regardless of appearance similarity.
	chi2Inv95 = 9.4877

	// gatingRejection is returned when the projected covariance is not
	// positive definite and the gating distance cannot be evaluated.
	gatingRejection = 1e9
)

// MotionState holds the Kalman state of one track: the 8-dimensional mean
// [cx, cy, a, h, vcx, vcy, va, vh] and its covariance.
type MotionState struct {
	Mean *mat.VecDense
	Cov  *mat.Dense
}

// KalmanFilter implements a constant-velocity motion model over bounding
// boxes in measurement space (center-x, center-y, aspect ratio, height).
// Process and measurement noise are scaled to the current box height so the
// tracking tolerance grows with object size.
type KalmanFilter struct {
	motionMat *mat.Dense // state transition F, dt = one frame
	updateMat *mat.Dense // observation H, position-only

	stdWeightPosition float64
	stdWeightVelocity float64
}

// NewKalmanFilter returns a filter with the standard noise parameterisation
// (position sigma h/20, velocity sigma h/160).
func NewKalmanFilter() *KalmanFilter {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
		if i < measDim {
			f.Set(i, i+measDim, 1)
		}
	}
	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}
	return &KalmanFilter{
		motionMat:         f,
		updateMat:         h,
		stdWeightPosition: 1.0 / 20,
		stdWeightVelocity: 1.0 / 160,
	}
}

// initCovariance builds the birth covariance for a track of the given
// height. Velocity variance is large because velocity is unobserved at
// birth.
func (kf *KalmanFilter) initCovariance(h float64) *mat.Dense {
	std := [stateDim]float64{
		2 * kf.stdWeightPosition * h,
		2 * kf.stdWeightPosition * h,
		1e-2,
		2 * kf.stdWeightPosition * h,
		10 * kf.stdWeightVelocity * h,
		10 * kf.stdWeightVelocity * h,
		1e-5,
		10 * kf.stdWeightVelocity * h,
	}
	cov := mat.NewDense(stateDim, stateDim, nil)
	for i, s := range std {
		cov.Set(i, i, s*s)
	}
	return cov
}

// Initiate creates the motion state for a new track from its first
// detection: position from the box, zero velocity.
func (kf *KalmanFilter) Initiate(box geom.BBox) MotionState {
	cx, cy, a, h := box.XYAH()
	mean := mat.NewVecDense(stateDim, nil)
	mean.SetVec(0, cx)
	mean.SetVec(1, cy)
	mean.SetVec(2, a)
	mean.SetVec(3, h)
	return MotionState{Mean: mean, Cov: kf.initCovariance(h)}
}

// Predict advances the state by one frame under the constant-velocity model
// and grows the covariance by height-scaled process noise.
func (kf *KalmanFilter) Predict(s *MotionState) {
	h := s.Mean.AtVec(3)
	std := [stateDim]float64{
		kf.stdWeightPosition * h,
		kf.stdWeightPosition * h,
		1e-2,
		kf.stdWeightPosition * h,
		kf.stdWeightVelocity * h,
		kf.stdWeightVelocity * h,
		1e-5,
		kf.stdWeightVelocity * h,
	}

	var mean mat.VecDense
	mean.MulVec(kf.motionMat, s.Mean)

	var fp, cov mat.Dense
	fp.Mul(kf.motionMat, s.Cov)
	cov.Mul(&fp, kf.motionMat.T())
	for i, sd := range std {
		cov.Set(i, i, cov.At(i, i)+sd*sd)
	}

	s.Mean = &mean
	s.Cov = &cov
}

// project maps the state distribution into measurement space, adding
// height-scaled measurement noise.
func (kf *KalmanFilter) project(s *MotionState) (*mat.VecDense, *mat.Dense) {
	h := s.Mean.AtVec(3)
	std := [measDim]float64{
		kf.stdWeightPosition * h,
		kf.stdWeightPosition * h,
		1e-1,
		kf.stdWeightPosition * h,
	}

	pm := mat.NewVecDense(measDim, nil)
	pm.MulVec(kf.updateMat, s.Mean)

	var hp, ps mat.Dense
	hp.Mul(kf.updateMat, s.Cov)
	ps.Mul(&hp, kf.updateMat.T())
	for i, sd := range std {
		ps.Set(i, i, ps.At(i, i)+sd*sd)
	}
	return pm, &ps
}

// softReset re-anchors the state position on the measurement and restores
// the initiation covariance. Velocity estimates are kept.
func (kf *KalmanFilter) softReset(s *MotionState, box geom.BBox) {
	cx, cy, a, h := box.XYAH()
	s.Mean.SetVec(0, cx)
	s.Mean.SetVec(1, cy)
	s.Mean.SetVec(2, a)
	s.Mean.SetVec(3, h)
	s.Cov = kf.initCovariance(h)
}

// Update corrects the state with a matched detection. If the projected
// covariance has lost positive definiteness the covariance is soft-reset to
// its initiation value and the position re-anchored on the measurement,
// rather than propagating NaNs through the track.
func (kf *KalmanFilter) Update(s *MotionState, box geom.BBox) {
	pm, ps := kf.project(s)

	chol, ok := factorize(ps)
	if !ok {
		monitoring.Logf("kalman: non-positive-definite innovation covariance, soft-resetting track state")
		kf.softReset(s, box)
		return
	}

	var sInv mat.SymDense
	if err := chol.InverseTo(&sInv); err != nil {
		monitoring.Logf("kalman: innovation covariance inversion failed, soft-resetting track state")
		kf.softReset(s, box)
		return
	}

	// Kalman gain K = P Hᵀ S⁻¹.
	var pht, gain mat.Dense
	pht.Mul(s.Cov, kf.updateMat.T())
	gain.Mul(&pht, &sInv)

	cx, cy, a, h := box.XYAH()
	z := mat.NewVecDense(measDim, []float64{cx, cy, a, h})
	var innov mat.VecDense
	innov.SubVec(z, pm)

	var corr mat.VecDense
	corr.MulVec(&gain, &innov)
	s.Mean.AddVec(s.Mean, &corr)

	// P' = P − K S Kᵀ.
	var ks, ksk, cov mat.Dense
	ks.Mul(&gain, ps)
	ksk.Mul(&ks, gain.T())
	cov.Sub(s.Cov, &ksk)
	s.Cov = &cov
}

// GatingDistance returns the squared Mahalanobis distance between the
// track's projected distribution and a candidate detection.
func (kf *KalmanFilter) GatingDistance(s *MotionState, box geom.BBox) float64 {
	pm, ps := kf.project(s)

	chol, ok := factorize(ps)
	if !ok {
		return gatingRejection
	}

	cx, cy, a, h := box.XYAH()
	z := mat.NewVecDense(measDim, []float64{cx, cy, a, h})
	var d mat.VecDense
	d.SubVec(z, pm)

	var y mat.VecDense
	if err := chol.SolveVecTo(&y, &d); err != nil {
		return gatingRejection
	}
	return mat.Dot(&d, &y)
}

// factorize symmetrises a small dense matrix and attempts a Cholesky
// factorisation. ok is false when the matrix is not positive definite.
func factorize(d *mat.Dense) (*mat.Cholesky, bool) {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, (d.At(i, j)+d.At(j, i))/2)
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, false
	}
	return &chol, true
}
